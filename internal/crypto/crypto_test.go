package crypto

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known test key (hardhat account #0).
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func init() {
	kdfIterations = 1000
}

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := SealKey(testKey, "hunter2")
	require.NoError(t, err)

	key, err := OpenKey(sealed, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey[2:], key)

	_, err = OpenKey(sealed, "wrong")
	assert.Error(t, err)
}

func TestSealKey_Rejects(t *testing.T) {
	_, err := SealKey(testKey, "")
	assert.Error(t, err)
	_, err = SealKey("0xabcd", "pw")
	assert.Error(t, err)
	_, err = SealKey("zz", "pw")
	assert.Error(t, err)
}

func TestResolveKey(t *testing.T) {
	key, err := ResolveKey(KeySource{RawKey: testKey})
	require.NoError(t, err)
	assert.Equal(t, testKey[2:], key)

	sealed, err := SealKey(testKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	key, err = ResolveKey(KeySource{FilePath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testKey[2:], key)

	_, err = ResolveKey(KeySource{})
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestSigner_Address(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())
}

func TestSigner_SignAuthRecovers(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)

	sig, err := s.SignAuth("1700000000", 0)
	require.NoError(t, err)
	assert.Len(t, sig, 2+130)

	structHash := ethcrypto.Keccak256(concat(
		clobAuthTypeHash,
		common.LeftPadBytes(s.Address().Bytes(), 32),
		ethcrypto.Keccak256([]byte("1700000000")),
		word(big.NewInt(0)),
		ethcrypto.Keccak256([]byte(clobAuthMessage)),
	))
	addr, err := Recover(typedDigest(s.authSep, structHash), sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)
}

func TestSigner_SignOrder(t *testing.T) {
	s, err := NewSigner(testKey, 137)
	require.NoError(t, err)

	o := Order{
		Salt:        big.NewInt(42),
		Maker:       s.Address(),
		Signer:      s.Address(),
		TokenID:     big.NewInt(123456),
		MakerAmount: big.NewInt(5_000_000),
		TakerAmount: big.NewInt(10_000_000),
		Expiration:  big.NewInt(0),
		Nonce:       big.NewInt(0),
		FeeRateBps:  big.NewInt(0),
		Side:        SideBuy,
	}
	a, err := s.SignOrder(o, CTFExchange)
	require.NoError(t, err)
	b, err := s.SignOrder(o, NegRiskExchange)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "exchange is part of the signed domain")

	o.TokenID = nil
	_, err = s.SignOrder(o, CTFExchange)
	assert.Error(t, err)
}

func TestL2Credentials_Headers(t *testing.T) {
	c := L2Credentials{Key: "key-1234", Secret: "c2VjcmV0", Passphrase: "pp"}
	assert.True(t, c.Valid())

	at := time.Unix(1700000000, 0)
	h1 := c.Headers("0xabc", "POST", "/order", `{"a":1}`, at)
	h2 := c.Headers("0xabc", "POST", "/order", `{"a":1}`, at)
	assert.Equal(t, h1, h2)
	assert.Equal(t, "1700000000", h1["POLY_TIMESTAMP"])
	assert.Equal(t, "key-1234", h1["POLY_API_KEY"])
	assert.NotEmpty(t, h1["POLY_SIGNATURE"])

	h3 := c.Headers("0xabc", "POST", "/order", `{"a":2}`, at)
	assert.NotEqual(t, h1["POLY_SIGNATURE"], h3["POLY_SIGNATURE"])

	assert.NotContains(t, c.String(), "c2VjcmV0")
	assert.False(t, L2Credentials{Key: "k"}.Valid())
}
