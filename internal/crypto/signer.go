package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Exchange contracts on Polygon mainnet. Orders are signed against the
// exchange that settles the market.
var (
	CTFExchange     = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	NegRiskExchange = common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a")
)

var (
	authDomainTypeHash = ethcrypto.Keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)"))
	exchangeDomainTypeHash = ethcrypto.Keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	clobAuthTypeHash = ethcrypto.Keccak256([]byte(
		"ClobAuth(address address,string timestamp,uint256 nonce,string message)"))
	orderTypeHash = ethcrypto.Keccak256([]byte(
		"Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"))
)

const clobAuthMessage = "This message attests that I control the given wallet"

// Side values as encoded in a signed order.
const (
	SideBuy  uint8 = 0
	SideSell uint8 = 1
)

// Order is the signed part of a CLOB order. Amounts are in the token's
// smallest unit (6 decimals for both collateral and outcome shares).
type Order struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

// Signer signs CLOB auth messages and orders with a secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	authSep []byte
}

// NewSigner parses a hex private key for the given chain (137 for Polygon).
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	raw, err := decodeKey(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: signer: %w", err)
	}
	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: signer: %w", err)
	}
	s := &Signer{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
	}
	s.authSep = ethcrypto.Keccak256(concat(
		authDomainTypeHash,
		ethcrypto.Keccak256([]byte("ClobAuthDomain")),
		ethcrypto.Keccak256([]byte("1")),
		word(s.chainID),
	))
	return s, nil
}

// Address is the EOA derived from the key.
func (s *Signer) Address() common.Address { return s.address }

// SignAuth signs the ClobAuth message used to derive L2 API credentials.
func (s *Signer) SignAuth(timestamp string, nonce int64) (string, error) {
	structHash := ethcrypto.Keccak256(concat(
		clobAuthTypeHash,
		common.LeftPadBytes(s.address.Bytes(), 32),
		ethcrypto.Keccak256([]byte(timestamp)),
		word(big.NewInt(nonce)),
		ethcrypto.Keccak256([]byte(clobAuthMessage)),
	))
	return s.sign(typedDigest(s.authSep, structHash))
}

// SignOrder signs o for settlement on the given exchange contract.
func (s *Signer) SignOrder(o Order, exchange common.Address) (string, error) {
	for _, n := range []*big.Int{o.Salt, o.TokenID, o.MakerAmount, o.TakerAmount, o.Expiration, o.Nonce, o.FeeRateBps} {
		if n == nil || n.Sign() < 0 {
			return "", fmt.Errorf("crypto: sign order: missing or negative field")
		}
	}
	sep := ethcrypto.Keccak256(concat(
		exchangeDomainTypeHash,
		ethcrypto.Keccak256([]byte("Polymarket CTF Exchange")),
		ethcrypto.Keccak256([]byte("1")),
		word(s.chainID),
		common.LeftPadBytes(exchange.Bytes(), 32),
	))
	structHash := ethcrypto.Keccak256(concat(
		orderTypeHash,
		word(o.Salt),
		common.LeftPadBytes(o.Maker.Bytes(), 32),
		common.LeftPadBytes(o.Signer.Bytes(), 32),
		common.LeftPadBytes(o.Taker.Bytes(), 32),
		word(o.TokenID),
		word(o.MakerAmount),
		word(o.TakerAmount),
		word(o.Expiration),
		word(o.Nonce),
		word(o.FeeRateBps),
		word(big.NewInt(int64(o.Side))),
		word(big.NewInt(int64(o.SignatureType))),
	))
	return s.sign(typedDigest(sep, structHash))
}

// Recover returns the address that produced sig over digest. It is the
// inverse of the signing helpers and used to verify them.
func Recover(digest []byte, sig string) (common.Address, error) {
	raw, err := hex.DecodeString(trim0x(sig))
	if err != nil || len(raw) != 65 {
		return common.Address{}, fmt.Errorf("crypto: recover: malformed signature")
	}
	raw[64] -= 27
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func (s *Signer) sign(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

func typedDigest(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concat([]byte{0x19, 0x01}, domainSep, structHash))
}

func word(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
