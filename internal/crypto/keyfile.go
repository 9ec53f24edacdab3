// Package crypto holds the wallet key handling used by the live venue:
// password-sealed key files, EIP-712 order signing and CLOB L2 request
// authentication.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyfileVersion = 1
	saltLen        = 16
	aesKeyLen      = 32
)

// kdfIterations is the PBKDF2-HMAC-SHA256 work factor for new key files.
// Files record the count they were sealed with.
var kdfIterations = 480_000

// ErrNoKey is returned by ResolveKey when no key source is configured.
var ErrNoKey = errors.New("crypto: no private key configured")

type keyfile struct {
	Version    int    `json:"version"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource lists the places a wallet key may come from. A raw key wins
// over a key file.
type KeySource struct {
	RawKey   string
	FilePath string
	Password string
}

// SealKey encrypts a hex private key with AES-256-GCM under a key derived
// from password and returns the JSON key file contents.
func SealKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: seal: empty password")
	}
	raw, err := decodeKey(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: seal: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: seal: salt: %w", err)
	}
	gcm, err := newGCM(password, salt, kdfIterations)
	if err != nil {
		return nil, fmt.Errorf("crypto: seal: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: seal: nonce: %w", err)
	}

	return json.MarshalIndent(keyfile{
		Version:    keyfileVersion,
		Iterations: kdfIterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, raw, nil)),
	}, "", "  ")
}

// OpenKey decrypts a key file produced by SealKey and returns the hex key
// without a 0x prefix.
func OpenKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: open: empty password")
	}
	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: open: parse: %w", err)
	}
	if kf.Version != keyfileVersion {
		return "", fmt.Errorf("crypto: open: unsupported version %d", kf.Version)
	}
	if kf.Iterations <= 0 {
		return "", fmt.Errorf("crypto: open: bad iteration count %d", kf.Iterations)
	}

	var salt, nonce, ct []byte
	for _, f := range []struct {
		dst *[]byte
		src string
	}{{&salt, kf.Salt}, {&nonce, kf.Nonce}, {&ct, kf.Ciphertext}} {
		b, err := base64.StdEncoding.DecodeString(f.src)
		if err != nil {
			return "", fmt.Errorf("crypto: open: decode: %w", err)
		}
		*f.dst = b
	}

	gcm, err := newGCM(password, salt, kf.Iterations)
	if err != nil {
		return "", fmt.Errorf("crypto: open: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return "", errors.New("crypto: open: bad nonce length")
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open: wrong password or corrupt file: %w", err)
	}
	return hex.EncodeToString(plain), nil
}

// ResolveKey returns the hex private key described by src.
func ResolveKey(src KeySource) (string, error) {
	if src.RawKey != "" {
		raw, err := decodeKey(src.RawKey)
		if err != nil {
			return "", fmt.Errorf("crypto: resolve: %w", err)
		}
		return hex.EncodeToString(raw), nil
	}
	if src.FilePath != "" {
		data, err := os.ReadFile(src.FilePath)
		if err != nil {
			return "", fmt.Errorf("crypto: resolve: %w", err)
		}
		return OpenKey(data, src.Password)
	}
	return "", ErrNoKey
}

func decodeKey(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("key is not hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key is %d bytes, want 32", len(raw))
	}
	return raw, nil
}

func newGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
