package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// L2Credentials are the CLOB API key triple derived from a wallet
// signature. They authenticate every trading request.
type L2Credentials struct {
	Key        string
	Secret     string // URL-safe base64
	Passphrase string
}

// Valid reports whether all three parts are present.
func (c L2Credentials) Valid() bool {
	return c.Key != "" && c.Secret != "" && c.Passphrase != ""
}

// Headers returns the POLY_* headers for a request signed at now.
func (c L2Credentials) Headers(address, method, path, body string, now time.Time) map[string]string {
	ts := strconv.FormatInt(now.Unix(), 10)
	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    c.Key,
		"POLY_PASSPHRASE": c.Passphrase,
		"POLY_TIMESTAMP":  ts,
		"POLY_SIGNATURE":  c.signature(ts + method + path + body),
	}
}

func (c L2Credentials) signature(message string) string {
	secret, err := base64.URLEncoding.DecodeString(c.Secret)
	if err != nil {
		secret, err = base64.StdEncoding.DecodeString(c.Secret)
	}
	if err != nil {
		secret = []byte(c.Secret)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// String redacts the secret parts for logging.
func (c L2Credentials) String() string {
	key := "****"
	if len(c.Key) > 4 {
		key = c.Key[:4] + "****"
	}
	return fmt.Sprintf("L2Credentials{key=%s}", key)
}
