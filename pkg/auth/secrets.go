package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// GenerateSecret returns 32 random bytes, hex encoded. Used for admin API keys
// and client secret keys.
func GenerateSecret() (string, error) {
	return randomHex(32)
}

// GenerateNonce returns 16 random bytes, hex encoded.
func GenerateNonce() (string, error) {
	return randomHex(16)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SecureCompare compares two strings in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
