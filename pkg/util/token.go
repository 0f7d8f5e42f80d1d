package util

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// GenerateToken returns n random bytes hex encoded, used for lock ownership tokens.
func GenerateToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// TokenEqual compares two secrets in constant time.
func TokenEqual(given, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(given), []byte(expected)) == 1
}
