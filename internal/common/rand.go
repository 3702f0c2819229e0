package common

import (
	"crypto/rand"
	"encoding/base64"
)

// MakeRandToken generates a cryptographically secure random token of the
// given byte size, encoded as a URL-safe base64 string without padding.
// Used for upload-ticket tokens that travel back through callers.
func MakeRandToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateRandByteArray returns size cryptographically random bytes.
// rand.Read never fails on supported platforms; a failure here panics
// rather than returning weak material.
func GenerateRandByteArray(size int) []byte {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
