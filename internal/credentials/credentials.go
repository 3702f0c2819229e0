// Package credentials implements password hashing and verification for
// password-protected download grants. Passwords are stretched with
// PBKDF2-HMAC-SHA256 and only the derived key, salt and parameters are
// persisted; the plaintext never leaves this package.
package credentials

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"github.com/avolkov/filedepot/internal/common"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Algorithm tags the record so a future KDF change can coexist with
	// previously stored records.
	Algorithm = "pbkdf2-sha256"

	DefaultIterations = 120000

	keyLen  = 32
	saltLen = 16
)

// Record is the storable form of a hashed password. Binary fields are
// base64-encoded.
type Record struct {
	Hash       string `json:"hash"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Algorithm  string `json:"algorithm"`
}

// Hash derives a Record for the given password using DefaultIterations.
func Hash(password string) Record {
	return HashWithIterations(password, DefaultIterations)
}

// HashWithIterations derives a Record with an explicit iteration count.
func HashWithIterations(password string, iterations int) Record {
	salt := common.GenerateRandByteArray(saltLen)
	key := pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha256.New)
	return Record{
		Hash:       base64.StdEncoding.EncodeToString(key),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Iterations: iterations,
		Algorithm:  Algorithm,
	}
}

// Verify reports whether password matches the stored record. Malformed
// records (missing fields, unknown algorithm, undecodable base64) verify
// as false. The comparison of derived keys is constant-time.
func Verify(password string, rec Record) bool {
	if rec.Hash == "" || rec.Salt == "" || rec.Iterations <= 0 {
		return false
	}
	if rec.Algorithm != Algorithm {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(rec.Hash)
	if err != nil {
		return false
	}

	got := pbkdf2.Key([]byte(password), salt, rec.Iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
