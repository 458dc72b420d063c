// Package idgen generates identifiers for score rows, runs, audit entries
// and token nonces.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NonceBytes is the size of a token nonce (128 bits).
const NonceBytes = 16

// UUID returns a random (v4) UUID string.
func UUID() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "cs_", "run_", "aud_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Nonce returns a 128-bit random value as 32 hex chars.
func Nonce() string {
	return Hex(NonceBytes)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
