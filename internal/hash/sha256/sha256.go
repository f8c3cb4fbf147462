// Package sha256 derives the names stored covers are written under.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the hex digest of data.
func (Hasher) Hash(data []byte) (string, error) {
	return Sum(string(data)), nil
}

// Sum returns the hex digest of s.
func Sum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
