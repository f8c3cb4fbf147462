// Package xxhash provides the fast non-cryptographic hasher used for
// admission keys.
package xxhash

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Hasher implements crawler.Hasher with XXH64.
type Hasher struct{}

// New returns an XXH64 hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the 16 character hex digest of data.
func (Hasher) Hash(data []byte) (string, error) {
	return Hex(xxhash.Sum64(data)), nil
}

// Strings hashes the concatenation of parts without allocating a joined
// buffer.
func Strings(parts ...string) string {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
	}
	return Hex(d.Sum64())
}

// Hex renders sum as zero-padded lowercase hex.
func Hex(sum uint64) string {
	s := strconv.FormatUint(sum, 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}
