// Package sha256 derives fixed-length cache keys from canonical URLs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Key returns prefix followed by the hex digest of canonicalURL.
func (h *Hasher) Key(prefix, canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return prefix + hex.EncodeToString(sum[:])
}
