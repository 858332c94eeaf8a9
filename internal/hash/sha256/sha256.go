// Package sha256 fingerprints the captured HTML behind each refined record.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements corpus.Hasher.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest stored in a record's sha256 field.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
