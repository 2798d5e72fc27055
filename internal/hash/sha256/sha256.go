// Package sha256 hashes canonical search keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements product.Hasher with a hex-encoded SHA-256 digest.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash never fails.
func (*Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
