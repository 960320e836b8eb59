// Package random provides cryptographically sourced seeds for the
// deterministic outcome generators.
package random

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// NewSeed returns a random int64 seed sourced from crypto/rand.
func NewSeed() (int64, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(raw[:])), nil
}
