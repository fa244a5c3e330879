package order

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxSaltBits is the salt width the exchange accepts: the salt travels as
// a JSON number and must survive a float64 round trip.
const MaxSaltBits = 53

const saltMask = uint64(1)<<MaxSaltBits - 1

// SaltGenerator produces per-order salts from a random source.
type SaltGenerator struct {
	mu   sync.Mutex
	rand io.Reader
}

// NewSaltGenerator returns a generator reading from r, or crypto/rand when
// r is nil.
func NewSaltGenerator(r io.Reader) *SaltGenerator {
	if r == nil {
		r = rand.Reader
	}
	return &SaltGenerator{rand: r}
}

// Generate returns a fresh salt of at most 53 significant bits.
func (g *SaltGenerator) Generate() (uint64, error) {
	var b [8]byte
	g.mu.Lock()
	_, err := io.ReadFull(g.rand, b[:])
	g.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("order: read salt entropy: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]) & saltMask, nil
}
