package services

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const orderNumberTimeLayout = "060102150405"

// orderNumberSuffixLen keeps 40 random bits of the ULID entropy.
const orderNumberSuffixLen = 8

// OrderNumberGenerator produces human-facing order numbers: a UTC second-resolution timestamp followed by
// random ULID characters. The store's unique index backs the guarantee; callers regenerate on conflict.
type OrderNumberGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewOrderNumberGenerator builds a generator reading randomness from entropy (crypto/rand when nil).
func NewOrderNumberGenerator(entropy io.Reader) *OrderNumberGenerator {
	if entropy == nil {
		entropy = rand.Reader
	}
	return &OrderNumberGenerator{entropy: entropy}
}

// Next returns a fresh number for an order placed at now.
func (g *OrderNumberGenerator) Next(now time.Time) (string, error) {
	g.mu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), g.entropy)
	g.mu.Unlock()
	if err != nil {
		return "", err
	}
	random := id.String()[10:]
	return now.UTC().Format(orderNumberTimeLayout) + random[:orderNumberSuffixLen], nil
}
