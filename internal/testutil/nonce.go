package testutil

import (
	"fmt"
	"sync"
)

// NonceSequence hands out predictable nonces ("<prefix>-0001", ...) so that
// ids derived from them are stable across runs and golden files.
type NonceSequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewNonceSequence creates a sequence. An empty prefix means "nonce".
func NewNonceSequence(prefix string) *NonceSequence {
	if prefix == "" {
		prefix = "nonce"
	}
	return &NonceSequence{prefix: prefix}
}

// Next returns the next nonce.
func (s *NonceSequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%04d", s.prefix, s.n)
}
