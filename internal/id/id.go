// Package id provides identifier generators.
package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// UUIDv7 creates time-ordered UUID strings for reports, replies, and events.
type UUIDv7 struct{}

// NewUUIDv7 creates a UUIDv7 generator.
func NewUUIDv7() UUIDv7 {
	return UUIDv7{}
}

// NewID returns a UUIDv7 string.
func (UUIDv7) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Sequence yields prefix-1, prefix-2, ... and is safe for concurrent use.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewSequence creates a deterministic generator.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// NewID returns the next id in the sequence.
func (s *Sequence) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s-%d", s.prefix, s.next), nil
}
