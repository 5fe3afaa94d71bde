package testutil

import (
	"fmt"
	"sync"
	"time"
)

// IDSequence hands out stable event ids ("e1", "e2", ...) so scenario
// traces and golden files stay identical across runs. Production code uses
// UUIDv7 ids; the merge path only requires ids to be unique and totally
// ordered as strings within a test.
type IDSequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewIDSequence creates a sequence with the given prefix. An empty prefix
// defaults to "e".
func NewIDSequence(prefix string) *IDSequence {
	if prefix == "" {
		prefix = "e"
	}
	return &IDSequence{prefix: prefix}
}

// Next returns the next id in the sequence.
func (s *IDSequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s%d", s.prefix, s.n)
}

// Reset restarts the sequence.
func (s *IDSequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = 0
}

// TimeSequence produces deterministic wall-clock stamps: a fixed base time
// advanced by a fixed step per call. Scenario events get distinct, ordered
// timestamps without touching the real clock.
type TimeSequence struct {
	mu   sync.Mutex
	base time.Time
	step time.Duration
	n    int
}

// NewTimeSequence creates a sequence starting at base, advancing by step
// per call to Next.
func NewTimeSequence(base time.Time, step time.Duration) *TimeSequence {
	return &TimeSequence{base: base, step: step}
}

// Next returns the next timestamp in the sequence.
func (s *TimeSequence) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.base.Add(time.Duration(s.n) * s.step)
	s.n++
	return t
}
