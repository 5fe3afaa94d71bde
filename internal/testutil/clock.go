package testutil

import "sync"

// DeterministicClock is a resettable logical clock for tests.
//
// Unlike clock.Clock it can be reset for test reuse, so the same scenario
// produces identical lamport values on every run.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu  sync.Mutex
	seq int64
}

// NewDeterministicClock creates a new deterministic clock starting at 0.
//
// The first call to Next() returns 1.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{seq: 0}
}

// Next increments and returns the next clock value.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Observe advances the clock to at least the seen value.
func (c *DeterministicClock) Observe(seen int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seen > c.seq {
		c.seq = seen
	}
}

// Current returns the current clock value without incrementing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset resets the clock to 0. After Reset() the next call to Next()
// returns 1.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}
