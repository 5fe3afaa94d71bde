// Package clock implements the per-actor Lamport clock used to stamp status
// events.
//
// Every actor keeps its own counter. Emission stamps an event with
// max(local, highest clock seen in the log) + 1, so an event is always
// ordered after everything its emitter had observed. Wall-clock time never
// participates in ordering; it is carried on events as an informational
// tiebreaker only.
package clock

import "sync/atomic"

// Clock is a Lamport counter. Safe for concurrent use, though the
// single-writer-per-branch append discipline means one goroutine typically
// drives it.
type Clock struct {
	counter atomic.Int64
}

// New creates a clock starting at 0. The first Tick returns 1.
func New() *Clock {
	return &Clock{}
}

// NewAt creates a clock resumed at a known counter value, e.g. the highest
// clock found in an existing log.
func NewAt(start int64) *Clock {
	c := &Clock{}
	c.counter.Store(start)
	return c
}

// Observe folds an externally seen clock value into the counter. After
// Observe(n), the next Tick returns at least n+1. Called once per event
// while reading a log before appending to it.
func (c *Clock) Observe(seen int64) {
	for {
		cur := c.counter.Load()
		if seen <= cur {
			return
		}
		if c.counter.CompareAndSwap(cur, seen) {
			return
		}
	}
}

// Tick advances the clock and returns the new value. Each call returns a
// unique, strictly increasing value.
func (c *Clock) Tick() int64 {
	return c.counter.Add(1)
}

// Current returns the counter without advancing it.
func (c *Clock) Current() int64 {
	return c.counter.Load()
}
