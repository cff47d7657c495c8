package engine

import "sync/atomic"

// Clock is a monotonic counter.
//
// Contexts stamp their identifiers from a clock shared by one context tree,
// so identifiers are unique and ordered by creation within a document.
// Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next value and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current value without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
