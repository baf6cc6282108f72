// Package testutil provides deterministic fakes for engine tests: a wall
// clock, an in-memory document store with failure injection and a recording
// dispatcher.
package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time for DeterministicClock.
var Epoch = time.Date(2025, 10, 12, 9, 0, 0, 0, time.UTC)

// DeterministicClock is a wall clock for tests.
//
// Each call to Now returns the current time and then advances it by the
// step, so successive timestamps are strictly increasing and identical
// across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
}

// NewDeterministicClock creates a clock at Epoch stepping one second per call.
func NewDeterministicClock() *DeterministicClock {
	return NewDeterministicClockAt(Epoch, time.Second)
}

// NewDeterministicClockAt creates a clock at start stepping by step per call.
// A step of 0 freezes the clock until Advance is called.
func NewDeterministicClockAt(start time.Time, step time.Duration) *DeterministicClock {
	return &DeterministicClock{start: start, now: start, step: step}
}

// Now returns the current time and advances the clock by its step.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the current time without advancing.
func (c *DeterministicClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset returns the clock to its start time.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
