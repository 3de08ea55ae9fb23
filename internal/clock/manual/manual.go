// Package manual provides a hand-advanced clock for deterministic expiry tests.
package manual

import (
	"sync"
	"time"
)

// Clock only moves when Advance or Set is called.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// New returns a Clock frozen at start.
func New(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now implements crawler.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
