// Package system provides the wall clock used for cache expiry and sample
// timestamps.
package system

import "time"

// Clock implements crawler.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. The monotonic reading is kept so
// expiry comparisons are immune to wall clock steps.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
