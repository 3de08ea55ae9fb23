// Package cache holds CacheStore helpers shared by the concrete backends.
package cache

import (
	"context"
	"time"
)

// Backend names accepted in configuration.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNone   = "none"
)

// Noop never stores anything; every Get is a miss.
type Noop struct{}

// NewNoop returns a store that disables caching.
func NewNoop() Noop {
	return Noop{}
}

// Get always misses.
func (Noop) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

// Set discards the value.
func (Noop) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// Invalidate is a no-op.
func (Noop) Invalidate(context.Context, string) error {
	return nil
}
