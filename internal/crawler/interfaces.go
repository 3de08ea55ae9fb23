package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// CacheStore is a key-value store with per-entry TTL. Implementations wrap
// unreachable backends in ErrCacheUnavailable.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// MemoryMonitor exposes the most recent memory sample without blocking.
type MemoryMonitor interface {
	Current() MemorySample
}

// RetryPolicy decides whether and when a failed attempt is retried.
// attempt is the zero-based index of the attempt that just failed.
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) bool
	Backoff(attempt int) time.Duration
}

// MetricsSink receives counter increments and gauges from the engine.
type MetricsSink interface {
	ObserveResult(url string, status Status, bytes int)
	ObserveRetry(url string)
	ObserveCacheError(op string)
	ObserveThrottle(wait time.Duration)
	SetInFlight(n int)
	SetMemoryUsage(fraction float64)
}

// Hasher computes digests for cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// NopMetrics discards everything.
type NopMetrics struct{}

// ObserveResult implements MetricsSink.
func (NopMetrics) ObserveResult(string, Status, int) {}

// ObserveRetry implements MetricsSink.
func (NopMetrics) ObserveRetry(string) {}

// ObserveCacheError implements MetricsSink.
func (NopMetrics) ObserveCacheError(string) {}

// ObserveThrottle implements MetricsSink.
func (NopMetrics) ObserveThrottle(time.Duration) {}

// SetInFlight implements MetricsSink.
func (NopMetrics) SetInFlight(int) {}

// SetMemoryUsage implements MetricsSink.
func (NopMetrics) SetMemoryUsage(float64) {}
