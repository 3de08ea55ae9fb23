package crawler

import (
	"time"
)

// Engine configuration limits and defaults.
const (
	MinConcurrentRequests        = 1
	MaxConcurrentRequests        = 10
	DefaultMaxConcurrentRequests = 8
	DefaultMemoryThreshold       = 75.0
	DefaultCacheTTL              = 1800 * time.Second
	DefaultRequestTimeout        = 30 * time.Second
	DefaultRetryAttempts         = 3
	DefaultThrottlePollInterval  = 250 * time.Millisecond
	DefaultResourceRetries       = 2
)

// Config holds the settings for an orchestration engine. It is decoupled
// from Viper so the engine can be configured and tested independently.
type Config struct {
	// MaxConcurrentRequests caps in-flight backend calls (1..10).
	MaxConcurrentRequests int
	// MemoryThreshold is the percentage (0..100) above which new fetch
	// slots are withheld.
	MemoryThreshold float64
	// CacheTTL is the lifetime of cache entries written after a fetch.
	// Zero disables write-through.
	CacheTTL time.Duration
	// RequestTimeout bounds a single backend call.
	RequestTimeout time.Duration
	// RetryAttempts is the maximum number of retries per URL.
	RetryAttempts int
	// PreserveOrder emits results in input order instead of completion order.
	PreserveOrder bool
	// AbandonOnCancel cancels in-flight fetches with the run context. When
	// false they run to completion (bounded by RequestTimeout).
	AbandonOnCancel bool
	// ThrottlePollInterval is how often the memory gate re-reads the watchdog.
	ThrottlePollInterval time.Duration
	// ResourceRetries bounds backend recoveries (fresh browser session,
	// pool exhaustion) that do not consume RetryAttempts.
	ResourceRetries int
}

// DefaultConfig returns a Config populated with documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		MemoryThreshold:       DefaultMemoryThreshold,
		CacheTTL:              DefaultCacheTTL,
		RequestTimeout:        DefaultRequestTimeout,
		RetryAttempts:         DefaultRetryAttempts,
		ThrottlePollInterval:  DefaultThrottlePollInterval,
		ResourceRetries:       DefaultResourceRetries,
	}
}

// Validate checks every knob against its documented range.
func (c Config) Validate() error {
	if c.MaxConcurrentRequests < MinConcurrentRequests || c.MaxConcurrentRequests > MaxConcurrentRequests {
		return invalidConfig("max_concurrent_requests must be within %d..%d, got %d",
			MinConcurrentRequests, MaxConcurrentRequests, c.MaxConcurrentRequests)
	}
	if c.MemoryThreshold < 0 || c.MemoryThreshold > 100 {
		return invalidConfig("memory_threshold must be within 0..100, got %v", c.MemoryThreshold)
	}
	if c.CacheTTL < 0 {
		return invalidConfig("cache_ttl must be >= 0, got %s", c.CacheTTL)
	}
	if c.RequestTimeout <= 0 {
		return invalidConfig("request_timeout must be > 0, got %s", c.RequestTimeout)
	}
	if c.RetryAttempts < 0 {
		return invalidConfig("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.ThrottlePollInterval < 0 {
		return invalidConfig("throttle_poll_interval must be >= 0, got %s", c.ThrottlePollInterval)
	}
	if c.ResourceRetries < 0 {
		return invalidConfig("resource_retries must be >= 0, got %d", c.ResourceRetries)
	}
	return nil
}

func (c Config) pollInterval() time.Duration {
	if c.ThrottlePollInterval > 0 {
		return c.ThrottlePollInterval
	}
	return DefaultThrottlePollInterval
}
