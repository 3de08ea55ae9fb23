package crawler

import (
	"math"
	"strings"
	"time"
)

// Backoff strategies accepted by NewRetryPolicy.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
)

// ExponentialRetryPolicy implements RetryPolicy with capped doubling backoff.
// Delays never decrease from one attempt to the next.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy that retries transient errors up
// to maxAttempts times.
func NewExponentialRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	baseDelay, maxDelay = sanitizeDelays(baseDelay, maxDelay)
	return &ExponentialRetryPolicy{
		maxAttempts: max(0, maxAttempts),
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// ShouldRetry decides whether the error is retryable.
func (p *ExponentialRetryPolicy) ShouldRetry(attempt int, err error) bool {
	return shouldRetry(p.maxAttempts, attempt, err)
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) || math.IsInf(delay, 0) {
		return p.maxDelay
	}
	return time.Duration(delay)
}

// LinearRetryPolicy grows the delay by baseDelay per attempt, capped at maxDelay.
type LinearRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewLinearRetryPolicy builds a linear backoff policy.
func NewLinearRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *LinearRetryPolicy {
	baseDelay, maxDelay = sanitizeDelays(baseDelay, maxDelay)
	return &LinearRetryPolicy{
		maxAttempts: max(0, maxAttempts),
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// ShouldRetry decides whether the error is retryable.
func (p *LinearRetryPolicy) ShouldRetry(attempt int, err error) bool {
	return shouldRetry(p.maxAttempts, attempt, err)
}

// Backoff returns baseDelay*(attempt+1), capped.
func (p *LinearRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	steps := int64(attempt) + 1
	if p.baseDelay > 0 && steps > int64(p.maxDelay/p.baseDelay) {
		return p.maxDelay
	}
	return time.Duration(steps) * p.baseDelay
}

// NewRetryPolicy returns the policy for the named strategy.
func NewRetryPolicy(strategy string, maxAttempts int, baseDelay, maxDelay time.Duration) (RetryPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "", BackoffExponential:
		return NewExponentialRetryPolicy(maxAttempts, baseDelay, maxDelay), nil
	case BackoffLinear:
		return NewLinearRetryPolicy(maxAttempts, baseDelay, maxDelay), nil
	default:
		return nil, invalidConfig("unknown retry strategy %q", strategy)
	}
}

func shouldRetry(maxAttempts, attempt int, err error) bool {
	if err == nil {
		return false
	}
	if attempt >= maxAttempts {
		return false
	}
	return Classify(err) == ClassTransient
}

func sanitizeDelays(base, limit time.Duration) (time.Duration, time.Duration) {
	if base < 0 {
		base = 0
	}
	if limit < base {
		limit = base
	}
	return base, limit
}
