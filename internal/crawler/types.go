// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// Status is the terminal outcome recorded for one input URL.
type Status string

// Terminal statuses emitted on the result stream.
const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusCached  Status = "cached"
)

// FetchRequest captures everything a Fetcher needs for one attempt.
type FetchRequest struct {
	URL     string
	Attempt int
	Timeout time.Duration
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// FetchResult is the terminal, immutable outcome for one input position.
type FetchResult struct {
	// Index is the position of the URL in the caller's input slice.
	Index int `json:"index"`
	// URL is the URL exactly as supplied by the caller.
	URL string `json:"url"`
	// CanonicalURL is the normalized form used for dedup and cache keys.
	CanonicalURL string `json:"canonical_url,omitempty"`
	Status       Status `json:"status"`
	Payload      []byte `json:"-"`
	// Err holds the last error for failures; nil otherwise.
	Err     error         `json:"-"`
	Elapsed time.Duration `json:"elapsed"`
	// Attempts counts backend calls made for this URL (0 for cache hits).
	Attempts int `json:"attempts"`
	// Deduplicated marks results resolved from another input position's fetch.
	Deduplicated bool `json:"deduplicated,omitempty"`
	StatusCode   int  `json:"status_code,omitempty"`
	UsedHeadless bool `json:"used_headless,omitempty"`
}

// ErrorText returns the error text for serialization, or "" on success.
func (r FetchResult) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// MemorySample is the latest memory reading published by a watchdog.
type MemorySample struct {
	UsedFraction float64   `json:"used_fraction"`
	Timestamp    time.Time `json:"timestamp"`
}

// Percent returns the sample as a 0-100 percentage.
func (s MemorySample) Percent() float64 {
	return s.UsedFraction * 100
}
