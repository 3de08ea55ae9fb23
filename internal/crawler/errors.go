package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
)

var (
	// ErrCacheUnavailable marks a cache backend that could not be reached.
	// The engine treats it as a miss.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrInvalidConfig is wrapped by every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorKind enumerates the failure modes a Fetcher reports.
type ErrorKind int

// Known fetch failure kinds.
const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindConnection
	KindHTTPStatus
	KindBackendCrashed
	KindPoolExhausted
	KindMalformedURL
	KindDNS
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindHTTPStatus:
		return "http_status"
	case KindBackendCrashed:
		return "backend_crashed"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindMalformedURL:
		return "malformed_url"
	case KindDNS:
		return "dns"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ErrorClass groups kinds by how the engine reacts to them.
type ErrorClass int

// Error classes used by retry decisions.
const (
	// ClassPermanent errors are never retried.
	ClassPermanent ErrorClass = iota
	// ClassTransient errors consume the retry budget.
	ClassTransient
	// ClassResource errors are recovered by the backend (fresh session)
	// without consuming the retry budget, up to a separate bound.
	ClassResource
)

// FetchError is the typed error returned by Fetcher implementations.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

// NewFetchError builds a FetchError.
func NewFetchError(kind ErrorKind, rawURL string, err error) *FetchError {
	return &FetchError{Kind: kind, URL: rawURL, Err: err}
}

// NewStatusError builds a FetchError for an HTTP status >= 400.
func NewStatusError(rawURL string, code int) *FetchError {
	return &FetchError{
		Kind:       KindHTTPStatus,
		URL:        rawURL,
		StatusCode: code,
		Err:        fmt.Errorf("unexpected status %d %s", code, http.StatusText(code)),
	}
}

func (e *FetchError) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	}
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Class reports how the engine should treat the error.
func (e *FetchError) Class() ErrorClass {
	switch e.Kind {
	case KindTimeout, KindConnection:
		return ClassTransient
	case KindHTTPStatus:
		if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
			return ClassTransient
		}
		return ClassPermanent
	case KindBackendCrashed, KindPoolExhausted:
		return ClassResource
	default:
		return ClassPermanent
	}
}

// Classify maps any error onto an ErrorClass. Untyped errors go through
// ClassifyTransportError first.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class()
	}
	return ClassifyTransportError("", err).Class()
}

// ClassifyTransportError converts a raw client/transport error into a FetchError.
// Already-typed errors are returned unchanged.
func ClassifyTransportError(rawURL string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, context.Canceled):
		return NewFetchError(KindCanceled, rawURL, err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewFetchError(KindTimeout, rawURL, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout || dnsErr.IsTemporary {
			return NewFetchError(KindConnection, rawURL, err)
		}
		return NewFetchError(KindDNS, rawURL, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return NewFetchError(KindTimeout, rawURL, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewFetchError(KindTimeout, rawURL, err)
		}
		return NewFetchError(KindConnection, rawURL, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return NewFetchError(KindConnection, rawURL, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unsupported protocol scheme"),
		strings.Contains(msg, "missing protocol scheme"),
		strings.Contains(msg, "invalid url"):
		return NewFetchError(KindMalformedURL, rawURL, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return NewFetchError(KindTimeout, rawURL, err)
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "eof"):
		return NewFetchError(KindConnection, rawURL, err)
	}
	return NewFetchError(KindUnknown, rawURL, err)
}

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
