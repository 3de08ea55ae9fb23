// Package headless fetches pages through a pool of reusable browser sessions.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchfetch/internal/crawler"
)

// Pool defaults.
const (
	DefaultPoolSize               = 2
	DefaultAcquireTimeout         = 30 * time.Second
	DefaultHealthTimeout          = 5 * time.Second
	DefaultMaxConsecutiveFailures = 2
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("browser pool closed")

// Session is one live browser instance.
type Session interface {
	ID() string
	Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error)
	// Healthy reports whether the session still responds.
	Healthy(ctx context.Context) bool
	Close() error
}

// SessionFactory launches a new Session.
type SessionFactory func(ctx context.Context, id string) (Session, error)

// PoolConfig sizes the pool and its health rules.
type PoolConfig struct {
	Size           int
	AcquireTimeout time.Duration
	HealthTimeout  time.Duration
	// MaxConsecutiveFailures destroys a session after that many failed
	// fetches in a row.
	MaxConsecutiveFailures int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Size <= 0 {
		c.Size = DefaultPoolSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	return c
}

// PoolStats describes pool activity.
type PoolStats struct {
	Size      int   `json:"size"`
	Idle      int   `json:"idle"`
	Created   int64 `json:"created"`
	Destroyed int64 `json:"destroyed"`
}

type pooledSession struct {
	Session
	failures int
}

// Pool lends sessions to one caller at a time. Sessions are created lazily,
// reused while healthy and replaced after repeated failures. Pool implements
// crawler.Fetcher.
type Pool struct {
	cfg     PoolConfig
	factory SessionFactory
	logger  *zap.Logger

	tokens chan struct{}

	mu     sync.Mutex
	idle   []*pooledSession
	closed bool

	seq       atomic.Int64
	created   atomic.Int64
	destroyed atomic.Int64
}

// NewPool builds a pool; no session is launched until first use.
func NewPool(cfg PoolConfig, factory SessionFactory, logger *zap.Logger) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("session factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger.Named("browser_pool"),
		tokens:  make(chan struct{}, cfg.Size),
	}, nil
}

// Fetch renders the request in a pooled session. HTTP error statuses are
// reported after the session is back in the pool and do not count against
// its health.
func (p *Pool) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var resp crawler.FetchResponse
	err := p.Do(ctx, func(s Session) error {
		var fetchErr error
		resp, fetchErr = s.Fetch(ctx, request)
		return fetchErr
	})
	if err != nil {
		return crawler.FetchResponse{}, classifySessionError(request.URL, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return crawler.FetchResponse{}, crawler.NewStatusError(request.URL, resp.StatusCode)
	}
	resp.UsedHeadless = true
	return resp, nil
}

// Do lends a session to fn and always returns it, including when fn panics.
// A panicking session is destroyed and the panic propagates.
func (p *Pool) Do(ctx context.Context, fn func(Session) error) error {
	s, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	finished := false
	defer func() {
		if !finished {
			p.destroy(s, "panic during fetch")
			p.releaseToken()
		}
	}()
	err = fn(s.Session)
	finished = true
	p.release(s, err)
	return err
}

// Stats returns a point-in-time view of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return PoolStats{
		Size:      p.cfg.Size,
		Idle:      idle,
		Created:   p.created.Load(),
		Destroyed: p.destroyed.Load(),
	}
}

// Close destroys idle sessions. Sessions on loan are destroyed on return.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := p.destroy(s, "pool closed"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) acquire(ctx context.Context) (*pooledSession, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case p.tokens <- struct{}{}:
	case <-timer.C:
		return nil, crawler.NewFetchError(crawler.KindPoolExhausted, "",
			fmt.Errorf("no browser session free after %s", p.cfg.AcquireTimeout))
	case <-ctx.Done():
		return nil, crawler.ClassifyTransportError("", ctx.Err())
	}

	// The token goes back on every path that does not hand out a session,
	// panics in the health check or the factory included.
	var (
		acquired bool
		checking *pooledSession
	)
	defer func() {
		if acquired {
			return
		}
		if checking != nil {
			p.destroy(checking, "panic during health check")
		}
		p.releaseToken()
	}()

	for {
		s, closed := p.popIdle()
		if closed {
			return nil, ErrPoolClosed
		}
		if s == nil {
			break
		}
		checking = s
		if p.healthy(ctx, s) {
			acquired = true
			return s, nil
		}
		checking = nil
		p.destroy(s, "failed health check")
	}

	id := fmt.Sprintf("browser-%d", p.seq.Add(1))
	session, err := p.factory(ctx, id)
	if err != nil {
		return nil, crawler.NewFetchError(crawler.KindBackendCrashed, "", fmt.Errorf("launch browser session: %w", err))
	}
	acquired = true
	p.created.Add(1)
	p.logger.Debug("browser session created", zap.String("session", id))
	return &pooledSession{Session: session}, nil
}

func (p *Pool) release(s *pooledSession, err error) {
	defer p.releaseToken()
	if err != nil {
		s.failures++
		if s.failures >= p.cfg.MaxConsecutiveFailures {
			p.destroy(s, "consecutive failures")
			return
		}
	} else {
		s.failures = 0
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(s, "pool closed")
		return
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

func (p *Pool) releaseToken() {
	select {
	case <-p.tokens:
	default:
	}
}

func (p *Pool) popIdle() (*pooledSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, true
	}
	n := len(p.idle)
	if n == 0 {
		return nil, false
	}
	s := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return s, false
}

func (p *Pool) healthy(ctx context.Context, s *pooledSession) bool {
	hctx, cancel := context.WithTimeout(ctx, p.cfg.HealthTimeout)
	defer cancel()
	return s.Healthy(hctx)
}

func (p *Pool) destroy(s *pooledSession, reason string) error {
	p.destroyed.Add(1)
	err := s.Close()
	p.logger.Info("browser session destroyed",
		zap.String("session", s.ID()),
		zap.String("reason", reason),
		zap.Int("consecutive_failures", s.failures),
		zap.Error(err),
	)
	if err != nil {
		return fmt.Errorf("close session %s: %w", s.ID(), err)
	}
	return nil
}

// classifySessionError marks browser-level breakage as BackendCrashed so the
// engine recovers with a fresh session instead of spending retries.
func classifySessionError(rawURL string, err error) *crawler.FetchError {
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		if fe.URL == "" {
			fe.URL = rawURL
		}
		return fe
	}
	if errors.Is(err, chromedp.ErrChannelClosed) || errors.Is(err, chromedp.ErrInvalidTarget) ||
		errors.Is(err, chromedp.ErrInvalidContext) {
		return crawler.NewFetchError(crawler.KindBackendCrashed, rawURL, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "target closed") || strings.Contains(msg, "websocket") ||
		strings.Contains(msg, "browser closed") || strings.Contains(msg, "session closed") {
		return crawler.NewFetchError(crawler.KindBackendCrashed, rawURL, err)
	}
	return crawler.ClassifyTransportError(rawURL, err)
}
