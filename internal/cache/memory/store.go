// Package memory provides an in-process CacheStore with per-entry expiry and
// an optional LRU capacity bound.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchfetch/internal/clock/system"
	"github.com/JakeFAU/batchfetch/internal/crawler"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// backing abstracts the unbounded map and the LRU-bounded variant.
type backing interface {
	get(key string) (entry, bool)
	put(key string, e entry)
	remove(key string)
	// removeIfExpired deletes key only if the stored entry is expired at now,
	// checking and deleting under one lock.
	removeIfExpired(key string, now time.Time) bool
	keys() []string
	size() int
}

// Store is safe for concurrent use. Entries are only served strictly before
// their expiry instant; expired entries are dropped lazily on read or by Sweep.
type Store struct {
	clock   crawler.Clock
	entries backing
	logger  *zap.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock swaps the time source.
func WithClock(clock crawler.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.Named("memory_cache")
		}
	}
}

// New returns a Store. capacity <= 0 means unbounded; otherwise the least
// recently used entry is evicted once capacity is reached.
func New(capacity int, opts ...Option) (*Store, error) {
	s := &Store{clock: system.New(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if capacity <= 0 {
		s.entries = &mapBacking{m: make(map[string]entry)}
		return s, nil
	}
	c, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	s.entries = &lruBacking{c: c}
	return s, nil
}

// Get implements crawler.CacheStore.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := s.entries.get(key)
	if !ok {
		return nil, false, nil
	}
	if now := s.clock.Now(); !now.Before(e.expiresAt) {
		s.entries.removeIfExpired(key, now)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set implements crawler.CacheStore. A non-positive ttl removes the key.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		s.entries.remove(key)
		return nil
	}
	s.entries.put(key, entry{
		value:     append([]byte(nil), value...),
		expiresAt: s.clock.Now().Add(ttl),
	})
	return nil
}

// Invalidate implements crawler.CacheStore.
func (s *Store) Invalidate(_ context.Context, key string) error {
	s.entries.remove(key)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (s *Store) Len() int {
	return s.entries.size()
}

// Sweep drops every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	removed := 0
	for _, key := range s.entries.keys() {
		if s.entries.removeIfExpired(key, now) {
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps on every tick until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("swept expired cache entries", zap.Int("removed", n), zap.Int("remaining", s.Len()))
			}
		}
	}
}

type mapBacking struct {
	mu sync.RWMutex
	m  map[string]entry
}

func (b *mapBacking) get(key string) (entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.m[key]
	return e, ok
}

func (b *mapBacking) put(key string, e entry) {
	b.mu.Lock()
	b.m[key] = e
	b.mu.Unlock()
}

func (b *mapBacking) remove(key string) {
	b.mu.Lock()
	delete(b.m, key)
	b.mu.Unlock()
}

func (b *mapBacking) removeIfExpired(key string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.m[key]
	if !ok || now.Before(e.expiresAt) {
		return false
	}
	delete(b.m, key)
	return true
}

func (b *mapBacking) keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.m))
	for k := range b.m {
		out = append(out, k)
	}
	return out
}

func (b *mapBacking) size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.m)
}

// lruBacking relies on the cache's own locking for reads; mu serializes
// writes so an expiry check cannot race a concurrent put.
type lruBacking struct {
	mu sync.Mutex
	c  *lru.Cache
}

func (b *lruBacking) get(key string) (entry, bool) {
	v, ok := b.c.Get(key)
	if !ok {
		return entry{}, false
	}
	e, ok := v.(entry)
	return e, ok
}

func (b *lruBacking) put(key string, e entry) {
	b.mu.Lock()
	b.c.Add(key, e)
	b.mu.Unlock()
}

func (b *lruBacking) remove(key string) {
	b.mu.Lock()
	b.c.Remove(key)
	b.mu.Unlock()
}

func (b *lruBacking) removeIfExpired(key string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.c.Peek(key)
	if !ok {
		return false
	}
	if e, ok := v.(entry); ok && now.Before(e.expiresAt) {
		return false
	}
	b.c.Remove(key)
	return true
}

func (b *lruBacking) keys() []string {
	raw := b.c.Keys()
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (b *lruBacking) size() int { return b.c.Len() }
