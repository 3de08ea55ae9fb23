// Package redis provides a CacheStore backed by Redis. Keys are a prefix
// plus the SHA-256 of the canonical URL; expiry is delegated to Redis TTLs.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchfetch/internal/crawler"
	"github.com/JakeFAU/batchfetch/internal/hash/sha256"
)

// DefaultKeyPrefix namespaces cache keys.
const DefaultKeyPrefix = "scrape:"

const pingTimeout = 5 * time.Second

// Config locates the Redis server.
type Config struct {
	Host      string
	Port      int
	DB        int
	Password  string
	KeyPrefix string
	// DialTimeout and OpTimeout bound connection setup and each command.
	DialTimeout time.Duration
	OpTimeout   time.Duration
	// MaxRetries is passed to the client; -1 disables client retries.
	MaxRetries int
}

// Addr returns host:port.
func (c Config) Addr() string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 6379
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Store implements crawler.CacheStore.
type Store struct {
	client *goredis.Client
	prefix string
	hasher *sha256.Hasher
	logger *zap.Logger
}

// New connects to Redis and checks reachability with PING. An unreachable
// server is logged and the store is still returned: every operation then
// fails with crawler.ErrCacheUnavailable, which the engine treats as a miss.
func New(ctx context.Context, cfg Config, logger *zap.Logger) *Store {
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = time.Second
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
		MaxRetries:   cfg.MaxRetries,
	})
	s := NewWithClient(client, cfg.KeyPrefix, logger)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		s.logger.Warn("redis unreachable; cache will fail open",
			zap.String("addr", cfg.Addr()),
			zap.Error(err),
		)
	} else {
		s.logger.Info("redis cache connected", zap.String("addr", cfg.Addr()), zap.Int("db", cfg.DB))
	}
	return s
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		prefix: prefix,
		hasher: sha256.New(),
		logger: logger.Named("redis_cache"),
	}
}

// Key returns the Redis key for a canonical URL.
func (s *Store) Key(canonicalURL string) string {
	return s.hasher.Key(s.prefix, canonicalURL)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Get implements crawler.CacheStore.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.Key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, unavailable("get", err)
	}
	return val, true, nil
}

// Set implements crawler.CacheStore. A non-positive ttl deletes the key so
// nothing is ever stored without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Invalidate(ctx, key)
	}
	if err := s.client.Set(ctx, s.Key(key), value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// Invalidate implements crawler.CacheStore.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.Key(key)).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", crawler.ErrCacheUnavailable, op, err)
}
