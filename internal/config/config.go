// Package config loads and validates batchfetch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/batchfetch/internal/cache"
	"github.com/JakeFAU/batchfetch/internal/crawler"
	"github.com/JakeFAU/batchfetch/internal/watchdog"
)

// EnvPrefix prefixes every environment override, e.g. BATCHFETCH_FETCH_RETRY_ATTEMPTS.
const EnvPrefix = "BATCHFETCH"

// Backend kinds.
const (
	BackendHTTP    = "http"
	BackendBrowser = "browser"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Memory  MemoryConfig  `mapstructure:"memory"`
	Backend BackendConfig `mapstructure:"backend"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// FetchConfig holds the engine knobs.
type FetchConfig struct {
	MaxConcurrentRequests int     `mapstructure:"max_concurrent_requests"`
	MemoryThreshold       float64 `mapstructure:"memory_threshold"`
	CacheTTLSeconds       int     `mapstructure:"cache_ttl_seconds"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout_seconds"`
	RetryAttempts         int     `mapstructure:"retry_attempts"`
	PreserveOrder         bool    `mapstructure:"preserve_order"`
	AbandonOnCancel       bool    `mapstructure:"abandon_on_cancel"`
	ThrottlePollMs        int     `mapstructure:"throttle_poll_ms"`
	ResourceRetries       int     `mapstructure:"resource_retries"`
}

// RetryConfig selects the backoff curve.
type RetryConfig struct {
	Strategy    string `mapstructure:"strategy"`
	BaseDelayMs int    `mapstructure:"base_delay_ms"`
	MaxDelayMs  int    `mapstructure:"max_delay_ms"`
}

// CacheConfig selects and locates the cache store.
type CacheConfig struct {
	Backend   string `mapstructure:"backend"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	DB        int    `mapstructure:"db"`
	Password  string `mapstructure:"password"`
	KeyPrefix string `mapstructure:"key_prefix"`
	// Capacity bounds the memory backend; 0 is unbounded.
	Capacity int `mapstructure:"capacity"`
}

// MemoryConfig configures the watchdog.
type MemoryConfig struct {
	Source           string `mapstructure:"source"`
	SampleIntervalMs int    `mapstructure:"sample_interval_ms"`
	LimitMB          int    `mapstructure:"limit_mb"`
	GCOnPressure     bool   `mapstructure:"gc_on_pressure"`
}

// BackendConfig selects the fetch backend.
type BackendConfig struct {
	Kind             string  `mapstructure:"kind"`
	UserAgent        string  `mapstructure:"user_agent"`
	BrowserPoolSize  int     `mapstructure:"browser_pool_size"`
	ChromePath       string  `mapstructure:"chrome_path"`
	RateLimitPerHost float64 `mapstructure:"rate_limit_per_host"`
	MaxPageBytes     int     `mapstructure:"max_page_bytes"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// MaxURLsPerRequest bounds one POST /v1/fetch batch.
	MaxURLsPerRequest int        `mapstructure:"max_urls_per_request"`
	Auth              AuthConfig `mapstructure:"auth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Default returns the configuration Load produces with no file or env.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	defaults := crawler.DefaultConfig()
	v.SetDefault("fetch.max_concurrent_requests", defaults.MaxConcurrentRequests)
	v.SetDefault("fetch.memory_threshold", defaults.MemoryThreshold)
	v.SetDefault("fetch.cache_ttl_seconds", int(defaults.CacheTTL/time.Second))
	v.SetDefault("fetch.request_timeout_seconds", int(defaults.RequestTimeout/time.Second))
	v.SetDefault("fetch.retry_attempts", defaults.RetryAttempts)
	v.SetDefault("fetch.preserve_order", false)
	v.SetDefault("fetch.abandon_on_cancel", false)
	v.SetDefault("fetch.throttle_poll_ms", int(defaults.ThrottlePollInterval/time.Millisecond))
	v.SetDefault("fetch.resource_retries", defaults.ResourceRetries)
	v.SetDefault("retry.strategy", crawler.BackoffExponential)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("cache.backend", cache.BackendMemory)
	v.SetDefault("cache.host", "localhost")
	v.SetDefault("cache.port", 6379)
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.key_prefix", "scrape:")
	v.SetDefault("cache.capacity", 0)
	v.SetDefault("memory.source", watchdog.SourceSystem)
	v.SetDefault("memory.sample_interval_ms", 1000)
	v.SetDefault("memory.limit_mb", 0)
	v.SetDefault("memory.gc_on_pressure", true)
	v.SetDefault("backend.kind", BackendHTTP)
	v.SetDefault("backend.user_agent", "batchfetch/0.1")
	v.SetDefault("backend.browser_pool_size", 2)
	v.SetDefault("backend.chrome_path", "")
	v.SetDefault("backend.rate_limit_per_host", 0)
	v.SetDefault("backend.max_page_bytes", 10<<20)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_urls_per_request", 500)
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits. Engine ranges
// are checked by crawler.Config.Validate.
func (c Config) Validate() error {
	if err := c.EngineConfig().Validate(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	var errs []error
	switch strings.ToLower(c.Retry.Strategy) {
	case crawler.BackoffExponential, crawler.BackoffLinear:
	default:
		errs = append(errs, fmt.Errorf("retry.strategy must be exponential or linear, got %q", c.Retry.Strategy))
	}
	if c.Retry.BaseDelayMs < 0 || c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		errs = append(errs, errors.New("retry delays must satisfy 0 <= base_delay_ms <= max_delay_ms"))
	}
	switch c.Cache.Backend {
	case cache.BackendMemory, cache.BackendRedis, cache.BackendNone:
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be memory, redis or none, got %q", c.Cache.Backend))
	}
	if c.Cache.Backend == cache.BackendRedis && (c.Cache.Port <= 0 || c.Cache.Port > 65535) {
		errs = append(errs, fmt.Errorf("cache.port must be a valid port, got %d", c.Cache.Port))
	}
	if c.Cache.Capacity < 0 {
		errs = append(errs, errors.New("cache.capacity must be >= 0"))
	}
	switch c.Memory.Source {
	case watchdog.SourceSystem, watchdog.SourceProcess, watchdog.SourceRuntime:
	default:
		errs = append(errs, fmt.Errorf("memory.source must be system, process or runtime, got %q", c.Memory.Source))
	}
	if c.Memory.SampleIntervalMs <= 0 {
		errs = append(errs, errors.New("memory.sample_interval_ms must be > 0"))
	}
	if c.Memory.LimitMB < 0 {
		errs = append(errs, errors.New("memory.limit_mb must be >= 0"))
	}
	switch c.Backend.Kind {
	case BackendHTTP:
	case BackendBrowser:
		if c.Backend.BrowserPoolSize <= 0 {
			errs = append(errs, errors.New("backend.browser_pool_size must be > 0 for the browser backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.kind must be http or browser, got %q", c.Backend.Kind))
	}
	if c.Backend.RateLimitPerHost < 0 {
		errs = append(errs, errors.New("backend.rate_limit_per_host must be >= 0"))
	}
	if c.Backend.MaxPageBytes <= 0 {
		errs = append(errs, errors.New("backend.max_page_bytes must be > 0"))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Server.MaxURLsPerRequest <= 0 {
		errs = append(errs, errors.New("server.max_urls_per_request must be > 0"))
	}
	if c.Server.Auth.Enabled && c.Server.Auth.APIKey == "" {
		errs = append(errs, errors.New("server.auth.api_key must be set when auth is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", crawler.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// EngineConfig maps the fetch section onto the engine's own Config.
func (c Config) EngineConfig() crawler.Config {
	return crawler.Config{
		MaxConcurrentRequests: c.Fetch.MaxConcurrentRequests,
		MemoryThreshold:       c.Fetch.MemoryThreshold,
		CacheTTL:              time.Duration(c.Fetch.CacheTTLSeconds) * time.Second,
		RequestTimeout:        time.Duration(c.Fetch.RequestTimeoutSeconds) * time.Second,
		RetryAttempts:         c.Fetch.RetryAttempts,
		PreserveOrder:         c.Fetch.PreserveOrder,
		AbandonOnCancel:       c.Fetch.AbandonOnCancel,
		ThrottlePollInterval:  time.Duration(c.Fetch.ThrottlePollMs) * time.Millisecond,
		ResourceRetries:       c.Fetch.ResourceRetries,
	}
}

// RetryPolicy builds the configured policy.
func (c Config) RetryPolicy() (crawler.RetryPolicy, error) {
	policy, err := crawler.NewRetryPolicy(
		c.Retry.Strategy,
		c.Fetch.RetryAttempts,
		time.Duration(c.Retry.BaseDelayMs)*time.Millisecond,
		time.Duration(c.Retry.MaxDelayMs)*time.Millisecond,
	)
	if err != nil {
		return nil, fmt.Errorf("build retry policy: %w", err)
	}
	return policy, nil
}

// SampleInterval returns the watchdog period.
func (c Config) SampleInterval() time.Duration {
	return time.Duration(c.Memory.SampleIntervalMs) * time.Millisecond
}

// MemoryLimitBytes converts limit_mb to bytes.
func (c Config) MemoryLimitBytes() uint64 {
	return uint64(c.Memory.LimitMB) << 20
}
