package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/batchfetch/internal/crawler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
fetch:
  max_concurrent_requests: 4
  memory_threshold: 60
  cache_ttl_seconds: 0
  request_timeout_seconds: 10
  retry_attempts: 5
  preserve_order: true
retry:
  strategy: linear
  base_delay_ms: 200
  max_delay_ms: 1000
cache:
  backend: redis
  host: cache.internal
  port: 6380
  key_prefix: "page:"
memory:
  source: runtime
  limit_mb: 512
backend:
  kind: browser
  browser_pool_size: 3
server:
  port: 9090
  auth:
    enabled: true
    api_key: secret
logging:
  development: false
  level: warn
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Fetch.MaxConcurrentRequests)
	assert.True(t, cfg.Fetch.PreserveOrder)
	assert.Equal(t, "cache.internal", cfg.Cache.Host)
	assert.Equal(t, 6380, cfg.Cache.Port)
	assert.Equal(t, "page:", cfg.Cache.KeyPrefix)
	assert.Equal(t, BackendBrowser, cfg.Backend.Kind)
	assert.Equal(t, 3, cfg.Backend.BrowserPoolSize)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Server.Auth.Enabled)
	assert.Equal(t, "secret", cfg.Server.Auth.APIKey)
	assert.False(t, cfg.Logging.Development)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, uint64(512<<20), cfg.MemoryLimitBytes())

	engine := cfg.EngineConfig()
	assert.Equal(t, 60.0, engine.MemoryThreshold)
	assert.Zero(t, engine.CacheTTL)
	assert.Equal(t, 10*time.Second, engine.RequestTimeout)
	assert.Equal(t, 5, engine.RetryAttempts)

	policy, err := cfg.RetryPolicy()
	require.NoError(t, err)
	assert.IsType(t, &crawler.LinearRetryPolicy{}, policy)
	assert.Equal(t, 400*time.Millisecond, policy.Backoff(1))
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, crawler.DefaultConfig(), cfg.EngineConfig())
	assert.Equal(t, crawler.BackoffExponential, cfg.Retry.Strategy)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "scrape:", cfg.Cache.KeyPrefix)
	assert.Equal(t, BackendHTTP, cfg.Backend.Kind)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, time.Second, cfg.SampleInterval())
	assert.Equal(t, cfg, Default())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BATCHFETCH_FETCH_MAX_CONCURRENT_REQUESTS", "2")
	t.Setenv("BATCHFETCH_CACHE_BACKEND", "none")
	t.Setenv("BATCHFETCH_SERVER_AUTH_API_KEY", "from-env")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Fetch.MaxConcurrentRequests)
	assert.Equal(t, "none", cfg.Cache.Backend)
	assert.Equal(t, "from-env", cfg.Server.Auth.APIKey)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"concurrency above range": "fetch:\n  max_concurrent_requests: 11\n",
		"threshold above 100":     "fetch:\n  memory_threshold: 150\n",
		"unknown cache backend":   "cache:\n  backend: memcached\n",
		"unknown backend":         "backend:\n  kind: ftp\n",
		"unknown strategy":        "retry:\n  strategy: fibonacci\n",
		"auth without key":        "server:\n  auth:\n    enabled: true\n",
		"unknown memory source":   "memory:\n  source: cgroup\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.ErrorIs(t, err, crawler.ErrInvalidConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}
