package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchfetch/internal/cache"
	"github.com/JakeFAU/batchfetch/internal/cache/memory"
	rediscache "github.com/JakeFAU/batchfetch/internal/cache/redis"
	"github.com/JakeFAU/batchfetch/internal/config"
	"github.com/JakeFAU/batchfetch/internal/crawler"
	collyfetcher "github.com/JakeFAU/batchfetch/internal/fetcher/colly"
	"github.com/JakeFAU/batchfetch/internal/fetcher/headless"
	"github.com/JakeFAU/batchfetch/internal/watchdog"
)

type stubFetcher struct {
	calls atomic.Int64
}

func (s *stubFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.calls.Add(1)
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
}

func fixedSampler(v float64) watchdog.Sampler {
	return watchdog.SamplerFunc(func() (float64, error) { return v, nil })
}

func TestNew_DefaultsWireHTTPBackendAndMemoryCache(t *testing.T) {
	t.Parallel()

	a, err := NewWithOverrides(context.Background(), config.Default(), zap.NewNop(), Overrides{Sampler: fixedSampler(0.1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.IsType(t, &memory.Store{}, a.Cache)
	assert.IsType(t, &collyfetcher.Fetcher{}, a.Fetcher)
	require.NotNil(t, a.Engine)
	assert.Equal(t, crawler.DefaultConfig(), a.Engine.Config())
}

func TestNew_CacheBackends(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Cache.Backend = cache.BackendNone
	a, err := NewWithOverrides(context.Background(), cfg, zap.NewNop(), Overrides{Fetcher: &stubFetcher{}})
	require.NoError(t, err)
	assert.IsType(t, cache.Noop{}, a.Cache)
	require.NoError(t, a.Close())

	cfg.Cache.Backend = cache.BackendRedis
	cfg.Cache.Host = "127.0.0.1"
	cfg.Cache.Port = 1
	a, err = NewWithOverrides(context.Background(), cfg, zap.NewNop(), Overrides{Fetcher: &stubFetcher{}})
	require.NoError(t, err, "an unreachable redis fails open")
	assert.IsType(t, &rediscache.Store{}, a.Cache)
	require.Len(t, a.ready, 1)
	assert.ErrorIs(t, a.ready[0](context.Background()), crawler.ErrCacheUnavailable)
	require.NoError(t, a.Close())
}

func TestNew_BrowserBackendIsLazy(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Backend.Kind = config.BackendBrowser
	cfg.Backend.ChromePath = "/nonexistent/chrome"
	a, err := NewWithOverrides(context.Background(), cfg, zap.NewNop(), Overrides{Sampler: fixedSampler(0)})
	require.NoError(t, err)

	pool, ok := a.Fetcher.(*headless.Pool)
	require.True(t, ok)
	assert.Zero(t, pool.Stats().Created)
	require.NoError(t, a.Close())
}

func TestNew_BrowserBackendWithPacing(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Backend.Kind = config.BackendBrowser
	cfg.Backend.RateLimitPerHost = 5
	a, err := NewWithOverrides(context.Background(), cfg, zap.NewNop(), Overrides{Sampler: fixedSampler(0)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.IsType(t, &pacedFetcher{}, a.Fetcher)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Fetch.MaxConcurrentRequests = 0
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.ErrorIs(t, err, crawler.ErrInvalidConfig)
}

func TestBackground_PublishesMemorySamples(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Memory.SampleIntervalMs = 10
	a, err := NewWithOverrides(context.Background(), cfg, zap.NewNop(), Overrides{
		Fetcher: &stubFetcher{},
		Sampler: fixedSampler(0.4),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Background(ctx) }()

	require.Eventually(t, func() bool {
		return a.Engine.Stats().MemoryUsedFraction == 0.4
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("background services did not stop")
	}
}

func TestServer_FetchThroughApp(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{}
	a, err := NewWithOverrides(context.Background(), config.Default(), zap.NewNop(), Overrides{
		Fetcher: fetcher,
		Sampler: fixedSampler(0),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	handler := a.NewServer().Handler()

	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/v1/fetch", bytes.NewReader([]byte(`{"urls":["https://example.com"]}`)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// The second request is served from the memory cache.
	assert.Equal(t, int64(1), fetcher.calls.Load())
	assert.Equal(t, int64(1), a.Engine.Stats().CacheHits)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "batchfetch_results_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_AuthFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Server.Auth.Enabled = true
	cfg.Server.Auth.APIKey = "k"
	a, err := NewWithOverrides(context.Background(), cfg, zap.NewNop(), Overrides{Fetcher: &stubFetcher{}, Sampler: fixedSampler(0)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	rec := httptest.NewRecorder()
	a.NewServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
