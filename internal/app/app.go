// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/batchfetch/internal/api"
	"github.com/JakeFAU/batchfetch/internal/cache"
	"github.com/JakeFAU/batchfetch/internal/cache/memory"
	rediscache "github.com/JakeFAU/batchfetch/internal/cache/redis"
	"github.com/JakeFAU/batchfetch/internal/config"
	"github.com/JakeFAU/batchfetch/internal/crawler"
	collyfetcher "github.com/JakeFAU/batchfetch/internal/fetcher/colly"
	"github.com/JakeFAU/batchfetch/internal/fetcher/headless"
	"github.com/JakeFAU/batchfetch/internal/id/uuid"
	"github.com/JakeFAU/batchfetch/internal/metrics"
	"github.com/JakeFAU/batchfetch/internal/policy/ratelimit"
	"github.com/JakeFAU/batchfetch/internal/watchdog"
)

const janitorInterval = time.Minute

// App holds all the shared, long-lived services for the application.
// It is built once at startup and closed by the command that created it.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Sink
	Cache    crawler.CacheStore
	Fetcher  crawler.Fetcher
	Watchdog *watchdog.Watchdog
	Engine   *crawler.Engine

	memoryCache *memory.Store
	ready       []api.ReadinessCheck
	closers     []func() error
}

// Overrides swaps collaborators, mainly for tests. Nil fields keep the
// configured implementation.
type Overrides struct {
	Fetcher crawler.Fetcher
	Sampler watchdog.Sampler
	Cache   crawler.CacheStore
}

// New creates and initializes an App from cfg. It fails fast if any
// required service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	return NewWithOverrides(ctx, cfg, logger, Overrides{})
}

// NewWithOverrides is New with injectable collaborators.
func NewWithOverrides(ctx context.Context, cfg config.Config, logger *zap.Logger, ov Overrides) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("initializing application services",
		zap.String("backend", cfg.Backend.Kind),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("memory_source", cfg.Memory.Source),
	)

	a := &App{Config: cfg, Logger: logger}
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	var err error
	if a.Cache, err = a.buildCache(ctx, ov.Cache); err != nil {
		_ = a.Close()
		return nil, err
	}
	if a.Fetcher, err = a.buildFetcher(ov.Fetcher); err != nil {
		_ = a.Close()
		return nil, err
	}

	sampler := ov.Sampler
	if sampler == nil {
		sampler = a.buildSampler()
	}
	a.Watchdog = watchdog.New(watchdog.Config{
		Interval:     cfg.SampleInterval(),
		Threshold:    cfg.Fetch.MemoryThreshold,
		GCOnPressure: cfg.Memory.GCOnPressure,
	}, sampler, a.Metrics, logger.Named("watchdog"))

	retry, err := cfg.RetryPolicy()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Engine, err = crawler.NewEngine(
		cfg.EngineConfig(),
		a.Fetcher,
		a.Cache,
		retry,
		a.Watchdog,
		crawler.NewStatsCollector(),
		a.Metrics,
		uuid.New(),
		logger.Named("engine"),
	)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) buildCache(ctx context.Context, override crawler.CacheStore) (crawler.CacheStore, error) {
	if override != nil {
		return override, nil
	}
	cfg := a.Config.Cache
	switch cfg.Backend {
	case cache.BackendNone:
		a.Logger.Info("cache disabled; every URL goes to the backend")
		return cache.NewNoop(), nil
	case cache.BackendRedis:
		store := rediscache.New(ctx, rediscache.Config{
			Host:      cfg.Host,
			Port:      cfg.Port,
			DB:        cfg.DB,
			Password:  cfg.Password,
			KeyPrefix: cfg.KeyPrefix,
		}, a.Logger)
		a.ready = append(a.ready, store.Ping)
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		store, err := memory.New(cfg.Capacity, memory.WithLogger(a.Logger.Named("memory_cache")))
		if err != nil {
			return nil, fmt.Errorf("build memory cache: %w", err)
		}
		a.memoryCache = store
		return store, nil
	}
}

func (a *App) buildFetcher(override crawler.Fetcher) (crawler.Fetcher, error) {
	if override != nil {
		return override, nil
	}
	cfg := a.Config
	limiter := ratelimit.New(ratelimit.Config{
		PerHostRPS: cfg.Backend.RateLimitPerHost,
		OnWait: func(host string, wait time.Duration) {
			a.Logger.Debug("pacing request", zap.String("host", host), zap.Duration("wait", wait))
		},
	})
	timeout := cfg.EngineConfig().RequestTimeout

	switch cfg.Backend.Kind {
	case config.BackendBrowser:
		factory := headless.NewChromeFactory(headless.ChromeConfig{
			UserAgent:         cfg.Backend.UserAgent,
			NavigationTimeout: timeout,
			ExecPath:          cfg.Backend.ChromePath,
		})
		pool, err := headless.NewPool(headless.PoolConfig{Size: cfg.Backend.BrowserPoolSize}, factory, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("build browser pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if !limiter.Enabled() {
			return pool, nil
		}
		return &pacedFetcher{next: pool, pacer: limiter}, nil
	default:
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:   cfg.Backend.UserAgent,
			Timeout:     timeout,
			MaxBodySize: cfg.Backend.MaxPageBytes,
			Pacer:       limiter,
		}, a.Logger), nil
	}
}

// buildSampler falls back to the Go runtime reading when the configured
// source is unavailable on this platform.
func (a *App) buildSampler() watchdog.Sampler {
	sampler, err := watchdog.NewSampler(a.Config.Memory.Source, a.Config.MemoryLimitBytes())
	if err == nil {
		return sampler
	}
	a.Logger.Warn("memory source unavailable; falling back to runtime sampler",
		zap.String("source", a.Config.Memory.Source),
		zap.Error(err),
	)
	sampler, err = watchdog.NewRuntimeSampler(a.Config.MemoryLimitBytes())
	if err != nil {
		a.Logger.Warn("runtime sampler unavailable; memory throttling disabled", zap.Error(err))
		return watchdog.SamplerFunc(func() (float64, error) { return 0, nil })
	}
	return sampler
}

// Background runs the watchdog and cache janitor until ctx is done.
func (a *App) Background(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Watchdog.Run(gctx) })
	if a.memoryCache != nil {
		g.Go(func() error { return a.memoryCache.RunJanitor(gctx, janitorInterval) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("background services: %w", err)
	}
	return nil
}

// NewServer builds the HTTP API over the engine.
func (a *App) NewServer() *api.Server {
	return api.NewServer(a.Engine, api.Config{
		APIKey:     a.apiKey(),
		MaxURLs:    a.Config.Server.MaxURLsPerRequest,
		Metrics:    a.Metrics.Handler(),
		Instrument: a.Metrics.Middleware,
		Ready:      a.ready,
	}, a.Logger.Named("api"))
}

func (a *App) apiKey() string {
	if !a.Config.Server.Auth.Enabled {
		return ""
	}
	return a.Config.Server.Auth.APIKey
}

// Close releases backend resources and flushes the logger.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("error closing service", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	// Syncing stderr fails on some platforms; it is not worth surfacing.
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}

// pacedFetcher applies per-host pacing in front of a backend that has no
// pacing hook of its own.
type pacedFetcher struct {
	next  crawler.Fetcher
	pacer collyfetcher.Pacer
}

func (p *pacedFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := p.pacer.Wait(ctx, req.URL); err != nil {
		return crawler.FetchResponse{}, crawler.ClassifyTransportError(req.URL, err)
	}
	return p.next.Fetch(ctx, req)
}
