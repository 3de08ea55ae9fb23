package crawler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// lookaheadFactor sizes the worker pool relative to the fetch budget so cache
// hits and dedup fan-out are not starved by slow fetches.
const lookaheadFactor = 4

// Engine turns a batch of URLs into a stream of terminal FetchResults while
// respecting the concurrency budget, cache state, retry policy and memory
// watchdog. An Engine is safe for concurrent Runs; they share its budget.
type Engine struct {
	cfg     Config
	fetcher Fetcher
	cache   CacheStore
	retry   RetryPolicy
	monitor MemoryMonitor
	stats   *StatsCollector
	metrics MetricsSink
	idGen   IDGenerator
	logger  *zap.Logger

	slots  *semaphore.Weighted
	flight singleflight.Group
	runSeq atomic.Int64
}

// NewEngine validates cfg and wires the collaborators. Only fetcher is
// required; nil collaborators fall back to no-op implementations.
func NewEngine(
	cfg Config,
	fetcher Fetcher,
	cache CacheStore,
	retry RetryPolicy,
	monitor MemoryMonitor,
	stats *StatsCollector,
	metrics MetricsSink,
	idGen IDGenerator,
	logger *zap.Logger,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, invalidConfig("fetcher is required")
	}
	if cache == nil {
		cache = noCache{}
	}
	if retry == nil {
		retry = NewExponentialRetryPolicy(cfg.RetryAttempts, time.Second, 30*time.Second)
	}
	if monitor == nil {
		monitor = idleMonitor{}
	}
	if stats == nil {
		stats = NewStatsCollector()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		cache:   cache,
		retry:   retry,
		monitor: monitor,
		stats:   stats,
		metrics: metrics,
		idGen:   idGen,
		logger:  logger,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
	}, nil
}

// Config returns the validated engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Stats returns the current counters plus the latest memory reading.
func (e *Engine) Stats() Snapshot {
	return Snapshot{
		Stats:              e.stats.Snapshot(),
		MemoryUsedFraction: e.monitor.Current().UsedFraction,
	}
}

// ResetStats zeroes the run counters.
func (e *Engine) ResetStats() {
	e.stats.Reset()
}

// Run starts an orchestration run and returns its result stream. The channel
// yields exactly one terminal result per input position and is closed once
// every position is resolved. Canceling ctx stops new slot acquisitions;
// unresolved URLs then finish as failures.
func (e *Engine) Run(ctx context.Context, urls []string) <-chan FetchResult {
	runID := e.newRunID()
	logger := e.logger.With(zap.String("run_id", runID))
	groups := groupURLs(urls)
	out := make(chan FetchResult, len(urls))

	logger.Info("run started",
		zap.Int("urls", len(urls)),
		zap.Int("unique", len(groups)),
		zap.Bool("preserve_order", e.cfg.PreserveOrder),
	)
	go e.run(ctx, logger, groups, len(urls), out)
	return out
}

// Collect runs urls to completion and returns the results in input order.
func (e *Engine) Collect(ctx context.Context, urls []string) []FetchResult {
	results := make([]FetchResult, 0, len(urls))
	for res := range e.Run(ctx, urls) {
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results
}

func (e *Engine) run(ctx context.Context, logger *zap.Logger, groups []*urlGroup, total int, out chan<- FetchResult) {
	defer close(out)
	start := time.Now()
	em := newEmitter(out, total, e.cfg.PreserveOrder)

	jobs := make(chan *urlGroup)
	workers := min(len(groups), e.cfg.MaxConcurrentRequests*lookaheadFactor)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range jobs {
				e.emitGroup(em, g, e.resolve(ctx, logger, g))
			}
		}()
	}
	for _, g := range groups {
		jobs <- g
	}
	close(jobs)
	wg.Wait()

	snap := e.stats.Snapshot()
	logger.Info("run finished",
		zap.Int("urls", total),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("succeeded", snap.Succeeded),
		zap.Int64("failed", snap.Failed),
		zap.Int64("cache_hits", snap.CacheHits),
		zap.Int64("retried", snap.Retried),
	)
}

// outcome is the resolution of one canonical URL.
type outcome struct {
	status       Status
	payload      []byte
	err          error
	attempts     int
	elapsed      time.Duration
	statusCode   int
	usedHeadless bool
	deduplicated bool
	// leaderCanceled marks failures caused by the fetching run's cancellation.
	leaderCanceled bool
}

func (e *Engine) resolve(ctx context.Context, logger *zap.Logger, g *urlGroup) outcome {
	start := time.Now()
	if g.parseErr != nil {
		err := NewFetchError(KindMalformedURL, g.raw, g.parseErr)
		e.recordFailure(logger, g.raw, err, 0)
		return outcome{status: StatusFailure, err: err, elapsed: time.Since(start)}
	}
	if err := ctx.Err(); err != nil {
		fe := NewFetchError(KindCanceled, g.canonical, err)
		e.recordFailure(logger, g.canonical, fe, 0)
		return outcome{status: StatusFailure, err: fe, elapsed: time.Since(start)}
	}

	if payload, ok := e.lookup(ctx, logger, g.canonical); ok {
		e.stats.recordCacheHit()
		e.metrics.ObserveResult(g.canonical, StatusCached, 0)
		return outcome{status: StatusCached, payload: payload, elapsed: time.Since(start)}
	}

	// Concurrent runs share one in-flight fetch per canonical URL. The
	// closure only executes in the leader's goroutine. A follower whose own
	// run is still live refetches when the leader's run was canceled.
	target := strings.TrimSpace(g.raw)
	var (
		res    outcome
		leader bool
	)
	for {
		v, _, _ := e.flight.Do(g.canonical, func() (any, error) {
			leader = true
			o := e.fetchWithRetry(ctx, logger, target)
			o.leaderCanceled = o.status == StatusFailure && ctx.Err() != nil
			return o, nil
		})
		res, _ = v.(outcome)
		if leader || !res.leaderCanceled || ctx.Err() != nil {
			break
		}
		logger.Debug("shared fetch canceled by another run; fetching again", zap.String("url", g.canonical))
	}
	res.elapsed = time.Since(start)

	if !leader {
		e.stats.recordDuplicate()
		res.deduplicated = true
		res.attempts = 0
		if res.status == StatusSuccess {
			res.status = StatusCached
		}
		return res
	}

	if res.status == StatusSuccess {
		e.stats.recordSuccess(len(res.payload))
		e.metrics.ObserveResult(g.canonical, StatusSuccess, len(res.payload))
		e.store(ctx, logger, g.canonical, res.payload)
		return res
	}
	e.recordFailure(logger, g.canonical, res.err, res.attempts)
	return res
}

func (e *Engine) fetchWithRetry(ctx context.Context, logger *zap.Logger, rawURL string) outcome {
	var (
		lastErr    error
		lastDelay  time.Duration
		attempts   int
		recoveries int
	)
	fail := func(err error) outcome {
		if lastErr != nil && !errors.Is(err, lastErr) {
			err = errors.Join(lastErr, err)
		}
		return outcome{status: StatusFailure, err: err, attempts: attempts, statusCode: statusCodeOf(lastErr)}
	}

	for attempt := 0; ; {
		if err := e.awaitMemory(ctx, logger, rawURL); err != nil {
			return fail(NewFetchError(KindCanceled, rawURL, err))
		}
		release, err := e.acquireSlot(ctx)
		if err != nil {
			return fail(NewFetchError(KindCanceled, rawURL, err))
		}
		attempts++
		resp, err := e.invoke(ctx, rawURL, attempt)
		release()
		if err == nil {
			return outcome{
				status:       StatusSuccess,
				payload:      resp.Body,
				attempts:     attempts,
				statusCode:   resp.StatusCode,
				usedHeadless: resp.UsedHeadless,
			}
		}
		lastErr = err

		if Classify(err) == ClassResource && recoveries < e.cfg.ResourceRetries {
			recoveries++
			logger.Debug("backend resource failure; recovering without consuming retry budget",
				zap.String("url", rawURL), zap.Int("recovery", recoveries), zap.Error(err))
			continue
		}
		if attempt >= e.cfg.RetryAttempts || !e.retry.ShouldRetry(attempt, err) {
			return outcome{status: StatusFailure, err: err, attempts: attempts, statusCode: statusCodeOf(err)}
		}

		delay := max(e.retry.Backoff(attempt), lastDelay)
		lastDelay = delay
		e.stats.recordRetry()
		e.metrics.ObserveRetry(rawURL)
		logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleepContext(ctx, delay); err != nil {
			return fail(NewFetchError(KindCanceled, rawURL, err))
		}
		attempt++
	}
}

// invoke performs one backend call inside the request timeout. Panics from
// the backend are converted into BackendCrashed errors.
func (e *Engine) invoke(ctx context.Context, rawURL string, attempt int) (resp FetchResponse, err error) {
	parent := ctx
	if !e.cfg.AbandonOnCancel {
		parent = context.WithoutCancel(ctx)
	}
	callCtx, cancel := context.WithTimeout(parent, e.cfg.RequestTimeout)
	defer cancel()

	e.metrics.SetInFlight(int(e.stats.enterFlight()))
	defer func() {
		e.metrics.SetInFlight(int(e.stats.leaveFlight()))
	}()
	defer func() {
		if rec := recover(); rec != nil {
			resp = FetchResponse{}
			err = NewFetchError(KindBackendCrashed, rawURL, fmt.Errorf("backend panic: %v", rec))
		}
	}()

	e.stats.recordAttempt()
	resp, err = e.fetcher.Fetch(callCtx, FetchRequest{
		URL:     rawURL,
		Attempt: attempt,
		Timeout: e.cfg.RequestTimeout,
	})
	if err != nil {
		return FetchResponse{}, ClassifyTransportError(rawURL, err)
	}
	if resp.StatusCode >= 400 {
		return FetchResponse{}, NewStatusError(rawURL, resp.StatusCode)
	}
	return resp, nil
}

func (e *Engine) acquireSlot(ctx context.Context) (func(), error) {
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire fetch slot: %w", err)
	}
	return func() { e.slots.Release(1) }, nil
}

// awaitMemory withholds slot acquisition while the latest sample is above
// the threshold. In-flight fetches are never interrupted.
func (e *Engine) awaitMemory(ctx context.Context, logger *zap.Logger, rawURL string) error {
	sample := e.monitor.Current()
	if !e.underPressure(sample) {
		return nil
	}
	start := time.Now()
	e.stats.recordThrottle()
	logger.Debug("memory pressure; withholding fetch slot",
		zap.String("url", rawURL),
		zap.Float64("used_percent", sample.Percent()),
		zap.Float64("threshold", e.cfg.MemoryThreshold),
	)

	ticker := time.NewTicker(e.cfg.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("memory throttle wait: %w", ctx.Err())
		case <-ticker.C:
			if !e.underPressure(e.monitor.Current()) {
				e.metrics.ObserveThrottle(time.Since(start))
				return nil
			}
		}
	}
}

func (e *Engine) underPressure(sample MemorySample) bool {
	return sample.Percent() > e.cfg.MemoryThreshold
}

func (e *Engine) lookup(ctx context.Context, logger *zap.Logger, key string) ([]byte, bool) {
	payload, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.stats.recordCacheError()
		e.metrics.ObserveCacheError("get")
		logger.Warn("cache get failed; treating as miss", zap.String("url", key), zap.Error(err))
		return nil, false
	}
	return payload, ok
}

func (e *Engine) store(ctx context.Context, logger *zap.Logger, key string, payload []byte) {
	if e.cfg.CacheTTL <= 0 {
		return
	}
	if err := e.cache.Set(context.WithoutCancel(ctx), key, payload, e.cfg.CacheTTL); err != nil {
		e.stats.recordCacheError()
		e.metrics.ObserveCacheError("set")
		logger.Warn("cache set failed; continuing uncached", zap.String("url", key), zap.Error(err))
	}
}

func (e *Engine) recordFailure(logger *zap.Logger, rawURL string, err error, attempts int) {
	e.stats.recordFailure()
	e.metrics.ObserveResult(rawURL, StatusFailure, 0)
	logger.Warn("fetch failed",
		zap.String("url", rawURL),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}

func (e *Engine) emitGroup(em *emitter, g *urlGroup, res outcome) {
	for i, pos := range g.positions {
		out := FetchResult{
			Index:        pos,
			URL:          g.inputs[i],
			CanonicalURL: g.canonical,
			Status:       res.status,
			Payload:      res.payload,
			Err:          res.err,
			Elapsed:      res.elapsed,
			Attempts:     res.attempts,
			Deduplicated: res.deduplicated,
			StatusCode:   res.statusCode,
			UsedHeadless: res.usedHeadless,
		}
		if i > 0 {
			e.stats.recordDuplicate()
			out.Deduplicated = true
			out.Attempts = 0
			if out.Status == StatusSuccess {
				out.Status = StatusCached
			}
		}
		em.emit(out)
	}
}

func statusCodeOf(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}

func (e *Engine) newRunID() string {
	if e.idGen != nil {
		if id, err := e.idGen.NewID(); err == nil && id != "" {
			return id
		}
	}
	return fmt.Sprintf("run-%d", e.runSeq.Add(1))
}

// urlGroup collects every input position that shares a canonical URL.
type urlGroup struct {
	canonical string
	raw       string
	parseErr  error
	positions []int
	inputs    []string
}

func groupURLs(urls []string) []*urlGroup {
	byKey := make(map[string]*urlGroup, len(urls))
	groups := make([]*urlGroup, 0, len(urls))
	for i, raw := range urls {
		canonical, err := NormalizeURL(raw)
		key := canonical
		if err != nil {
			key = "invalid:" + raw
		}
		g, ok := byKey[key]
		if !ok {
			g = &urlGroup{canonical: canonical, raw: raw, parseErr: err}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.positions = append(g.positions, i)
		g.inputs = append(g.inputs, raw)
	}
	return groups
}

// emitter writes results to the run channel, optionally restoring input order.
type emitter struct {
	out     chan<- FetchResult
	ordered bool

	mu      sync.Mutex
	pending []*FetchResult
	next    int
}

func newEmitter(out chan<- FetchResult, total int, ordered bool) *emitter {
	em := &emitter{out: out, ordered: ordered}
	if ordered {
		em.pending = make([]*FetchResult, total)
	}
	return em
}

// emit never blocks: the run channel is buffered for every input position.
func (em *emitter) emit(res FetchResult) {
	if !em.ordered {
		em.out <- res
		return
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	em.pending[res.Index] = &res
	for em.next < len(em.pending) && em.pending[em.next] != nil {
		em.out <- *em.pending[em.next]
		em.pending[em.next] = nil
		em.next++
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

type noCache struct{}

func (noCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (noCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (noCache) Invalidate(context.Context, string) error { return nil }

type idleMonitor struct{}

func (idleMonitor) Current() MemorySample { return MemorySample{} }
