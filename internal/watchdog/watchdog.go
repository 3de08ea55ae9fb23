// Package watchdog samples memory usage in the background and publishes the
// latest reading for non-blocking reads by the fetch engine.
package watchdog

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/batchfetch/internal/clock/system"
	"github.com/JakeFAU/batchfetch/internal/crawler"
)

// DefaultInterval is the sampling period when none is configured.
const DefaultInterval = time.Second

// Config tunes sampling and pressure reactions.
type Config struct {
	Interval time.Duration
	// Threshold is the percentage (0..100) that marks memory pressure.
	Threshold float64
	// GCOnPressure forces a collection when pressure begins.
	GCOnPressure bool
}

// Watchdog implements crawler.MemoryMonitor. Current never blocks; before
// the first successful sample it returns the zero sample.
type Watchdog struct {
	cfg     Config
	sampler Sampler
	clock   crawler.Clock
	metrics crawler.MetricsSink
	logger  *zap.Logger
	gc      func()

	latest    atomic.Pointer[crawler.MemorySample]
	pressured atomic.Bool
	gcRuns    atomic.Int64
}

// Option customizes a Watchdog.
type Option func(*Watchdog)

// WithClock swaps the timestamp source.
func WithClock(clock crawler.Clock) Option {
	return func(w *Watchdog) { w.clock = clock }
}

// WithGC replaces the collection hook run on pressure.
func WithGC(gc func()) Option {
	return func(w *Watchdog) { w.gc = gc }
}

// New builds a Watchdog. metrics and logger may be nil.
func New(cfg Config, sampler Sampler, metrics crawler.MetricsSink, logger *zap.Logger, opts ...Option) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if metrics == nil {
		metrics = crawler.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watchdog{
		cfg:     cfg,
		sampler: sampler,
		clock:   system.New(),
		metrics: metrics,
		logger:  logger.Named("watchdog"),
		gc:      forceGC,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Current returns the latest published sample.
func (w *Watchdog) Current() crawler.MemorySample {
	if s := w.latest.Load(); s != nil {
		return *s
	}
	return crawler.MemorySample{}
}

// UnderPressure reports whether the latest sample exceeded the threshold.
func (w *Watchdog) UnderPressure() bool {
	return w.pressured.Load()
}

// GCRuns counts forced collections.
func (w *Watchdog) GCRuns() int64 {
	return w.gcRuns.Load()
}

// Run samples immediately and then every Interval until ctx is done.
// Sampling failures keep the previous reading.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Info("memory watchdog started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Float64("threshold", w.cfg.Threshold),
	)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := w.SampleOnce(); err != nil {
			w.logger.Warn("memory sample failed; keeping previous reading", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.logger.Info("memory watchdog stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SampleOnce takes one reading and publishes it.
func (w *Watchdog) SampleOnce() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memory sampler panic: %v", r)
		}
	}()
	fraction, err := w.sampler.Sample()
	if err != nil {
		return fmt.Errorf("sample memory: %w", err)
	}
	fraction = clamp(fraction)
	sample := crawler.MemorySample{UsedFraction: fraction, Timestamp: w.clock.Now()}
	w.latest.Store(&sample)
	w.metrics.SetMemoryUsage(fraction)
	w.observePressure(sample)
	return nil
}

func (w *Watchdog) observePressure(sample crawler.MemorySample) {
	over := sample.Percent() > w.cfg.Threshold
	if over == w.pressured.Load() {
		return
	}
	w.pressured.Store(over)
	if !over {
		w.logger.Info("memory pressure cleared", zap.Float64("used_percent", sample.Percent()))
		return
	}
	w.logger.Warn("memory pressure; new fetches are throttled",
		zap.Float64("used_percent", sample.Percent()),
		zap.Float64("threshold", w.cfg.Threshold),
	)
	if w.cfg.GCOnPressure && w.gc != nil {
		w.gc()
		w.gcRuns.Add(1)
	}
}

func forceGC() {
	runtime.GC()
	debug.FreeOSMemory()
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
