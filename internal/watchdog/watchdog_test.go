package watchdog

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/batchfetch/internal/clock/manual"
	"github.com/JakeFAU/batchfetch/internal/crawler"
)

type scriptedSampler struct {
	mu    sync.Mutex
	steps []func() (float64, error)
	i     int
}

func (s *scriptedSampler) Sample() (float64, error) {
	s.mu.Lock()
	step := s.steps[min(s.i, len(s.steps)-1)]
	s.i++
	s.mu.Unlock()
	return step()
}

func value(f float64) func() (float64, error) {
	return func() (float64, error) { return f, nil }
}

type gaugeRecorder struct {
	crawler.NopMetrics
	mu     sync.Mutex
	values []float64
}

func (g *gaugeRecorder) SetMemoryUsage(f float64) {
	g.mu.Lock()
	g.values = append(g.values, f)
	g.mu.Unlock()
}

func TestCurrentIsZeroBeforeFirstSample(t *testing.T) {
	t.Parallel()

	w := New(Config{Threshold: 75}, SamplerFunc(func() (float64, error) { return 0.5, nil }), nil, nil)
	require.Equal(t, crawler.MemorySample{}, w.Current())
}

func TestSampleOncePublishesAndKeepsPreviousOnFailure(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	sampler := &scriptedSampler{steps: []func() (float64, error){
		value(0.4),
		func() (float64, error) { return 0, errors.New("procfs unavailable") },
		func() (float64, error) { panic("sampler bug") },
		value(0.6),
	}}
	gauges := &gaugeRecorder{}
	w := New(Config{Threshold: 75}, sampler, gauges, nil, WithClock(clk))

	require.NoError(t, w.SampleOnce())
	first := w.Current()
	require.InDelta(t, 0.4, first.UsedFraction, 1e-9)
	require.Equal(t, clk.Now(), first.Timestamp)

	clk.Advance(time.Second)
	require.Error(t, w.SampleOnce())
	require.Equal(t, first, w.Current())

	require.ErrorContains(t, w.SampleOnce(), "panic")
	require.Equal(t, first, w.Current())

	require.NoError(t, w.SampleOnce())
	require.InDelta(t, 0.6, w.Current().UsedFraction, 1e-9)
	require.Equal(t, []float64{0.4, 0.6}, gauges.values)
}

func TestPressureTransitionsTriggerGCOnce(t *testing.T) {
	t.Parallel()

	sampler := &scriptedSampler{steps: []func() (float64, error){value(0.9), value(0.95), value(0.5), value(0.8)}}
	gcCalls := 0
	w := New(Config{Threshold: 75, GCOnPressure: true}, sampler, nil, nil, WithGC(func() { gcCalls++ }))

	require.NoError(t, w.SampleOnce())
	require.True(t, w.UnderPressure())
	require.NoError(t, w.SampleOnce())
	require.Equal(t, 1, gcCalls)

	require.NoError(t, w.SampleOnce())
	require.False(t, w.UnderPressure())

	require.NoError(t, w.SampleOnce())
	require.True(t, w.UnderPressure())
	require.Equal(t, 2, gcCalls)
	require.EqualValues(t, 2, w.GCRuns())
}

func TestNoGCWhenDisabled(t *testing.T) {
	t.Parallel()

	called := false
	w := New(Config{Threshold: 10}, SamplerFunc(func() (float64, error) { return 0.9, nil }), nil, nil,
		WithGC(func() { called = true }))
	require.NoError(t, w.SampleOnce())
	require.True(t, w.UnderPressure())
	require.False(t, called)
}

func TestSamplesAreClamped(t *testing.T) {
	t.Parallel()

	for in, want := range map[float64]float64{-0.5: 0, 1.7: 1, 0.25: 0.25} {
		w := New(Config{Threshold: 75}, SamplerFunc(func() (float64, error) { return in, nil }), nil, nil)
		require.NoError(t, w.SampleOnce())
		require.InDelta(t, want, w.Current().UsedFraction, 1e-9)
	}
	w := New(Config{Threshold: 75}, SamplerFunc(func() (float64, error) { return math.NaN(), nil }), nil, nil)
	require.NoError(t, w.SampleOnce())
	require.Zero(t, w.Current().UsedFraction)
}

func TestRunSamplesUntilCanceled(t *testing.T) {
	t.Parallel()

	w := New(Config{Interval: 5 * time.Millisecond, Threshold: 75},
		SamplerFunc(func() (float64, error) { return 0.3, nil }), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Current().UsedFraction > 0 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
}

func TestNewSamplerRejectsUnknownSource(t *testing.T) {
	t.Parallel()

	_, err := NewSampler("swap", 0)
	require.Error(t, err)

	s, err := NewSampler(SourceRuntime, 1<<40)
	require.NoError(t, err)
	f, err := s.Sample()
	require.NoError(t, err)
	require.Greater(t, f, 0.0)
	require.Less(t, f, 1.0)
}
