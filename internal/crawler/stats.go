package crawler

import "sync/atomic"

// Stats is a read-only snapshot of a StatsCollector.
type Stats struct {
	Attempted    int64 `json:"attempted"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	CacheHits    int64 `json:"cache_hit"`
	Retried      int64 `json:"retried"`
	BytesFetched int64 `json:"bytes_fetched"`
	Deduplicated int64 `json:"deduplicated"`
	CacheErrors  int64 `json:"cache_errors"`
	Throttled    int64 `json:"throttled"`
	InFlight     int64 `json:"in_flight"`
}

// Snapshot pairs Stats with the latest memory reading.
type Snapshot struct {
	Stats
	MemoryUsedFraction float64 `json:"memory_used_fraction"`
}

// StatsCollector accumulates run counters. Every field is updated atomically;
// the engine is the single logical writer for outcome counters.
type StatsCollector struct {
	attempted    atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	cacheHits    atomic.Int64
	retried      atomic.Int64
	bytesFetched atomic.Int64
	deduplicated atomic.Int64
	cacheErrors  atomic.Int64
	throttled    atomic.Int64
	inFlight     atomic.Int64
}

// NewStatsCollector returns a zeroed collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// Snapshot copies the current counter values.
func (s *StatsCollector) Snapshot() Stats {
	return Stats{
		Attempted:    s.attempted.Load(),
		Succeeded:    s.succeeded.Load(),
		Failed:       s.failed.Load(),
		CacheHits:    s.cacheHits.Load(),
		Retried:      s.retried.Load(),
		BytesFetched: s.bytesFetched.Load(),
		Deduplicated: s.deduplicated.Load(),
		CacheErrors:  s.cacheErrors.Load(),
		Throttled:    s.throttled.Load(),
		InFlight:     s.inFlight.Load(),
	}
}

// Reset zeroes the monotonic counters between runs. InFlight is a gauge and
// is left untouched so concurrent work stays accounted for.
func (s *StatsCollector) Reset() {
	s.attempted.Store(0)
	s.succeeded.Store(0)
	s.failed.Store(0)
	s.cacheHits.Store(0)
	s.retried.Store(0)
	s.bytesFetched.Store(0)
	s.deduplicated.Store(0)
	s.cacheErrors.Store(0)
	s.throttled.Store(0)
}

func (s *StatsCollector) recordAttempt() { s.attempted.Add(1) }

func (s *StatsCollector) recordSuccess(bytes int) {
	s.succeeded.Add(1)
	s.bytesFetched.Add(int64(bytes))
}

func (s *StatsCollector) recordFailure() { s.failed.Add(1) }
func (s *StatsCollector) recordCacheHit() { s.cacheHits.Add(1) }
func (s *StatsCollector) recordRetry() { s.retried.Add(1) }
func (s *StatsCollector) recordDuplicate() { s.deduplicated.Add(1) }
func (s *StatsCollector) recordCacheError() { s.cacheErrors.Add(1) }
func (s *StatsCollector) recordThrottle() { s.throttled.Add(1) }
func (s *StatsCollector) enterFlight() int64 { return s.inFlight.Add(1) }
func (s *StatsCollector) leaveFlight() int64 { return s.inFlight.Add(-1) }
