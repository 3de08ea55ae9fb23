// Package metrics exposes Prometheus collectors for the fetch engine and the
// HTTP API.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/batchfetch/internal/crawler"
)

// Sink implements crawler.MetricsSink on top of a Prometheus registerer.
type Sink struct {
	gatherer prometheus.Gatherer

	resultsTotal        *prometheus.CounterVec
	bytesTotal          *prometheus.CounterVec
	retriesTotal        *prometheus.CounterVec
	cacheErrorsTotal    *prometheus.CounterVec
	throttleWaitSeconds prometheus.Histogram
	inFlight            prometheus.Gauge
	memoryUsedRatio     prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg uses a fresh registry so
// repeated construction in tests never collides.
func New(reg *prometheus.Registry) *Sink {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Sink{
		gatherer: reg,
		resultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchfetch_results_total",
			Help: "Terminal fetch results, labeled by site and status.",
		}, []string{"site", "status"}),
		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchfetch_bytes_total",
			Help: "Bytes fetched from backends, labeled by site.",
		}, []string{"site"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchfetch_retries_total",
			Help: "Retries scheduled after transient failures, labeled by site.",
		}, []string{"site"}),
		cacheErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchfetch_cache_errors_total",
			Help: "Cache operations that failed and were treated as misses.",
		}, []string{"op"}),
		throttleWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchfetch_throttle_wait_seconds",
			Help:    "Time spent waiting for memory pressure to clear.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchfetch_in_flight",
			Help: "Backend calls currently in flight.",
		}),
		memoryUsedRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchfetch_memory_used_ratio",
			Help: "Latest memory watchdog sample (0..1).",
		}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
		}, []string{"method", "route"}),
	}
}

// Handler serves the sink's registry.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

// ObserveResult implements crawler.MetricsSink.
func (s *Sink) ObserveResult(rawURL string, status crawler.Status, bytes int) {
	site := SanitizeSite(rawURL)
	s.resultsTotal.WithLabelValues(site, string(status)).Inc()
	if bytes > 0 {
		s.bytesTotal.WithLabelValues(site).Add(float64(bytes))
	}
}

// ObserveRetry implements crawler.MetricsSink.
func (s *Sink) ObserveRetry(rawURL string) {
	s.retriesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveCacheError implements crawler.MetricsSink.
func (s *Sink) ObserveCacheError(op string) {
	s.cacheErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveThrottle implements crawler.MetricsSink.
func (s *Sink) ObserveThrottle(wait time.Duration) {
	s.throttleWaitSeconds.Observe(wait.Seconds())
}

// SetInFlight implements crawler.MetricsSink.
func (s *Sink) SetInFlight(n int) {
	s.inFlight.Set(float64(n))
}

// SetMemoryUsage implements crawler.MetricsSink.
func (s *Sink) SetMemoryUsage(fraction float64) {
	s.memoryUsedRatio.Set(fraction)
}

// ObserveHTTPRequest records one API request.
func (s *Sink) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	s.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	s.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
