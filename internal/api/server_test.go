package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchfetch/internal/crawler"
	"github.com/JakeFAU/batchfetch/internal/metrics"
)

func TestServer_Fetch_ReturnsResults(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{results: []crawler.FetchResult{
		{Index: 0, URL: "https://example.com", Status: crawler.StatusSuccess, Payload: []byte("hello"), Attempts: 1, Elapsed: 20 * time.Millisecond},
		{Index: 1, URL: "https://example.com/missing", Status: crawler.StatusFailure, Err: crawler.NewStatusError("https://example.com/missing", 404), Attempts: 1},
	}}
	server := NewServer(engine, Config{}, zap.NewNop())

	rec := doRequest(server, http.MethodPost, "/v1/fetch", `{"urls":["https://example.com","https://example.com/missing"],"include_body":true}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp fetchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "hello", resp.Results[0].Body)
	assert.Equal(t, 5, resp.Results[0].Bytes)
	assert.Equal(t, int64(20), resp.Results[0].ElapsedMs)
	assert.Equal(t, crawler.StatusFailure, resp.Results[1].Status)
	assert.Equal(t, "http_status", resp.Results[1].ErrorKind)
	assert.Contains(t, resp.Results[1].Error, "404")
	assert.Equal(t, int64(7), resp.Stats.Attempted)
	assert.Equal(t, []string{"https://example.com", "https://example.com/missing"}, engine.lastURLs())
}

func TestServer_Fetch_OmitsBodyByDefault(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{results: []crawler.FetchResult{
		{Index: 0, URL: "https://example.com", Status: crawler.StatusCached, Payload: []byte("cached")},
	}}
	server := NewServer(engine, Config{}, zap.NewNop())

	rec := doRequest(server, http.MethodPost, "/v1/fetch", `{"urls":["https://example.com"]}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"body"`)
	assert.Contains(t, rec.Body.String(), `"bytes":6`)
}

func TestServer_Fetch_RejectsBadRequests(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		code int
	}{
		{name: "invalid json", body: `{"urls":`, code: http.StatusBadRequest},
		{name: "missing urls", body: `{}`, code: http.StatusBadRequest},
		{name: "too many urls", body: `{"urls":["a","b","c"]}`, code: http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			engine := &fakeEngine{}
			server := NewServer(engine, Config{MaxURLs: 2}, zap.NewNop())

			rec := doRequest(server, http.MethodPost, "/v1/fetch", tc.body, nil)

			require.Equal(t, tc.code, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
			assert.Nil(t, engine.lastURLs())
		})
	}
}

func TestServer_Stats(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeEngine{}, Config{}, zap.NewNop())

	rec := doRequest(server, http.MethodGet, "/v1/stats", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap crawler.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(7), snap.Attempted)
	assert.InDelta(t, 0.5, snap.MemoryUsedFraction, 1e-9)
}

func TestServer_ReadyzRunsChecks(t *testing.T) {
	t.Parallel()

	healthy := NewServer(&fakeEngine{}, Config{
		Ready: []ReadinessCheck{func(context.Context) error { return nil }},
	}, zap.NewNop())
	rec := doRequest(healthy, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(&fakeEngine{}, Config{
		Ready: []ReadinessCheck{func(context.Context) error { return errors.New("redis down") }},
	}, zap.NewNop())
	rec = doRequest(down, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis down")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeEngine{}, Config{APIKey: "secret"}, zap.NewNop())

	rec := doRequest(server, http.MethodGet, "/v1/stats", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(server, http.MethodGet, "/v1/stats", "", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(server, http.MethodGet, "/v1/stats?api_key=secret", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open for orchestrators.
	rec = doRequest(server, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsRoute(t *testing.T) {
	t.Parallel()

	sink := metrics.New(prometheus.NewRegistry())
	server := NewServer(&fakeEngine{}, Config{
		Metrics:    sink.Handler(),
		Instrument: sink.Middleware,
	}, zap.NewNop())

	rec := doRequest(server, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(server, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_MetricsRouteAbsentWithoutHandler(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeEngine{}, Config{}, zap.NewNop())

	rec := doRequest(server, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_FetchAgainstEngine(t *testing.T) {
	t.Parallel()

	fetcher := fetcherFunc(func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		if strings.Contains(req.URL, "broken") {
			return crawler.FetchResponse{}, crawler.NewStatusError(req.URL, 410)
		}
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("page:" + req.URL)}, nil
	})
	engine, err := crawler.NewEngine(crawler.DefaultConfig(), fetcher, nil, nil, nil, nil, nil, nil, zap.NewNop())
	require.NoError(t, err)
	server := NewServer(engine, Config{}, zap.NewNop())

	rec := doRequest(server, http.MethodPost, "/v1/fetch",
		`{"urls":["https://a.test/","https://broken.test/","https://a.test"],"include_body":true}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp fetchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	assert.Equal(t, crawler.StatusSuccess, resp.Results[0].Status)
	assert.Equal(t, crawler.StatusFailure, resp.Results[1].Status)
	assert.Equal(t, 410, resp.Results[1].StatusCode)
	assert.True(t, resp.Results[2].Deduplicated)
	assert.Equal(t, int64(1), resp.Stats.Succeeded)
	assert.Equal(t, int64(1), resp.Stats.Failed)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeEngine{panicOnCollect: true}, Config{}, zap.NewNop())

	rec := doRequest(server, http.MethodPost, "/v1/fetch", `{"urls":["https://example.com"]}`, nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeEngine{}, Config{}, zap.NewNop())

	rec := doRequest(server, http.MethodGet, "/healthz", "", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = doRequest(server, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "abc-123"})
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

func doRequest(s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeEngine struct {
	mu             sync.Mutex
	urls           []string
	results        []crawler.FetchResult
	panicOnCollect bool
}

func (f *fakeEngine) Collect(_ context.Context, urls []string) []crawler.FetchResult {
	if f.panicOnCollect {
		panic("engine exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append([]string(nil), urls...)
	return f.results
}

func (f *fakeEngine) Stats() crawler.Snapshot {
	return crawler.Snapshot{
		Stats:              crawler.Stats{Attempted: 7},
		MemoryUsedFraction: 0.5,
	}
}

func (f *fakeEngine) lastURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urls
}

type fetcherFunc func(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error)

func (f fetcherFunc) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	return f(ctx, req)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
