package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchfetch/internal/crawler"
)

// Default server limits.
const (
	DefaultMaxURLs        = 500
	DefaultRequestTimeout = 5 * time.Minute
)

// Engine is the slice of crawler.Engine the handlers need.
type Engine interface {
	Collect(ctx context.Context, urls []string) []crawler.FetchResult
	Stats() crawler.Snapshot
}

// ReadinessCheck reports whether a downstream dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Config tunes the HTTP surface.
type Config struct {
	// APIKey enables X-API-Key authentication on /v1 routes when non-empty.
	APIKey         string
	MaxURLs        int
	RequestTimeout time.Duration
	// Metrics serves /metrics; the route is omitted when nil.
	Metrics http.Handler
	// Instrument wraps every route, typically metrics.Sink.Middleware.
	Instrument func(http.Handler) http.Handler
	Ready      []ReadinessCheck
}

// Server wires HTTP handlers to the fetch engine.
type Server struct {
	router chi.Router
	engine Engine
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(engine Engine, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = DefaultMaxURLs
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	s := &Server{
		engine: engine,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Instrument != nil {
		r.Use(cfg.Instrument)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/fetch", s.fetch)
		r.Get("/stats", s.stats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, check := range s.cfg.Ready {
		if err := check(ctx); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type fetchRequest struct {
	URLs []string `json:"urls"`
	// IncludeBody returns payloads inline; otherwise only sizes are reported.
	IncludeBody bool `json:"include_body"`
}

type fetchResponse struct {
	Results []ResultView     `json:"results"`
	Stats   crawler.Snapshot `json:"stats"`
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > s.cfg.MaxURLs {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("at most %d urls per request", s.cfg.MaxURLs))
		return
	}

	results := s.engine.Collect(r.Context(), req.URLs)
	if err := r.Context().Err(); err != nil {
		s.logger.Warn("fetch request abandoned by client",
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
		return
	}
	views := make([]ResultView, 0, len(results))
	for _, res := range results {
		views = append(views, NewResultView(res, req.IncludeBody))
	}
	s.writeJSON(w, http.StatusOK, fetchResponse{Results: views, Stats: s.engine.Stats()})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

// ResultView is the wire form of a crawler.FetchResult.
type ResultView struct {
	Index        int            `json:"index"`
	URL          string         `json:"url"`
	CanonicalURL string         `json:"canonical_url,omitempty"`
	Status       crawler.Status `json:"status"`
	StatusCode   int            `json:"status_code,omitempty"`
	Attempts     int            `json:"attempts"`
	Deduplicated bool           `json:"deduplicated,omitempty"`
	UsedHeadless bool           `json:"used_headless,omitempty"`
	ElapsedMs    int64          `json:"elapsed_ms"`
	Bytes        int            `json:"bytes"`
	Error        string         `json:"error,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	Body         string         `json:"body,omitempty"`
}

// NewResultView flattens a result for JSON encoding.
func NewResultView(res crawler.FetchResult, includeBody bool) ResultView {
	view := ResultView{
		Index:        res.Index,
		URL:          res.URL,
		CanonicalURL: res.CanonicalURL,
		Status:       res.Status,
		StatusCode:   res.StatusCode,
		Attempts:     res.Attempts,
		Deduplicated: res.Deduplicated,
		UsedHeadless: res.UsedHeadless,
		ElapsedMs:    res.Elapsed.Milliseconds(),
		Bytes:        len(res.Payload),
		Error:        res.ErrorText(),
	}
	var fe *crawler.FetchError
	if errors.As(res.Err, &fe) {
		view.ErrorKind = fe.Kind.String()
	}
	if includeBody {
		view.Body = string(res.Payload)
	}
	return view
}

type requestIDKey struct{}

// RequestID returns the ID assigned by the request ID middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
					)
					writeJSON(logger, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(nil, w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
