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

	"github.com/JakeFAU/llm-reader/internal/crawler"
	"github.com/JakeFAU/llm-reader/internal/format"
	"github.com/JakeFAU/llm-reader/internal/metrics"
	"github.com/JakeFAU/llm-reader/internal/pagepool"
	"github.com/JakeFAU/llm-reader/internal/storage"
	"github.com/JakeFAU/llm-reader/internal/storage/blobpath"
)

// Crawler is the orchestrator as seen by the HTTP layer.
type Crawler interface {
	Crawl(ctx context.Context, rawURL string, opts crawler.Options) (format.Result, error)
	Settings() crawler.Settings
}

// PoolStatus reports browser pool health. *pagepool.Pool satisfies it.
type PoolStatus interface {
	Crippled() error
	Stats() pagepool.Stats
}

// Deps are the collaborators a Server needs. Pool and Blobs are optional.
type Deps struct {
	Crawler Crawler
	Pool    PoolStatus
	Blobs   storage.Reader
	Logger  *zap.Logger
	// MetricsHandler defaults to metrics.Handler().
	MetricsHandler http.Handler
}

// Server wires HTTP handlers to the crawler.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MetricsHandler == nil {
		deps.MetricsHandler = metrics.Handler()
	}
	s := &Server{deps: deps, logger: deps.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	r.Get("/favicon.ico", s.favicon)
	if deps.Blobs != nil {
		r.Get("/blobs/*", s.blob)
	}
	r.Get("/*", s.read)
	r.Post("/*", s.read)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pool == nil {
		writeJSON(w, s.logger, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	stats := s.deps.Pool.Stats()
	body := map[string]any{
		"status":   "ready",
		"pages":    stats.Pages,
		"idle":     stats.Idle,
		"leased":   stats.Leased,
		"creating": stats.Creating,
		"queued":   stats.Queued,
	}
	if err := s.deps.Pool.Crippled(); err != nil {
		body["status"] = "crippled"
		body["reason"] = err.Error()
		writeJSON(w, s.logger, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, body)
}

func (s *Server) favicon(w http.ResponseWriter, _ *http.Request) {
	writeText(w, s.logger, http.StatusNotFound, crawler.KindNotFound.Message())
}

func (s *Server) blob(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.deps.Blobs.GetObject(r.Context(), chi.URLParam(r, "*"))
	switch {
	case errors.Is(err, blobpath.ErrNotFound), errors.Is(err, blobpath.ErrInvalidPath):
		http.NotFound(w, r)
		return
	case err != nil:
		s.logger.Error("read blob failed", zap.Error(err))
		http.Error(w, "failed to read object", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("write blob failed", zap.Error(err))
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request-ID middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
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

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeText(w http.ResponseWriter, logger *zap.Logger, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		logger.Debug("write body failed", zap.Error(err))
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
