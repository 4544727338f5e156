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

	"github.com/JakeFAU/news-ingest/internal/engine"
	"github.com/JakeFAU/news-ingest/internal/ingest"
	"github.com/JakeFAU/news-ingest/internal/metrics"
)

const describeTimeout = 5 * time.Second

// SummarySource yields the last finished run.
type SummarySource interface {
	LastSummary() (ingest.Summary, bool)
}

// PlanLister describes the sources a run would schedule.
type PlanLister interface {
	Describe(ctx context.Context, opts engine.Options) ([]engine.PlanInfo, error)
}

// Config controls optional server behaviour.
type Config struct {
	// APIKey, when set, is required on every route except /healthz.
	APIKey string
}

// Server wires HTTP handlers to the engine.
type Server struct {
	router    chi.Router
	summaries SummarySource
	plans     PlanLister
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. plans may be nil.
func NewServer(summaries SummarySource, plans PlanLister, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		summaries: summaries,
		plans:     plans,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Group(func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/readyz", s.readyz)
		r.Handle("/metrics", metrics.Handler())
		r.Get("/summary", s.summary)
		r.Get("/v1/sources", s.sources)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.summaries == nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) summary(w http.ResponseWriter, _ *http.Request) {
	if s.summaries == nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	sum, ok := s.summaries.LastSummary()
	if !ok {
		writeError(w, http.StatusNotFound, "no run has finished yet")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) sources(w http.ResponseWriter, r *http.Request) {
	if s.plans == nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	opts := engine.Options{
		Mode:   ingest.Mode(strings.TrimSpace(r.URL.Query().Get("mode"))),
		Method: strings.TrimSpace(r.URL.Query().Get("method")),
	}
	if opts.Mode != "" && opts.Mode != ingest.ModeLatest && opts.Mode != ingest.ModeBackfill {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", opts.Mode))
		return
	}
	if slugs := r.URL.Query()["source"]; len(slugs) > 0 {
		opts.Sources = slugs
	}

	ctx, cancel := context.WithTimeout(r.Context(), describeTimeout)
	defer cancel()
	infos, err := s.plans.Describe(ctx, opts)
	if err != nil {
		s.logger.Error("describe sources failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to describe sources")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": infos})
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

// RequestID returns the request ID stored on ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", RequestID(r.Context())),
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
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
