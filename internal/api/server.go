package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/se7ensam/orion-AI/internal/ingest"
	"github.com/se7ensam/orion-AI/internal/metrics"
	"github.com/se7ensam/orion-AI/internal/throttle"
)

const (
	requestTimeout = 30 * time.Second
	pingTimeout    = 2 * time.Second
)

// Store is the subset of the filing repository the server inspects.
type Store interface {
	Ping(ctx context.Context) error
	PoolStats() ingest.PoolStats
}

// ThrottleStatus exposes the throttler's observable state.
type ThrottleStatus interface {
	State() throttle.State
	BlockedUntil() time.Time
	Violations() int
}

// Worker exposes the consumer's lifecycle state.
type Worker interface {
	ShuttingDown() bool
	InFlight() int
	Recorder() *metrics.Recorder
}

// Server wires HTTP handlers to the worker's components.
type Server struct {
	router   chi.Router
	store    Store
	throttle ThrottleStatus
	worker   Worker
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. th and
// worker may be nil.
func NewServer(store Store, th ThrottleStatus, worker Worker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    store,
		throttle: th,
		worker:   worker,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.metrics)
	r.Route("/debug", func(r chi.Router) {
		r.Get("/pool", s.pool)
		r.Get("/throttle", s.throttleState)
		r.Get("/summary", s.summary)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts the HTTP
// server down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.worker != nil && s.worker.ShuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		st := s.store.PoolStats()
		metrics.ObservePool(st.Total, st.Idle, st.InUse, st.Waiting)
	}
	metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) pool(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "no filing store configured")
		return
	}
	writeJSON(w, http.StatusOK, s.store.PoolStats())
}

type throttleResponse struct {
	State        string     `json:"state"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Violations   int        `json:"consecutive_violations"`
}

func (s *Server) throttleState(w http.ResponseWriter, _ *http.Request) {
	if s.throttle == nil {
		writeError(w, http.StatusNotFound, "no throttler configured")
		return
	}
	resp := throttleResponse{
		State:      s.throttle.State().String(),
		Violations: s.throttle.Violations(),
	}
	if until := s.throttle.BlockedUntil(); !until.IsZero() {
		resp.BlockedUntil = &until
	}
	writeJSON(w, http.StatusOK, resp)
}

type summaryResponse struct {
	InFlight     int             `json:"in_flight"`
	ShuttingDown bool            `json:"shutting_down"`
	Summary      metrics.Summary `json:"summary"`
}

func (s *Server) summary(w http.ResponseWriter, _ *http.Request) {
	if s.worker == nil || s.worker.Recorder() == nil {
		writeError(w, http.StatusNotFound, "no worker configured")
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{
		InFlight:     s.worker.InFlight(),
		ShuttingDown: s.worker.ShuttingDown(),
		Summary:      s.worker.Recorder().Snapshot(),
	})
}

type requestIDKey struct{}

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

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
