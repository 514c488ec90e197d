// Package api exposes the ingestion and query surface over HTTP: record
// ingestion, aggregate queries, alert queries, and lifecycle transitions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"driftwatch/internal/aggregate"
	"driftwatch/internal/alert"
	"driftwatch/internal/explain"
	"driftwatch/internal/service"
)

// Config tunes the HTTP server.
type Config struct {
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Server serves the driftwatch HTTP API.
type Server struct {
	cfg      Config
	pipeline *service.Pipeline
	logger   zerolog.Logger
	router   chi.Router
}

// NewServer constructs a Server over the pipeline.
func NewServer(cfg Config, pipeline *service.Pipeline, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		pipeline: pipeline,
		logger:   logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Post("/records", s.handleIngest)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/alerts", s.handleListAlerts)
	r.Get("/alerts/{id}", s.handleGetAlert)
	r.Post("/alerts/{id}/status", s.handleTransition)
	r.Get("/healthz", s.handleHealth)
	s.router = r
	return s
}

// Handler returns the underlying router, used directly in tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info().Str("listen", s.cfg.Listen).Msg("api server started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var rec aggregate.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid record payload")
		return
	}
	if err := s.pipeline.Ingest(rec); err != nil {
		if errors.Is(err, aggregate.ErrBufferFull) {
			writeError(w, http.StatusServiceUnavailable, "ingest buffer full")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint query parameter is required")
		return
	}
	window, err := time.ParseDuration(r.URL.Query().Get("window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "window query parameter must be a duration (e.g. 5m)")
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Aggregates(endpoint, window))
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alert.Filter{
		Endpoint: q.Get("endpoint"),
		Severity: explain.Severity(q.Get("severity")),
		Status:   alert.Status(q.Get("status")),
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		f.To = t
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	alerts, err := s.pipeline.ListAlerts(r.Context(), f)
	if err != nil {
		s.logger.Error().Err(err).Msg("list alerts failed")
		writeError(w, http.StatusInternalServerError, "list alerts failed")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.pipeline.GetAlert(r.Context(), id)
	if err != nil {
		if errors.Is(err, alert.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.logger.Error().Err(err).Str("alert_id", id).Msg("get alert failed")
		writeError(w, http.StatusInternalServerError, "get alert failed")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Status alert.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid transition payload")
		return
	}

	a, err := s.pipeline.TransitionAlert(r.Context(), id, body.Status)
	if err != nil {
		switch {
		case errors.Is(err, alert.ErrNotFound):
			writeError(w, http.StatusNotFound, "alert not found")
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Degraded mode is reported, not treated as down: ingestion continues
	// while alerting is paused.
	writeJSON(w, http.StatusOK, s.pipeline.HealthSnapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
