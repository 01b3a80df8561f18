// Package server exposes the audio ingress API over HTTP.
//
// Two endpoints are served:
//
//   - /v1/listen — WebSocket audio ingress. The client opens a detection
//     session with a JSON start frame, streams audio as binary messages, and
//     receives turn_complete and session_error events as JSON text messages.
//   - /v1/turns — JSON history of archived turns for a session.
//
// All routes run behind the observe middleware for tracing and request
// metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/attentive-audio/turnstile/internal/app"
	"github.com/attentive-audio/turnstile/internal/config"
	"github.com/attentive-audio/turnstile/internal/observe"
)

// shutdownGrace bounds how long Run waits for in-flight requests after ctx
// is cancelled.
const shutdownGrace = 10 * time.Second

// Server is the audio ingress HTTP server.
type Server struct {
	cfg     config.ServerConfig
	app     *app.App
	metrics *observe.Metrics
}

// ServerOption configures a Server during construction.
type ServerOption func(*Server)

// WithServerMetrics attaches a metrics instance. Default is
// [observe.DefaultMetrics].
func WithServerMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server for the given application.
func New(cfg config.ServerConfig, application *app.App, opts ...ServerOption) *Server {
	s := &Server{
		cfg:     cfg,
		app:     application,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the full route tree wrapped in the observe middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/listen", s.handleListen)
	mux.HandleFunc("GET /v1/turns", s.handleTurns)
	return observe.Middleware(s.metrics)(mux)
}

// Run serves the ingress API until ctx is cancelled, then shuts down
// gracefully. TLS is used when the config carries a certificate pair.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS != nil {
			err = srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	slog.Info("ingress server listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLS != nil)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	}
}

// turnRecord is the JSON shape of one archived turn in the history endpoint.
type turnRecord struct {
	SessionID   string    `json:"session_id"`
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence"`
	SpeechMs    int64     `json:"speech_ms"`
	Detector    string    `json:"detector"`
	CompletedAt time.Time `json:"completed_at"`
}

// handleTurns serves archived turns for a session, newest first.
func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, `{"error":"session_id is required"}`, http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"limit must be a non-negative integer"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := s.app.Store().Recent(r.Context(), sessionID, limit)
	if err != nil {
		slog.Error("turn history query failed", "session_id", sessionID, "err", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	out := make([]turnRecord, len(recs))
	for i, rec := range recs {
		out[i] = turnRecord{
			SessionID:   rec.SessionID,
			Text:        rec.Text,
			Confidence:  rec.Confidence,
			SpeechMs:    rec.SpeechDuration.Milliseconds(),
			Detector:    rec.Detector,
			CompletedAt: rec.CompletedAt,
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Warn("turn history encode failed", "err", err)
	}
}
