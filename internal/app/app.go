// Package app wires all Turnstile subsystems into a running application.
//
// The App struct owns process-lifetime state: the turn archive, the metrics
// instance, and the session manager that runs one detection session at a
// time. For testing, inject mock implementations via functional options
// (WithStore, WithMetrics); when an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/attentive-audio/turnstile/internal/config"
	"github.com/attentive-audio/turnstile/internal/observe"
	"github.com/attentive-audio/turnstile/internal/turnlog"
	"github.com/attentive-audio/turnstile/pkg/provider/stt"
	"github.com/attentive-audio/turnstile/pkg/provider/vad"
)

// Providers holds one interface value per provider slot. A nil VAD engine
// means frame-level voice activity is unavailable and sessions run the
// duration-only detector. Populated by main.go via the config registry.
type Providers struct {
	// STT is the transcription backend. Required. main.go may wrap the
	// configured primary in a fallback group before handing it over.
	STT stt.Provider

	// STTName identifies the STT backend in logs and metrics.
	STTName string

	// VAD is the voice activity engine, or nil when none is configured.
	VAD vad.Engine
}

// App owns process-lifetime subsystems and hands out detection sessions.
type App struct {
	cfg       *config.Config
	providers *Providers
	store     turnlog.Store
	metrics   *observe.Metrics
	sessions  *SessionManager

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a turn archive instead of creating one from config.
func WithStore(s turnlog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics instance. Default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring the turn archive and session manager together.
// The providers struct comes from main.go (populated via the config
// registry). Use Option functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, fmt.Errorf("app: an stt provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init turn archive: %w", err)
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Store:     a.store,
		Metrics:   a.metrics,
	})

	return a, nil
}

// initStore sets up the turn archive: PostgreSQL when a DSN is configured,
// in-memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.TurnLog.PostgresDSN
	if dsn == "" {
		slog.Info("no turnlog dsn configured, archiving turns in memory",
			"retain", a.cfg.TurnLog.Retain)
		a.store = turnlog.NewMemStore(a.cfg.TurnLog.Retain)
		return nil
	}

	store, err := turnlog.NewPostgresStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager {
	return a.sessions
}

// Store returns the turn archive. Used by the readiness probe and the
// history endpoint.
func (a *App) Store() turnlog.Store {
	return a.store
}

// Shutdown stops any active session and tears down subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if sess := a.sessions.Active(); sess != nil {
			sess.Stop()
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
