// Command turnstile is the main entry point for the Turnstile end-of-turn
// detection server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/attentive-audio/turnstile/internal/app"
	"github.com/attentive-audio/turnstile/internal/config"
	"github.com/attentive-audio/turnstile/internal/health"
	"github.com/attentive-audio/turnstile/internal/observe"
	"github.com/attentive-audio/turnstile/internal/resilience"
	"github.com/attentive-audio/turnstile/internal/server"
	"github.com/attentive-audio/turnstile/internal/turnlog"
	"github.com/attentive-audio/turnstile/pkg/provider/stt"
	"github.com/attentive-audio/turnstile/pkg/provider/stt/deepgram"
	"github.com/attentive-audio/turnstile/pkg/provider/vad"
	"github.com/attentive-audio/turnstile/pkg/provider/vad/energy"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "turnstile: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "turnstile: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("turnstile starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Serve ingress + health ────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	ingress := server.New(cfg.Server, application)
	g.Go(func() error { return ingress.Run(gctx) })

	if cfg.Server.HealthAddr != "" {
		g.Go(func() error { return runHealthServer(gctx, cfg, application) })
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// Turnstile into reg. Each factory receives a config.ProviderEntry and
// constructs the provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if ref := optFloat(entry.Options, "reference_rms"); ref > 0 {
			opts = append(opts, energy.WithReferenceRMS(ref))
		}
		return energy.New(opts...), nil
	})
}

// buildProviders instantiates the providers named in cfg using the registry.
// STT fallbacks are wrapped into a circuit-breaking fallback group around the
// primary.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	primary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = primary
	ps.STTName = cfg.Providers.STT.Name
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if len(cfg.Providers.STTFallbacks) > 0 {
		group := resilience.NewSTTFallback(primary, cfg.Providers.STT.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.Providers.STTFallbacks {
			fb, err := reg.CreateSTT(entry)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, fb)
			slog.Info("provider created", "kind", "stt-fallback", "name", entry.Name)
		}
		ps.STT = group
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		engine, err := reg.CreateVAD(cfg.Providers.VAD)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("vad provider not yet implemented — using the duration-only detector", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		} else {
			ps.VAD = engine
			slog.Info("provider created", "kind", "vad", "name", name)
		}
	} else {
		slog.Warn("no vad provider configured — sessions will use the duration-only detector")
	}

	return ps, nil
}

// ── Health server ─────────────────────────────────────────────────────────────

// runHealthServer serves /healthz, /readyz, and /metrics on the health
// address until ctx is cancelled.
func runHealthServer(ctx context.Context, cfg *config.Config, application *app.App) error {
	checkers := []health.Checker{
		{Name: "turnlog", Check: turnlogChecker(application.Store())},
	}

	h := health.New(checkers...)
	mux := http.NewServeMux()
	h.Register(mux)

	srv := &http.Server{
		Addr:    cfg.Server.HealthAddr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("health server listening", "addr", cfg.Server.HealthAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server: %w", err)
	}
}

// turnlogChecker probes the turn archive. The PostgreSQL store exposes a
// Ping; the in-memory store is always healthy.
func turnlogChecker(store turnlog.Store) func(context.Context) error {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	return func(ctx context.Context) error {
		if p, ok := store.(pinger); ok {
			return p.Ping(ctx)
		}
		return nil
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Turnstile — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	fmt.Printf("║  STT fallbacks   : %-19d ║\n", len(cfg.Providers.STTFallbacks))
	if cfg.TurnLog.PostgresDSN != "" {
		fmt.Printf("║  Turn archive    : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Turn archive    : %-19s ║\n", "in-memory")
	}
	printDuration("Min speech", cfg.Detection.MinSpeechDurationMs)
	printDuration("Silence window", cfg.Detection.SilenceConfirmationMs)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

func printDuration(label string, ms int) {
	fmt.Printf("║  %-14s  : %-19s ║\n", label, (time.Duration(ms) * time.Millisecond).String())
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optFloat extracts a float value from a provider Options map[string]any.
// YAML decodes numbers as float64 or int depending on their spelling.
func optFloat(opts map[string]any, key string) float64 {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
