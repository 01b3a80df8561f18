package app

import (
	"context"
	"testing"
	"time"

	"github.com/attentive-audio/turnstile/internal/config"
	"github.com/attentive-audio/turnstile/internal/turnlog"
	sttmock "github.com/attentive-audio/turnstile/pkg/provider/stt/mock"
)

func TestNewRequiresSTTProvider(t *testing.T) {
	cfg := &config.Config{}

	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Error("New accepted nil providers")
	}
	if _, err := New(context.Background(), cfg, &Providers{}); err == nil {
		t.Error("New accepted providers without STT")
	}
}

func TestNewDefaultsToMemoryArchive(t *testing.T) {
	a, err := New(context.Background(), &config.Config{}, &Providers{STT: &sttmock.Provider{}, STTName: "mock"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if _, ok := a.Store().(*turnlog.MemStore); !ok {
		t.Errorf("Store() = %T, want *turnlog.MemStore when no dsn is configured", a.Store())
	}
}

func TestNewUsesInjectedStore(t *testing.T) {
	store := turnlog.NewMemStore(5)
	a, err := New(context.Background(), &config.Config{},
		&Providers{STT: &sttmock.Provider{}, STTName: "mock"},
		WithStore(store),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.Store() != turnlog.Store(store) {
		t.Error("Store() did not return the injected store")
	}
}

func TestShutdownStopsActiveSession(t *testing.T) {
	a, err := New(context.Background(), &config.Config{}, &Providers{STT: &sttmock.Provider{}, STTName: "mock"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s, err := a.Sessions().Start(context.Background(), "sess")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if a.Sessions().Active() != nil {
		t.Error("session still active after Shutdown")
	}
	if _, ok := <-s.Completions(); ok {
		t.Error("completions channel still open after Shutdown")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	a, err := New(context.Background(), &config.Config{}, &Providers{STT: &sttmock.Provider{}, STTName: "mock"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
