package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/attentive-audio/turnstile/internal/observe"
	"github.com/attentive-audio/turnstile/pkg/provider/stt"
)

// ErrNoHealthyBackend is returned by [STTFallback.StartStream] when every
// backend either refused the stream or is cooling down.
var ErrNoHealthyBackend = errors.New("resilience: no healthy transcription backend")

// FallbackConfig configures an [STTFallback].
type FallbackConfig struct {
	// Breaker is the per-backend breaker configuration. Name and
	// OnStateChange are set per backend by the fallback itself.
	Breaker BreakerConfig

	// Metrics, when set, records breaker state changes. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// backend pairs one transcription provider with the breaker guarding it.
type backend struct {
	name     string
	provider stt.Provider
	breaker  *Breaker
}

// STTFallback presents a primary transcription backend plus ordered
// fallbacks as a single [stt.Provider]. A stream start goes to the first
// backend whose breaker admits it; backends whose recent stream starts kept
// failing are skipped while they cool down.
//
// Backends must be registered before the first StartStream call; after that
// STTFallback is safe for concurrent use.
type STTFallback struct {
	cfg      FallbackConfig
	metrics  *observe.Metrics
	backends []backend
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	f := &STTFallback{cfg: cfg, metrics: m}
	f.backends = append(f.backends, backend{
		name:     primaryName,
		provider: primary,
		breaker:  f.newBreaker(primaryName),
	})
	return f
}

// AddFallback registers an additional backend, tried after all earlier ones.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.backends = append(f.backends, backend{
		name:     name,
		provider: provider,
		breaker:  f.newBreaker(name),
	})
}

// newBreaker builds the breaker for one backend, layering the transition
// metric over any caller-supplied state-change hook.
func (f *STTFallback) newBreaker(name string) *Breaker {
	bc := f.cfg.Breaker
	bc.Name = name
	caller := bc.OnStateChange
	bc.OnStateChange = func(n string, from, to State) {
		f.metrics.RecordBreakerTransition(context.Background(), n, to.String())
		if caller != nil {
			caller(n, from, to)
		}
	}
	return NewBreaker(bc)
}

// StartStream opens a transcription stream on the first backend that admits
// and serves the request. Returns [ErrNoHealthyBackend] wrapping the last
// failure when no backend can serve.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	var lastErr error
	for i := range f.backends {
		b := &f.backends[i]

		var handle stt.SessionHandle
		err := b.breaker.Execute(func() error {
			var err error
			handle, err = b.provider.StartStream(ctx, cfg)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Warn("transcription failed over", "backend", b.name)
			}
			return handle, nil
		}

		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping cooling-down backend", "backend", b.name)
		} else {
			slog.Warn("backend refused the stream, trying next",
				"backend", b.name, "error", err)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrNoHealthyBackend, lastErr)
}
