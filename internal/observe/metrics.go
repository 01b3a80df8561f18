// Package observe provides application-wide observability primitives for
// Turnstile: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Turnstile metrics.
const meterName = "github.com/attentive-audio/turnstile"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// TurnDuration tracks speech duration of completed turns.
	TurnDuration metric.Float64Histogram

	// ConfirmationWindow tracks the silence confirmation window armed for
	// each end candidate (interesting under the length-scaled debounce
	// policy).
	ConfirmationWindow metric.Float64Histogram

	// --- Counters ---

	// TurnsCompleted counts confirmed turn completions. Use with attribute:
	//   attribute.String("detector", "fused"|"duration")
	TurnsCompleted metric.Int64Counter

	// DebounceCancellations counts end candidates cancelled by a speech
	// resurgence. Use with attribute:
	//   attribute.String("cause", "speech-start"|"probability-spike")
	DebounceCancellations metric.Int64Counter

	// Misfires counts voice-activity segments rejected as too short.
	Misfires metric.Int64Counter

	// VADFrames counts processed voice-activity frames. Use with attribute:
	//   attribute.String("result", "speech"|"silence")
	VADFrames metric.Int64Counter

	// STTRestarts counts transcription stream reconnects after transient
	// failures. Use with attribute: attribute.String("provider", ...)
	STTRestarts metric.Int64Counter

	// BreakerTransitions counts STT failover breaker state changes. Use with
	// attributes:
	//   attribute.String("backend", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live detection sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// turnBuckets defines histogram bucket boundaries (in seconds) sized for
// conversational turn lengths.
var turnBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// windowBuckets covers the configurable confirmation window range.
var windowBuckets = []float64{
	0.25, 0.5, 0.75, 1, 1.25, 1.5, 2, 3,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("turnstile.turn.duration",
		metric.WithDescription("Speech duration of completed turns."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConfirmationWindow, err = m.Float64Histogram("turnstile.turn.confirmation_window",
		metric.WithDescription("Silence confirmation window armed for completed turns."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(windowBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TurnsCompleted, err = m.Int64Counter("turnstile.turns.completed",
		metric.WithDescription("Total confirmed turn completions by detector."),
	); err != nil {
		return nil, err
	}
	if met.DebounceCancellations, err = m.Int64Counter("turnstile.debounce.cancellations",
		metric.WithDescription("Total end candidates cancelled by a speech resurgence, by cause."),
	); err != nil {
		return nil, err
	}
	if met.Misfires, err = m.Int64Counter("turnstile.vad.misfires",
		metric.WithDescription("Total voice-activity segments rejected as too short."),
	); err != nil {
		return nil, err
	}
	if met.VADFrames, err = m.Int64Counter("turnstile.vad.frames",
		metric.WithDescription("Total processed voice-activity frames by result."),
	); err != nil {
		return nil, err
	}
	if met.STTRestarts, err = m.Int64Counter("turnstile.stt.restarts",
		metric.WithDescription("Total transcription stream reconnects by provider."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("turnstile.stt.breaker.transitions",
		metric.WithDescription("Total failover breaker state changes by backend and new state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("turnstile.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("turnstile.active_sessions",
		metric.WithDescription("Number of live detection sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("turnstile.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn records a confirmed turn completion with its speech duration.
func (m *Metrics) RecordTurn(ctx context.Context, detector string, speech time.Duration) {
	attrs := metric.WithAttributes(attribute.String("detector", detector))
	m.TurnsCompleted.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, speech.Seconds(), attrs)
}

// RecordDebounceCancel records an end candidate cancelled by a resurgence.
func (m *Metrics) RecordDebounceCancel(ctx context.Context, cause string) {
	m.DebounceCancellations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
}

// RecordMisfire records a too-short voice-activity segment.
func (m *Metrics) RecordMisfire(ctx context.Context) {
	m.Misfires.Add(ctx, 1)
}

// RecordVADFrame records one processed voice-activity frame.
func (m *Metrics) RecordVADFrame(ctx context.Context, speech bool) {
	result := "silence"
	if speech {
		result = "speech"
	}
	m.VADFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordBreakerTransition records an STT failover breaker entering a new
// state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("state", state),
		),
	)
}

// RecordSTTRestart records a transcription stream reconnect.
func (m *Metrics) RecordSTTRestart(ctx context.Context, provider string) {
	m.STTRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
