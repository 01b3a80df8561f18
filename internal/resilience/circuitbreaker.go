// Package resilience keeps streaming transcription available when a backend
// degrades. [Breaker] stops hammering a backend whose stream starts keep
// failing, and [STTFallback] presents a primary plus ordered fallbacks as a
// single [stt.Provider] so the session manager never sees the failover.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Execute] while the backend is
// cooling down after tripping.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call; the backend is considered healthy.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrBreakerOpen]. Entered after
	// TripAfter consecutive failures; left when the cooldown elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through after the
	// cooldown. Enough successes close the breaker; one failure re-opens it.
	StateHalfOpen
)

// String returns the state name used in logs and metric attributes.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields get defaults.
type BreakerConfig struct {
	// Name labels the guarded backend in logs and state-change
	// notifications.
	Name string

	// TripAfter is the number of consecutive failures that opens the
	// breaker. Default 5.
	TripAfter int

	// Cooldown is how long the breaker stays open before probing the
	// backend again. Default 30s.
	Cooldown time.Duration

	// ProbeQuota bounds the calls let through in the half-open state.
	// Default 3.
	ProbeQuota int

	// OnStateChange, when set, is invoked after every state transition with
	// the backend name and the old and new state. Called with internal
	// locks held; keep it cheap and non-blocking.
	OnStateChange func(name string, from, to State)
}

// Breaker guards one transcription backend. It trips after a run of failed
// stream starts, cools down, then probes the backend before trusting it
// again.
type Breaker struct {
	name          string
	tripAfter     int
	cooldown      time.Duration
	probeQuota    int
	onStateChange func(name string, from, to State)

	mu         sync.Mutex
	state      State
	failures   int
	trippedAt  time.Time
	probes     int
	probeFails int
}

// NewBreaker creates a [Breaker] in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeQuota <= 0 {
		cfg.ProbeQuota = 3
	}
	return &Breaker{
		name:          cfg.Name,
		tripAfter:     cfg.TripAfter,
		cooldown:      cfg.Cooldown,
		probeQuota:    cfg.ProbeQuota,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
	}
}

// transition moves the breaker to a new state. Must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// Execute runs fn unless the backend is cooling down. In the half-open state
// only ProbeQuota calls are let through.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.trippedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.probes = 0
		b.probeFails = 0
		b.transition(StateHalfOpen)
		slog.Info("backend cooldown over, probing", "backend", b.name)

	case StateHalfOpen:
		if b.probes >= b.probeQuota {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}

	probing := b.state == StateHalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure records a failed call. Must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.trippedAt = time.Now()

	if probing {
		b.probeFails++
		// One bad probe is enough; back to cooling down.
		b.failures = b.tripAfter
		b.transition(StateOpen)
		slog.Warn("backend failed its probe, cooling down again", "backend", b.name)
		return
	}

	b.failures++
	if b.failures >= b.tripAfter {
		b.transition(StateOpen)
		slog.Warn("backend tripped its breaker",
			"backend", b.name,
			"consecutive_failures", b.failures)
	}
}

// onSuccess records a successful call. Must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probes-b.probeFails >= b.probeQuota {
			b.failures = 0
			b.probes = 0
			b.probeFails = 0
			b.transition(StateClosed)
			slog.Info("backend healthy again", "backend", b.name)
		}
		return
	}
	b.failures = 0
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the stored transition happens on the next
// [Breaker.Execute].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.trippedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probes = 0
	b.probeFails = 0
	b.transition(StateClosed)
	slog.Info("breaker manually reset", "backend", b.name)
}
