package resilience

import (
	"errors"
	"testing"
	"time"
)

var errStreamRefused = errors.New("deepgram: open stream: connection refused")

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "deepgram"})
	if b.tripAfter != 5 {
		t.Errorf("tripAfter = %d, want 5", b.tripAfter)
	}
	if b.cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", b.cooldown)
	}
	if b.probeQuota != 3 {
		t.Errorf("probeQuota = %d, want 3", b.probeQuota)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreakerForwardsWhileClosed(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "deepgram", TripAfter: 3})

	opened := false
	if err := b.Execute(func() error {
		opened = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !opened {
		t.Fatal("stream start was not attempted")
	}
}

func TestBreakerTripsAfterRepeatedStreamFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:      "deepgram",
		TripAfter: 3,
		Cooldown:  time.Hour,
	})

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errStreamRefused })
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 refused streams", b.State())
	}

	// While cooling down the backend must not even be dialled.
	dialled := false
	err := b.Execute(func() error {
		dialled = true
		return nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
	if dialled {
		t.Error("backend was dialled while its breaker was open")
	}
}

func TestBreakerSuccessClearsFailureStreak(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "deepgram", TripAfter: 3})

	_ = b.Execute(func() error { return errStreamRefused })
	_ = b.Execute(func() error { return errStreamRefused })
	_ = b.Execute(func() error { return nil })

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after a successful stream", b.State())
	}

	// The streak starts over: two more failures must not trip it.
	_ = b.Execute(func() error { return errStreamRefused })
	_ = b.Execute(func() error { return errStreamRefused })
	if b.State() != StateClosed {
		t.Fatal("breaker tripped on a streak shorter than TripAfter")
	}
}

func TestBreakerCooldownLeadsToProbing(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:      "deepgram",
		TripAfter: 2,
		Cooldown:  10 * time.Millisecond,
	})

	_ = b.Execute(func() error { return errStreamRefused })
	_ = b.Execute(func() error { return errStreamRefused })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after the cooldown", b.State())
	}
}

func TestBreakerClosesAfterSuccessfulProbes(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:       "deepgram",
		TripAfter:  2,
		Cooldown:   10 * time.Millisecond,
		ProbeQuota: 2,
	})

	_ = b.Execute(func() error { return errStreamRefused })
	_ = b.Execute(func() error { return errStreamRefused })
	time.Sleep(15 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: unexpected error: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", b.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:      "deepgram",
		TripAfter: 2,
		Cooldown:  10 * time.Millisecond,
	})

	_ = b.Execute(func() error { return errStreamRefused })
	_ = b.Execute(func() error { return errStreamRefused })
	time.Sleep(15 * time.Millisecond)

	if err := b.Execute(func() error { return errStreamRefused }); err == nil {
		t.Fatal("expected the probe's own error")
	}

	// Cooling down again; the cooldown clock restarted with the failed
	// probe, so State() reports open.
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open after a failed probe", s)
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:      "deepgram",
		TripAfter: 2,
		Cooldown:  time.Hour,
	})

	_ = b.Execute(func() error { return errStreamRefused })
	_ = b.Execute(func() error { return errStreamRefused })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", b.State())
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestBreakerReportsTransitions(t *testing.T) {
	type change struct{ from, to State }
	var seen []change

	b := NewBreaker(BreakerConfig{
		Name:       "deepgram",
		TripAfter:  1,
		Cooldown:   10 * time.Millisecond,
		ProbeQuota: 1,
		OnStateChange: func(name string, from, to State) {
			if name != "deepgram" {
				t.Errorf("name = %q, want deepgram", name)
			}
			seen = append(seen, change{from, to})
		},
	})

	_ = b.Execute(func() error { return errStreamRefused })
	time.Sleep(15 * time.Millisecond)
	_ = b.Execute(func() error { return nil })

	want := []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
