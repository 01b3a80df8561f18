package turn

import (
	"errors"
	"testing"
	"time"
)

func settleDuration(t *testing.T, d *DurationOnly) {
	t.Helper()
	ch := make(chan struct{})
	d.enqueue(syncProbe{ch: ch})
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not settle")
	}
}

func TestDurationOnlyCompletion(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	d := NewDurationOnly(WithDurationClock(clk))
	if err := d.Start(Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	d.FeedTranscript(TranscriptEvent{Kind: TranscriptFinal, Text: "turn the lights", Confidence: 0.85})
	settleDuration(t, d)

	// More transcript before the window elapses pushes it out.
	clk.Advance(1000 * time.Millisecond)
	d.FeedTranscript(TranscriptEvent{Kind: TranscriptFinal, Text: "off please", Confidence: 0.9})
	settleDuration(t, d)

	clk.Advance(1400 * time.Millisecond)
	settleDuration(t, d)
	expectNoCompletion(t, d.Completions())

	clk.Advance(100 * time.Millisecond)
	c := waitCompletion(t, d.Completions())

	if want := "turn the lights off please"; c.Text != want {
		t.Errorf("Text = %q, want %q", c.Text, want)
	}
	if c.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", c.Confidence)
	}
	if c.Duration != 1000*time.Millisecond {
		t.Errorf("Duration = %v, want 1s", c.Duration)
	}
}

func TestDurationOnlyShortTurnKeepsListening(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	d := NewDurationOnly(WithDurationClock(clk))
	if err := d.Start(Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A single instantaneous final gives zero elapsed speech, below the
	// 800ms minimum; the quiet window must not confirm it.
	d.FeedTranscript(TranscriptEvent{Kind: TranscriptFinal, Text: "hm", Confidence: 0.4})
	settleDuration(t, d)

	clk.Advance(2 * time.Second)
	settleDuration(t, d)
	expectNoCompletion(t, d.Completions())

	// Speech continues long enough and then goes quiet.
	d.FeedTranscript(TranscriptEvent{Kind: TranscriptInterim, Text: "let me", Confidence: 0})
	settleDuration(t, d)
	clk.Advance(1200 * time.Millisecond)
	d.FeedTranscript(TranscriptEvent{Kind: TranscriptFinal, Text: "let me think about that", Confidence: 0.8})
	settleDuration(t, d)

	clk.Advance(1500 * time.Millisecond)
	c := waitCompletion(t, d.Completions())
	if want := "hm let me think about that"; c.Text != want {
		t.Errorf("Text = %q, want %q", c.Text, want)
	}
}

func TestDurationOnlyIgnoresVoiceActivity(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	d := NewDurationOnly(WithDurationClock(clk))
	if err := d.Start(Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	d.FeedVoiceActivity(VoiceEvent{Kind: VoiceStart, Probability: 0.99})
	d.FeedVoiceActivity(VoiceEvent{Kind: VoiceEnd})

	clk.Advance(10 * time.Second)
	expectNoCompletion(t, d.Completions())
	d.Stop()
}

func TestDurationOnlyFail(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	d := NewDurationOnly(WithDurationClock(clk))
	if err := d.Start(Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	d.FeedTranscript(TranscriptEvent{Kind: TranscriptFinal, Text: "partial thought", Confidence: 0.7})
	settleDuration(t, d)

	cause := errors.New("stt: stream reset")
	d.Fail(cause)

	e := waitSessionError(t, d.Errors())
	if !errors.Is(e.Reason, cause) {
		t.Errorf("Reason = %v", e.Reason)
	}
	if e.PartialText != "partial thought" {
		t.Errorf("PartialText = %q", e.PartialText)
	}
}

func TestDurationOnlyAlreadyActive(t *testing.T) {
	t.Parallel()

	d := NewDurationOnly(WithDurationClock(newFakeClock()))
	if err := d.Start(Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(Config{}); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Start error = %v, want ErrAlreadyActive", err)
	}
	d.Stop()
}
