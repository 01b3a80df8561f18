package energy

import (
	"math"
	"testing"

	"github.com/attentive-audio/turnstile/pkg/audio"
	"github.com/attentive-audio/turnstile/pkg/provider/vad"
)

const testFrameSamples = 1536

// loudFrame returns a frame whose RMS sits near the given fraction of the
// default reference level (0.25 full scale).
func loudFrame(level float64) []byte {
	amp := level * defaultReferenceRMS * 32768 * math.Sqrt2
	samples := make([]int16, testFrameSamples)
	for i := range samples {
		samples[i] = int16(amp * math.Sin(2*math.Pi*float64(i)/48))
	}
	return audio.Int16ToBytes(samples)
}

func quietFrame() []byte {
	return make([]byte, testFrameSamples*2)
}

func newTestSession(t *testing.T, cfg vad.Config) vad.SessionHandle {
	t.Helper()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	sess, err := New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func mustProcess(t *testing.T, s vad.SessionHandle, frame []byte) vad.Event {
	t.Helper()
	ev, err := s.ProcessFrame(frame)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	return ev
}

func TestNewSessionValidation(t *testing.T) {
	t.Parallel()

	eng := New()

	if _, err := eng.NewSession(vad.Config{}); err == nil {
		t.Error("want error for missing sample rate")
	}
	if _, err := eng.NewSession(vad.Config{
		SampleRate:        16000,
		PositiveThreshold: 0.3,
		NegativeThreshold: 0.5,
	}); err == nil {
		t.Error("want error for negative threshold above positive")
	}
}

func TestProcessFrameRejectsWrongSize(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t, vad.Config{})
	if _, err := sess.ProcessFrame(make([]byte, 100)); err == nil {
		t.Error("want error for wrong frame size")
	}
}

func TestSpeechStartAndEnd(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t, vad.Config{RedemptionFrames: 4, MinSpeechFrames: 2})

	if ev := mustProcess(t, sess, quietFrame()); ev.Type != vad.Silence {
		t.Fatalf("want silence, got %v", ev.Type)
	}

	ev := mustProcess(t, sess, loudFrame(1.0))
	if ev.Type != vad.SpeechStart {
		t.Fatalf("want speech-start, got %v (p=%.2f)", ev.Type, ev.Probability)
	}

	// A long segment, then sustained silence ends it after the redemption
	// window.
	for range 20 {
		if ev := mustProcess(t, sess, loudFrame(1.0)); ev.Type != vad.SpeechContinue {
			t.Fatalf("want speech-continue, got %v", ev.Type)
		}
	}
	for i := range 3 {
		if ev := mustProcess(t, sess, quietFrame()); ev.Type != vad.SpeechContinue {
			t.Fatalf("low frame %d: want speech-continue, got %v", i, ev.Type)
		}
	}
	ev = mustProcess(t, sess, quietFrame())
	if ev.Type != vad.SpeechEnd {
		t.Fatalf("want speech-end on 4th low frame, got %v", ev.Type)
	}
	if ev.SpeechFrames == 0 {
		t.Error("want SpeechFrames set on speech-end")
	}
}

func TestRedemptionCancelsEnd(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t, vad.Config{RedemptionFrames: 4})
	mustProcess(t, sess, loudFrame(1.0))

	// Three low frames, then a loud one: the redemption counter resets and
	// no end fires on subsequent low frames until the full window elapses
	// again.
	for range 3 {
		mustProcess(t, sess, quietFrame())
	}
	if ev := mustProcess(t, sess, loudFrame(1.0)); ev.Type != vad.SpeechContinue {
		t.Fatalf("want speech-continue after redemption, got %v", ev.Type)
	}
	for i := range 3 {
		if ev := mustProcess(t, sess, quietFrame()); ev.Type != vad.SpeechContinue {
			t.Fatalf("low frame %d after redemption: want speech-continue, got %v", i, ev.Type)
		}
	}
}

func TestShortSegmentIsMisfire(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t, vad.Config{RedemptionFrames: 2, MinSpeechFrames: 10})

	mustProcess(t, sess, loudFrame(1.0))
	mustProcess(t, sess, quietFrame())
	ev := mustProcess(t, sess, quietFrame())
	if ev.Type != vad.Misfire {
		t.Fatalf("want misfire for short segment, got %v", ev.Type)
	}
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t, vad.Config{})
	mustProcess(t, sess, loudFrame(1.0))
	sess.Reset()

	if ev := mustProcess(t, sess, quietFrame()); ev.Type != vad.Silence {
		t.Fatalf("want silence after reset, got %v", ev.Type)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t, vad.Config{})
	if err := sess.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := sess.ProcessFrame(quietFrame()); err == nil {
		t.Error("want error from ProcessFrame after close")
	}
}
