package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/attentive-audio/turnstile/internal/turn"
	"github.com/attentive-audio/turnstile/pkg/provider/vad"
	vadmock "github.com/attentive-audio/turnstile/pkg/provider/vad/mock"
)

func TestVoiceFeedEventMapping(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{
		Script: []vad.Event{
			{Type: vad.Silence, Probability: 0.1},
			{Type: vad.SpeechStart, Probability: 0.9},
			{Type: vad.SpeechContinue, Probability: 0.85},
			{Type: vad.SpeechEnd, Probability: 0.2, SpeechFrames: 40},
			{Type: vad.Misfire, Probability: 0.1, SpeechFrames: 2},
		},
	}
	engine := &vadmock.Engine{Session: sess}
	det := newRecordDetector()

	f, err := NewVoiceFeed(engine, vad.Config{SampleRate: 16000}, det)
	if err != nil {
		t.Fatalf("NewVoiceFeed: %v", err)
	}
	defer f.Close()

	ctx := context.Background()
	frame := make([]byte, vad.DefaultFrameSamples*2)
	for range 5 {
		if err := f.ProcessFrame(ctx, frame); err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
	}

	got := det.voiceEvents()
	want := []turn.VoiceEvent{
		{Kind: turn.VoiceFrame, Probability: 0.1},
		{Kind: turn.VoiceStart, Probability: 0.9},
		{Kind: turn.VoiceFrame, Probability: 0.85},
		{Kind: turn.VoiceEnd, Probability: 0.2},
		{Kind: turn.VoiceMisfire, Probability: 0.1},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if len(sess.Frames) != 5 {
		t.Errorf("session saw %d frames, want 5", len(sess.Frames))
	}
}

func TestVoiceFeedUnsupportedEngine(t *testing.T) {
	t.Parallel()

	engine := &vadmock.Engine{NewSessionErr: vad.ErrUnsupported}
	det := newRecordDetector()

	_, err := NewVoiceFeed(engine, vad.Config{SampleRate: 16000}, det)
	if !errors.Is(err, vad.ErrUnsupported) {
		t.Fatalf("err = %v, want vad.ErrUnsupported", err)
	}
}

func TestVoiceFeedFrameError(t *testing.T) {
	t.Parallel()

	cause := errors.New("bad frame")
	sess := &vadmock.Session{ProcessFrameErr: cause}
	engine := &vadmock.Engine{Session: sess}
	det := newRecordDetector()

	f, err := NewVoiceFeed(engine, vad.Config{SampleRate: 16000}, det)
	if err != nil {
		t.Fatalf("NewVoiceFeed: %v", err)
	}
	defer f.Close()

	if err := f.ProcessFrame(context.Background(), []byte{0, 0}); !errors.Is(err, cause) {
		t.Errorf("ProcessFrame err = %v, want wrapped %v", err, cause)
	}
	if len(det.voiceEvents()) != 0 {
		t.Error("detector fed despite frame error")
	}
}

func TestVoiceFeedResetAndClose(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{}
	engine := &vadmock.Engine{Session: sess}

	f, err := NewVoiceFeed(engine, vad.Config{SampleRate: 16000}, newRecordDetector())
	if err != nil {
		t.Fatalf("NewVoiceFeed: %v", err)
	}

	f.Reset()
	if sess.ResetCallCount != 1 {
		t.Errorf("ResetCallCount = %d, want 1", sess.ResetCallCount)
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("CloseCallCount = %d, want 1", sess.CloseCallCount)
	}
}
