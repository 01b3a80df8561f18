// Package feed adapts provider event streams into detector feed events.
//
// A VoiceFeed runs a VAD session synchronously on each incoming audio frame
// and forwards the normalized result to the detector. A TranscriptFeed pumps
// a streaming transcription session in the background, restarting it across
// transient failures and failing the detector session when the stream cannot
// be recovered.
package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/attentive-audio/turnstile/internal/observe"
	"github.com/attentive-audio/turnstile/internal/turn"
	"github.com/attentive-audio/turnstile/pkg/provider/vad"
)

// VoiceFeed drives a VAD session and forwards its events to the detector.
// It is synchronous: ProcessFrame must be called from a single goroutine,
// typically the audio ingress loop.
type VoiceFeed struct {
	sess    vad.SessionHandle
	det     turn.Detector
	metrics *observe.Metrics
}

// VoiceOption configures a VoiceFeed during construction.
type VoiceOption func(*VoiceFeed)

// WithVoiceMetrics attaches a metrics instance. Default is
// [observe.DefaultMetrics].
func WithVoiceMetrics(m *observe.Metrics) VoiceOption {
	return func(f *VoiceFeed) { f.metrics = m }
}

// NewVoiceFeed opens a VAD session against the given engine. The returned
// error wraps [vad.ErrUnsupported] when the engine cannot run here; callers
// use that as the capability probe and fall back to a duration-only detector.
func NewVoiceFeed(engine vad.Engine, cfg vad.Config, det turn.Detector, opts ...VoiceOption) (*VoiceFeed, error) {
	sess, err := engine.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("feed: open voice session: %w", err)
	}
	f := &VoiceFeed{
		sess:    sess,
		det:     det,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// ProcessFrame analyses one mono PCM frame and forwards the detection result
// to the detector.
func (f *VoiceFeed) ProcessFrame(ctx context.Context, frame []byte) error {
	ev, err := f.sess.ProcessFrame(frame)
	if err != nil {
		return fmt.Errorf("feed: voice frame: %w", err)
	}

	switch ev.Type {
	case vad.SpeechStart:
		f.det.FeedVoiceActivity(turn.VoiceEvent{Kind: turn.VoiceStart, Probability: ev.Probability})
		f.metrics.RecordVADFrame(ctx, true)
	case vad.SpeechContinue:
		f.det.FeedVoiceActivity(turn.VoiceEvent{Kind: turn.VoiceFrame, Probability: ev.Probability})
		f.metrics.RecordVADFrame(ctx, true)
	case vad.Silence:
		f.det.FeedVoiceActivity(turn.VoiceEvent{Kind: turn.VoiceFrame, Probability: ev.Probability})
		f.metrics.RecordVADFrame(ctx, false)
	case vad.SpeechEnd:
		f.det.FeedVoiceActivity(turn.VoiceEvent{Kind: turn.VoiceEnd, Probability: ev.Probability})
		f.metrics.RecordVADFrame(ctx, false)
		slog.Debug("feed: speech segment ended", "frames", ev.SpeechFrames)
	case vad.Misfire:
		f.det.FeedVoiceActivity(turn.VoiceEvent{Kind: turn.VoiceMisfire, Probability: ev.Probability})
		f.metrics.RecordVADFrame(ctx, false)
		f.metrics.RecordMisfire(ctx)
	}
	return nil
}

// Reset clears the VAD session state, e.g. after an audio gap.
func (f *VoiceFeed) Reset() {
	f.sess.Reset()
}

// Close releases the VAD session.
func (f *VoiceFeed) Close() error {
	return f.sess.Close()
}
