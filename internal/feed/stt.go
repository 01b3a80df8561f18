package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/attentive-audio/turnstile/internal/observe"
	"github.com/attentive-audio/turnstile/internal/turn"
	"github.com/attentive-audio/turnstile/pkg/provider/stt"
)

const (
	// defaultMaxRestarts bounds reconnect attempts per Run before the
	// detector session is failed.
	defaultMaxRestarts = 3

	// defaultRestartBackoff is the initial reconnect delay; it doubles per
	// consecutive failure.
	defaultRestartBackoff = 500 * time.Millisecond

	// interimJitterThreshold is the Jaro-Winkler score at or above which a
	// new interim fragment is treated as a re-send of the previous one and
	// not forwarded. Streaming recognisers flicker on punctuation and casing
	// without changing content.
	interimJitterThreshold = 0.98
)

// TranscriptFeed pumps a streaming transcription session into the detector.
// It restarts the stream across transient failures and calls Detector.Fail
// when the stream cannot be recovered.
type TranscriptFeed struct {
	provider stt.Provider
	name     string
	cfg      stt.StreamConfig
	det      turn.Detector
	metrics  *observe.Metrics

	maxRestarts int
	backoff     time.Duration

	mu   sync.Mutex
	sess stt.SessionHandle

	// lastInterim is the most recent interim fragment forwarded; used to
	// drop near-identical re-sends.
	lastInterim string
}

// TranscriptOption configures a TranscriptFeed during construction.
type TranscriptOption func(*TranscriptFeed)

// WithTranscriptMetrics attaches a metrics instance. Default is
// [observe.DefaultMetrics].
func WithTranscriptMetrics(m *observe.Metrics) TranscriptOption {
	return func(f *TranscriptFeed) { f.metrics = m }
}

// WithMaxRestarts overrides the reconnect attempt budget.
func WithMaxRestarts(n int) TranscriptOption {
	return func(f *TranscriptFeed) { f.maxRestarts = n }
}

// WithRestartBackoff overrides the initial reconnect delay.
func WithRestartBackoff(d time.Duration) TranscriptOption {
	return func(f *TranscriptFeed) { f.backoff = d }
}

// NewTranscriptFeed creates a TranscriptFeed. name identifies the provider in
// logs and metrics. The stream is not opened until Run.
func NewTranscriptFeed(provider stt.Provider, name string, cfg stt.StreamConfig, det turn.Detector, opts ...TranscriptOption) *TranscriptFeed {
	f := &TranscriptFeed{
		provider:    provider,
		name:        name,
		cfg:         cfg,
		det:         det,
		metrics:     observe.DefaultMetrics(),
		maxRestarts: defaultMaxRestarts,
		backoff:     defaultRestartBackoff,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// SendAudio forwards an audio chunk to the current transcription session.
// Chunks arriving between a stream failure and its restart are dropped
// rather than buffered.
func (f *TranscriptFeed) SendAudio(chunk []byte) error {
	f.mu.Lock()
	sess := f.sess
	f.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.SendAudio(chunk); err != nil {
		return fmt.Errorf("feed: send audio: %w", err)
	}
	return nil
}

// Run opens the transcription stream and pumps transcripts into the detector
// until ctx is cancelled or the stream fails beyond recovery. On exhausted
// restarts it fails the detector session and returns the underlying error.
// ctx cancellation is a clean shutdown and returns nil.
func (f *TranscriptFeed) Run(ctx context.Context) error {
	restarts := 0
	backoff := f.backoff

	for {
		sess, err := f.provider.StartStream(ctx, f.cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if restarts >= f.maxRestarts {
				err = fmt.Errorf("feed: transcription stream unrecoverable after %d attempts: %w", restarts, err)
				f.metrics.RecordProviderError(ctx, f.name, "stt")
				f.det.Fail(err)
				return err
			}
			restarts++
			f.metrics.RecordSTTRestart(ctx, f.name)
			slog.Warn("feed: transcription stream start failed, retrying",
				"provider", f.name, "attempt", restarts, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			continue
		}

		f.mu.Lock()
		f.sess = sess
		f.mu.Unlock()

		ended := f.pumpSession(ctx, sess)

		f.mu.Lock()
		f.sess = nil
		f.mu.Unlock()
		_ = sess.Close()

		if ctx.Err() != nil {
			return nil
		}
		if !ended {
			// ended=false only happens on ctx cancellation.
			return nil
		}

		if restarts >= f.maxRestarts {
			err := fmt.Errorf("feed: transcription stream closed %d times, giving up", restarts+1)
			f.metrics.RecordProviderError(ctx, f.name, "stt")
			f.det.Fail(err)
			return err
		}
		restarts++
		f.metrics.RecordSTTRestart(ctx, f.name)
		slog.Warn("feed: transcription stream ended, reconnecting",
			"provider", f.name, "attempt", restarts, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
	}
}

// pumpSession forwards transcripts until the session's channels close or ctx
// is cancelled. Reports true when the stream ended on its own.
func (f *TranscriptFeed) pumpSession(ctx context.Context, sess stt.SessionHandle) (ended bool) {
	partials := sess.Partials()
	finals := sess.Finals()

	for {
		select {
		case <-ctx.Done():
			return false

		case tr, ok := <-partials:
			if !ok {
				partials = nil
				if finals == nil {
					return true
				}
				continue
			}
			f.forwardInterim(tr)

		case tr, ok := <-finals:
			if !ok {
				finals = nil
				if partials == nil {
					return true
				}
				continue
			}
			f.forwardFinal(tr)
		}
	}
}

// forwardInterim feeds a provisional fragment, dropping near-identical
// re-sends of the previous one.
func (f *TranscriptFeed) forwardInterim(tr stt.Transcript) {
	if tr.Text == "" {
		return
	}
	if f.lastInterim != "" {
		if tr.Text == f.lastInterim ||
			matchr.JaroWinkler(f.lastInterim, tr.Text, false) >= interimJitterThreshold {
			return
		}
	}
	f.lastInterim = tr.Text
	f.det.FeedTranscript(turn.TranscriptEvent{
		Kind:       turn.TranscriptInterim,
		Text:       tr.Text,
		Confidence: tr.Confidence,
	})
}

// forwardFinal feeds an authoritative segment and clears interim tracking.
func (f *TranscriptFeed) forwardFinal(tr stt.Transcript) {
	if tr.Text == "" {
		return
	}
	f.lastInterim = ""
	f.det.FeedTranscript(turn.TranscriptEvent{
		Kind:       turn.TranscriptFinal,
		Text:       tr.Text,
		Confidence: tr.Confidence,
	})
}
