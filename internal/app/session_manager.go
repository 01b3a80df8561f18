package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/attentive-audio/turnstile/internal/config"
	"github.com/attentive-audio/turnstile/internal/feed"
	"github.com/attentive-audio/turnstile/internal/observe"
	"github.com/attentive-audio/turnstile/internal/turn"
	"github.com/attentive-audio/turnstile/internal/turnlog"
	"github.com/attentive-audio/turnstile/pkg/provider/stt"
	"github.com/attentive-audio/turnstile/pkg/provider/vad"
)

// ErrSessionActive is returned by Start while another detection session is
// running.
var ErrSessionActive = errors.New("app: a detection session is already active")

// Detector names as they appear in logs, metrics, and archived turns.
const (
	DetectorFused    = "fused"
	DetectorDuration = "duration"
)

// sttSampleRate is the PCM rate delivered to the transcription stream.
const sttSampleRate = 16000

// sessionChanDepth buffers outbound completion and error events per session.
const sessionChanDepth = 16

// SessionManager runs at most one detection session at a time.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg       *config.Config
	providers *Providers
	store     turnlog.Store
	metrics   *observe.Metrics

	mu     sync.Mutex
	active *Session
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers
	Store     turnlog.Store
	Metrics   *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		cfg:       cfg.Config,
		providers: cfg.Providers,
		store:     cfg.Store,
		metrics:   m,
	}
}

// Start begins a new detection session for sessionID. It selects the fused
// detector when a usable VAD engine is available and falls back to the
// duration-only detector otherwise, opens the transcription stream, and
// starts the background pump goroutines.
//
// Returns [ErrSessionActive] while another session is running.
func (sm *SessionManager) Start(ctx context.Context, sessionID string) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active != nil {
		return nil, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.active.id)
	}

	det, voice, detectorName, err := sm.buildDetector()
	if err != nil {
		return nil, fmt.Errorf("app: build detector: %w", err)
	}

	if err := det.Start(sm.cfg.Detection.TurnConfig()); err != nil {
		if voice != nil {
			_ = voice.Close()
		}
		return nil, fmt.Errorf("app: start detector: %w", err)
	}

	transcript := feed.NewTranscriptFeed(
		sm.providers.STT,
		sm.providers.STTName,
		stt.StreamConfig{SampleRate: sttSampleRate, Channels: 1},
		det,
		feed.WithTranscriptMetrics(sm.metrics),
	)

	sessCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(sessCtx)

	s := &Session{
		id:          sessionID,
		detector:    detectorName,
		startedAt:   time.Now().UTC(),
		det:         det,
		turnCfg:     sm.cfg.Detection.TurnConfig(),
		voice:       voice,
		transcript:  transcript,
		frameBytes:  sm.frameBytes(),
		completions: make(chan turn.Completion, sessionChanDepth),
		errs:        make(chan turn.SessionError, sessionChanDepth),
		cancel:      cancel,
		group:       g,
		manager:     sm,
	}

	g.Go(func() error {
		if err := transcript.Run(gctx); err != nil {
			slog.Error("transcription feed stopped", "session_id", sessionID, "err", err)
		}
		return nil
	})
	g.Go(func() error {
		s.pumpDetector(gctx)
		return nil
	})

	sm.active = s
	sm.metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("detection session started",
		"session_id", sessionID,
		"detector", detectorName,
		"stt_provider", sm.providers.STTName,
	)
	return s, nil
}

// buildDetector selects the detector for a new session. A missing or
// unsupported VAD engine degrades to the duration-only detector; any other
// VAD failure aborts the session.
func (sm *SessionManager) buildDetector() (turn.Detector, *feed.VoiceFeed, string, error) {
	if sm.providers.VAD == nil {
		slog.Info("no vad engine configured, using duration-only detector")
		return turn.NewDurationOnly(), nil, DetectorDuration, nil
	}

	// Frame-level hysteresis thresholds stay on the engine's defaults; the
	// detection config's probability threshold governs turn-level resumption
	// only.
	det := turn.NewFused(turn.WithMetrics(sm.metrics))
	voice, err := feed.NewVoiceFeed(sm.providers.VAD, vad.Config{
		SampleRate:   sttSampleRate,
		FrameSamples: sm.cfg.Detection.FrameSamples,
	}, det, feed.WithVoiceMetrics(sm.metrics))
	if err != nil {
		if errors.Is(err, vad.ErrUnsupported) {
			slog.Warn("vad engine unsupported here, using duration-only detector", "err", err)
			return turn.NewDurationOnly(), nil, DetectorDuration, nil
		}
		return nil, nil, "", err
	}
	return det, voice, DetectorFused, nil
}

// frameBytes is the size of one VAD frame in PCM bytes (16-bit mono).
func (sm *SessionManager) frameBytes() int {
	samples := sm.cfg.Detection.FrameSamples
	if samples <= 0 {
		samples = vad.DefaultFrameSamples
	}
	return samples * 2
}

// Active returns the running session, or nil.
func (sm *SessionManager) Active() *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// release clears the active slot if it still holds s.
func (sm *SessionManager) release(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == s {
		sm.active = nil
	}
}

// Session is one live detection session. PushAudio must be called from a
// single goroutine (the ingress loop); all other methods are safe for
// concurrent use.
type Session struct {
	id        string
	detector  string
	startedAt time.Time

	det        turn.Detector
	turnCfg    turn.Config
	voice      *feed.VoiceFeed
	transcript *feed.TranscriptFeed

	// vadBuf accumulates PCM until a full VAD frame is available.
	vadBuf     []byte
	frameBytes int

	completions chan turn.Completion
	errs        chan turn.SessionError

	cancel   context.CancelFunc
	group    *errgroup.Group
	manager  *SessionManager
	stopOnce sync.Once
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Detector returns the detector name, [DetectorFused] or [DetectorDuration].
func (s *Session) Detector() string { return s.detector }

// StartedAt returns when the session started.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Completions returns confirmed turns, after archival. Closed on Stop.
func (s *Session) Completions() <-chan turn.Completion { return s.completions }

// Errors returns terminal session failures. Closed on Stop.
func (s *Session) Errors() <-chan turn.SessionError { return s.errs }

// PushAudio feeds one chunk of 16 kHz little-endian mono PCM into the
// pipeline. The chunk goes to the transcription stream as-is; for voice
// activity it is re-framed to the engine's fixed frame size.
func (s *Session) PushAudio(ctx context.Context, chunk []byte) error {
	if s.voice != nil {
		s.vadBuf = append(s.vadBuf, chunk...)
		for len(s.vadBuf) >= s.frameBytes {
			frame := s.vadBuf[:s.frameBytes]
			if err := s.voice.ProcessFrame(ctx, frame); err != nil {
				return err
			}
			s.vadBuf = s.vadBuf[s.frameBytes:]
		}
	}
	return s.transcript.SendAudio(chunk)
}

// pumpDetector drains the detector's outbound channels, archives confirmed
// turns, and forwards events to the session's own channels.
func (s *Session) pumpDetector(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case c, ok := <-s.det.Completions():
			if !ok {
				return
			}
			s.archive(ctx, c)
			// The detector confirms one turn per arming. Re-arm before
			// forwarding so anything the consumer feeds in reaction to this
			// completion lands in an armed detector.
			if err := s.det.Start(s.turnCfg); err != nil {
				slog.Error("failed to re-arm detector", "session_id", s.id, "err", err)
			}
			select {
			case s.completions <- c:
			default:
				slog.Warn("completion consumer lagging, dropping event", "session_id", s.id)
			}

		case e, ok := <-s.det.Errors():
			if !ok {
				return
			}
			slog.Error("detection session failed",
				"session_id", s.id, "reason", e.Reason, "partial", e.PartialText)
			select {
			case s.errs <- e:
			default:
				slog.Warn("error consumer lagging, dropping event", "session_id", s.id)
			}
		}
	}
}

// archive records a confirmed turn and its metrics.
func (s *Session) archive(ctx context.Context, c turn.Completion) {
	rec := turnlog.Record{
		SessionID:      s.id,
		Text:           c.Text,
		Confidence:     c.Confidence,
		SpeechDuration: c.Duration,
		Detector:       s.detector,
		CompletedAt:    time.Now().UTC(),
	}
	if err := s.manager.store.Record(ctx, rec); err != nil {
		slog.Warn("failed to archive turn", "session_id", s.id, "err", err)
	}
	s.manager.metrics.RecordTurn(ctx, s.detector, c.Duration)
	slog.Info("turn confirmed",
		"session_id", s.id,
		"detector", s.detector,
		"chars", len(c.Text),
		"confidence", c.Confidence,
		"speech", c.Duration,
	)
}

// Stop tears the session down: the detector stops emitting, the
// transcription stream closes, and the session's channels are closed.
// Calling Stop more than once is safe.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		_ = s.group.Wait()
		// After the pump has exited no re-arm can race this Stop.
		s.det.Stop()
		if s.voice != nil {
			_ = s.voice.Close()
		}
		close(s.completions)
		close(s.errs)
		s.manager.release(s)
		s.manager.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Info("detection session stopped", "session_id", s.id)
	})
}
