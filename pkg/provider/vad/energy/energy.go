// Package energy implements [vad.Engine] with a short-term energy heuristic.
//
// Each frame's root-mean-square amplitude is mapped to a pseudo speech
// probability by dividing by a reference level, and the standard
// positive/negative threshold hysteresis with redemption-frame smoothing is
// applied on top. The engine needs no model files and no cgo, which makes it
// the always-available reference backend; a neural detector plugs in behind
// the same interface when higher accuracy is needed.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/attentive-audio/turnstile/pkg/audio"
	"github.com/attentive-audio/turnstile/pkg/provider/vad"
)

// defaultReferenceRMS is the normalised RMS amplitude mapped to probability
// 1.0. Conversational speech close to a microphone typically peaks around
// 0.1–0.3 full scale.
const defaultReferenceRMS = 0.25

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithReferenceRMS sets the normalised RMS amplitude that maps to speech
// probability 1.0. Lower values make the detector more sensitive.
// Default: 0.25.
func WithReferenceRMS(ref float64) Option {
	return func(e *Engine) { e.referenceRMS = ref }
}

// Engine is an energy-based VAD backend. Safe for concurrent use; each call
// to NewSession returns an independent session.
type Engine struct {
	referenceRMS float64
}

// Compile-time check that *Engine satisfies [vad.Engine].
var _ vad.Engine = (*Engine)(nil)

// New creates an energy Engine with the supplied options.
func New(opts ...Option) *Engine {
	e := &Engine{referenceRMS: defaultReferenceRMS}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession creates a session applying hysteresis over per-frame energy.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if e.referenceRMS <= 0 {
		return nil, errors.New("energy: reference RMS must be positive")
	}
	return newSession(cfg, e.referenceRMS), nil
}

// session holds the hysteresis state for one audio stream.
// Not safe for concurrent use.
type session struct {
	mu  sync.Mutex
	cfg vad.Config
	ref float64

	speaking     bool
	speechFrames int // frames since SpeechStart
	redemption   int // consecutive sub-negative frames while speaking
	closed       bool
}

var _ vad.SessionHandle = (*session)(nil)

func newSession(cfg vad.Config, ref float64) *session {
	// Apply defaults through Config validation rules.
	if cfg.FrameSamples == 0 {
		cfg.FrameSamples = vad.DefaultFrameSamples
	}
	if cfg.PositiveThreshold == 0 {
		cfg.PositiveThreshold = vad.DefaultPositiveThreshold
	}
	if cfg.NegativeThreshold == 0 {
		cfg.NegativeThreshold = vad.DefaultNegativeThreshold
	}
	if cfg.RedemptionFrames == 0 {
		cfg.RedemptionFrames = vad.DefaultRedemptionFrames
	}
	if cfg.MinSpeechFrames == 0 {
		cfg.MinSpeechFrames = vad.DefaultMinSpeechFrames
	}
	return &session{cfg: cfg, ref: ref}
}

// ProcessFrame implements [vad.SessionHandle].
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.Event{}, errors.New("energy: session is closed")
	}
	if len(frame) != s.cfg.FrameSamples*2 {
		return vad.Event{}, fmt.Errorf("energy: frame size %d bytes, want %d samples (%d bytes)",
			len(frame), s.cfg.FrameSamples, s.cfg.FrameSamples*2)
	}

	p := audio.RMS(frame) / s.ref
	if p > 1 {
		p = 1
	}

	if !s.speaking {
		if p >= s.cfg.PositiveThreshold {
			s.speaking = true
			s.speechFrames = 1
			s.redemption = 0
			return vad.Event{Type: vad.SpeechStart, Probability: p}, nil
		}
		return vad.Event{Type: vad.Silence, Probability: p}, nil
	}

	s.speechFrames++
	if p <= s.cfg.NegativeThreshold {
		s.redemption++
		if s.redemption >= s.cfg.RedemptionFrames {
			frames := s.speechFrames
			s.speaking = false
			s.speechFrames = 0
			s.redemption = 0

			typ := vad.SpeechEnd
			if frames < s.cfg.MinSpeechFrames+s.cfg.RedemptionFrames {
				typ = vad.Misfire
			}
			return vad.Event{Type: typ, Probability: p, SpeechFrames: frames}, nil
		}
	} else {
		// Any frame above the negative threshold redeems the segment.
		s.redemption = 0
	}
	return vad.Event{Type: vad.SpeechContinue, Probability: p}, nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.speechFrames = 0
	s.redemption = 0
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
