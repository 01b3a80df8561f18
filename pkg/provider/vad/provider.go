// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector (an energy heuristic, a
// Silero-style model server, or a WebRTC detector) and surfaces it as a
// stateful per-stream session. Each session maintains its own smoothing
// history so that multiple concurrent audio streams can be processed
// independently.
//
// Frame-level hysteresis lives here, in the engine: a session declares
// SpeechEnd only after RedemptionFrames consecutive low-probability frames,
// guarding against momentary signal dropouts. Turn-level pause handling is a
// separate concern and belongs to the consumer; the two smoothing stages are
// deliberately independent.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for low-latency pipeline stages.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines unless the
// implementation documents otherwise.
package vad

import "errors"

// ErrUnsupported is returned by [Engine.NewSession] when the backend cannot
// run in the current environment (missing model, no native library, no
// permission). Callers should treat this as a capability probe result and
// fall back to a detector that does not require frame probabilities.
var ErrUnsupported = errors.New("vad: engine not supported in this environment")

// Default session parameters. FrameSamples follows the common 3×512-sample
// window used by Silero-derived detectors at 16 kHz.
const (
	DefaultFrameSamples      = 1536
	DefaultPositiveThreshold = 0.60
	DefaultNegativeThreshold = 0.35
	DefaultRedemptionFrames  = 8
	DefaultMinSpeechFrames   = 3
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSamples is the number of mono samples per frame. ProcessFrame
	// returns an error if the supplied frame does not match this size.
	// Zero selects DefaultFrameSamples.
	FrameSamples int

	// PositiveThreshold is the probability at or above which a frame is
	// classified as speech. Range (0.0, 1.0]. Zero selects the default.
	PositiveThreshold float64

	// NegativeThreshold is the probability at or below which a frame counts
	// towards ending an active speech segment. Must be ≤ PositiveThreshold.
	// Zero selects the default.
	NegativeThreshold float64

	// RedemptionFrames is the number of consecutive sub-negative frames
	// required before the session declares SpeechEnd. Zero selects the
	// default.
	RedemptionFrames int

	// MinSpeechFrames is the minimum segment length, in frames, for a
	// SpeechEnd to be reported. Shorter segments end with a Misfire event
	// instead. Zero selects the default.
	MinSpeechFrames int
}

// withDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.FrameSamples == 0 {
		c.FrameSamples = DefaultFrameSamples
	}
	if c.PositiveThreshold == 0 {
		c.PositiveThreshold = DefaultPositiveThreshold
	}
	if c.NegativeThreshold == 0 {
		c.NegativeThreshold = DefaultNegativeThreshold
	}
	if c.RedemptionFrames == 0 {
		c.RedemptionFrames = DefaultRedemptionFrames
	}
	if c.MinSpeechFrames == 0 {
		c.MinSpeechFrames = DefaultMinSpeechFrames
	}
	return c
}

// Validate reports whether the config (after defaulting) is coherent.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.SampleRate <= 0 {
		return errors.New("vad: sample rate must be positive")
	}
	if c.PositiveThreshold <= 0 || c.PositiveThreshold > 1 {
		return errors.New("vad: positive threshold out of range (0, 1]")
	}
	if c.NegativeThreshold <= 0 || c.NegativeThreshold > c.PositiveThreshold {
		return errors.New("vad: negative threshold must be in (0, positive]")
	}
	return nil
}

// SessionHandle is an active VAD session for a single audio stream. Each
// session maintains its own detection state; Reset clears this state without
// closing the session.
type SessionHandle interface {
	// ProcessFrame analyses one frame of little-endian mono PCM and returns
	// the detection result. The frame must contain exactly
	// Config.FrameSamples samples. Must not block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use when the audio stream is interrupted or restarted.
	Reset()

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each backend.
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a VAD session with the given configuration, ready
	// to accept frames. Returns ErrUnsupported (possibly wrapped) when the
	// backend cannot operate in this environment, or another error for an
	// invalid configuration.
	NewSession(cfg Config) (SessionHandle, error)
}
