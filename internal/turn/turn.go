// Package turn implements conversational end-of-turn detection.
//
// A Detector fuses two event streams — frame-level voice activity and
// incremental transcription — into a single debounced, validated Completion
// event marking the moment the speaker finished a turn. Two implementations
// share the contract:
//
//   - [Fused] runs the full two-signal state machine
//     (Idle → Armed → SpeechActive → EndCandidate → Confirmed) and requires
//     a working voice-activity source.
//   - [DurationOnly] is the fallback for environments without voice
//     activity: it confirms a turn after a fixed stretch of transcript
//     silence.
//
// Both serialize their inputs through a single consumer goroutine, so feed
// methods never race on session state; the debounce timer re-enters the
// machine through the same queue rather than mutating state from the timer
// goroutine.
package turn

import (
	"errors"
	"time"
)

// ErrAlreadyActive is returned by Start when a session is already open.
// Concurrent sessions are disallowed by contract: one detector serves one
// conversational loop.
var ErrAlreadyActive = errors.New("turn: a session is already active")

// DebouncePolicy selects how the silence confirmation window is computed
// when a turn end candidate is armed.
type DebouncePolicy string

const (
	// DebounceFixed uses Config.SilenceConfirmation unchanged.
	DebounceFixed DebouncePolicy = "fixed"

	// DebounceLengthScaled shrinks the confirmation window as the
	// accumulated final text grows, down to half the configured window.
	// Longer answers tend to end more decisively, so less confirmation
	// silence is needed.
	DebounceLengthScaled DebouncePolicy = "length-scaled"
)

// IsValid reports whether p is a recognised debounce policy.
func (p DebouncePolicy) IsValid() bool {
	return p == DebounceFixed || p == DebounceLengthScaled
}

// Default detection parameters.
const (
	DefaultMinSpeechDuration   = 800 * time.Millisecond
	DefaultSilenceConfirmation = 1500 * time.Millisecond
	DefaultResumeProbability   = 0.8
)

// Config is the immutable parameter set for one detection session.
type Config struct {
	// MinSpeechDuration is the minimum elapsed speech time before a
	// voice-activity end signal may arm an end candidate. Shorter segments
	// are treated as misfires. Zero selects the default (800ms).
	MinSpeechDuration time.Duration

	// SilenceConfirmation is the debounce window armed when an end
	// candidate is accepted. Zero selects the default (1500ms).
	SilenceConfirmation time.Duration

	// ResumeProbability is the frame probability above which speech is
	// considered resumed during the debounce window, cancelling the end
	// candidate. Zero selects the default (0.8).
	ResumeProbability float64

	// Policy selects the debounce window computation. Empty selects
	// DebounceFixed.
	Policy DebouncePolicy
}

// withDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.MinSpeechDuration == 0 {
		c.MinSpeechDuration = DefaultMinSpeechDuration
	}
	if c.SilenceConfirmation == 0 {
		c.SilenceConfirmation = DefaultSilenceConfirmation
	}
	if c.ResumeProbability == 0 {
		c.ResumeProbability = DefaultResumeProbability
	}
	if c.Policy == "" {
		c.Policy = DebounceFixed
	}
	return c
}

// VoiceKind enumerates normalized voice-activity feed events.
type VoiceKind int

const (
	// VoiceStart marks the beginning of a speech segment.
	VoiceStart VoiceKind = iota

	// VoiceEnd marks the end of a speech segment (already smoothed at the
	// frame level by the voice-activity source).
	VoiceEnd

	// VoiceFrame carries a per-frame speech probability.
	VoiceFrame

	// VoiceMisfire marks a speech segment the source itself rejected as
	// too short. Informational; causes no state change.
	VoiceMisfire
)

// VoiceEvent is one normalized voice-activity observation.
type VoiceEvent struct {
	Kind        VoiceKind
	Probability float64
}

// TranscriptKind enumerates transcription feed events.
type TranscriptKind int

const (
	// TranscriptInterim is a provisional fragment; it overwrites the
	// previous interim fragment and may be discarded.
	TranscriptInterim TranscriptKind = iota

	// TranscriptFinal is an authoritative segment; it is appended to the
	// turn text permanently.
	TranscriptFinal
)

// TranscriptEvent is one transcription observation.
type TranscriptEvent struct {
	Kind       TranscriptKind
	Text       string
	Confidence float64
}

// Completion is the validated turn-complete event: the speaker has finished
// a conversational turn.
type Completion struct {
	// Text is the concatenated final transcript of the turn.
	Text string

	// Confidence is the highest confidence observed across final segments.
	Confidence float64

	// Duration is the elapsed speech time from first activity to the
	// accepted end signal, excluding the confirmation window.
	Duration time.Duration
}

// SessionError is the terminal event for a session torn down by a fatal
// source failure. The accumulated final text is attached so the caller can
// recover a partial turn.
type SessionError struct {
	// Reason is the fatal error that ended the session.
	Reason error

	// PartialText is the final transcript accumulated before the failure.
	PartialText string
}

// Detector is the turn boundary decision engine. Implementations emit at
// most one Completion or one SessionError per session, never both.
//
// Feed methods are no-ops when no session is open. The caller must not
// invoke feed methods concurrently from multiple goroutines for the same
// source (single-writer contract); feeds from the two different sources may
// race against each other and are serialized internally.
type Detector interface {
	// Start opens a detection session. Returns ErrAlreadyActive when a
	// session is open.
	Start(cfg Config) error

	// FeedVoiceActivity delivers one normalized voice-activity event.
	FeedVoiceActivity(ev VoiceEvent)

	// FeedTranscript delivers one transcription event.
	FeedTranscript(ev TranscriptEvent)

	// Fail tears down the open session due to a fatal source error and
	// emits a SessionError carrying the accumulated text. No-op when no
	// session is open.
	Fail(reason error)

	// Stop tears down the open session without emitting anything.
	// Idempotent; safe to call with no active session.
	Stop()

	// Completions returns the channel on which validated turn completions
	// are delivered.
	Completions() <-chan Completion

	// Errors returns the channel on which terminal session errors are
	// delivered.
	Errors() <-chan SessionError
}
