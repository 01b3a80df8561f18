package turn

import (
	"strings"
	"time"
)

// state enumerates the detector state machine positions. Confirmed is not
// represented: confirmation immediately emits and returns to idle.
type state int

const (
	stateIdle state = iota
	stateArmed
	stateSpeechActive
	stateEndCandidate
)

// String returns the state name for logs.
func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateArmed:
		return "armed"
	case stateSpeechActive:
		return "speech-active"
	case stateEndCandidate:
		return "end-candidate"
	}
	return "unknown"
}

// session holds the mutable state of one listening episode. It is owned
// exclusively by the detector's pump goroutine; no locking is needed.
type session struct {
	cfg   Config
	clock Clock

	state          state
	startedAt      time.Time
	lastActivityAt time.Time

	// finals is append-only while the session is open.
	finals []string

	// interim is the latest provisional fragment, overwritten not appended.
	interim string

	// confidence is the high-water mark across final segments.
	confidence float64

	// speechDuration is captured when an end candidate is accepted; it is
	// the value reported on Completion (the confirmation window does not
	// count towards the turn).
	speechDuration time.Duration

	// timer is the pending debounce callback; at most one live at a time.
	// timerGen tags the pending timer so a stale fire (cancelled after the
	// callback was already queued) can be recognised and dropped.
	timer    Timer
	timerGen uint64
}

func newSession(cfg Config, clock Clock) *session {
	return &session{
		cfg:   cfg.withDefaults(),
		clock: clock,
		state: stateArmed,
	}
}

// markSpeech transitions Armed → SpeechActive, recording the turn start.
func (s *session) markSpeech(now time.Time) {
	if s.state != stateArmed {
		return
	}
	s.state = stateSpeechActive
	s.startedAt = now
	s.lastActivityAt = now
}

// touch refreshes the last-activity timestamp.
func (s *session) touch(now time.Time) {
	s.lastActivityAt = now
}

// appendFinal adds an authoritative segment and raises the confidence
// high-water mark. Blank segments are ignored so the accumulator length
// stays meaningful for validity checks.
func (s *session) appendFinal(text string, confidence float64) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.finals = append(s.finals, text)
	if confidence > s.confidence {
		s.confidence = confidence
	}
	// A final that covers the current interim supersedes it.
	s.interim = ""
}

// hasText reports whether any final text has been accumulated.
func (s *session) hasText() bool { return len(s.finals) > 0 }

// text returns the concatenated final transcript.
func (s *session) text() string { return strings.Join(s.finals, " ") }

// textLen returns the rune length of the accumulated final transcript,
// used by the length-scaled debounce policy.
func (s *session) textLen() int {
	n := 0
	for _, seg := range s.finals {
		n += len([]rune(seg))
	}
	return n
}

// debounceWindow computes the silence confirmation window for the current
// accumulator under the configured policy.
func (s *session) debounceWindow() time.Duration {
	w := s.cfg.SilenceConfirmation
	if s.cfg.Policy != DebounceLengthScaled {
		return w
	}
	// Shrink linearly with accumulated length; a 400-rune turn reaches the
	// floor of half the configured window.
	floor := w / 2
	shrunk := w - time.Duration(s.textLen())*w/800
	if shrunk < floor {
		return floor
	}
	return shrunk
}

// cancelTimer stops any pending debounce timer and invalidates its
// generation so an already-queued fire is dropped by the pump.
func (s *session) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}
