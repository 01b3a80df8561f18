package turn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/attentive-audio/turnstile/internal/observe"
)

// Fused is the two-signal turn detector. It consumes normalized
// voice-activity events and transcription events and emits a validated
// Completion when a turn end candidate survives the silence confirmation
// window without a speech resurgence.
//
// All exported methods are safe for concurrent use. Session state itself is
// touched only by the pump goroutine; feeds, timer fires, and failure
// notices enter through a single serialized queue.
type Fused struct {
	clock   Clock
	metrics *observe.Metrics

	mu   sync.Mutex
	curr *activeSession

	completions chan Completion
	errors      chan SessionError
}

// Compile-time check that *Fused satisfies [Detector].
var _ Detector = (*Fused)(nil)

// eventQueueDepth bounds the per-session queue. Voice frames arrive at tens
// per second; the pump drains far faster than that.
const eventQueueDepth = 128

// activeSession pairs session state with its queue and lifecycle channels.
type activeSession struct {
	sess   *session
	events chan any

	// stopReq is closed by Stop; the pump checks it before every state
	// transition and before emitting, so a stop suppresses all further
	// side effects even for events already queued.
	stopReq  chan struct{}
	stopOnce sync.Once

	// done is closed by the pump on exit; queued producers unblock on it.
	done chan struct{}
}

// debounceElapsed re-enters the state machine when the silence confirmation
// timer fires. The generation tag identifies stale fires from a timer that
// was cancelled after its callback was already scheduled.
type debounceElapsed struct {
	gen uint64
}

// failure carries a fatal source error into the queue.
type failure struct {
	reason error
}

// stopRequest asks the pump to tear down silently.
type stopRequest struct{}

// syncProbe lets tests wait until every previously queued event has been
// processed. The pump closes ch and carries on.
type syncProbe struct {
	ch chan struct{}
}

// FusedOption configures a [Fused] during construction.
type FusedOption func(*Fused)

// WithClock replaces the wall clock. Used by tests for deterministic timer
// control.
func WithClock(c Clock) FusedOption {
	return func(d *Fused) { d.clock = c }
}

// WithMetrics records armed confirmation windows and debounce cancellations
// on m.
func WithMetrics(m *observe.Metrics) FusedOption {
	return func(d *Fused) { d.metrics = m }
}

// NewFused creates a Fused detector with no open session.
func NewFused(opts ...FusedOption) *Fused {
	d := &Fused{
		clock:       realClock{},
		completions: make(chan Completion, 16),
		errors:      make(chan SessionError, 16),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Completions implements [Detector].
func (d *Fused) Completions() <-chan Completion { return d.completions }

// Errors implements [Detector].
func (d *Fused) Errors() <-chan SessionError { return d.errors }

// Start implements [Detector]. It opens a session in the Armed state and
// launches the pump goroutine.
func (d *Fused) Start(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.curr != nil {
		return ErrAlreadyActive
	}

	a := &activeSession{
		sess:    newSession(cfg, d.clock),
		events:  make(chan any, eventQueueDepth),
		stopReq: make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.curr = a
	go d.pump(a)

	slog.Debug("turn: session armed",
		"min_speech", a.sess.cfg.MinSpeechDuration,
		"silence_confirmation", a.sess.cfg.SilenceConfirmation,
		"policy", a.sess.cfg.Policy,
	)
	return nil
}

// FeedVoiceActivity implements [Detector].
func (d *Fused) FeedVoiceActivity(ev VoiceEvent) { d.enqueue(ev) }

// FeedTranscript implements [Detector].
func (d *Fused) FeedTranscript(ev TranscriptEvent) { d.enqueue(ev) }

// Fail implements [Detector].
func (d *Fused) Fail(reason error) { d.enqueue(failure{reason: reason}) }

// Stop implements [Detector]. The stop takes effect before any event
// processed after Stop returns; queued events cannot emit once stopReq is
// closed.
func (d *Fused) Stop() {
	d.mu.Lock()
	a := d.curr
	d.mu.Unlock()
	if a == nil {
		return
	}
	a.stopOnce.Do(func() { close(a.stopReq) })
	enqueueTo(a, stopRequest{})
}

// enqueue delivers ev to the open session, dropping it when none is open.
func (d *Fused) enqueue(ev any) {
	d.mu.Lock()
	a := d.curr
	d.mu.Unlock()
	if a == nil {
		return
	}
	enqueueTo(a, ev)
}

// enqueueTo delivers ev to a specific session, giving up once its pump has
// exited.
func enqueueTo(a *activeSession, ev any) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

// pump is the single consumer of a session's event queue.
func (d *Fused) pump(a *activeSession) {
	defer close(a.done)
	for {
		select {
		case <-a.stopReq:
			d.teardown(a)
			return
		case ev := <-a.events:
			// A stop request always wins over an already-dequeued event.
			select {
			case <-a.stopReq:
				d.teardown(a)
				return
			default:
			}
			if terminal := d.handle(a, ev); terminal {
				d.teardown(a)
				return
			}
		}
	}
}

// handle applies one event to the session state machine. It reports true
// when the session reached a terminal outcome (completion or error).
func (d *Fused) handle(a *activeSession, ev any) bool {
	s := a.sess
	switch ev := ev.(type) {
	case VoiceEvent:
		return d.handleVoice(a, ev)

	case TranscriptEvent:
		d.handleTranscript(s, ev)
		return false

	case debounceElapsed:
		if s.state != stateEndCandidate || ev.gen != s.timerGen {
			// Stale fire from a cancelled window.
			return false
		}
		d.emitCompletion(a, Completion{
			Text:       s.text(),
			Confidence: s.confidence,
			Duration:   s.speechDuration,
		})
		return true

	case failure:
		d.emitError(a, SessionError{Reason: ev.reason, PartialText: s.text()})
		return true

	case stopRequest:
		return true

	case syncProbe:
		close(ev.ch)
		return false

	default:
		return false
	}
}

// handleVoice applies a voice-activity event.
func (d *Fused) handleVoice(a *activeSession, ev VoiceEvent) bool {
	s := a.sess
	now := d.clock.Now()

	switch ev.Kind {
	case VoiceStart:
		switch s.state {
		case stateArmed:
			s.markSpeech(now)
			slog.Debug("turn: speech started", "source", "vad")
		case stateSpeechActive:
			s.touch(now)
		case stateEndCandidate:
			d.resume(s, now, "speech-start")
		}

	case VoiceFrame:
		switch s.state {
		case stateSpeechActive:
			s.touch(now)
		case stateEndCandidate:
			if ev.Probability > s.cfg.ResumeProbability {
				d.resume(s, now, "probability-spike")
			}
		}

	case VoiceEnd:
		if s.state != stateSpeechActive {
			return false
		}
		elapsed := now.Sub(s.startedAt)
		if elapsed < s.cfg.MinSpeechDuration || !s.hasText() {
			// Misfire: too short or no content yet. Keep listening.
			slog.Debug("turn: end signal rejected",
				"elapsed", elapsed,
				"has_text", s.hasText(),
			)
			return false
		}
		s.speechDuration = elapsed
		s.state = stateEndCandidate
		d.armDebounce(a)

	case VoiceMisfire:
		// The source already rejected the segment; nothing to do.
	}
	return false
}

// handleTranscript applies a transcription event.
func (d *Fused) handleTranscript(s *session, ev TranscriptEvent) {
	if ev.Text == "" {
		return
	}
	now := d.clock.Now()
	s.markSpeech(now)
	s.touch(now)

	switch ev.Kind {
	case TranscriptInterim:
		s.interim = ev.Text
	case TranscriptFinal:
		// Finals may land during the confirmation window (transcription
		// lags the voice signal); they still belong to this turn.
		s.appendFinal(ev.Text, ev.Confidence)
	}
}

// armDebounce schedules the silence confirmation timer for the current
// window, replacing any pending one.
func (d *Fused) armDebounce(a *activeSession) {
	s := a.sess
	s.cancelTimer()
	gen := s.timerGen
	window := s.debounceWindow()
	s.timer = d.clock.AfterFunc(window, func() {
		enqueueTo(a, debounceElapsed{gen: gen})
	})
	if d.metrics != nil {
		d.metrics.ConfirmationWindow.Record(context.Background(), window.Seconds())
	}
	slog.Debug("turn: end candidate armed", "window", window)
}

// resume cancels the pending end candidate and returns to active speech.
func (d *Fused) resume(s *session, now time.Time, cause string) {
	s.cancelTimer()
	s.state = stateSpeechActive
	s.touch(now)
	if d.metrics != nil {
		d.metrics.RecordDebounceCancel(context.Background(), cause)
	}
	slog.Debug("turn: end candidate cancelled", "cause", cause)
}

// emitCompletion delivers the terminal completion unless a stop landed
// first. The current-session slot is released before the send so a consumer
// that reacts to the completion can Start the next session immediately.
func (d *Fused) emitCompletion(a *activeSession, c Completion) {
	select {
	case <-a.stopReq:
		return
	default:
	}
	d.release(a)
	select {
	case d.completions <- c:
	case <-a.stopReq:
	}
	slog.Info("turn: complete",
		"duration", c.Duration,
		"confidence", c.Confidence,
		"text_len", len(c.Text),
	)
}

// emitError delivers the terminal session error unless a stop landed first.
func (d *Fused) emitError(a *activeSession, e SessionError) {
	select {
	case <-a.stopReq:
		return
	default:
	}
	d.release(a)
	select {
	case d.errors <- e:
	case <-a.stopReq:
	}
	slog.Warn("turn: session failed", "error", e.Reason, "partial_len", len(e.PartialText))
}

// teardown releases the session: cancels any pending timer and clears the
// detector's current-session slot so a new Start may proceed.
func (d *Fused) teardown(a *activeSession) {
	a.sess.cancelTimer()
	a.sess.state = stateIdle
	d.release(a)
}

// release clears the current-session slot if it still holds a.
func (d *Fused) release(a *activeSession) {
	d.mu.Lock()
	if d.curr == a {
		d.curr = nil
	}
	d.mu.Unlock()
}
