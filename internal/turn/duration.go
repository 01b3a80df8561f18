package turn

import (
	"log/slog"
	"sync"
)

// DurationOnly is the fallback detector for environments without a working
// voice-activity source. It watches the transcription stream alone: every
// transcript event re-arms the silence confirmation timer, and a turn is
// confirmed when the stream stays quiet for the full window after at least
// MinSpeechDuration of activity.
//
// Voice-activity events are accepted and discarded so callers can swap
// detectors without changing their wiring.
type DurationOnly struct {
	clock Clock

	mu   sync.Mutex
	curr *activeSession

	completions chan Completion
	errors      chan SessionError
}

var _ Detector = (*DurationOnly)(nil)

// DurationOnlyOption configures a [DurationOnly] during construction.
type DurationOnlyOption func(*DurationOnly)

// WithDurationClock replaces the wall clock for deterministic tests.
func WithDurationClock(c Clock) DurationOnlyOption {
	return func(d *DurationOnly) { d.clock = c }
}

// NewDurationOnly creates a DurationOnly detector with no open session.
func NewDurationOnly(opts ...DurationOnlyOption) *DurationOnly {
	d := &DurationOnly{
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
func (d *DurationOnly) Completions() <-chan Completion { return d.completions }

// Errors implements [Detector].
func (d *DurationOnly) Errors() <-chan SessionError { return d.errors }

// Start implements [Detector].
func (d *DurationOnly) Start(cfg Config) error {
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

	slog.Debug("turn: duration-only session armed",
		"min_speech", a.sess.cfg.MinSpeechDuration,
		"silence_confirmation", a.sess.cfg.SilenceConfirmation,
	)
	return nil
}

// FeedVoiceActivity implements [Detector]. Voice activity is ignored; this
// detector exists precisely because no usable voice signal is available.
func (d *DurationOnly) FeedVoiceActivity(VoiceEvent) {}

// FeedTranscript implements [Detector].
func (d *DurationOnly) FeedTranscript(ev TranscriptEvent) { d.enqueue(ev) }

// Fail implements [Detector].
func (d *DurationOnly) Fail(reason error) { d.enqueue(failure{reason: reason}) }

// Stop implements [Detector].
func (d *DurationOnly) Stop() {
	d.mu.Lock()
	a := d.curr
	d.mu.Unlock()
	if a == nil {
		return
	}
	a.stopOnce.Do(func() { close(a.stopReq) })
	enqueueTo(a, stopRequest{})
}

func (d *DurationOnly) enqueue(ev any) {
	d.mu.Lock()
	a := d.curr
	d.mu.Unlock()
	if a == nil {
		return
	}
	enqueueTo(a, ev)
}

func (d *DurationOnly) pump(a *activeSession) {
	defer close(a.done)
	for {
		select {
		case <-a.stopReq:
			d.teardown(a)
			return
		case ev := <-a.events:
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

func (d *DurationOnly) handle(a *activeSession, ev any) bool {
	s := a.sess
	switch ev := ev.(type) {
	case TranscriptEvent:
		d.handleTranscript(a, ev)
		return false

	case quietElapsed:
		if ev.gen != s.timerGen {
			return false
		}
		elapsed := s.lastActivityAt.Sub(s.startedAt)
		if !s.hasText() || elapsed < s.cfg.MinSpeechDuration {
			// Not enough of a turn yet; wait for more transcript.
			return false
		}
		d.emit(a, Completion{
			Text:       s.text(),
			Confidence: s.confidence,
			Duration:   elapsed,
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

func (d *DurationOnly) handleTranscript(a *activeSession, ev TranscriptEvent) {
	if ev.Text == "" {
		return
	}
	s := a.sess
	now := d.clock.Now()
	s.markSpeech(now)
	s.touch(now)

	switch ev.Kind {
	case TranscriptInterim:
		s.interim = ev.Text
	case TranscriptFinal:
		s.appendFinal(ev.Text, ev.Confidence)
	}

	// Any transcript activity pushes the quiet window out.
	s.cancelTimer()
	gen := s.timerGen
	s.timer = d.clock.AfterFunc(s.cfg.SilenceConfirmation, func() {
		enqueueTo(a, quietElapsed{gen: gen})
	})
}

// emit delivers the terminal completion. As in the fused detector, the
// current-session slot is released before the send so the consumer can
// Start the next session as soon as it sees the event.
func (d *DurationOnly) emit(a *activeSession, c Completion) {
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
	slog.Info("turn: complete (duration-only)",
		"duration", c.Duration,
		"text_len", len(c.Text),
	)
}

func (d *DurationOnly) emitError(a *activeSession, e SessionError) {
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
	slog.Warn("turn: duration-only session failed", "error", e.Reason)
}

func (d *DurationOnly) teardown(a *activeSession) {
	a.sess.cancelTimer()
	a.sess.state = stateIdle
	d.release(a)
}

func (d *DurationOnly) release(a *activeSession) {
	d.mu.Lock()
	if d.curr == a {
		d.curr = nil
	}
	d.mu.Unlock()
}

// quietElapsed re-enters the machine when the transcript stream has been
// silent for the full confirmation window.
type quietElapsed struct {
	gen uint64
}
