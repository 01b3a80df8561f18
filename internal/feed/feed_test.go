package feed

import (
	"sync"

	"github.com/attentive-audio/turnstile/internal/turn"
)

// recordDetector is an in-test turn.Detector that records every feed call.
type recordDetector struct {
	mu          sync.Mutex
	voice       []turn.VoiceEvent
	transcripts []turn.TranscriptEvent
	failErr     error
	failCh      chan struct{}
}

var _ turn.Detector = (*recordDetector)(nil)

func newRecordDetector() *recordDetector {
	return &recordDetector{failCh: make(chan struct{})}
}

func (d *recordDetector) Start(turn.Config) error { return nil }

func (d *recordDetector) FeedVoiceActivity(ev turn.VoiceEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.voice = append(d.voice, ev)
}

func (d *recordDetector) FeedTranscript(ev turn.TranscriptEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transcripts = append(d.transcripts, ev)
}

func (d *recordDetector) Fail(reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErr == nil {
		d.failErr = reason
		close(d.failCh)
	}
}

func (d *recordDetector) Stop() {}

func (d *recordDetector) Completions() <-chan turn.Completion { return nil }

func (d *recordDetector) Errors() <-chan turn.SessionError { return nil }

func (d *recordDetector) voiceEvents() []turn.VoiceEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]turn.VoiceEvent(nil), d.voice...)
}

func (d *recordDetector) transcriptEvents() []turn.TranscriptEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]turn.TranscriptEvent(nil), d.transcripts...)
}
