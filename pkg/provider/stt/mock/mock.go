// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify StartStream calls or to force failures. Use Session
// to push scripted partial/final transcripts into consumers and inspect the
// audio chunks that were sent.
package mock

import (
	"context"
	"sync"

	"github.com/attentive-audio/turnstile/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of [stt.Provider].
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. If nil, a new default Session is
	// created per call.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	// When StartStreamErrs is non-empty it takes precedence, consumed one
	// error per call (nil entries mean success), which lets tests script
	// fail-then-recover sequences.
	StartStreamErr  error
	StartStreamErrs []error

	// StartStreamCalls records every call to StartStream in order.
	StartStreamCalls []StartStreamCall
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns Session (or a fresh Session).
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Cfg: cfg})

	if len(p.StartStreamErrs) > 0 {
		err := p.StartStreamErrs[0]
		p.StartStreamErrs = p.StartStreamErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}

	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Session is a mock implementation of [stt.SessionHandle]. Tests feed it
// transcripts via EmitPartial/EmitFinal and close it to end the channels.
type Session struct {
	mu sync.Mutex

	partials chan stt.Transcript
	finals   chan stt.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// Chunks records a copy of every chunk passed to SendAudio.
	Chunks [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closed bool
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession creates a Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
	}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Chunks = append(s.Chunks, cp)
	return s.SendAudioErr
}

// Partials returns the partial transcript channel.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// EmitPartial pushes an interim transcript to consumers.
func (s *Session) EmitPartial(t stt.Transcript) {
	t.IsFinal = false
	s.partials <- t
}

// EmitFinal pushes a final transcript to consumers.
func (s *Session) EmitFinal(t stt.Transcript) {
	t.IsFinal = true
	s.finals <- t
}

// Close closes both transcript channels. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.partials)
		close(s.finals)
	}
	return nil
}
