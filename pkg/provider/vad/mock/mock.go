// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config or
// to force NewSession failures (e.g. vad.ErrUnsupported for capability-probe
// tests). Use Session to script a sequence of Event values and inspect the
// frames that were submitted for processing.
package mock

import (
	"sync"

	"github.com/attentive-audio/turnstile/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of [vad.Engine].
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil,
	// NewSession returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

var _ vad.Engine = (*Engine)(nil)

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session is a mock implementation of [vad.SessionHandle]. ProcessFrame
// returns scripted events from Script in order, falling back to EventResult
// once the script is exhausted.
type Session struct {
	mu sync.Mutex

	// Script is consumed one event per ProcessFrame call.
	Script []vad.Event

	// EventResult is returned once Script is exhausted (or when empty).
	EventResult vad.Event

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Frames records a copy of every frame passed to ProcessFrame.
	Frames [][]byte

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	next int
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame records the frame and returns the next scripted event.
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, cp)
	if s.ProcessFrameErr != nil {
		return vad.Event{}, s.ProcessFrameErr
	}
	if s.next < len(s.Script) {
		ev := s.Script[s.next]
		s.next++
		return ev, nil
	}
	return s.EventResult, nil
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}
