// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle:
// once opened, a session accepts raw PCM audio frames and emits two streams
// of Transcript values — low-latency partials for responsiveness and
// authoritative finals for the turn accumulator.
//
// Implementations must be safe for concurrent use. Audio input and
// transcript output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format for a new STT session. All fields
// must be compatible with what the underlying provider supports.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 48000 (Opus decode output).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed; failing to
// do so may leak goroutines and network connections inside the provider.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes for transcription.
	// The chunk must match the SampleRate, Channels, and bit-depth agreed in
	// StreamConfig. Returns ErrSessionClosed after Close.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel of low-latency interim
	// Transcript values. Partials may be superseded by later partials or
	// finals and must not be treated as permanent. The channel is closed
	// when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel of authoritative Transcript values.
	// A final is never retracted once emitted. The channel is closed when
	// the session ends.
	Finals() <-chan Transcript

	// Close terminates the session, flushes pending audio, and releases all
	// associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format. The returned SessionHandle is ready to accept audio
	// immediately. The caller owns the handle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
