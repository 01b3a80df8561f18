// Package turnlog archives completed conversational turns.
//
// Two implementations are provided: an in-memory store for development and
// tests, and a PostgreSQL store for durable archival. Both satisfy [Store].
package turnlog

import (
	"context"
	"sync"
	"time"
)

// DefaultRetain bounds how many turns the in-memory store keeps.
const DefaultRetain = 1000

// Record is one archived turn completion.
type Record struct {
	// SessionID identifies the detection session the turn belongs to.
	SessionID string

	// Text is the final transcript of the turn.
	Text string

	// Confidence is the transcription confidence reported with the turn.
	Confidence float64

	// SpeechDuration is the elapsed speech time of the turn.
	SpeechDuration time.Duration

	// Detector names the detector that confirmed the turn ("fused" or
	// "duration").
	Detector string

	// CompletedAt is when the turn was confirmed.
	CompletedAt time.Time
}

// Store archives turn completions. Implementations must be safe for
// concurrent use.
type Store interface {
	// Record appends one completed turn to the archive.
	Record(ctx context.Context, rec Record) error

	// Recent returns up to limit turns for sessionID, newest first.
	// limit <= 0 selects an implementation default.
	Recent(ctx context.Context, sessionID string, limit int) ([]Record, error)

	// Close releases underlying resources.
	Close() error
}

// MemStore is an in-memory [Store] holding the most recent turns in a ring.
type MemStore struct {
	mu     sync.Mutex
	recs   []Record
	retain int
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates a MemStore keeping at most retain turns. retain <= 0
// selects [DefaultRetain].
func NewMemStore(retain int) *MemStore {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &MemStore{retain: retain}
}

// Record implements [Store].
func (s *MemStore) Record(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	if len(s.recs) > s.retain {
		// Drop the oldest; shift rather than reslice so the backing array
		// does not grow without bound.
		copy(s.recs, s.recs[len(s.recs)-s.retain:])
		s.recs = s.recs[:s.retain]
	}
	return nil
}

// Recent implements [Store].
func (s *MemStore) Recent(_ context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultRetain
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, limit)
	for i := len(s.recs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.recs[i].SessionID == sessionID {
			out = append(out, s.recs[i])
		}
	}
	return out, nil
}

// Close implements [Store]. It is a no-op for the in-memory store.
func (s *MemStore) Close() error { return nil }
