package stt

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript. Final transcripts are never retracted by the
	// provider.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence. Meaningful only on finals;
	// interim confidence is provisional and must not be aggregated.
	Confidence float64

	// Timestamp marks when the utterance started, relative to stream start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}
