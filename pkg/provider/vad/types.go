package vad

// Event is the voice activity detection result for a single audio frame.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Probability is the speech probability score (0.0–1.0) for the frame.
	Probability float64

	// SpeechFrames is the number of frames the just-ended speech segment
	// lasted. Set only on SpeechEnd and Misfire events.
	SpeechFrames int
}

// EventType enumerates VAD detection states.
type EventType int

const (
	// Silence indicates no speech detected.
	Silence EventType = iota

	// SpeechStart indicates speech has just begun.
	SpeechStart

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates a speech segment has just ended after surviving
	// the engine's redemption window.
	SpeechEnd

	// Misfire indicates a candidate speech segment was rejected as too
	// short. Emitted in place of SpeechEnd; no SpeechEnd follows.
	Misfire
)

// String returns the lowercase event type name for logs.
func (t EventType) String() string {
	switch t {
	case Silence:
		return "silence"
	case SpeechStart:
		return "speech-start"
	case SpeechContinue:
		return "speech-continue"
	case SpeechEnd:
		return "speech-end"
	case Misfire:
		return "misfire"
	}
	return "unknown"
}
