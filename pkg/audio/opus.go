package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus ingress defaults: 48 kHz stereo at 20 ms frame size, the common
// wire format of WebRTC-style audio transports.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// OpusDecoder wraps a gopus Opus decoder for a single audio stream. Decoder
// state carries across consecutive packets, so each stream needs its own
// decoder instance. Not safe for concurrent use.
type OpusDecoder struct {
	dec      *gopus.Decoder
	channels int
}

// NewOpusDecoder creates a decoder for the standard 48 kHz stereo Opus
// ingress format.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, channels: opusChannels}, nil
}

// Decode decodes a single Opus packet into interleaved little-endian int16
// PCM bytes at 48 kHz stereo.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16ToBytes(pcm), nil
}

// DecodeMono decodes an Opus packet and downmixes the result to mono,
// the layout expected by the VAD engine and STT providers.
func (d *OpusDecoder) DecodeMono(packet []byte) ([]byte, error) {
	pcm, err := d.Decode(packet)
	if err != nil {
		return nil, err
	}
	if d.channels == 1 {
		return pcm, nil
	}
	return StereoToMono(pcm), nil
}
