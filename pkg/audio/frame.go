// Package audio provides the PCM helpers shared by the turn detection
// pipeline: little-endian int16 conversion, channel downmixing, linear
// resampling, per-frame energy measurement, and Opus packet decoding.
//
// All functions operate on raw little-endian 16-bit PCM byte slices, the
// common currency between the ingress transport, the VAD engine, and the STT
// provider.
package audio

import "math"

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesToInt16 converts little-endian PCM bytes to int16 samples.
// A trailing odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Int16ToBytes converts int16 PCM samples to little-endian bytes.
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// RMS computes the root-mean-square amplitude of a little-endian int16 PCM
// frame, normalised to [0.0, 1.0]. An empty or misaligned frame yields 0.
func RMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(frame[i*2]) | int16(frame[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}
