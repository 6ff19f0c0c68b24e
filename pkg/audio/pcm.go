package audio

import (
	"encoding/binary"
	"math"
)

// fullScale is the divisor that maps an int16 sample into [-1, 1].
const fullScale = 32767.0

// Samples decodes little-endian PCM16 into int16 samples. A trailing odd
// byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Encode is the inverse of [Samples].
func Encode(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// NormalizedRMS returns sqrt(mean(x²)) over the samples of pcm, each scaled
// by 1/32767. An empty buffer has zero energy.
func NormalizedRMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / fullScale
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// DurationMs returns the length of mono PCM16 audio at sampleRate, rounded
// down to whole milliseconds but never less than 1.
func DurationMs(pcm []byte, sampleRate int) int {
	if sampleRate <= 0 {
		return 1
	}
	samples := len(pcm) / BytesPerSample
	ms := samples * 1000 / sampleRate
	return max(1, ms)
}

// Drain discards values from ch until it is closed. Playback uses it on an
// interrupted synthesis stream so the backend's goroutines can exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
