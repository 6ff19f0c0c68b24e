// Package audio holds the PCM plumbing shared by capture sources, the
// barge-in gate and speech playback.
//
// Every frame that crosses a package boundary is PCM16, mono, 16 kHz,
// little-endian. Sources that capture in another format convert through
// [FormatConverter] before handing frames on.
package audio

import "time"

const (
	// SampleRate is the pipeline sample rate in Hz.
	SampleRate = 16000

	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2

	// MinFrameBytes is the smallest frame a capture source should deliver
	// (100 ms at 16 kHz mono).
	MinFrameBytes = 3200
)

// Frame is one hop of captured audio. Data is owned by the receiver of the
// callback that carries it and must not be retained past the next hop.
type Frame struct {
	// Data is PCM16 mono 16 kHz little-endian audio.
	Data []byte

	// Timestamp marks when the frame was captured, relative to capture start.
	Timestamp time.Duration
}

// DurationMs returns the playback length of the frame in milliseconds.
func (f Frame) DurationMs() int {
	return DurationMs(f.Data, SampleRate)
}
