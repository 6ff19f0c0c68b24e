package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of raw PCM16 input.
type Format struct {
	SampleRate int
	Channels   int
}

// Pipeline is the format every [Frame] carries.
var Pipeline = Format{SampleRate: SampleRate, Channels: 1}

// String renders f as e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FormatConverter turns PCM16 in a device format into pipeline audio
// (16 kHz mono). It logs once when conversion is actually needed and once
// when it meets misaligned input. Create one per stream.
type FormatConverter struct {
	Source Format

	noteConvert sync.Once
	noteCorrupt sync.Once
}

// Convert returns pcm in the pipeline format. When Source already matches,
// pcm is returned unchanged. Input whose length is not a whole number of
// sample frames is dropped and nil is returned.
func (c *FormatConverter) Convert(pcm []byte) []byte {
	channels := max(1, c.Source.Channels)
	if len(pcm)%(BytesPerSample*channels) != 0 {
		c.noteCorrupt.Do(func() {
			slog.Warn("audio: misaligned PCM input, dropping chunk",
				"bytes", len(pcm),
				"format", c.Source.String(),
			)
		})
		return nil
	}
	rate := c.Source.SampleRate
	if rate <= 0 {
		rate = SampleRate
	}
	if rate == SampleRate && channels == 1 {
		return pcm
	}

	c.noteConvert.Do(func() {
		slog.Info("audio: converting capture input", "from", c.Source.String(), "to", Pipeline.String())
	})

	// Downmix first so the resampler only touches one channel.
	if channels > 1 {
		pcm = DownmixToMono(pcm, channels)
	}
	return ResampleMono16(pcm, rate, SampleRate)
}

// DownmixToMono averages interleaved PCM16 channels into a single channel,
// clamping to the int16 range.
func DownmixToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * BytesPerSample
	frames := len(pcm) / stride
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := i*stride + ch*BytesPerSample
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := sum / int32(channels)
		avg = min(max(avg, -32768), 32767)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate with linear
// interpolation. Equal or non-positive rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < BytesPerSample {
		return pcm
	}
	src := Samples(pcm)
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	step := float64(srcRate) / float64(dstRate)
	dst := make([]int16, n)
	for i := range dst {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := src[idx]
		s1 := s0
		if idx+1 < len(src) {
			s1 = src[idx+1]
		}
		dst[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return Encode(dst)
}
