package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

func TestNormalizedRMS(t *testing.T) {
	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{"silence", make([]int16, 160), 0},
		{"full scale", []int16{32767, -32767, 32767, -32767}, 1},
		{"half scale", []int16{16384, -16384}, 16384.0 / 32767.0},
		{"empty", nil, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := audio.NormalizedRMS(audio.Encode(tc.samples))
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("NormalizedRMS = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestDurationMs(t *testing.T) {
	tests := []struct {
		bytes int
		rate  int
		want  int
	}{
		{3200, 16000, 100},
		{1024, 16000, 32},
		{20, 16000, 1},
		{0, 16000, 1},
		{3200, 0, 1},
	}
	for _, tc := range tests {
		if got := audio.DurationMs(make([]byte, tc.bytes), tc.rate); got != tc.want {
			t.Errorf("DurationMs(%d bytes, %d Hz) = %d, want %d", tc.bytes, tc.rate, got, tc.want)
		}
	}
	if got := (audio.Frame{Data: make([]byte, audio.MinFrameBytes)}).DurationMs(); got != 100 {
		t.Errorf("Frame.DurationMs = %d, want 100", got)
	}
}

func TestSamplesEncodeRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	got := audio.Samples(audio.Encode(in))
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
	if n := len(audio.Samples([]byte{1, 2, 3})); n != 1 {
		t.Errorf("odd trailing byte: got %d samples, want 1", n)
	}
}

func TestWriterSinkAndDrain(t *testing.T) {
	var buf writeRecorder
	s := audio.NewWriterSink(&buf)
	if err := s.Write([]byte{1, 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Flush()
	if buf.n != 2 {
		t.Errorf("wrote %d bytes, want 2", buf.n)
	}

	ch := make(chan []byte, 3)
	ch <- []byte{1}
	ch <- []byte{2}
	close(ch)
	audio.Drain(ch)
	if len(ch) != 0 {
		t.Error("Drain left values in the channel")
	}
}

type writeRecorder struct{ n int }

func (w *writeRecorder) Write(p []byte) (int, error) {
	w.n += len(p)
	return len(p), nil
}
