package audio_test

import (
	"bytes"
	"testing"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

func TestDownmixToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := audio.Encode([]int16{100, 200, -100, -200})
	got := audio.Samples(audio.DownmixToMono(stereo, 2))
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownmixToMono_Clamping(t *testing.T) {
	stereo := audio.Encode([]int16{32767, 32767, -32768, -32768})
	got := audio.Samples(audio.DownmixToMono(stereo, 2))
	if got[0] != 32767 || got[1] != -32768 {
		t.Errorf("got %v, want [32767 -32768]", got)
	}
}

func TestResampleMono16(t *testing.T) {
	t.Run("same rate", func(t *testing.T) {
		pcm := audio.Encode([]int16{100, 200, 300})
		if out := audio.ResampleMono16(pcm, 16000, 16000); !bytes.Equal(out, pcm) {
			t.Error("same-rate resample should return input unchanged")
		}
	})
	t.Run("zero rate", func(t *testing.T) {
		pcm := audio.Encode([]int16{1, 2})
		if out := audio.ResampleMono16(pcm, 0, 16000); !bytes.Equal(out, pcm) {
			t.Error("zero source rate should return input unchanged")
		}
	})
	t.Run("downsample 48k to 16k", func(t *testing.T) {
		pcm := audio.Encode(make([]int16, 480))
		out := audio.ResampleMono16(pcm, 48000, 16000)
		if got := len(out) / 2; got != 160 {
			t.Errorf("samples = %d, want 160", got)
		}
	})
	t.Run("upsample interpolates", func(t *testing.T) {
		pcm := audio.Encode([]int16{0, 100})
		got := audio.Samples(audio.ResampleMono16(pcm, 8000, 16000))
		if len(got) != 4 {
			t.Fatalf("samples = %d, want 4", len(got))
		}
		if got[0] != 0 || got[1] != 50 || got[2] != 100 {
			t.Errorf("got %v, want [0 50 100 100]", got)
		}
	})
}

func TestFormatConverter(t *testing.T) {
	t.Run("pipeline format is a no-op", func(t *testing.T) {
		c := &audio.FormatConverter{Source: audio.Pipeline}
		pcm := audio.Encode([]int16{1, 2, 3})
		if out := c.Convert(pcm); !bytes.Equal(out, pcm) {
			t.Error("expected unchanged output")
		}
	})
	t.Run("48k stereo becomes 16k mono", func(t *testing.T) {
		c := &audio.FormatConverter{Source: audio.Format{SampleRate: 48000, Channels: 2}}
		pcm := audio.Encode(make([]int16, 960)) // 480 stereo frames = 10 ms
		out := c.Convert(pcm)
		if got := len(out) / 2; got != 160 {
			t.Errorf("samples = %d, want 160", got)
		}
	})
	t.Run("misaligned input dropped", func(t *testing.T) {
		c := &audio.FormatConverter{Source: audio.Format{SampleRate: 16000, Channels: 2}}
		if out := c.Convert(make([]byte, 6)); out != nil {
			t.Errorf("expected nil, got %d bytes", len(out))
		}
	})
}

func TestFormatString(t *testing.T) {
	cases := map[audio.Format]string{
		{SampleRate: 16000, Channels: 1}: "16000Hz mono",
		{SampleRate: 48000, Channels: 2}: "48000Hz stereo",
		{SampleRate: 44100, Channels: 6}: "44100Hz 6ch",
	}
	for f, want := range cases {
		if got := f.String(); got != want {
			t.Errorf("%+v.String() = %q, want %q", f, got, want)
		}
	}
}
