package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/provider/tts"
	ttsmock "github.com/MrWong99/duplexvoice/pkg/provider/tts/mock"
)

func collect(t *testing.T, ch <-chan []byte) []string {
	t.Helper()
	var out []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, string(chunk))
		case <-timeout:
			t.Fatal("audio channel did not close")
		}
	}
}

func textOf(frags ...string) <-chan string {
	ch := make(chan string, len(frags))
	for _, f := range frags {
		ch <- f
	}
	close(ch)
	return ch
}

// greedyFailure reads the first fragment before refusing to synthesise.
type greedyFailure struct{}

func (greedyFailure) SynthesizeStream(_ context.Context, text <-chan string, _ tts.VoiceProfile) (<-chan []byte, error) {
	<-text
	return nil, &tts.Error{Provider: "greedy", Code: "503"}
}

func (greedyFailure) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	return nil, errors.New("down")
}

func TestTTSFallback_SynthesizeStream_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")},
	}
	secondary := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{[]byte("fallback-audio")},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary, tts.VoiceProfile{})

	audioCh, err := fb.SynthesizeStream(context.Background(), textOf("你好"), tts.VoiceProfile{ID: "alloy"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks := collect(t, audioCh)
	if len(chunks) != 2 || chunks[0] != "audio1" {
		t.Fatalf("chunks = %q", chunks)
	}
	if primary.Calls() != 1 || secondary.Calls() != 0 {
		t.Fatalf("calls primary=%d secondary=%d", primary.Calls(), secondary.Calls())
	}
	if got := primary.Text(0); got != "你好" {
		t.Errorf("primary text = %q", got)
	}
}

func TestTTSFallback_SynthesizeStream_Failover(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{[]byte("fallback-audio")},
	}

	fb := NewTTSFallback(primary, "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("elevenlabs", secondary, tts.VoiceProfile{ID: "el-voice", Provider: "elevenlabs"})

	audioCh, err := fb.SynthesizeStream(context.Background(), textOf("hello"), tts.VoiceProfile{
		ID:          "alloy",
		SpeedFactor: 1.5,
		Language:    "en-US",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks := collect(t, audioCh); len(chunks) != 1 || chunks[0] != "fallback-audio" {
		t.Fatalf("chunks = %q", chunks)
	}
	if got := secondary.Text(0); got != "hello" {
		t.Errorf("secondary text = %q", got)
	}

	v := secondary.SynthesizeStreamCalls[0].Voice
	if v.ID != "el-voice" || v.Provider != "elevenlabs" {
		t.Errorf("fallback voice = %+v, want the fallback's own voice id", v)
	}
	if v.SpeedFactor != 1.5 || v.Language != "en-US" {
		t.Errorf("fallback voice lost rate/locale: %+v", v)
	}
}

func TestTTSFallback_ReplaysTextConsumedByFailedBackend(t *testing.T) {
	secondary := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("ok")}}
	fb := NewTTSFallback(greedyFailure{}, "greedy", FallbackConfig{})
	fb.AddFallback("secondary", secondary, tts.VoiceProfile{})

	audioCh, err := fb.SynthesizeStream(context.Background(), textOf("one ", "two ", "three"), tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	collect(t, audioCh)
	if got := secondary.Text(0); got != "one two three" {
		t.Errorf("secondary text = %q, want the full utterance", got)
	}
}

func TestTTSFallback_SynthesizeStream_AllFail(t *testing.T) {
	fb := NewTTSFallback(greedyFailure{}, "greedy", FallbackConfig{})
	fb.AddFallback("secondary", &ttsmock.Provider{SynthesizeErr: errors.New("also down")}, tts.VoiceProfile{})

	_, err := fb.SynthesizeStream(context.Background(), textOf("x"), tts.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_BackendCodeSurvivesWrapping(t *testing.T) {
	fb := NewTTSFallback(greedyFailure{}, "greedy", FallbackConfig{})

	_, err := fb.SynthesizeStream(context.Background(), textOf("x"), tts.VoiceProfile{})
	if got := tts.Code(err); got != "503" {
		t.Errorf("tts.Code = %q, want 503 (err = %v)", got, err)
	}
}

func TestTTSFallback_CancelEndsStream(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	primary := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("a")}, Hold: hold}
	fb := NewTTSFallback(primary, "primary", FallbackConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	audioCh, err := fb.SynthesizeStream(ctx, textOf("x"), tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()
	collect(t, audioCh)
}

func TestTTSFallback_ListVoices_Failover(t *testing.T) {
	secondary := &ttsmock.Provider{
		ListVoicesResult: []tts.VoiceProfile{{ID: "v2", Name: "Backup"}},
	}
	fb := NewTTSFallback(greedyFailure{}, "greedy", FallbackConfig{})
	fb.AddFallback("secondary", secondary, tts.VoiceProfile{})

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "v2" {
		t.Fatalf("voices = %+v", voices)
	}
	if n := len(fb.Breakers()); n != 2 {
		t.Errorf("Breakers() = %d, want 2", n)
	}
}
