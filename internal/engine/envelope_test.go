package engine_test

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplexvoice/internal/engine"
)

func TestChannelEmitter_PreservesOrder(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got []string
	)
	block := make(chan struct{})
	c := engine.NewChannelEmitter(func(env engine.Envelope) {
		<-block
		mu.Lock()
		got = append(got, env.RequestID)
		mu.Unlock()
	})

	want := make([]string, 50)
	start := time.Now()
	for i := range want {
		want[i] = string(rune('a' + i%26))
		c.Emit(engine.Envelope{Event: engine.EventTTSStarted, RequestID: want[i]})
	}
	if time.Since(start) > time.Second {
		t.Error("Emit blocked on a stalled handler")
	}
	close(block)
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, "") != strings.Join(want, "") {
		t.Errorf("delivered %v, want %v", got, want)
	}
}

func TestChannelEmitter_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	n := 0
	c := engine.NewChannelEmitter(func(engine.Envelope) { n++ })
	c.Emit(engine.Envelope{Event: engine.EventRuntimeError})
	c.Close()
	c.Close()
	if n != 1 {
		t.Errorf("handled %d envelopes, want 1", n)
	}
}

func TestEnvelope_JSON(t *testing.T) {
	t.Parallel()

	nerr := engine.MapError("tts_error_500", "speech output failed")
	env := engine.Envelope{
		Event:     engine.EventTTSError,
		SessionID: "s1",
		RequestID: "r1",
		Timestamp: 42,
		Data:      map[string]any{"ttsPlaying": false},
		Error:     &nerr,
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["event"] != "ttsError" || m["sessionId"] != "s1" || m["requestId"] != "r1" || m["timestamp"] != float64(42) {
		t.Errorf("envelope = %s", b)
	}
	e, _ := m["error"].(map[string]any)
	if e["code"] != "tts_failed" || e["rawCode"] != "tts_error_500" {
		t.Errorf("error = %v", e)
	}

	b, _ = json.Marshal(engine.Envelope{Event: engine.EventAsrFinalText, Data: map[string]any{}})
	if strings.Contains(string(b), "requestId") || strings.Contains(string(b), `"error"`) {
		t.Errorf("optional fields present: %s", b)
	}
}
