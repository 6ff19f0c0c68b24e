package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/duplexvoice/pkg/provider/tts"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func textChan(parts ...string) <-chan string {
	ch := make(chan string, len(parts))
	for _, p := range parts {
		ch <- p
	}
	close(ch)
	return ch
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestSynthesizeStream_RequestAndResample(t *testing.T) {
	t.Parallel()

	bodies := make(chan map[string]any, 1)
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
		w.Header().Set("Content-Type", "audio/pcm")
		// 100 ms at 24 kHz.
		_, _ = w.Write(make([]byte, 4800))
	})

	out, err := p.SynthesizeStream(context.Background(), textChan("你好，", "世界"), tts.VoiceProfile{SpeedFactor: 9})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var total int
	for chunk := range out {
		if len(chunk)%2 != 0 {
			t.Errorf("chunk of %d bytes is not sample aligned", len(chunk))
		}
		total += len(chunk)
	}
	// 100 ms at 16 kHz is 3200 bytes; chunked resampling may round down a sample per read.
	if total < 3180 || total > 3200 {
		t.Errorf("resampled %d bytes, want ~3200", total)
	}

	body := <-bodies
	if body["input"] != "你好，世界" {
		t.Errorf("input = %v", body["input"])
	}
	if body["voice"] != DefaultVoice || body["response_format"] != "pcm" || body["model"] != string(DefaultModel) {
		t.Errorf("request body = %v", body)
	}
	if body["speed"] != 4.0 {
		t.Errorf("speed = %v, want clamped 4", body["speed"])
	}
}

func TestSynthesizeStream_APIErrorCarriesCode(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`))
	})

	_, err := p.SynthesizeStream(context.Background(), textChan("hi"), tts.VoiceProfile{})
	if code := tts.Code(err); code != "invalid_api_key" {
		t.Errorf("tts.Code(err) = %q, want invalid_api_key (err=%v)", code, err)
	}
}

func TestSynthesizeStream_EmptyInput(t *testing.T) {
	p, _ := New("sk", "")
	_, err := p.SynthesizeStream(context.Background(), textChan("  "), tts.VoiceProfile{})
	if code := tts.Code(err); code != "empty_input" {
		t.Errorf("tts.Code(err) = %q, want empty_input", code)
	}
}

func TestListVoices_ProbesModel(t *testing.T) {
	t.Parallel()

	paths := make(chan string, 1)
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"tts-1","object":"model","created":0,"owned_by":"openai"}`))
	})

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if path := <-paths; !strings.HasSuffix(path, "/models/tts-1") {
		t.Errorf("probe path = %q", path)
	}
	if len(voices) != len(builtinVoices) || voices[0].Provider != "openai" {
		t.Errorf("voices = %v", voices)
	}
}

func TestStreamPCM_CarriesOddByte(t *testing.T) {
	out := make(chan []byte, 8)
	streamPCM(context.Background(), &oddReader{parts: [][]byte{make([]byte, 3), make([]byte, 3)}}, out)
	close(out)
	var total int
	for c := range out {
		total += len(c)
	}
	// 6 bytes = 3 samples at 24 kHz → 2 samples at 16 kHz, split over two reads.
	if total == 0 || total%2 != 0 {
		t.Errorf("total = %d, want non-zero and even", total)
	}
}

type oddReader struct{ parts [][]byte }

func (r *oddReader) Read(p []byte) (int, error) {
	if len(r.parts) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.parts[0])
	r.parts = r.parts[1:]
	return n, nil
}
