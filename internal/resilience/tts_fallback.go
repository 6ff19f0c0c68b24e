package resilience

import (
	"context"
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// Text fragments are recorded as they arrive so that a backend tried after a
// failed one still receives the whole utterance.
type TTSFallback struct {
	group  *FallbackGroup[tts.Provider]
	voices map[string]tts.VoiceProfile
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group:  NewFallbackGroup(primary, primaryName, cfg),
		voices: make(map[string]tts.VoiceProfile),
	}
}

// AddFallback registers an additional TTS provider as a fallback. When voice
// has an ID it replaces the caller's voice ID for this backend, since voice
// identifiers are backend specific. Rate and locale always pass through.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider, voice tts.VoiceProfile) {
	f.group.AddFallback(name, provider)
	if voice.ID != "" {
		f.voices[name] = voice
	}
}

// Breakers returns the per-backend circuit breakers.
func (f *TTSFallback) Breakers() []*CircuitBreaker {
	return f.group.Breakers()
}

// SynthesizeStream consumes text fragments and returns a channel of audio bytes,
// trying the first healthy provider. Only the initial stream setup is covered by
// failover; mid-stream errors are the caller's responsibility.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	rec := newTextReplay(ctx, text)
	return Try(ctx, f.group, func(ctx context.Context, name string, p tts.Provider) (<-chan []byte, error) {
		v := voice
		if fv, ok := f.voices[name]; ok {
			v.ID = fv.ID
			v.Name = fv.Name
			v.Provider = fv.Provider
		}

		actx, cancel := context.WithCancel(ctx)
		stream, err := p.SynthesizeStream(actx, rec.stream(actx), v)
		if err != nil {
			cancel()
			return nil, err
		}
		out := make(chan []byte)
		go func() {
			defer cancel()
			defer close(out)
			for chunk := range stream {
				select {
				case out <- chunk:
				case <-ctx.Done():
					for range stream {
					}
					return
				}
			}
		}()
		return out, nil
	})
}

// ListVoices returns available voices from the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return Try(ctx, f.group, func(ctx context.Context, _ string, p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// textReplay records fragments read from a text channel and replays them,
// followed by any later fragments, to each attempt.
type textReplay struct {
	mu      sync.Mutex
	frags   []string
	closed  bool
	changed chan struct{}
}

func newTextReplay(ctx context.Context, src <-chan string) *textReplay {
	r := &textReplay{changed: make(chan struct{})}
	go func() {
		defer r.finish()
		for {
			select {
			case s, ok := <-src:
				if !ok {
					return
				}
				r.mu.Lock()
				r.frags = append(r.frags, s)
				close(r.changed)
				r.changed = make(chan struct{})
				r.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
	return r
}

func (r *textReplay) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	close(r.changed)
}

// stream returns a channel carrying every fragment from the start. It closes
// when the source is exhausted or ctx ends.
func (r *textReplay) stream(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for i := 0; ; {
			r.mu.Lock()
			if i < len(r.frags) {
				s := r.frags[i]
				i++
				r.mu.Unlock()
				select {
				case out <- s:
					continue
				case <-ctx.Done():
					return
				}
			}
			if r.closed {
				r.mu.Unlock()
				return
			}
			wait := r.changed
			r.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
