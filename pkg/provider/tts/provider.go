// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, OpenAI speech)
// and presents a uniform streaming interface. SynthesizeStream accepts a
// channel of text fragments and returns a channel of raw PCM16 mono 16 kHz
// audio chunks as they become available, so playback can begin before the
// whole utterance has been synthesised.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and returns
	// a channel that emits PCM16 mono 16 kHz audio as it is synthesised.
	//
	// The returned audio channel is closed by the implementation when all text
	// has been synthesised or when ctx is cancelled. The caller must drain the
	// audio channel to avoid blocking the provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Such errors
	// should be an [*Error] when the backend reports a code. Errors during
	// synthesis close the audio channel early; callers check ctx.Err() to tell
	// cancellation apart.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices the backend currently offers. It doubles as
	// a readiness probe: a backend that cannot list voices cannot speak.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// VoiceProfile selects a voice and the delivery of one utterance.
type VoiceProfile struct {
	ID       string // backend voice id
	Name     string
	Provider string // backend the voice belongs to

	// Language is the BCP-47 locale of the text, e.g. "zh-CN".
	Language string

	// SpeedFactor scales the speaking rate; 1.0 is normal and zero leaves
	// the backend default. Backends clamp it to what they support.
	SpeedFactor float64

	// Metadata carries backend voice attributes such as accent or gender.
	Metadata map[string]string
}

// Error is a synthesis failure that carries a backend error code, such as an
// HTTP status or an API error type.
type Error struct {
	Provider string
	Code     string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: tts error %s", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s: tts error %s: %v", e.Provider, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the backend code carried anywhere in err's chain, or "" when
// there is none.
func Code(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
