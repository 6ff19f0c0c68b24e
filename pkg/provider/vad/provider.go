// Package vad defines the Gate interface for barge-in voice activity
// detection.
//
// A Gate watches microphone frames while the device is speaking and fires
// once when the user has been talking long enough to count as an
// interruption. It is deliberately not a general speech segmenter: outside
// playback it does nothing and keeps no state, so it can never interfere
// with recognition.
//
// Gates are driven from a single goroutine (the session engine loop) and need
// not be safe for concurrent use.
package vad

import "github.com/MrWong99/duplexvoice/pkg/types"

// Gate is the barge-in detector consumed by the session engine.
type Gate interface {
	// OnFrame analyses one PCM16 mono 16 kHz frame. ttsPlaying reports whether
	// speech output is currently audible; when it is false, or the gate is
	// disabled, the frame is discarded and any partial accumulation is reset.
	//
	// OnFrame returns true exactly on the frame that completes a trigger. The
	// caller is responsible for acting on it; the gate itself only records the
	// trigger time for its cooldown window.
	OnFrame(frame []byte, ttsPlaying bool) bool

	// UpdateConfig replaces the configuration and always resets any
	// in-progress speech accumulation.
	UpdateConfig(cfg types.BargeInConfig)

	// Config returns the configuration currently in effect.
	Config() types.BargeInConfig
}
