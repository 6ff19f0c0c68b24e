// Package types defines the shared session vocabulary used across all
// duplexvoice packages.
//
// These types form the lingua franca between the capture, recognition, speech
// and focus providers and the session engine. They are intentionally minimal:
// each package defines its own domain types, but values that cross package
// boundaries (and the host bridge) live here to avoid circular imports.
//
// All string-backed enums serialise to the exact wire values the host expects.
package types

import "fmt"

// Mode selects how the user provides input during a session.
type Mode string

const (
	// ModeAuto keeps capture running with server-side turn detection and
	// barge-in enabled.
	ModeAuto Mode = "auto"

	// ModePushToTalk leaves turn-taking to the client: capture is only active
	// while the user holds the talk control and the recognizer waits for an
	// explicit commit.
	ModePushToTalk Mode = "pushToTalk"

	// ModeKeyboard disables voice input entirely.
	ModeKeyboard Mode = "keyboard"
)

// IsValid reports whether m is a recognised input mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeAuto, ModePushToTalk, ModeKeyboard:
		return true
	}
	return false
}

// FocusState is the engine's view of the OS audio-focus claim.
type FocusState string

const (
	FocusIdle          FocusState = "idle"
	FocusGain          FocusState = "gain"
	FocusLossTransient FocusState = "loss_transient"
	FocusLoss          FocusState = "loss"
)

// CanAutoResume reports whether playback may resume on its own after the
// focus transition to s. Only a permanent loss requires user action.
func (s FocusState) CanAutoResume() bool {
	return s != FocusLoss
}

// Route is the normalised class of the active output device.
type Route string

const (
	RouteSpeaker   Route = "speaker"
	RouteEarpiece  Route = "earpiece"
	RouteBluetooth Route = "bluetooth"
)

// IsValid reports whether r is one of the three normalised routes.
func (r Route) IsValid() bool {
	switch r {
	case RouteSpeaker, RouteEarpiece, RouteBluetooth:
		return true
	}
	return false
}

// AppState tracks whether the host application is visible to the user.
type AppState string

const (
	AppForeground AppState = "foreground"
	AppBackground AppState = "background"
)

// BargeInConfig tunes the energy detector that interrupts speech playback
// when the user starts talking.
type BargeInConfig struct {
	// Enabled turns barge-in detection on or off.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// EnergyThreshold is the normalised RMS level (0, 1] a frame must reach to
	// count as speech.
	EnergyThreshold float64 `json:"energyThreshold" yaml:"energy_threshold"`

	// MinSpeechMs is the contiguous speech duration required to trigger.
	MinSpeechMs int `json:"minSpeechMs" yaml:"min_speech_ms"`

	// CooldownMs suppresses further triggers for this long after one fires.
	CooldownMs int `json:"cooldownMs" yaml:"cooldown_ms"`
}

// DefaultBargeInConfig returns the detector configuration used when a
// session starts without an explicit one.
func DefaultBargeInConfig() BargeInConfig {
	return BargeInConfig{
		Enabled:         true,
		EnergyThreshold: 0.5,
		MinSpeechMs:     120,
		CooldownMs:      300,
	}
}

// Validate reports the first out-of-range field, or nil.
func (c BargeInConfig) Validate() error {
	if c.EnergyThreshold <= 0 || c.EnergyThreshold > 1 {
		return fmt.Errorf("energyThreshold %.3f is out of range (0, 1]", c.EnergyThreshold)
	}
	if c.MinSpeechMs < 0 {
		return fmt.Errorf("minSpeechMs %d must not be negative", c.MinSpeechMs)
	}
	if c.CooldownMs < 0 {
		return fmt.Errorf("cooldownMs %d must not be negative", c.CooldownMs)
	}
	return nil
}

// BargeInPatch is a partial [BargeInConfig]. Nil fields keep their current
// value when applied.
type BargeInPatch struct {
	Enabled         *bool
	EnergyThreshold *float64
	MinSpeechMs     *int
	CooldownMs      *int
}

// Apply returns base with every non-nil field of p merged in.
func (p BargeInPatch) Apply(base BargeInConfig) BargeInConfig {
	if p.Enabled != nil {
		base.Enabled = *p.Enabled
	}
	if p.EnergyThreshold != nil {
		base.EnergyThreshold = *p.EnergyThreshold
	}
	if p.MinSpeechMs != nil {
		base.MinSpeechMs = *p.MinSpeechMs
	}
	if p.CooldownMs != nil {
		base.CooldownMs = *p.CooldownMs
	}
	return base
}

// IsEmpty reports whether the patch sets no field at all.
func (p BargeInPatch) IsEmpty() bool {
	return p.Enabled == nil && p.EnergyThreshold == nil && p.MinSpeechMs == nil && p.CooldownMs == nil
}
