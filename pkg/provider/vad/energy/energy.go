// Package energy implements [vad.Gate] with a normalised RMS energy
// threshold.
//
// Each frame's RMS (samples scaled to [-1, 1]) is compared against
// EnergyThreshold. Frames at or above the threshold add their duration to a
// running total; any frame below it resets the total to zero, so only
// contiguous speech counts. When the total reaches MinSpeechMs the gate fires
// once, clears the total and starts a CooldownMs window during which frames
// are ignored entirely.
package energy

import (
	"time"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/vad"
	"github.com/MrWong99/duplexvoice/pkg/types"
)

var _ vad.Gate = (*Gate)(nil)

// Option configures a [Gate].
type Option func(*Gate)

// WithClock replaces time.Now. Tests use it to step through cooldown windows.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// Gate is the energy-threshold barge-in detector.
type Gate struct {
	cfg         types.BargeInConfig
	now         func() time.Time
	speechMs    int
	lastTrigger time.Time
}

// New returns a Gate using cfg.
func New(cfg types.BargeInConfig, opts ...Option) *Gate {
	g := &Gate{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// OnFrame implements [vad.Gate].
func (g *Gate) OnFrame(frame []byte, ttsPlaying bool) bool {
	if !g.cfg.Enabled || !ttsPlaying {
		g.speechMs = 0
		return false
	}
	if len(frame) < audio.BytesPerSample {
		return false
	}

	now := g.now()
	if !g.lastTrigger.IsZero() && now.Sub(g.lastTrigger) < time.Duration(g.cfg.CooldownMs)*time.Millisecond {
		return false
	}

	if audio.NormalizedRMS(frame) < g.cfg.EnergyThreshold {
		g.speechMs = 0
		return false
	}

	g.speechMs += audio.DurationMs(frame, audio.SampleRate)
	if g.speechMs < g.cfg.MinSpeechMs {
		return false
	}
	g.speechMs = 0
	g.lastTrigger = now
	return true
}

// UpdateConfig implements [vad.Gate].
func (g *Gate) UpdateConfig(cfg types.BargeInConfig) {
	g.cfg = cfg
	g.speechMs = 0
}

// Config implements [vad.Gate].
func (g *Gate) Config() types.BargeInConfig {
	return g.cfg
}

// SpeechMs returns the contiguous speech currently accumulated. It is
// exposed for diagnostics.
func (g *Gate) SpeechMs() int {
	return g.speechMs
}
