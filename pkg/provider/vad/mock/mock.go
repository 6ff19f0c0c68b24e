// Package mock provides a scripted test double for [vad.Gate].
//
// Example:
//
//	gate := &mock.Gate{Triggers: []bool{false, true}}
//	gate.OnFrame(frame, true) // false
//	gate.OnFrame(frame, true) // true
package mock

import (
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/provider/vad"
	"github.com/MrWong99/duplexvoice/pkg/types"
)

// FrameCall records a single invocation of Gate.OnFrame.
type FrameCall struct {
	Bytes      int
	TTSPlaying bool
}

// Gate is a mock implementation of [vad.Gate].
type Gate struct {
	mu sync.Mutex

	// Triggers is consumed one value per OnFrame call. Once exhausted, OnFrame
	// returns TriggerDefault.
	Triggers []bool

	// TriggerDefault is returned after Triggers runs out.
	TriggerDefault bool

	// Cfg is returned by Config and replaced by UpdateConfig.
	Cfg types.BargeInConfig

	// FrameCalls records every OnFrame call in order.
	FrameCalls []FrameCall

	// ConfigUpdates records every UpdateConfig argument in order.
	ConfigUpdates []types.BargeInConfig
}

var _ vad.Gate = (*Gate)(nil)

// OnFrame implements [vad.Gate].
func (g *Gate) OnFrame(frame []byte, ttsPlaying bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.FrameCalls = append(g.FrameCalls, FrameCall{Bytes: len(frame), TTSPlaying: ttsPlaying})
	if len(g.Triggers) > 0 {
		v := g.Triggers[0]
		g.Triggers = g.Triggers[1:]
		return v
	}
	return g.TriggerDefault
}

// UpdateConfig implements [vad.Gate].
func (g *Gate) UpdateConfig(cfg types.BargeInConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Cfg = cfg
	g.ConfigUpdates = append(g.ConfigUpdates, cfg)
}

// Config implements [vad.Gate].
func (g *Gate) Config() types.BargeInConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Cfg
}

// Frames returns a copy of FrameCalls.
func (g *Gate) Frames() []FrameCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]FrameCall(nil), g.FrameCalls...)
}
