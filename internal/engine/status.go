package engine

import (
	"context"
	"sync/atomic"

	"github.com/MrWong99/duplexvoice/pkg/types"
)

// status mirrors the loop-owned state for lock-free reads. It is published
// before an operation replies, so a caller sees its own effects; callbacks
// may lag by one message.
type status struct {
	captureActive atomic.Bool
	asrMuted      atomic.Bool
	ttsPlaying    atomic.Bool
	focusState    atomic.Value // types.FocusState
	route         atomic.Value // types.Route
	lastError     atomic.Pointer[NormalizedError]
}

// publish copies the loop state into the status mirror. It runs on the loop
// after every message.
func (e *Engine) publish() {
	if e.sess != nil {
		e.captureActive = e.sess.capture.Active()
	}
	e.status.captureActive.Store(e.captureActive)
	e.status.asrMuted.Store(e.asrMuted)
	e.status.ttsPlaying.Store(e.ttsPlaying)
	e.status.focusState.Store(e.focusState)
	e.status.route.Store(e.route)
	e.status.lastError.Store(e.lastError)
}

// DuplexStatus returns the most recently published session state without
// going through the loop.
func (e *Engine) DuplexStatus() Result {
	focusState, _ := e.status.focusState.Load().(types.FocusState)
	route, _ := e.status.route.Load().(types.Route)
	var lastError any
	if nerr := e.status.lastError.Load(); nerr != nil {
		lastError = *nerr
	}
	return Result{
		"captureActive": e.status.captureActive.Load(),
		"asrMuted":      e.status.asrMuted.Load(),
		"ttsPlaying":    e.status.ttsPlaying.Load(),
		"focusState":    string(focusState),
		"route":         string(route),
		"lastError":     lastError,
	}
}

// Snapshot is the state a host persists across app suspension.
type Snapshot struct {
	AppState      types.AppState      `json:"appState"`
	CaptureActive bool                `json:"captureActive"`
	AsrMuted      bool                `json:"asrMuted"`
	TTSPlaying    bool                `json:"ttsPlaying"`
	FocusState    types.FocusState    `json:"focusState"`
	Route         types.Route         `json:"route"`
	BargeInConfig types.BargeInConfig `json:"bargeInConfig"`
}

// restoredFields lists what RestoreLifecycleSnapshot applies. Capture is
// not among them: it follows the mode and explicit start/stop commands.
var restoredFields = []string{"asrMuted", "ttsPlaying", "focusState", "route", "appState", "bargeInConfig"}

// LifecycleSnapshot captures the current session state.
func (e *Engine) LifecycleSnapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	_, err := e.call(ctx, func() Result {
		snap = e.snapshot()
		return nil
	})
	return snap, err
}

func (e *Engine) snapshot() Snapshot {
	active := e.captureActive
	if e.sess != nil {
		active = e.sess.capture.Active()
	}
	return Snapshot{
		AppState:      e.appState,
		CaptureActive: active,
		AsrMuted:      e.asrMuted,
		TTSPlaying:    e.ttsPlaying,
		FocusState:    e.focusState,
		Route:         e.route,
		BargeInConfig: e.bargeIn,
	}
}

// RestoreLifecycleSnapshot applies snap. Mute is pushed to capture and the
// barge-in configuration to the gate. Restoring a snapshot taken with
// LifecycleSnapshot changes nothing.
func (e *Engine) RestoreLifecycleSnapshot(ctx context.Context, snap *Snapshot) (Result, error) {
	return e.call(ctx, func() Result {
		if snap == nil {
			return failure(RawMissingSnapshot, "snapshot is required")
		}
		switch {
		case !validFocusState(snap.FocusState):
			return failure(RawInvalidSnapshot, "unknown focusState "+string(snap.FocusState))
		case !snap.Route.IsValid():
			return failure(RawInvalidSnapshot, "unknown route "+string(snap.Route))
		case snap.AppState != types.AppForeground && snap.AppState != types.AppBackground:
			return failure(RawInvalidSnapshot, "unknown appState "+string(snap.AppState))
		}
		if err := snap.BargeInConfig.Validate(); err != nil {
			return failure(RawInvalidSnapshot, err.Error())
		}

		e.ttsPlaying = snap.TTSPlaying
		if !e.ttsPlaying {
			e.ttsRequestID = ""
		}
		e.focusState = snap.FocusState
		e.route = snap.Route
		e.appState = snap.AppState
		e.setBargeIn(snap.BargeInConfig)
		e.applyMute(snap.AsrMuted)
		return Result{"ok": true, "restoredFields": append([]string(nil), restoredFields...)}
	})
}

func validFocusState(s types.FocusState) bool {
	switch s {
	case types.FocusIdle, types.FocusGain, types.FocusLossTransient, types.FocusLoss:
		return true
	}
	return false
}
