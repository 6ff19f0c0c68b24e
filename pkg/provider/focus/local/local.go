// Package local implements an in-process [focus.Arbiter].
//
// Nothing here talks to an OS. The Arbiter implements [focus.Feeder]: hosts
// report platform notifications with the reportAudioInterruption,
// reportAudioDevices and reportAppState commands, and the Arbiter turns them
// into the normalized focus and route transitions the engine consumes.
package local

import (
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/provider/focus"
	"github.com/MrWong99/duplexvoice/pkg/types"
)

var (
	_ focus.Arbiter = (*Arbiter)(nil)
	_ focus.Feeder  = (*Arbiter)(nil)
)

// Option is a functional option for configuring an Arbiter.
type Option func(*Arbiter)

// WithDevices sets the device classes available at construction.
func WithDevices(available ...types.Route) Option {
	return func(a *Arbiter) { a.route = focus.RouteFor(available) }
}

// WithAppState sets the initial app state.
func WithAppState(s types.AppState) Option {
	return func(a *Arbiter) { a.app = s }
}

// Arbiter is an in-process focus arbiter. It is safe for concurrent use.
// Listener callbacks are made while the Arbiter's lock is held so they are
// observed in transition order.
type Arbiter struct {
	mu       sync.Mutex
	listener focus.Listener
	claimed  bool
	state    types.FocusState
	route    types.Route
	app      types.AppState
	closed   bool
}

// New returns an Arbiter reporting to l.
func New(l focus.Listener, opts ...Option) *Arbiter {
	a := &Arbiter{
		listener: l,
		state:    types.FocusIdle,
		route:    types.RouteSpeaker,
		app:      types.AppForeground,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RequestFocus implements [focus.Arbiter].
func (a *Arbiter) RequestFocus() types.FocusState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return a.state
	}
	a.claimed = true
	a.setFocusLocked(types.FocusGain, true)
	return types.FocusGain
}

// ReleaseFocus implements [focus.Arbiter].
func (a *Arbiter) ReleaseFocus() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.claimed {
		return
	}
	a.claimed = false
	a.setFocusLocked(types.FocusIdle, true)
}

// Route implements [focus.Arbiter].
func (a *Arbiter) Route() types.Route {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.route
}

// State returns the current focus state.
func (a *Arbiter) State() types.FocusState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// AppState returns the current app state.
func (a *Arbiter) AppState() types.AppState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.app
}

// Close implements [focus.Arbiter].
func (a *Arbiter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.claimed = false
	return nil
}

// Interrupt applies a platform focus notification. It is ignored while no
// claim is held and reports whether it was applied.
func (a *Arbiter) Interrupt(i focus.Interruption) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.claimed {
		return false
	}
	switch i {
	case focus.InterruptionBegan:
		a.setFocusLocked(types.FocusLossTransient, true)
	case focus.InterruptionLost, focus.InterruptionEndedNoResume:
		a.setFocusLocked(types.FocusLoss, false)
	case focus.InterruptionEnded:
		a.setFocusLocked(types.FocusGain, true)
	default:
		return false
	}
	return true
}

// SetDevices replaces the set of available device classes. A route change is
// reported only when the resulting route differs; reason is normalized with
// [focus.NormalizeRouteReason].
func (a *Arbiter) SetDevices(available []types.Route, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	next := focus.RouteFor(available)
	if next == a.route {
		return
	}
	prev := a.route
	a.route = next
	if a.listener != nil {
		a.listener.OnRouteChanged(prev, next, focus.NormalizeRouteReason(reason))
	}
}

// SetAppState records a foreground/background transition.
func (a *Arbiter) SetAppState(s types.AppState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || s == a.app {
		return
	}
	a.app = s
	if a.listener != nil {
		a.listener.OnAppStateChanged(s)
	}
}

func (a *Arbiter) setFocusLocked(s types.FocusState, canAutoResume bool) {
	a.state = s
	if a.listener != nil {
		a.listener.OnFocusChanged(s, canAutoResume)
	}
}
