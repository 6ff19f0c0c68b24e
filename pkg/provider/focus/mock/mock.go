// Package mock provides a recording [focus.Arbiter] and a channel-backed
// [focus.Listener] for unit tests.
package mock

import (
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/provider/focus"
	"github.com/MrWong99/duplexvoice/pkg/types"
)

// Arbiter is a mock implementation of [focus.Arbiter]. RequestFocus reports
// gain through the listener like a real arbiter; ReleaseFocus reports idle.
type Arbiter struct {
	mu sync.Mutex

	listener focus.Listener

	// RouteValue is returned by Route. Defaults to speaker.
	RouteValue types.Route

	// RequestCount, ReleaseCount and CloseCount count the respective calls.
	RequestCount int
	ReleaseCount int
	CloseCount   int

	// Seq records "request" and "release" in call order.
	Seq []string
}

var _ focus.Arbiter = (*Arbiter)(nil)

// NewArbiter returns an Arbiter reporting to l.
func NewArbiter(l focus.Listener) *Arbiter {
	return &Arbiter{listener: l, RouteValue: types.RouteSpeaker}
}

// RequestFocus implements [focus.Arbiter].
func (a *Arbiter) RequestFocus() types.FocusState {
	a.mu.Lock()
	a.RequestCount++
	a.Seq = append(a.Seq, "request")
	a.mu.Unlock()
	a.listener.OnFocusChanged(types.FocusGain, true)
	return types.FocusGain
}

// ReleaseFocus implements [focus.Arbiter].
func (a *Arbiter) ReleaseFocus() {
	a.mu.Lock()
	a.ReleaseCount++
	a.Seq = append(a.Seq, "release")
	a.mu.Unlock()
	a.listener.OnFocusChanged(types.FocusIdle, true)
}

// Route implements [focus.Arbiter].
func (a *Arbiter) Route() types.Route {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.RouteValue
}

// Close implements [focus.Arbiter].
func (a *Arbiter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CloseCount++
	return nil
}

// Requests returns RequestCount.
func (a *Arbiter) Requests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.RequestCount
}

// Releases returns ReleaseCount.
func (a *Arbiter) Releases() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ReleaseCount
}

// EmitFocus reports a focus transition.
func (a *Arbiter) EmitFocus(s types.FocusState, canAutoResume bool) {
	a.listener.OnFocusChanged(s, canAutoResume)
}

// EmitRoute reports a route change and updates RouteValue.
func (a *Arbiter) EmitRoute(oldRoute, newRoute types.Route, reason string) {
	a.mu.Lock()
	a.RouteValue = newRoute
	a.mu.Unlock()
	a.listener.OnRouteChanged(oldRoute, newRoute, reason)
}

// EmitAppState reports an app-state transition.
func (a *Arbiter) EmitAppState(s types.AppState) {
	a.listener.OnAppStateChanged(s)
}

// Event is one callback captured by [Listener].
type Event struct {
	Kind          string // "focus", "route" or "app"
	Focus         types.FocusState
	CanAutoResume bool
	OldRoute      types.Route
	NewRoute      types.Route
	Reason        string
	AppState      types.AppState
}

// Listener is a [focus.Listener] that forwards every callback to Events.
type Listener struct {
	Events chan Event
}

var _ focus.Listener = (*Listener)(nil)

// NewListener returns a Listener with a buffered channel of size n.
func NewListener(n int) *Listener {
	return &Listener{Events: make(chan Event, n)}
}

func (l *Listener) OnFocusChanged(s types.FocusState, canAutoResume bool) {
	l.Events <- Event{Kind: "focus", Focus: s, CanAutoResume: canAutoResume}
}

func (l *Listener) OnRouteChanged(oldRoute, newRoute types.Route, reason string) {
	l.Events <- Event{Kind: "route", OldRoute: oldRoute, NewRoute: newRoute, Reason: reason}
}

func (l *Listener) OnAppStateChanged(s types.AppState) {
	l.Events <- Event{Kind: "app", AppState: s}
}
