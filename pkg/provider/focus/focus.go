// Package focus defines the Arbiter interface: the engine's view of OS audio
// focus and output routing.
//
// An Arbiter grants a transient, duckable playback claim on request and then
// reports how the OS revokes and restores it. Route and foreground/background
// transitions are reported independently of the claim.
package focus

import (
	"strings"

	"github.com/MrWong99/duplexvoice/pkg/types"
)

// Listener receives focus, route and app-state transitions. Callbacks may
// arrive on any goroutine and must not block or call back into the Arbiter.
type Listener interface {
	OnFocusChanged(state types.FocusState, canAutoResume bool)
	OnRouteChanged(oldRoute, newRoute types.Route, reason string)
	OnAppStateChanged(state types.AppState)
}

// Arbiter arbitrates playback focus.
type Arbiter interface {
	// RequestFocus claims playback focus. It returns [types.FocusGain] and
	// also reports it through the listener.
	RequestFocus() types.FocusState

	// ReleaseFocus abandons the claim and reports [types.FocusIdle]. Releasing
	// without a claim does nothing.
	ReleaseFocus()

	// Route returns the current output route.
	Route() types.Route

	// Close stops reporting. Later calls are no-ops.
	Close() error
}

// Normalized route-change reasons.
const (
	ReasonNewDevice         = "new_device_available"
	ReasonOldDevice         = "old_device_unavailable"
	ReasonCategoryChange    = "category_change"
	ReasonOverride          = "override"
	ReasonWakeFromSleep     = "wake_from_sleep"
	ReasonNoSuitableRoute   = "no_suitable_route"
	ReasonRouteConfigChange = "route_config_change"
	ReasonUnknown           = "unknown"
)

var routeReasons = map[string]string{
	ReasonNewDevice:         ReasonNewDevice,
	ReasonOldDevice:         ReasonOldDevice,
	ReasonCategoryChange:    ReasonCategoryChange,
	ReasonOverride:          ReasonOverride,
	ReasonWakeFromSleep:     ReasonWakeFromSleep,
	ReasonNoSuitableRoute:   ReasonNoSuitableRoute,
	ReasonRouteConfigChange: ReasonRouteConfigChange,

	// Platform spellings seen from host adapters.
	"newdeviceavailable":             ReasonNewDevice,
	"device_added":                   ReasonNewDevice,
	"olddeviceunavailable":           ReasonOldDevice,
	"device_removed":                 ReasonOldDevice,
	"becoming_noisy":                 ReasonOldDevice,
	"categorychange":                 ReasonCategoryChange,
	"wakefromsleep":                  ReasonWakeFromSleep,
	"nosuitablerouteforcategory":     ReasonNoSuitableRoute,
	"no_suitable_route_for_category": ReasonNoSuitableRoute,
	"routeconfigurationchange":       ReasonRouteConfigChange,
	"route_configuration_change":     ReasonRouteConfigChange,
}

// NormalizeRouteReason maps a raw platform reason onto the fixed reason set.
// Anything unrecognised becomes [ReasonUnknown].
func NormalizeRouteReason(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	if r, ok := routeReasons[key]; ok {
		return r
	}
	return ReasonUnknown
}

// RouteFor picks the output route for a set of available device classes,
// preferring bluetooth, then speaker, then earpiece. With nothing available
// it falls back to the speaker.
func RouteFor(available []types.Route) types.Route {
	var speaker, earpiece bool
	for _, r := range available {
		switch r {
		case types.RouteBluetooth:
			return types.RouteBluetooth
		case types.RouteSpeaker:
			speaker = true
		case types.RouteEarpiece:
			earpiece = true
		}
	}
	switch {
	case speaker:
		return types.RouteSpeaker
	case earpiece:
		return types.RouteEarpiece
	default:
		return types.RouteSpeaker
	}
}

// Interruption is a platform focus notification.
type Interruption int

const (
	// InterruptionBegan is a temporary loss, e.g. an incoming call ringing.
	InterruptionBegan Interruption = iota

	// InterruptionLost is a permanent loss to another player.
	InterruptionLost

	// InterruptionEnded restores focus and allows playback to resume.
	InterruptionEnded

	// InterruptionEndedNoResume ends an interruption without permission to
	// resume. It is reported as a permanent loss.
	InterruptionEndedNoResume
)

var interruptionKinds = map[string]Interruption{
	"began":           InterruptionBegan,
	"loss_transient":  InterruptionBegan,
	"lost":            InterruptionLost,
	"loss":            InterruptionLost,
	"ended":           InterruptionEnded,
	"gain":            InterruptionEnded,
	"ended_no_resume": InterruptionEndedNoResume,
}

// ParseInterruption maps a host-reported interruption kind, either the
// platform spelling ("began", "ended") or the resulting focus state
// ("loss_transient", "gain"), onto an Interruption.
func ParseInterruption(kind string) (Interruption, bool) {
	key := strings.ToLower(strings.TrimSpace(kind))
	key = strings.ReplaceAll(key, "-", "_")
	i, ok := interruptionKinds[key]
	return i, ok
}

// Feeder is implemented by arbiters that take platform notifications from
// the host instead of observing the OS themselves.
type Feeder interface {
	// Interrupt applies a focus notification and reports whether it took
	// effect. Notifications without a live claim are ignored.
	Interrupt(i Interruption) bool

	// SetDevices replaces the set of available device classes.
	SetDevices(available []types.Route, reason string)

	// SetAppState records a foreground/background transition.
	SetAppState(s types.AppState)
}
