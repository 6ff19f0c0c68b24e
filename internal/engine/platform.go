package engine

import (
	"context"
	"strconv"

	"github.com/MrWong99/duplexvoice/pkg/provider/focus"
	"github.com/MrWong99/duplexvoice/pkg/types"
)

// Platform notifications reach the live session's arbiter when it implements
// [focus.Feeder]. The transitions they cause come back through the session
// listener, so the events follow the operation's reply.

// ReportInterruption forwards a host focus interruption. kind is parsed with
// [focus.ParseInterruption]; the result's "applied" is false when no focus
// claim was held.
func (e *Engine) ReportInterruption(ctx context.Context, kind string) (Result, error) {
	i, ok := focus.ParseInterruption(kind)
	if !ok {
		return failure(RawInvalidArgument, "unknown interruption kind "+strconv.Quote(kind)), nil
	}
	return e.feed(ctx, func(f focus.Feeder) Result {
		return Result{"ok": true, "applied": f.Interrupt(i)}
	})
}

// ReportAudioDevices forwards the set of available output device classes.
// A route change is reported only when the preferred route moves.
func (e *Engine) ReportAudioDevices(ctx context.Context, devices []types.Route, reason string) (Result, error) {
	for _, d := range devices {
		if !d.IsValid() {
			return failure(RawInvalidArgument, "unknown device "+strconv.Quote(string(d))), nil
		}
	}
	devices = append([]types.Route(nil), devices...)
	return e.feed(ctx, func(f focus.Feeder) Result {
		f.SetDevices(devices, reason)
		return Result{"ok": true, "route": string(focus.RouteFor(devices))}
	})
}

// ReportAppState forwards a foreground/background transition.
func (e *Engine) ReportAppState(ctx context.Context, s types.AppState) (Result, error) {
	if s != types.AppForeground && s != types.AppBackground {
		return failure(RawInvalidArgument, "unknown appState "+strconv.Quote(string(s))), nil
	}
	return e.feed(ctx, func(f focus.Feeder) Result {
		f.SetAppState(s)
		return Result{"ok": true}
	})
}

func (e *Engine) feed(ctx context.Context, fn func(focus.Feeder) Result) (Result, error) {
	return e.call(ctx, func() Result {
		if e.sess == nil {
			return failure(RawNotInitialized, "platform notification before initialize")
		}
		f, ok := e.sess.focus.(focus.Feeder)
		if !ok {
			return failure(RawFocusFeedless, "focus arbiter does not take platform notifications")
		}
		return fn(f)
	})
}
