// Package command maps host method calls onto engine operations.
//
// A [Dispatcher] decodes loosely typed arguments (as produced by a JSON
// decoder) into engine requests, runs the operation inside a command span,
// and records its latency. The method set mirrors the host platform channel:
//
//	initialize, dispose, setAsrMuted, playTts, stopTts, setBargeInConfig,
//	getDuplexStatus, switchInputMode, getLifecycleSnapshot,
//	restoreLifecycleSnapshot, startAsrStream, commitAsr, stopAsrStream,
//	startCapture, stopCapture, reportAudioInterruption, reportAudioDevices,
//	reportAppState
//
// The report* methods carry platform focus, device and app-state
// notifications to the session's arbiter.
//
// Unknown methods yield [ErrNotImplemented].
package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/duplexvoice/internal/engine"
	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/pkg/types"
)

// ErrNotImplemented is returned by Dispatch for a method it does not know.
var ErrNotImplemented = errors.New("command: not implemented")

// HandlerFunc runs one command.
type HandlerFunc func(ctx context.Context, args Args) (engine.Result, error)

// Dispatcher routes method names to handlers.
type Dispatcher struct {
	eng      *engine.Engine
	metrics  *observe.Metrics
	handlers map[string]HandlerFunc
}

// Option is a functional option for configuring a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records command latency to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New returns a Dispatcher driving eng.
func New(eng *engine.Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{eng: eng}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.handlers = map[string]HandlerFunc{
		"initialize":               d.initialize,
		"dispose":                  d.dispose,
		"setAsrMuted":              d.setAsrMuted,
		"playTts":                  d.playTTS,
		"stopTts":                  d.stopTTS,
		"setBargeInConfig":         d.setBargeInConfig,
		"getDuplexStatus":          d.getDuplexStatus,
		"switchInputMode":          d.switchInputMode,
		"getLifecycleSnapshot":     d.getLifecycleSnapshot,
		"restoreLifecycleSnapshot": d.restoreLifecycleSnapshot,
		"startAsrStream":           d.startAsrStream,
		"commitAsr":                func(ctx context.Context, _ Args) (engine.Result, error) { return d.eng.CommitAsr(ctx) },
		"stopAsrStream":            func(ctx context.Context, _ Args) (engine.Result, error) { return d.eng.StopAsrStream(ctx) },
		"startCapture":             func(ctx context.Context, _ Args) (engine.Result, error) { return d.eng.StartCapture(ctx) },
		"stopCapture":              func(ctx context.Context, _ Args) (engine.Result, error) { return d.eng.StopCapture(ctx) },
		"reportAudioInterruption":  d.reportAudioInterruption,
		"reportAudioDevices":       d.reportAudioDevices,
		"reportAppState":           d.reportAppState,
	}
	// Names used by the mobile platform channel.
	d.handlers["initializeSession"] = d.initialize
	d.handlers["disposeSession"] = d.dispose
	return d
}

// Methods returns the sorted list of method names Dispatch accepts.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Dispatch runs method with args. Engine-level failures are reported in the
// result; the error is non-nil only for unknown methods, a closed engine, or
// a cancelled ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, args map[string]any) (engine.Result, error) {
	h, ok := d.handlers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotImplemented, method)
	}
	a := Args(args)
	ctx, span := observe.StartCommandSpan(ctx, method, a.String("sessionId"))

	start := time.Now()
	r, err := h(ctx, a)
	d.metrics.RecordCommand(ctx, method, time.Since(start).Seconds())

	log := observe.Logger(ctx)
	if err != nil {
		observe.EndCommandSpan(span, "", err)
		log.Warn("command: dispatch failed", "method", method, "err", err)
		return nil, fmt.Errorf("command: %s: %w", method, err)
	}
	if !r.OK() {
		code, _ := r["error"].(string)
		observe.EndCommandSpan(span, code, nil)
		log.Debug("command: rejected", "method", method, "error", code, "message", r["message"])
	} else {
		observe.EndCommandSpan(span, "", nil)
		log.Debug("command: ok", "method", method)
	}
	return r, nil
}

func invalid(raw, message string) engine.Result {
	return engine.Result{"ok": false, "error": raw, "message": message}
}

func (d *Dispatcher) initialize(ctx context.Context, a Args) (engine.Result, error) {
	req := engine.InitializeRequest{
		SessionID: a.String("sessionId"),
		Mode:      types.Mode(a.String("mode")),
	}
	if pc := a.Map("platformConfig"); pc != nil {
		if v, ok := pc.Bool("enableNativeCapture"); ok {
			req.PlatformConfig.EnableNativeCapture = &v
		}
	}
	return d.eng.Initialize(ctx, req)
}

func (d *Dispatcher) dispose(ctx context.Context, a Args) (engine.Result, error) {
	return d.eng.Dispose(ctx, a.String("sessionId"))
}

func (d *Dispatcher) setAsrMuted(ctx context.Context, a Args) (engine.Result, error) {
	muted, ok := a.Bool("muted")
	if !ok {
		return invalid("missing_muted", "muted is required"), nil
	}
	return d.eng.SetAsrMuted(ctx, muted)
}

func (d *Dispatcher) playTTS(ctx context.Context, a Args) (engine.Result, error) {
	req := engine.PlayRequest{
		RequestID: a.String("requestId"),
		Text:      a.String("text"),
		Locale:    a.String("locale"),
	}
	if rate, ok := a.Float(a.first("speechRate", "rate")); ok {
		req.Rate = rate
	}
	return d.eng.PlayTTS(ctx, req)
}

func (d *Dispatcher) stopTTS(ctx context.Context, a Args) (engine.Result, error) {
	return d.eng.StopTTS(ctx, a.String("reason"))
}

func (d *Dispatcher) setBargeInConfig(ctx context.Context, a Args) (engine.Result, error) {
	return d.eng.SetBargeInConfig(ctx, bargeInPatch(a))
}

func bargeInPatch(a Args) types.BargeInPatch {
	var p types.BargeInPatch
	if v, ok := a.Bool("enabled"); ok {
		p.Enabled = &v
	}
	if v, ok := a.Float("energyThreshold"); ok {
		p.EnergyThreshold = &v
	}
	if v, ok := a.Int("minSpeechMs"); ok {
		p.MinSpeechMs = &v
	}
	if v, ok := a.Int("cooldownMs"); ok {
		p.CooldownMs = &v
	}
	return p
}

func (d *Dispatcher) getDuplexStatus(context.Context, Args) (engine.Result, error) {
	r := d.eng.DuplexStatus()
	r["ok"] = true
	return r, nil
}

func (d *Dispatcher) switchInputMode(ctx context.Context, a Args) (engine.Result, error) {
	mode := a.String("mode")
	if mode == "" {
		return invalid("missing_mode", "mode is required"), nil
	}
	return d.eng.SwitchInputMode(ctx, types.Mode(mode))
}

func (d *Dispatcher) getLifecycleSnapshot(ctx context.Context, _ Args) (engine.Result, error) {
	snap, err := d.eng.LifecycleSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	r := snapshotResult(snap)
	r["ok"] = true
	return r, nil
}

func snapshotResult(s engine.Snapshot) engine.Result {
	return engine.Result{
		"appState":      string(s.AppState),
		"captureActive": s.CaptureActive,
		"asrMuted":      s.AsrMuted,
		"ttsPlaying":    s.TTSPlaying,
		"focusState":    string(s.FocusState),
		"route":         string(s.Route),
		"bargeInConfig": map[string]any{
			"enabled":         s.BargeInConfig.Enabled,
			"energyThreshold": s.BargeInConfig.EnergyThreshold,
			"minSpeechMs":     s.BargeInConfig.MinSpeechMs,
			"cooldownMs":      s.BargeInConfig.CooldownMs,
		},
	}
}

// restoreLifecycleSnapshot overlays the "snapshot" argument onto the current
// snapshot, so omitted fields keep their value.
func (d *Dispatcher) restoreLifecycleSnapshot(ctx context.Context, a Args) (engine.Result, error) {
	in := a.Map("snapshot")
	if in == nil {
		return d.eng.RestoreLifecycleSnapshot(ctx, nil)
	}
	snap, err := d.eng.LifecycleSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if v, ok := in.Bool("asrMuted"); ok {
		snap.AsrMuted = v
	}
	if v, ok := in.Bool("ttsPlaying"); ok {
		snap.TTSPlaying = v
	}
	if v := in.String("focusState"); v != "" {
		snap.FocusState = types.FocusState(v)
	}
	if v := in.String("route"); v != "" {
		snap.Route = types.Route(v)
	}
	if v := in.String("appState"); v != "" {
		snap.AppState = types.AppState(v)
	}
	if bc := in.Map("bargeInConfig"); bc != nil {
		snap.BargeInConfig = bargeInPatch(bc).Apply(snap.BargeInConfig)
	}
	observe.Logger(ctx).Debug("command: restoring snapshot", "focus_state", string(snap.FocusState), "route", string(snap.Route))
	return d.eng.RestoreLifecycleSnapshot(ctx, &snap)
}

func (d *Dispatcher) startAsrStream(ctx context.Context, a Args) (engine.Result, error) {
	req := engine.AsrStreamRequest{
		Token:    a.String("token"),
		WSURL:    a.String("wsUrl"),
		Model:    a.String("model"),
		Language: a.String("language"),
	}
	if ms, ok := a.Int(a.first("vadSilenceDurationMs", "silenceMs")); ok {
		req.SilenceMs = ms
	}
	return d.eng.StartAsrStream(ctx, req)
}

func (d *Dispatcher) reportAudioInterruption(ctx context.Context, a Args) (engine.Result, error) {
	kind := a.String("kind")
	if kind == "" {
		return invalid("missing_kind", "kind is required"), nil
	}
	return d.eng.ReportInterruption(ctx, kind)
}

func (d *Dispatcher) reportAudioDevices(ctx context.Context, a Args) (engine.Result, error) {
	if _, ok := a["devices"]; !ok {
		return invalid("missing_devices", "devices is required"), nil
	}
	names, ok := a.Strings("devices")
	if !ok {
		return invalid(engine.RawInvalidArgument, "devices must be a list of route names"), nil
	}
	devices := make([]types.Route, len(names))
	for i, n := range names {
		devices[i] = types.Route(n)
	}
	return d.eng.ReportAudioDevices(ctx, devices, a.String("reason"))
}

func (d *Dispatcher) reportAppState(ctx context.Context, a Args) (engine.Result, error) {
	s := a.String("appState")
	if s == "" {
		return invalid("missing_app_state", "appState is required"), nil
	}
	return d.eng.ReportAppState(ctx, types.AppState(s))
}
