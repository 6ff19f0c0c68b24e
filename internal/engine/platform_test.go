package engine_test

import (
	"testing"

	"github.com/MrWong99/duplexvoice/internal/engine"
	"github.com/MrWong99/duplexvoice/pkg/provider/focus"
	"github.com/MrWong99/duplexvoice/pkg/provider/focus/local"
	"github.com/MrWong99/duplexvoice/pkg/types"
)

// withLocalFocus makes the next session use an in-process arbiter and
// returns a getter for it.
func withLocalFocus(h *harness) func() *local.Arbiter {
	var arb *local.Arbiter
	h.newFocus = func(l focus.Listener) focus.Arbiter {
		arb = local.New(l)
		return arb
	}
	return func() *local.Arbiter { return arb }
}

func TestReportInterruption_LossWhilePlaying(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	arb := withLocalFocus(h)
	h.init(types.ModeAuto)

	r := h.must(h.eng.ReportInterruption(h.ctx(), "began"))
	if !r.OK() || r["applied"] != false {
		t.Fatalf("interruption without a claim = %v", r)
	}

	h.must(h.eng.PlayTTS(h.ctx(), engine.PlayRequest{RequestID: "r1", Text: "hello"}))
	h.sync()
	h.drain()

	r = h.must(h.eng.ReportInterruption(h.ctx(), "loss"))
	if !r.OK() || r["applied"] != true {
		t.Fatalf("ReportInterruption = %v", r)
	}
	h.sync()
	ev, ok := find(h.drain(), engine.EventAudioFocusChanged)
	if !ok || ev.Data["focusState"] != "loss" || ev.Data["canAutoResume"] != false {
		t.Fatalf("audioFocusChanged = %+v", ev)
	}
	if st := h.status(); st["focusState"] != "loss" {
		t.Errorf("status = %v", st)
	}

	h.must(h.eng.StopTTS(h.ctx(), ""))
	h.sync()
	if st := h.status(); st["focusState"] != "idle" || st["ttsPlaying"] != false {
		t.Errorf("status after stop = %v", st)
	}
	if got := arb().State(); got != types.FocusIdle {
		t.Errorf("arbiter state = %s, want idle", got)
	}
}

func TestReportInterruption_TransientLossAndRegain(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	withLocalFocus(h)
	h.init(types.ModeAuto)
	h.must(h.eng.PlayTTS(h.ctx(), engine.PlayRequest{RequestID: "r1", Text: "hello"}))
	h.sync()
	h.drain()

	h.must(h.eng.ReportInterruption(h.ctx(), "began"))
	h.must(h.eng.ReportInterruption(h.ctx(), "ended"))
	h.sync()

	var got []any
	for _, ev := range h.drain() {
		if ev.Event == engine.EventAudioFocusChanged {
			got = append(got, ev.Data["focusState"], ev.Data["canAutoResume"])
		}
	}
	want := []any{"loss_transient", true, "gain", true}
	if len(got) != len(want) {
		t.Fatalf("focus events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("focus events = %v, want %v", got, want)
		}
	}
}

func TestReportInterruption_UnknownKind(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	withLocalFocus(h)
	h.init(types.ModeAuto)

	r := h.must(h.eng.ReportInterruption(h.ctx(), "ringing"))
	if r.OK() || engine.MapError(r["error"].(string), "").Code != engine.CodeInvalidArgument {
		t.Errorf("result = %v", r)
	}
}

func TestReportAudioDevices_ChangesRoute(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	withLocalFocus(h)
	h.init(types.ModeAuto)

	devices := []types.Route{types.RouteEarpiece, types.RouteBluetooth}
	r := h.must(h.eng.ReportAudioDevices(h.ctx(), devices, "NewDeviceAvailable"))
	if !r.OK() || r["route"] != "bluetooth" {
		t.Fatalf("ReportAudioDevices = %v", r)
	}
	h.sync()
	ev, ok := find(h.drain(), engine.EventAudioRouteChanged)
	if !ok || ev.Data["oldRoute"] != "speaker" || ev.Data["newRoute"] != "bluetooth" || ev.Data["reason"] != "new_device_available" {
		t.Fatalf("audioRouteChanged = %+v", ev)
	}
	if st := h.status(); st["route"] != "bluetooth" {
		t.Errorf("status = %v", st)
	}

	// Same preferred route: nothing to report.
	h.must(h.eng.ReportAudioDevices(h.ctx(), []types.Route{types.RouteBluetooth}, "override"))
	h.sync()
	if evs := h.drain(); len(evs) != 0 {
		t.Errorf("unchanged route emitted %v", names(evs))
	}

	r = h.must(h.eng.ReportAudioDevices(h.ctx(), []types.Route{"headphones"}, ""))
	if r.OK() || r["error"] != engine.RawInvalidArgument {
		t.Errorf("unknown device = %v", r)
	}
}

func TestReportAppState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	withLocalFocus(h)
	h.init(types.ModeAuto)

	if r := h.must(h.eng.ReportAppState(h.ctx(), types.AppBackground)); !r.OK() {
		t.Fatalf("ReportAppState = %v", r)
	}
	h.sync()
	ev, ok := find(h.drain(), engine.EventAppStateChanged)
	if !ok || ev.Data["appState"] != "background" {
		t.Fatalf("appStateChanged = %+v", ev)
	}
	snap, _ := h.eng.LifecycleSnapshot(h.ctx())
	if snap.AppState != types.AppBackground {
		t.Errorf("snapshot appState = %s", snap.AppState)
	}

	if r := h.must(h.eng.ReportAppState(h.ctx(), "suspended")); r.OK() || r["error"] != engine.RawInvalidArgument {
		t.Errorf("unknown app state = %v", r)
	}
}

func TestPlatformNotifications_NeedSessionAndFeeder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	r := h.must(h.eng.ReportAppState(h.ctx(), types.AppBackground))
	if r.OK() || r["error"] != engine.RawNotInitialized {
		t.Errorf("before initialize = %v", r)
	}

	// The mock arbiter observes nothing from the host.
	h.init(types.ModeAuto)
	r = h.must(h.eng.ReportInterruption(h.ctx(), "loss"))
	if r.OK() || r["error"] != engine.RawFocusFeedless {
		t.Errorf("mock arbiter = %v", r)
	}
}

func TestStopTTS_RestoredPlaybackReturnsFocusToIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.init(types.ModeAuto)

	snap := engine.Snapshot{
		AppState:      types.AppForeground,
		TTSPlaying:    true,
		FocusState:    types.FocusGain,
		Route:         types.RouteSpeaker,
		BargeInConfig: types.DefaultBargeInConfig(),
	}
	if r := h.must(h.eng.RestoreLifecycleSnapshot(h.ctx(), &snap)); !r.OK() {
		t.Fatalf("restore = %v", r)
	}
	h.must(h.eng.StopTTS(h.ctx(), ""))
	h.sync()

	if st := h.status(); st["ttsPlaying"] != false || st["focusState"] != "idle" {
		t.Errorf("status = %v", st)
	}
	if n := h.focus.Releases(); n != 0 {
		t.Errorf("released an unclaimed focus %d times", n)
	}
}
