package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/asr"
	"github.com/MrWong99/duplexvoice/pkg/provider/capture"
	"github.com/MrWong99/duplexvoice/pkg/provider/focus"
	"github.com/MrWong99/duplexvoice/pkg/provider/speech"
	"github.com/MrWong99/duplexvoice/pkg/provider/vad"
	"github.com/MrWong99/duplexvoice/pkg/types"
)

// session is the component graph of one initialize/dispose cycle.
type session struct {
	id  string
	gen uint64

	capture   capture.Source
	transport asr.Transport
	speech    speech.Output
	focus     focus.Arbiter
	gate      vad.Gate

	// dropped is the last seen transport drop count.
	dropped int64
}

// dropCounter is implemented by transports that count frames they could not
// queue.
type dropCounter interface {
	Dropped() int64
}

// newSession builds every component. It fails only when a factory is
// missing.
func (e *Engine) newSession(id string) (*session, error) {
	f := e.factories
	switch {
	case f.NewCapture == nil:
		return nil, errors.New("no capture factory")
	case f.NewTransport == nil:
		return nil, errors.New("no recognition transport factory")
	case f.NewSpeech == nil:
		return nil, errors.New("no speech output factory")
	case f.NewFocus == nil:
		return nil, errors.New("no focus arbiter factory")
	}
	e.gen++
	l := &listener{e: e, gen: e.gen}
	s := &session{id: id, gen: e.gen}
	s.gate = f.NewGate(e.bargeIn)
	s.transport = f.NewTransport(l)

	var err error
	if s.capture, err = f.NewCapture(l); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	if s.speech, err = f.NewSpeech(l); err != nil {
		_ = s.capture.Close()
		return nil, fmt.Errorf("speech output: %w", err)
	}
	if s.focus, err = f.NewFocus(l); err != nil {
		_ = errors.Join(s.capture.Close(), s.speech.Close())
		return nil, fmt.Errorf("focus arbiter: %w", err)
	}
	s.capture.SetMuted(e.asrMuted)
	return s, nil
}

// close releases every component of s. Late callbacks are already dropped
// by the generation check because s is no longer e.sess.
func (s *session) close() error {
	return errors.Join(
		s.capture.Close(),
		s.speech.Close(),
		s.focus.Close(),
	)
}

// teardown quiesces the live session in order: capture, transport, speech,
// focus. It resets the per-session state.
func (e *Engine) teardown() {
	s := e.sess
	if s == nil {
		return
	}
	if err := s.capture.Stop(); err != nil {
		e.log.Debug("engine: capture stop", "err", err)
	}
	s.transport.Disconnect()
	s.speech.Stop("disposed")
	if e.focusHeld {
		s.focus.ReleaseFocus()
	}
	e.sess = nil
	if err := s.close(); err != nil {
		e.log.Warn("engine: close session components", "session_id", s.id, "err", err)
	}
	e.asrMuted = false
	e.ttsPlaying = false
	e.ttsRequestID = ""
	e.focusHeld = false
	e.focusState = types.FocusIdle
	e.captureActive = false
	e.metrics.ActiveSessions.Add(context.Background(), -1)
	e.log.Info("engine: session disposed", "session_id", s.id)
}

// ── Callbacks ──────────────────────────────────────────────────────────────────

// listener adapts every component callback into a loop message tagged with
// the generation it was created for.
type listener struct {
	e   *Engine
	gen uint64
}

var (
	_ capture.Listener = (*listener)(nil)
	_ asr.Listener     = (*listener)(nil)
	_ speech.Listener  = (*listener)(nil)
	_ focus.Listener   = (*listener)(nil)
)

func (l *listener) OnFrame(frame audio.Frame) {
	l.e.deliver(l.gen, func(s *session) { l.e.onFrame(s, frame) })
}

func (l *listener) OnCaptureError(err error) {
	l.e.deliver(l.gen, func(*session) { l.e.onCaptureError(err) })
}

func (l *listener) OnInterim(text string) {
	l.e.deliver(l.gen, func(*session) {
		l.e.emit(EventAsrInterimText, "", map[string]any{"text": text}, nil)
	})
}

func (l *listener) OnFinal(text string) {
	l.e.deliver(l.gen, func(*session) {
		l.e.emit(EventAsrFinalText, "", map[string]any{"text": text}, nil)
	})
}

func (l *listener) OnError(message string) {
	l.e.deliver(l.gen, func(*session) { l.e.emitRuntimeError(RawASRError, message) })
}

func (l *listener) OnStarted(requestID string) {
	l.e.deliver(l.gen, func(*session) {
		l.e.emit(EventTTSStarted, requestID, map[string]any{
			"ttsPlaying": true,
			"route":      string(l.e.route),
			"focusState": string(l.e.focusState),
		}, nil)
	})
}

func (l *listener) OnCompleted(requestID string, success bool, reason, errCode string) {
	l.e.deliver(l.gen, func(s *session) { l.e.onSpeechCompleted(s, requestID, success, reason, errCode) })
}

func (l *listener) OnInitDiagnostics(ready bool, engineName, detail string) {
	l.e.deliver(l.gen, func(*session) {
		l.e.emit(EventTTSInitDiagnostics, "", map[string]any{
			"ready":  ready,
			"engine": engineName,
			"detail": detail,
		}, nil)
	})
}

func (l *listener) OnFocusChanged(state types.FocusState, canAutoResume bool) {
	l.e.deliver(l.gen, func(s *session) {
		l.e.focusState = state
		l.e.route = s.focus.Route()
		l.e.emit(EventAudioFocusChanged, "", map[string]any{
			"focusState":    string(state),
			"route":         string(l.e.route),
			"canAutoResume": canAutoResume,
		}, nil)
	})
}

func (l *listener) OnRouteChanged(oldRoute, newRoute types.Route, reason string) {
	l.e.deliver(l.gen, func(*session) {
		l.e.route = newRoute
		l.e.emit(EventAudioRouteChanged, "", map[string]any{
			"oldRoute": string(oldRoute),
			"newRoute": string(newRoute),
			"reason":   focus.NormalizeRouteReason(reason),
		}, nil)
	})
}

func (l *listener) OnAppStateChanged(state types.AppState) {
	l.e.deliver(l.gen, func(*session) {
		l.e.appState = state
		l.e.emit(EventAppStateChanged, "", map[string]any{"appState": string(state)}, nil)
	})
}

// onFrame feeds the barge-in gate with every frame and forwards it to the
// recognizer unless muted.
func (e *Engine) onFrame(s *session, frame audio.Frame) {
	ctx := context.Background()
	e.metrics.FramesCaptured.Add(ctx, 1)

	if s.gate.OnFrame(frame.Data, e.ttsPlaying) && e.ttsPlaying && e.bargeIn.Enabled {
		e.bargeInNow()
	}
	if e.asrMuted {
		return
	}
	s.transport.SendFrame(frame.Data)
	e.metrics.FramesForwarded.Add(ctx, 1)
	if dc, ok := s.transport.(dropCounter); ok {
		if n := dc.Dropped(); n > s.dropped {
			e.metrics.FramesDropped.Add(ctx, n-s.dropped)
			s.dropped = n
		}
	}
}

// bargeInNow interrupts playback on behalf of the user.
func (e *Engine) bargeInNow() {
	e.metrics.BargeIns.Add(context.Background(), 1)
	e.log.Info("engine: barge-in", "request_id", e.ttsRequestID)
	e.emit(EventBargeInTriggered, "", map[string]any{
		"triggerSource": "energy_vad",
		"route":         string(e.route),
		"focusState":    string(e.focusState),
		"canAutoResume": true,
	}, nil)
	e.stopTTS("barge_in")
	e.emit(EventBargeInCompleted, "", map[string]any{
		"success":       true,
		"canAutoResume": true,
	}, nil)
}

func (e *Engine) onCaptureError(err error) {
	e.captureActive = false
	msg := "capture stopped"
	if err != nil {
		msg = err.Error()
	}
	if errors.Is(err, io.EOF) {
		msg = "capture input ended"
	}
	e.emitRuntimeError(RawCaptureReadFailed, msg)
}

// onSpeechCompleted restores the recognition path after an utterance ends.
// A completion for a request that is no longer the active one (e.g. it was
// replaced) only reports the outcome: the newer utterance still owns mute
// and focus.
func (e *Engine) onSpeechCompleted(s *session, requestID string, success bool, reason, errCode string) {
	if !e.ttsPlaying || requestID == e.ttsRequestID {
		wasPlaying := e.ttsPlaying
		if e.ttsPlaying {
			e.ttsPlaying = false
			e.ttsRequestID = ""
		}
		if e.asrMuted {
			e.applyMute(false)
		}
		e.endFocus(s, wasPlaying)
	}

	data := map[string]any{
		"ttsPlaying":    e.ttsPlaying,
		"canAutoResume": true,
		"reason":        reason,
	}
	if success {
		e.metrics.RecordTTSRequest(context.Background(), "completed")
		e.emit(EventTTSCompleted, requestID, data, nil)
		return
	}
	e.metrics.RecordTTSRequest(context.Background(), "failed")
	if errCode == "" {
		errCode = speech.CodeError
	}
	nerr := MapError(errCode, "speech output failed: "+errCode)
	e.lastError = &nerr
	e.emit(EventTTSError, requestID, data, &nerr)
}
