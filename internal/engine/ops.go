package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/duplexvoice/pkg/provider/asr"
	"github.com/MrWong99/duplexvoice/pkg/types"
)

// Capabilities lists what a ready session supports. Reported by Initialize.
var Capabilities = []string{"asr_gate", "tts_lifecycle", "barge_in_events", "lifecycle_snapshot"}

// PlatformConfig carries host platform switches for Initialize.
type PlatformConfig struct {
	// EnableNativeCapture starts capture during Initialize. Nil means
	// "unless the mode is keyboard".
	EnableNativeCapture *bool
}

// InitializeRequest starts a session.
type InitializeRequest struct {
	SessionID      string
	Mode           types.Mode
	PlatformConfig PlatformConfig
}

// PlayRequest asks for one utterance.
type PlayRequest struct {
	RequestID string
	Text      string
	Rate      float64
	Locale    string
}

// AsrStreamRequest opens the recognition stream.
type AsrStreamRequest struct {
	Token     string
	WSURL     string
	Model     string
	SilenceMs int
	Language  string
}

// Initialize starts a session. A second Initialize while a session is live
// reports the current readiness and changes nothing.
func (e *Engine) Initialize(ctx context.Context, req InitializeRequest) (Result, error) {
	return e.call(ctx, func() Result {
		if strings.TrimSpace(req.SessionID) == "" {
			return failure(RawMissingSessionID, "sessionId is required")
		}
		if e.sess != nil {
			return e.readyResult()
		}
		mode := e.mode
		if req.Mode != "" {
			if !req.Mode.IsValid() {
				return failure(RawInvalidMode, "unknown mode "+string(req.Mode))
			}
			mode = req.Mode
		}

		s, err := e.newSession(req.SessionID)
		if err != nil {
			return failure(RawEngineInitFailed, err.Error())
		}

		startCapture := mode != types.ModeKeyboard
		if req.PlatformConfig.EnableNativeCapture != nil {
			startCapture = *req.PlatformConfig.EnableNativeCapture
		}
		if startCapture {
			if err := s.capture.Start(ctx); err != nil {
				e.log.Warn("engine: capture init failed", "session_id", req.SessionID, "err", err)
				if cerr := s.close(); cerr != nil {
					e.log.Debug("engine: close failed session", "err", cerr)
				}
				e.emitRuntimeError(RawCaptureInitFailed, err.Error())
				return failure(RawCaptureInitFailed, err.Error())
			}
		}

		e.sess = s
		e.mode = mode
		e.route = s.focus.Route()
		e.captureActive = s.capture.Active()
		e.metrics.ActiveSessions.Add(context.Background(), 1)
		e.log.Info("engine: session initialized", "session_id", s.id, "mode", string(mode), "capture", startCapture)
		e.emit(EventRuntimeInitialized, "", map[string]any{
			"focusState": string(e.focusState),
			"route":      string(e.route),
		}, nil)
		return e.readyResult()
	})
}

func (e *Engine) readyResult() Result {
	return Result{
		"ok":           true,
		"runtimeState": "ready",
		"sessionId":    e.sess.id,
		"capabilities": append([]string(nil), Capabilities...),
	}
}

// Dispose ends the session named sessionID. Any other id is a no-op. An
// empty id disposes the current session.
func (e *Engine) Dispose(ctx context.Context, sessionID string) (Result, error) {
	return e.call(ctx, func() Result {
		if e.sess != nil && (sessionID == "" || sessionID == e.sess.id) {
			e.teardown()
		}
		return Result{"ok": true}
	})
}

// SetAsrMuted gates frame forwarding to the recognizer.
func (e *Engine) SetAsrMuted(ctx context.Context, muted bool) (Result, error) {
	return e.call(ctx, func() Result {
		e.applyMute(muted)
		return Result{"ok": true, "muted": e.asrMuted}
	})
}

// applyMute sets the mute flag, tells capture, and reports the new state.
func (e *Engine) applyMute(muted bool) {
	e.asrMuted = muted
	if e.sess != nil {
		e.sess.capture.SetMuted(muted)
	}
	e.emit(EventAsrMuteStateChanged, "", map[string]any{"asrMuted": muted}, nil)
}

// PlayTTS speaks one utterance: recognition is muted, then focus is
// requested, then the output is asked to play.
func (e *Engine) PlayTTS(ctx context.Context, req PlayRequest) (Result, error) {
	return e.call(ctx, func() Result {
		s := e.sess
		if s == nil {
			return failure(RawNotInitialized, "playTts before initialize")
		}
		if req.RequestID == "" {
			req.RequestID = "tts_" + uuid.NewString()
		}
		if req.Rate <= 0 {
			req.Rate = e.defaultRate
		}
		if req.Locale == "" {
			req.Locale = e.defaultLocale
		}

		e.ttsPlaying = true
		e.ttsRequestID = req.RequestID
		e.applyMute(true)
		e.focusState = s.focus.RequestFocus()
		e.focusHeld = true

		if err := s.speech.Play(req.RequestID, req.Text, req.Rate, req.Locale); err != nil {
			e.ttsPlaying = false
			e.ttsRequestID = ""
			e.applyMute(false)
			e.releaseFocus(s)
			e.metrics.RecordTTSRequest(context.Background(), "rejected")
			e.emitRuntimeError(RawTTSNotReady, err.Error())
			r := failure(RawTTSNotReady, err.Error())
			r["requestId"] = req.RequestID
			return r
		}
		e.metrics.RecordTTSRequest(context.Background(), "accepted")
		return Result{"ok": true, "requestId": req.RequestID}
	})
}

// StopTTS stops playback: the output is stopped, then recognition is
// unmuted, then focus is released. An empty reason means "manual_stop".
func (e *Engine) StopTTS(ctx context.Context, reason string) (Result, error) {
	return e.call(ctx, func() Result {
		if reason == "" {
			reason = "manual_stop"
		}
		e.stopTTS(reason)
		return Result{"ok": true}
	})
}

func (e *Engine) stopTTS(reason string) {
	requestID := e.ttsRequestID
	wasPlaying := e.ttsPlaying
	if e.sess != nil {
		e.sess.speech.Stop(reason)
	}
	e.ttsPlaying = false
	e.ttsRequestID = ""
	e.applyMute(false)
	e.endFocus(e.sess, wasPlaying)
	e.emit(EventTTSStopped, requestID, map[string]any{
		"ttsPlaying":    false,
		"canAutoResume": true,
		"reason":        reason,
	}, nil)
}

func (e *Engine) releaseFocus(s *session) {
	s.focus.ReleaseFocus()
	e.focusHeld = false
	e.focusState = types.FocusIdle
}

// endFocus releases the focus claim once playback has ended. Playing state
// restored from a snapshot holds no claim; then only the reported state
// returns to idle.
func (e *Engine) endFocus(s *session, wasPlaying bool) {
	switch {
	case s != nil && e.focusHeld:
		e.releaseFocus(s)
	case wasPlaying:
		e.focusState = types.FocusIdle
	}
}

// SetBargeInConfig merges patch into the current configuration and resets
// the gate.
func (e *Engine) SetBargeInConfig(ctx context.Context, patch types.BargeInPatch) (Result, error) {
	return e.call(ctx, func() Result {
		next := patch.Apply(e.bargeIn)
		if err := next.Validate(); err != nil {
			return failure(RawInvalidBargeIn, err.Error())
		}
		e.setBargeIn(next)
		return Result{"ok": true, "enabled": next.Enabled}
	})
}

func (e *Engine) setBargeIn(cfg types.BargeInConfig) {
	e.bargeIn = cfg
	if e.sess != nil {
		e.sess.gate.UpdateConfig(cfg)
	}
}

// SwitchInputMode moves between auto, pushToTalk and keyboard. It never
// touches the recognizer's session configuration: turn-taking changes are
// enforced locally by mute and the barge-in flag.
func (e *Engine) SwitchInputMode(ctx context.Context, mode types.Mode) (Result, error) {
	return e.call(ctx, func() Result {
		if !mode.IsValid() {
			return failure(RawInvalidMode, "unknown mode "+string(mode))
		}
		prev := e.mode
		s := e.sess
		switch mode {
		case types.ModeKeyboard:
			if s != nil {
				s.transport.Disconnect()
				e.stopCapture(s)
			}
			e.applyMute(true)
		case types.ModePushToTalk:
			if s != nil && s.capture.Active() {
				e.stopCapture(s)
			}
			e.applyMute(true)
			e.setBargeIn(withEnabled(e.bargeIn, false))
		case types.ModeAuto:
			if s != nil && !s.capture.Active() {
				if err := s.capture.Start(ctx); err != nil {
					e.emitRuntimeError(RawCaptureStartFailed, err.Error())
					r := failure(RawCaptureStartFailed, err.Error())
					r["mode"] = string(prev)
					return r
				}
				e.captureActive = true
			}
			e.applyMute(false)
			e.setBargeIn(withEnabled(e.bargeIn, true))
		}
		e.mode = mode
		e.log.Info("engine: input mode switched", "from", string(prev), "to", string(mode))
		return Result{"ok": true, "mode": string(mode)}
	})
}

func withEnabled(cfg types.BargeInConfig, enabled bool) types.BargeInConfig {
	cfg.Enabled = enabled
	return cfg
}

// StartAsrStream connects the recognizer and makes sure capture is running.
// Server-side turn detection is used unless the mode is pushToTalk.
func (e *Engine) StartAsrStream(ctx context.Context, req AsrStreamRequest) (Result, error) {
	return e.call(ctx, func() Result {
		s := e.sess
		if s == nil {
			return failure(RawNotInitialized, "startAsrStream before initialize")
		}
		switch {
		case req.Token == "":
			return failure(RawMissingToken, "token is required")
		case req.WSURL == "":
			return failure(RawMissingWSURL, "wsUrl is required")
		case req.Model == "":
			return failure(RawMissingModel, "model is required")
		}
		cfg := asr.ConnectConfig{
			Token:        req.Token,
			URL:          req.WSURL,
			Model:        req.Model,
			Language:     req.Language,
			UseServerVAD: e.mode != types.ModePushToTalk,
			SilenceMs:    req.SilenceMs,
		}
		if cfg.Language == "" {
			cfg.Language = e.defaultLanguage
		}
		if cfg.SilenceMs <= 0 {
			cfg.SilenceMs = e.defaultSilence
		}
		if err := s.transport.Connect(ctx, cfg); err != nil {
			if errors.Is(err, asr.ErrInvalidURL) {
				return failure(RawASRInvalidURL, err.Error())
			}
			return failure(RawASRError, err.Error())
		}
		e.log.Info("engine: asr stream started", "session_id", s.id, "model", req.Model,
			"server_vad", cfg.UseServerVAD, "silence_ms", cfg.SilenceMs)
		return e.startCapture(ctx, s)
	})
}

// CommitAsr ends the current recognizer turn.
func (e *Engine) CommitAsr(ctx context.Context) (Result, error) {
	return e.call(ctx, func() Result {
		if e.sess != nil {
			e.sess.transport.Commit()
		}
		return Result{"ok": true}
	})
}

// StopAsrStream disconnects the recognizer. Safe to repeat.
func (e *Engine) StopAsrStream(ctx context.Context) (Result, error) {
	return e.call(ctx, func() Result {
		if e.sess != nil {
			e.sess.transport.Disconnect()
		}
		return Result{"ok": true}
	})
}

// StartCapture starts the microphone. Safe to repeat.
func (e *Engine) StartCapture(ctx context.Context) (Result, error) {
	return e.call(ctx, func() Result {
		if e.sess == nil {
			return failure(RawNotInitialized, "startCapture before initialize")
		}
		return e.startCapture(ctx, e.sess)
	})
}

func (e *Engine) startCapture(ctx context.Context, s *session) Result {
	if !s.capture.Active() {
		if err := s.capture.Start(ctx); err != nil {
			e.emitRuntimeError(RawCaptureStartFailed, err.Error())
			return failure(RawCaptureStartFailed, err.Error())
		}
	}
	e.captureActive = true
	return Result{"ok": true}
}

// StopCapture stops the microphone. Safe to repeat.
func (e *Engine) StopCapture(ctx context.Context) (Result, error) {
	return e.call(ctx, func() Result {
		if e.sess != nil {
			e.stopCapture(e.sess)
		}
		return Result{"ok": true}
	})
}

func (e *Engine) stopCapture(s *session) {
	if err := s.capture.Stop(); err != nil {
		e.log.Debug("engine: capture stop", "err", err)
	}
	e.captureActive = false
}
