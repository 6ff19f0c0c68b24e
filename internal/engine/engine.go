// Package engine implements the duplex voice session orchestrator.
//
// An [Engine] owns one session at a time. It drives four capabilities, each
// behind a narrow provider interface:
//
//   - a [capture.Source] producing microphone frames,
//   - an [asr.Transport] streaming those frames to a remote recognizer,
//   - a [speech.Output] speaking replies,
//   - a [focus.Arbiter] claiming OS audio focus and reporting route changes,
//
// plus a [vad.Gate] that detects the user talking over playback (barge-in).
//
// All session state lives on a single loop goroutine. Public operations post
// a closure to the loop and wait for its result; component callbacks post
// without waiting. This serialises every mutation, so the ordering rules hold
// under concurrent delivery: when speaking, recognition is muted before focus
// is requested and before the output is asked to play; when stopping, the
// output is stopped before recognition is unmuted and focus released.
//
// Each session gets a fresh generation number. Callbacks from components of
// a disposed session still reach the loop but are dropped there.
//
// Events leave the engine as [Envelope] values through an [Emitter].
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/pkg/provider/asr"
	"github.com/MrWong99/duplexvoice/pkg/provider/capture"
	"github.com/MrWong99/duplexvoice/pkg/provider/focus"
	"github.com/MrWong99/duplexvoice/pkg/provider/speech"
	"github.com/MrWong99/duplexvoice/pkg/provider/vad"
	"github.com/MrWong99/duplexvoice/pkg/provider/vad/energy"
	"github.com/MrWong99/duplexvoice/pkg/types"
)

const (
	defaultSpeechRate = 1.0
	defaultLocale     = "zh-CN"
	defaultLanguage   = "zh"
	defaultSilenceMs  = 1000
)

// Result is the reply to a host command. Every result carries an "ok" key;
// failures add "error" (the raw code) and "message".
type Result map[string]any

// OK reports the result's "ok" field.
func (r Result) OK() bool {
	ok, _ := r["ok"].(bool)
	return ok
}

// Factories builds the components of one session. Each constructor receives
// the listener its component must report to. A constructor error fails
// initialize with engine_init_failed.
type Factories struct {
	NewCapture   func(capture.Listener) (capture.Source, error)
	NewTransport func(asr.Listener) asr.Transport
	NewSpeech    func(speech.Listener) (speech.Output, error)
	NewFocus     func(focus.Listener) (focus.Arbiter, error)

	// NewGate builds the barge-in detector. Defaults to the energy gate.
	NewGate func(types.BargeInConfig) vad.Gate
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for event timestamps and the default gate.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records engine metrics to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithDefaultBargeIn sets the barge-in configuration a fresh engine starts
// with. Invalid configurations are ignored.
func WithDefaultBargeIn(cfg types.BargeInConfig) Option {
	return func(e *Engine) {
		if cfg.Validate() == nil {
			e.bargeIn = cfg
		}
	}
}

// WithDefaultMode sets the input mode used when initialize names none.
func WithDefaultMode(m types.Mode) Option {
	return func(e *Engine) {
		if m.IsValid() {
			e.mode = m
		}
	}
}

// WithSpeechDefaults sets the rate and locale used when playTts omits them.
func WithSpeechDefaults(rate float64, locale string) Option {
	return func(e *Engine) {
		if rate > 0 {
			e.defaultRate = rate
		}
		if locale != "" {
			e.defaultLocale = locale
		}
	}
}

// WithRecognitionDefaults sets the transcription language and the server
// VAD silence used when startAsrStream omits them.
func WithRecognitionDefaults(language string, silenceMs int) Option {
	return func(e *Engine) {
		if language != "" {
			e.defaultLanguage = language
		}
		if silenceMs > 0 {
			e.defaultSilence = silenceMs
		}
	}
}

// ── Engine ─────────────────────────────────────────────────────────────────────

// Engine is the session orchestrator. It is safe for concurrent use.
type Engine struct {
	factories Factories
	emitter   Emitter
	log       *slog.Logger
	metrics   *observe.Metrics
	now       func() time.Time

	defaultRate     float64
	defaultLocale   string
	defaultLanguage string
	defaultSilence  int

	mailbox   *queue[func()]
	closed    atomic.Bool
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Loop-owned session state.
	sess          *session
	gen           uint64
	mode          types.Mode
	asrMuted      bool
	ttsPlaying    bool
	ttsRequestID  string
	focusHeld     bool
	focusState    types.FocusState
	route         types.Route
	appState      types.AppState
	bargeIn       types.BargeInConfig
	captureActive bool
	lastError     *NormalizedError

	status status
}

// New returns a running Engine. Call Close to stop it.
func New(f Factories, emitter Emitter, opts ...Option) *Engine {
	e := &Engine{
		factories:       f,
		emitter:         emitter,
		log:             slog.Default(),
		now:             time.Now,
		defaultRate:     defaultSpeechRate,
		defaultLocale:   defaultLocale,
		defaultLanguage: defaultLanguage,
		defaultSilence:  defaultSilenceMs,
		mailbox:         newQueue[func()](),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
		mode:            types.ModeAuto,
		focusState:      types.FocusIdle,
		route:           types.RouteSpeaker,
		appState:        types.AppForeground,
		bargeIn:         types.DefaultBargeInConfig(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.emitter == nil {
		e.emitter = EmitterFunc(func(Envelope) {})
	}
	if e.factories.NewGate == nil {
		e.factories.NewGate = func(cfg types.BargeInConfig) vad.Gate {
			return energy.New(cfg, energy.WithClock(e.now))
		}
	}
	e.publish()
	go e.run()
	return e
}

// Close disposes the live session, if any, and stops the loop. Operations
// called afterwards return [ErrClosed].
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		_, err = e.call(ctx, func() Result {
			e.teardown()
			return nil
		})
		e.closed.Store(true)
		close(e.quit)
		<-e.done
	})
	return err
}

// Running reports whether the loop is accepting operations.
func (e *Engine) Running() bool {
	select {
	case <-e.done:
		return false
	default:
		return !e.closed.Load()
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.mailbox.ready:
			for _, fn := range e.mailbox.drain() {
				fn()
				e.publish()
			}
		case <-e.quit:
			return
		}
	}
}

// post queues fn for the loop. It reports false once the engine is closed.
func (e *Engine) post(fn func()) bool {
	if e.closed.Load() {
		return false
	}
	e.mailbox.push(fn)
	return true
}

// call runs fn on the loop and waits for its result.
func (e *Engine) call(ctx context.Context, fn func() Result) (Result, error) {
	reply := make(chan Result, 1)
	if !e.post(func() {
		r := fn()
		e.publish()
		reply <- r
	}) {
		return nil, ErrClosed
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrClosed
	}
}

// deliver runs fn on the loop if generation gen is still live.
func (e *Engine) deliver(gen uint64, fn func(s *session)) {
	e.post(func() {
		if e.sess == nil || e.sess.gen != gen {
			return
		}
		fn(e.sess)
	})
}

// emit wraps an event in an envelope and hands it to the emitter.
func (e *Engine) emit(event, requestID string, data map[string]any, nerr *NormalizedError) {
	env := Envelope{
		Event:     event,
		RequestID: requestID,
		Timestamp: e.now().UnixMilli(),
		Data:      data,
		Error:     nerr,
	}
	if e.sess != nil {
		env.SessionID = e.sess.id
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	e.metrics.RecordEvent(context.Background(), event)
	e.log.Debug("engine: emit", "event", event, "session_id", env.SessionID, "request_id", requestID)
	e.emitter.Emit(env)
}

// emitRuntimeError reports an asynchronous fault.
func (e *Engine) emitRuntimeError(raw, message string) {
	nerr := MapError(raw, message)
	e.lastError = &nerr
	e.metrics.RecordRuntimeError(context.Background(), nerr.RawCode)
	e.log.Warn("engine: runtime error", "raw_code", nerr.RawCode, "code", nerr.Code, "message", message)
	e.emit(EventRuntimeError, "", map[string]any{
		"focusState": string(e.focusState),
		"route":      string(e.route),
	}, &nerr)
}
