// Package synth implements [speech.Output] on top of a streaming
// [tts.Provider] and an [audio.Sink].
//
// The backend is probed once in the background (ListVoices, bounded by a
// timeout). Until the probe resolves, Play parks a single pending request;
// a later Play replaces it. A successful probe plays the pending request, a
// failed one completes it with tts_not_ready and every later Play fails
// immediately.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/speech"
	"github.com/MrWong99/duplexvoice/pkg/provider/tts"
)

const (
	defaultInitTimeout = 10 * time.Second
	defaultEngine      = "tts"

	// ReasonClosed completes requests still alive when the controller closes.
	ReasonClosed = "closed"
)

var _ speech.Output = (*Controller)(nil)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Controller.
type Option func(*Controller)

// WithVoice sets the voice profile every utterance starts from. Rate and
// locale of each Play override its SpeedFactor and Language.
func WithVoice(v tts.VoiceProfile) Option {
	return func(c *Controller) { c.voice = v }
}

// WithInitTimeout bounds the backend readiness probe.
func WithInitTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.initTimeout = d
		}
	}
}

// WithEngineName sets the engine name reported in init diagnostics.
func WithEngineName(name string) Option {
	return func(c *Controller) { c.engine = name }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// ── Controller ─────────────────────────────────────────────────────────────────

type initState int

const (
	statePending initState = iota
	stateReady
	stateFailed
)

type request struct {
	id     string
	text   string
	rate   float64
	locale string
}

type utterance struct {
	req    request
	cancel context.CancelFunc

	// finished is guarded by Controller.mu. It flips once, when the
	// completion for req.id is claimed.
	finished bool
}

// Controller plays one utterance at a time through a TTS backend.
type Controller struct {
	provider    tts.Provider
	sink        audio.Sink
	listener    speech.Listener
	voice       tts.VoiceProfile
	engine      string
	initTimeout time.Duration
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   initState
	pending *request
	active  *utterance
	closed  bool
}

// New creates a Controller and starts probing provider in the background.
func New(provider tts.Provider, sink audio.Sink, l speech.Listener, opts ...Option) *Controller {
	c := &Controller{
		provider:    provider,
		sink:        sink,
		listener:    l,
		engine:      defaultEngine,
		initTimeout: defaultInitTimeout,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.probe()
	return c
}

// Ready reports whether the backend probe succeeded.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateReady && !c.closed
}

// Play implements [speech.Output].
func (c *Controller) Play(requestID, text string, rate float64, locale string) error {
	if strings.TrimSpace(text) == "" {
		return speech.ErrEmptyText
	}
	req := request{id: requestID, text: text, rate: rate, locale: locale}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return speech.ErrNotReady
	}
	switch c.state {
	case statePending:
		prev := c.pending
		c.pending = &req
		c.mu.Unlock()
		c.log.Info("speech: backend not ready, queued request", "request_id", requestID)
		if prev != nil {
			c.complete(prev.id, true, speech.ReasonReplaced, "")
		}
		return nil
	case stateFailed:
		c.mu.Unlock()
		c.complete(requestID, false, speech.ReasonError, speech.CodeNotReady)
		return speech.ErrNotReady
	}
	prev := c.takeActiveLocked()
	c.startLocked(req)
	c.mu.Unlock()

	if prev != nil {
		c.sink.Flush()
		c.complete(prev.req.id, true, speech.ReasonReplaced, "")
	}
	return nil
}

// Stop implements [speech.Output].
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	prev := c.takeActiveLocked()
	c.mu.Unlock()

	if queued != nil {
		c.complete(queued.id, true, reason, "")
	}
	if prev != nil {
		c.sink.Flush()
		c.complete(prev.req.id, true, reason, "")
	}
}

// Close implements [speech.Output]. Requests still alive complete with
// [ReasonClosed]. Close waits for the controller's goroutines.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Stop(ReasonClosed)
	c.cancel()
	c.wg.Wait()
	return nil
}

// takeActiveLocked detaches and cancels the active utterance, claiming its
// completion. Returns nil when nothing is active. c.mu must be held.
func (c *Controller) takeActiveLocked() *utterance {
	u := c.active
	if u == nil {
		return nil
	}
	c.active = nil
	u.finished = true
	u.cancel()
	return u
}

// startLocked makes req the active utterance and starts synthesising it.
// c.mu must be held.
func (c *Controller) startLocked(req request) {
	ctx, cancel := context.WithCancel(c.ctx)
	u := &utterance{req: req, cancel: cancel}
	c.active = u
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, u)
	}()
}

// finish claims u's completion if nobody else has and reports it.
func (c *Controller) finish(u *utterance, success bool, reason, errCode string) {
	c.mu.Lock()
	if u.finished {
		c.mu.Unlock()
		return
	}
	u.finished = true
	if c.active == u {
		c.active = nil
	}
	c.mu.Unlock()
	u.cancel()
	c.complete(u.req.id, success, reason, errCode)
}

func (c *Controller) complete(id string, success bool, reason, errCode string) {
	if c.listener != nil {
		c.listener.OnCompleted(id, success, reason, errCode)
	}
}

// isCurrent reports whether u still owns playback.
func (c *Controller) isCurrent(u *utterance) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == u && !u.finished
}

// run synthesises one utterance into the sink.
func (c *Controller) run(ctx context.Context, u *utterance) {
	text := make(chan string, 1)
	text <- u.req.text
	close(text)

	voice := c.voice
	voice.SpeedFactor = u.req.rate
	voice.Language = u.req.locale

	stream, err := c.provider.SynthesizeStream(ctx, text, voice)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		code := speech.CodeError
		if bc := tts.Code(err); bc != "" {
			code += "_" + bc
		}
		c.log.Warn("speech: synthesis failed", "request_id", u.req.id, "err", err)
		c.finish(u, false, speech.ReasonError, code)
		return
	}

	started := false
	for chunk := range stream {
		if ctx.Err() != nil {
			audio.Drain(stream)
			return
		}
		if err := c.sink.Write(chunk); err != nil {
			c.log.Warn("speech: sink write failed", "request_id", u.req.id, "err", err)
			c.finish(u, false, speech.ReasonError, speech.CodeError+"_sink")
			audio.Drain(stream)
			return
		}
		if !started {
			started = true
			if c.isCurrent(u) && c.listener != nil {
				c.listener.OnStarted(u.req.id)
			}
		}
	}
	if ctx.Err() != nil {
		return
	}
	c.finish(u, true, speech.ReasonCompleted, "")
}

// probe resolves backend readiness and flushes the pending request.
func (c *Controller) probe() {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.initTimeout)
	voices, err := c.provider.ListVoices(ctx)
	cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = nil
	if err != nil {
		c.state = stateFailed
	} else {
		c.state = stateReady
		if pending != nil {
			c.startLocked(*pending)
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("speech: backend init failed", "engine", c.engine, "err", err)
		if c.listener != nil {
			c.listener.OnInitDiagnostics(false, c.engine, err.Error())
		}
		if pending != nil {
			c.complete(pending.id, false, speech.ReasonError, speech.CodeNotReady)
		}
		return
	}

	c.log.Info("speech: backend ready", "engine", c.engine, "voices", len(voices))
	if c.listener != nil {
		c.listener.OnInitDiagnostics(true, c.engine, fmt.Sprintf("%d voices", len(voices)))
	}
}
