// Package app wires the duplexvoice subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds providers from the
// registry and connects the engine, command layer and websocket bridge, Run
// serves HTTP and runs the background supervisors, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithTransportFactory,
// WithMetrics, etc.). When an option is not provided, New uses the real
// implementation.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duplexvoice/internal/bridge"
	"github.com/MrWong99/duplexvoice/internal/command"
	"github.com/MrWong99/duplexvoice/internal/config"
	"github.com/MrWong99/duplexvoice/internal/engine"
	"github.com/MrWong99/duplexvoice/internal/health"
	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/internal/resilience"
	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/asr"
	"github.com/MrWong99/duplexvoice/pkg/provider/asr/realtime"
	"github.com/MrWong99/duplexvoice/pkg/provider/capture"
	"github.com/MrWong99/duplexvoice/pkg/provider/focus"
	"github.com/MrWong99/duplexvoice/pkg/provider/speech"
	"github.com/MrWong99/duplexvoice/pkg/provider/speech/synth"
	"github.com/MrWong99/duplexvoice/pkg/provider/tts"
	"github.com/MrWong99/duplexvoice/pkg/types"
)

const (
	// defaultSettle is how long a redialed recognition stream must stay up
	// before the reconnect attempt counts as a success.
	defaultSettle = 2 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// errNoTTS is reported by the placeholder backend used when no TTS provider
// is configured.
var errNoTTS = errors.New("no tts provider configured")

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics
	scrape  http.Handler

	configPath   string
	newTransport func(asr.Listener) asr.Transport
	settle       time.Duration

	// Subsystems, built in New and torn down in Shutdown.
	tts        tts.Provider
	sink       audio.Sink
	breakers   []*resilience.CircuitBreaker
	events     *engine.ChannelEmitter
	engine     *engine.Engine
	dispatcher *command.Dispatcher
	bridge     *bridge.Server
	health     *health.Handler
	handler    http.Handler
	server     *http.Server

	watcher     *config.Watcher
	reconnector *resilience.Reconnector
	asrDropped  chan struct{}

	// synth is the speech controller of the live session, if any.
	synth atomic.Pointer[synth.Controller]

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records into m instead of the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry records into t's instruments and serves t's registry on
// /metrics.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) {
		a.metrics = t.Metrics()
		a.scrape = t.Handler()
	}
}

// WithLogLevel lets configuration reloads change the log level at runtime.
// level should be the variable the default handler was built with.
func WithLogLevel(level *slog.LevelVar) Option {
	return func(a *App) { a.level = level }
}

// WithConfigPath enables hot reload of the configuration file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithTransportFactory replaces the realtime recognition transport.
func WithTransportFactory(f func(asr.Listener) asr.Transport) Option {
	return func(a *App) { a.newTransport = f }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Providers named in
// cfg are built through reg.
//
// New performs all initialisation synchronously: TTS backend and fallback
// construction, output sink creation, engine start, command and bridge
// assembly, and the optional config watcher and ASR reconnector.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		reg:        reg,
		log:        slog.Default(),
		settle:     defaultSettle,
		asrDropped: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	if a.newTransport == nil {
		a.newTransport = func(l asr.Listener) asr.Transport { return realtime.New(l) }
	}

	// ── 1. Speech backend ────────────────────────────────────────────────
	if err := a.initTTS(); err != nil {
		return nil, fmt.Errorf("app: init tts: %w", err)
	}

	// ── 2. Output sink ───────────────────────────────────────────────────
	if err := a.initSink(); err != nil {
		return nil, fmt.Errorf("app: init sink: %w", err)
	}

	// ── 3. Engine, command layer, bridge ─────────────────────────────────
	a.initEngine()

	// ── 4. Health ────────────────────────────────────────────────────────
	a.initHealth()

	// ── 5. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyReload, config.WithWatcherLogger(a.log))
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init watcher: %w", err)
		}
		a.watcher = w
	}

	// ── 6. ASR reconnector ───────────────────────────────────────────────
	if cfg.ASR.AutoReconnect {
		a.initReconnector()
	}

	a.initHTTP()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTTS builds the configured TTS backend, wrapped in a failover group when
// a fallback is configured.
func (a *App) initTTS() error {
	entry := a.cfg.Providers.TTS
	if entry.Name == "" {
		a.tts = unconfiguredTTS{}
		return nil
	}
	primary, err := a.reg.CreateTTS(entry)
	if err != nil {
		return fmt.Errorf("create tts provider %q: %w", entry.Name, err)
	}
	fbEntry := a.cfg.Providers.TTSFallback
	if fbEntry.Name == "" {
		a.tts = primary
		return nil
	}
	secondary, err := a.reg.CreateTTS(fbEntry)
	if err != nil {
		return fmt.Errorf("create tts fallback %q: %w", fbEntry.Name, err)
	}
	fb := resilience.NewTTSFallback(primary, entry.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: a.recordBreaker,
			Logger:        a.log,
		},
	})
	fb.AddFallback(fbEntry.Name, secondary, voiceFor(fbEntry))
	a.breakers = append(a.breakers, fb.Breakers()...)
	a.tts = fb
	a.log.Info("tts failover enabled", "primary", entry.Name, "fallback", fbEntry.Name)
	return nil
}

func (a *App) initSink() error {
	sink, err := a.reg.CreateSink(a.cfg.Providers.Sink)
	if err != nil {
		return fmt.Errorf("create sink %q: %w", a.cfg.Providers.Sink.Name, err)
	}
	a.sink = sink
	if c, ok := sink.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	return nil
}

func (a *App) initEngine() {
	s := a.cfg.Session
	bopts := []bridge.Option{
		bridge.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
		bridge.WithMetrics(a.metrics),
		bridge.WithLogger(a.log),
	}
	if r := a.cfg.Server.CommandRate; r != 0 {
		bopts = append(bopts, bridge.WithRateLimit(r, a.cfg.Server.CommandBurst))
	}
	a.bridge = bridge.New(nil, bopts...)
	a.events = engine.NewChannelEmitter(a.onEvent)
	a.engine = engine.New(a.factories(), a.events,
		engine.WithMetrics(a.metrics),
		engine.WithLogger(a.log),
		engine.WithDefaultMode(s.DefaultMode),
		engine.WithDefaultBargeIn(s.BargeIn.Resolve()),
		engine.WithSpeechDefaults(s.SpeechRate, s.Locale),
		engine.WithRecognitionDefaults(a.cfg.ASR.Language, a.cfg.ASR.SilenceMs),
	)
	a.dispatcher = command.New(a.engine, command.WithMetrics(a.metrics))
	a.bridge.SetDispatcher(a.dispatcher)
}

// factories builds per-session components from the configured providers.
func (a *App) factories() engine.Factories {
	p := a.cfg.Providers
	return engine.Factories{
		NewCapture: func(l capture.Listener) (capture.Source, error) {
			return a.reg.CreateCapture(p.Capture, l)
		},
		NewTransport: a.newTransport,
		NewSpeech: func(l speech.Listener) (speech.Output, error) {
			name := p.TTS.Name
			if p.TTSFallback.Name != "" {
				name += "+" + p.TTSFallback.Name
			}
			c := synth.New(a.tts, a.sink, l,
				synth.WithVoice(voiceFor(p.TTS)),
				synth.WithEngineName(name),
				synth.WithLogger(a.log),
			)
			a.synth.Store(c)
			return &trackedSynth{Controller: c, slot: &a.synth}, nil
		},
		NewFocus: func(l focus.Listener) (focus.Arbiter, error) {
			return a.reg.CreateFocus(p.Focus, l)
		},
	}
}

func (a *App) initHealth() {
	a.health = health.New(
		health.RunningChecker("engine", a.engine),
		health.ReadyChecker("tts", a.speechReady),
	)
	for _, b := range a.breakers {
		a.health.Add(health.BreakerChecker(b))
	}
}

// speechReady reports whether the live session's synthesizer finished its
// backend probe. Without a session there is nothing to wait for.
func (a *App) speechReady() bool {
	c := a.synth.Load()
	return c == nil || c.Ready()
}

func (a *App) initReconnector() {
	rc := a.cfg.ASR.Reconnect
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "asr",
		OnStateChange: a.recordBreaker,
		Logger:        a.log,
	})
	a.breakers = append(a.breakers, breaker)
	a.health.Add(health.BreakerChecker(breaker))
	a.reconnector = resilience.NewReconnector(resilience.ReconnectorConfig{
		Dial:           a.redial,
		MaxAttempts:    rc.MaxAttempts,
		InitialBackoff: rc.InitialBackoff,
		MaxBackoff:     rc.MaxBackoff,
		Breaker:        breaker,
		OnAttempt: func(_ int, outcome string, _ error) {
			a.metrics.RecordASRReconnect(context.Background(), outcome)
		},
		Logger: a.log,
	})
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.scrape)
	mux.Handle(a.cfg.Server.BridgePath, a.bridge)
	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// ─── Event tap ───────────────────────────────────────────────────────────────

// onEvent forwards every engine event to the bridge and watches for dropped
// recognition streams. Recognizer errors on a stream that is still open are
// only forwarded.
func (a *App) onEvent(env engine.Envelope) {
	if env.Event == engine.EventRuntimeError && env.Error != nil &&
		env.Error.RawCode == engine.RawASRError && asr.IsStreamLost(env.Error.Message) {
		select {
		case a.asrDropped <- struct{}{}:
		default:
		}
		if a.reconnector != nil {
			a.reconnector.Notify()
		}
	}
	a.bridge.Emit(env)
}

// redial reopens the recognition stream with the configured credentials. It
// succeeds only if the stream stays up for the settle window.
func (a *App) redial(ctx context.Context) error {
	select {
	case <-a.asrDropped:
	default:
	}
	asrCfg := a.cfg.ASR
	res, err := a.engine.StartAsrStream(ctx, engine.AsrStreamRequest{
		Token:     asrCfg.Token,
		WSURL:     asrCfg.URL,
		Model:     asrCfg.Model,
		Language:  asrCfg.Language,
		SilenceMs: asrCfg.SilenceMs,
	})
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("start asr stream: %v: %v", res["error"], res["message"])
	}
	select {
	case <-a.asrDropped:
		return errors.New("asr stream dropped again")
	case <-time.After(a.settle):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) recordBreaker(name string, _, to resilience.State) {
	a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// applyReload applies the hot-reloadable part of a config change.
func (a *App) applyReload(diff config.ConfigDiff, _ *config.Config) {
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(diff.NewLogLevel))
		a.log.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.BargeInChanged {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := a.engine.SetBargeInConfig(ctx, fullPatch(diff.NewBargeIn))
		switch {
		case err != nil:
			a.log.Warn("barge-in reload failed", "err", err)
		case !res.OK():
			a.log.Warn("barge-in reload rejected", "error", res["error"], "message", res["message"])
		default:
			a.log.Info("barge-in config reloaded", "config", diff.NewBargeIn)
		}
	}
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fullPatch sets every field so the reloaded file wins over earlier host
// changes.
func fullPatch(c types.BargeInConfig) types.BargeInPatch {
	return types.BargeInPatch{
		Enabled:         &c.Enabled,
		EnergyThreshold: &c.EnergyThreshold,
		MinSpeechMs:     &c.MinSpeechMs,
		CooldownMs:      &c.CooldownMs,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler: health probes, metrics and the
// websocket bridge.
func (a *App) Handler() http.Handler { return a.handler }

// Engine returns the session engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Run serves HTTP on the configured address and runs the config watcher and
// ASR reconnector. It blocks until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", "addr", a.server.Addr, "bridge_path", a.cfg.Server.BridgePath)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.bridge.Close()
		return a.server.Shutdown(sctx)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.reconnector != nil {
		g.Go(func() error { return a.reconnector.Run(gctx) })
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: bridge clients first, then the engine
// and its live session, then the event pipeline and remaining closers. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		a.bridge.Close()
		if err := a.engine.Close(ctx); err != nil {
			a.log.Warn("engine close error", "err", err)
			shutdownErr = err
		}
		a.events.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what New built so far when a later step fails.
func (a *App) closeAll() {
	if a.engine != nil {
		_ = a.engine.Close(context.Background())
	}
	if a.events != nil {
		a.events.Close()
	}
	for _, c := range a.closers {
		_ = c()
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// voiceFor reads the voice settings of a TTS provider entry.
func voiceFor(entry config.ProviderEntry) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:       entry.OptionString("voice", ""),
		Name:     entry.OptionString("voice_name", ""),
		Provider: entry.Name,
	}
}

// trackedSynth forgets the live controller when its session closes.
type trackedSynth struct {
	*synth.Controller
	slot *atomic.Pointer[synth.Controller]
}

func (t *trackedSynth) Close() error {
	t.slot.CompareAndSwap(t.Controller, nil)
	return t.Controller.Close()
}

// unconfiguredTTS stands in when no TTS provider is configured, so every
// playTts fails with tts_not_ready.
type unconfiguredTTS struct{}

func (unconfiguredTTS) SynthesizeStream(context.Context, <-chan string, tts.VoiceProfile) (<-chan []byte, error) {
	return nil, errNoTTS
}

func (unconfiguredTTS) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	return nil, errNoTTS
}
