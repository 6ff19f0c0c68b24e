package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

// Outcomes passed to [ReconnectorConfig.OnAttempt].
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeExhausted = "exhausted"
)

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dial reopens the stream. It is only ever called from [Reconnector.Run].
	Dial func(ctx context.Context) error

	// MaxAttempts is the number of dials per disconnect before giving up.
	// Defaults to 5 if zero.
	MaxAttempts int

	// InitialBackoff is the delay before the first dial. Doubles each attempt
	// up to MaxBackoff. Defaults to 500ms if zero.
	InitialBackoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Breaker, when set, guards every dial. While it is open, attempts fail
	// fast with [ErrCircuitOpen] and still count against MaxAttempts.
	Breaker *CircuitBreaker

	// OnAttempt is called after each dial and once more with
	// [OutcomeExhausted] when a cycle gives up. May be nil.
	OnAttempt func(attempt int, outcome string, err error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Reconnector reopens a dropped stream with exponential backoff.
//
// Disconnects are signalled with [Reconnector.Notify] from any goroutine;
// [Reconnector.Run] performs the dial cycles until its context ends. A
// notification that arrives while a cycle is running is coalesced into it.
type Reconnector struct {
	dial        func(ctx context.Context) error
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	breaker     *CircuitBreaker
	onAttempt   func(int, string, error)
	log         *slog.Logger

	disconnected chan struct{}
	after        func(time.Duration) <-chan time.Time
}

// NewReconnector creates a [Reconnector]. cfg.Dial must be set.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		dial:         cfg.Dial,
		maxAttempts:  cfg.MaxAttempts,
		backoff:      cfg.InitialBackoff,
		maxBackoff:   cfg.MaxBackoff,
		breaker:      cfg.Breaker,
		onAttempt:    cfg.OnAttempt,
		log:          cfg.Logger,
		disconnected: make(chan struct{}, 1),
		after:        time.After,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.backoff <= 0 {
		r.backoff = defaultInitialBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	if r.backoff > r.maxBackoff {
		r.backoff = r.maxBackoff
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Notify signals that the stream dropped. It never blocks.
func (r *Reconnector) Notify() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Run waits for notifications and runs a dial cycle for each. It returns nil
// when ctx ends.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.disconnected:
			r.cycle(ctx)
		}
	}
}

// cycle dials with exponential backoff until success, exhaustion or ctx end.
func (r *Reconnector) cycle(ctx context.Context) {
	wait := r.backoff
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.after(wait):
		}

		err := r.attempt(ctx)
		// Drops reported while dialing belong to this cycle.
		select {
		case <-r.disconnected:
		default:
		}
		if err == nil {
			r.log.Info("asr reconnect succeeded", "attempt", attempt)
			r.report(attempt, OutcomeSuccess, nil)
			return
		}
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("asr reconnect attempt failed",
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"backoff", wait,
			"err", err,
		)
		r.report(attempt, OutcomeFailure, err)

		wait *= 2
		if wait > r.maxBackoff {
			wait = r.maxBackoff
		}
	}
	r.log.Error("asr reconnect gave up", "max_attempts", r.maxAttempts)
	r.report(r.maxAttempts, OutcomeExhausted, errors.New("reconnect attempts exhausted"))
}

func (r *Reconnector) attempt(ctx context.Context) error {
	if r.breaker == nil {
		return r.dial(ctx)
	}
	return r.breaker.Execute(func() error { return r.dial(ctx) })
}

func (r *Reconnector) report(attempt int, outcome string, err error) {
	if r.onAttempt != nil {
		r.onAttempt(attempt, outcome, err)
	}
}
