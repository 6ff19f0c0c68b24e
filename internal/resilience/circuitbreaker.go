// Package resilience keeps the speech and recognition backends usable when
// they misbehave.
//
// [CircuitBreaker] stops calling a backend after repeated failures and
// probes it again after a cool-down. [FallbackGroup] orders several
// backends of one kind, each behind its own breaker, and [TTSFallback]
// applies that to speech synthesis. [Reconnector] redials a dropped
// recognition stream with exponential backoff.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned instead of calling a backend whose breaker is
// open, or whose half-open probe slots are all taken.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout has passed.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successful probes close the breaker; one failed probe opens it again.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels logs, metrics and the readiness check.
	Name string

	// MaxFailures is the count of consecutive failures that opens a closed
	// breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls admitted while half-open, and
	// the number of successes needed to close. Default 3.
	HalfOpenMax int

	// IsFailure classifies a call's error. Errors it rejects neither count
	// against the backend nor reset its failure streak. The default treats
	// every error except context cancellation as a failure.
	IsFailure func(error) bool

	// OnStateChange runs after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock.
	Now func() time.Time

	Logger *slog.Logger
}

func (c *CircuitBreakerConfig) defaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// CircuitBreaker is a closed/open/half-open breaker around one backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log *slog.Logger

	mu       sync.Mutex
	state    State
	failures int       // consecutive, while closed
	openedAt time.Time // last transition to open
	probes   int       // admitted while half-open
	probeOK  int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.defaults()
	return &CircuitBreaker{cfg: cfg, log: cfg.Logger.With("breaker", cfg.Name)}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

type transition struct{ from, to State }

// Allow admits one call. On success the caller must report the call's
// outcome through done exactly once. A rejected call gets [ErrCircuitOpen]
// and a nil done.
func (cb *CircuitBreaker) Allow() (done func(error), err error) {
	cb.mu.Lock()
	var moved *transition
	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		moved = cb.setLocked(StateHalfOpen)
	}
	probe := cb.state == StateHalfOpen
	if probe {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			cb.announce(moved)
			return nil, ErrCircuitOpen
		}
		cb.probes++
	}
	cb.mu.Unlock()
	cb.announce(moved)

	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.report(probe, err) })
	}, nil
}

// Execute runs fn if the breaker admits it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

func (cb *CircuitBreaker) report(probe bool, err error) {
	cb.mu.Lock()
	var moved *transition
	switch {
	case err != nil && !cb.cfg.IsFailure(err):
		if probe && cb.state == StateHalfOpen {
			cb.probes--
		}
	case err != nil:
		if probe {
			moved = cb.setLocked(StateOpen)
			break
		}
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			moved = cb.setLocked(StateOpen)
		}
	case probe:
		if cb.state != StateHalfOpen {
			break
		}
		cb.probeOK++
		if cb.probeOK >= cb.cfg.HalfOpenMax {
			moved = cb.setLocked(StateClosed)
		}
	default:
		cb.failures = 0
	}
	cb.mu.Unlock()
	cb.announce(moved)
}

// setLocked moves to s and resets the counters that belong to it.
func (cb *CircuitBreaker) setLocked(s State) *transition {
	if cb.state == s {
		return nil
	}
	t := &transition{from: cb.state, to: s}
	cb.state = s
	switch s {
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
		cb.log.Warn("resilience: breaker opened", "from", t.from.String(), "failures", cb.failures)
	case StateHalfOpen:
		cb.probes, cb.probeOK = 0, 0
		cb.log.Info("resilience: breaker probing")
	case StateClosed:
		cb.failures, cb.probes, cb.probeOK = 0, 0, 0
		cb.log.Info("resilience: breaker closed", "from", t.from.String())
	}
	return t
}

func (cb *CircuitBreaker) announce(t *transition) {
	if t != nil && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}

// State reports the breaker's state. An open breaker whose reset timeout
// has passed reports [StateHalfOpen]; the transition itself happens on the
// next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// IsOpen reports whether calls are currently rejected outright.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	moved := cb.setLocked(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	cb.announce(moved)
}
