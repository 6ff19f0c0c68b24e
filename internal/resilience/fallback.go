package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no backend in a [FallbackGroup] served the
// call. Each backend's error is joined into the chain.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the template for the breaker created per backend. The
// breaker's Name is replaced with the backend's name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds backends of one kind in preference order. Members are
// added before the group is shared.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup returns a group whose first member is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	log := cfg.CircuitBreaker.Logger
	if log == nil {
		log = slog.Default()
	}
	g := &FallbackGroup[T]{cfg: cfg, log: log}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a backend behind the ones already added.
func (g *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := g.cfg.CircuitBreaker
	bc.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Breakers returns one breaker per member, primary first.
func (g *FallbackGroup[T]) Breakers() []*CircuitBreaker {
	out := make([]*CircuitBreaker, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.breaker)
	}
	return out
}

// Names returns the member names, primary first.
func (g *FallbackGroup[T]) Names() []string {
	out := make([]string, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.name)
	}
	return out
}

// Try calls fn on each member in order until one succeeds. Members whose
// breaker is open are skipped. Once ctx is done no further member is tried
// and ctx's error is returned.
func Try[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(ctx context.Context, name string, v T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		done, err := m.breaker.Allow()
		if err != nil {
			g.log.Debug("resilience: skipping provider", "provider", m.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
			continue
		}
		res, err := fn(ctx, m.name, m.value)
		done(err)
		if err == nil {
			if i > 0 {
				g.log.Info("resilience: served by fallback", "provider", m.name)
			}
			return res, nil
		}
		g.log.Warn("resilience: provider failed", "provider", m.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
