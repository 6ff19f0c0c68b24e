// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz
// runs every registered [Checker] concurrently and answers 503 when any of
// them fails. Both bodies are JSON [Report] values.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single readiness check.
const DefaultTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when healthy and
// must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// Report is the probe response body.
type Report struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == statusOK }

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// WithClock replaces time.Now for uptime and latency.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler evaluates checkers on demand. Checkers may be added while serving.
type Handler struct {
	timeout time.Duration
	now     func() time.Time
	started time.Time

	mu       sync.RWMutex
	checkers []Checker
}

// New returns a Handler with the given checkers.
func New(checkers ...Checker) *Handler {
	return NewWithOptions(checkers)
}

// NewWithOptions is [New] with options.
func NewWithOptions(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{timeout: DefaultTimeout, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	h.started = h.now()
	h.Add(checkers...)
	return h
}

// Add registers more checkers.
func (h *Handler) Add(checkers ...Checker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, checkers...)
	h.mu.Unlock()
}

// Healthz reports liveness and uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{
		Status: statusOK,
		Uptime: h.now().Sub(h.started).Round(time.Second).String(),
	})
}

// Readyz answers 200 when [Handler.Check] passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	status := http.StatusOK
	if !rep.OK() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Check runs every checker concurrently, each bounded by the handler's
// timeout, and collects the results.
func (h *Handler) Check(ctx context.Context) Report {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := h.now()
			err := run(cctx, c)
			res := CheckResult{Status: statusOK, Latency: h.now().Sub(start).String()}
			if err != nil {
				res.Status, res.Error = statusFail, err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: statusOK, Checks: make(map[string]CheckResult, len(checkers))}
	for i, c := range checkers {
		rep.Checks[c.Name] = results[i]
		if results[i].Status != statusOK {
			rep.Status = statusFail
		}
	}
	return rep
}

// run calls c.Check but gives up when ctx ends first, so a hung check
// cannot hold the probe past its deadline.
func run(ctx context.Context, c Checker) error {
	done := make(chan error, 1)
	go func() { done <- c.Check(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Runner reports whether a processing loop is alive.
type Runner interface {
	Running() bool
}

// RunningChecker fails once r has stopped.
func RunningChecker(name string, r Runner) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !r.Running() {
			return errors.New("stopped")
		}
		return nil
	}}
}

// ReadyChecker fails while ready reports false, e.g. while a speech
// controller is still probing its backend.
func ReadyChecker(name string, ready func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !ready() {
			return errors.New("not ready")
		}
		return nil
	}}
}

// Breaker is a circuit breaker that can report being open.
type Breaker interface {
	Name() string
	IsOpen() bool
}

// BreakerChecker fails while b is open. It is named "breaker:<name>".
func BreakerChecker(b Breaker) Checker {
	return Checker{Name: "breaker:" + b.Name(), Check: func(context.Context) error {
		if b.IsOpen() {
			return errors.New("circuit open")
		}
		return nil
	}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}
