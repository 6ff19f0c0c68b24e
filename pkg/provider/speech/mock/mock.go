// Package mock provides a recording [speech.Output] and a channel-backed
// [speech.Listener] for unit tests.
//
// Output never produces audio. Tests drive its lifecycle explicitly:
//
//	out := mock.NewOutput(listener)
//	_ = out.Play("r1", "hello", 1, "en-US")
//	out.EmitStarted("r1")
//	out.EmitCompleted("r1", true, speech.ReasonCompleted, "")
package mock

import (
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/provider/speech"
)

// PlayCall records a single invocation of Play.
type PlayCall struct {
	RequestID string
	Text      string
	Rate      float64
	Locale    string
}

// Output is a mock implementation of [speech.Output].
type Output struct {
	mu sync.Mutex

	listener speech.Listener

	// PlayErr is returned by Play when non-nil.
	PlayErr error

	// CompleteOnStop makes Stop report a completion with the stop reason for
	// the most recent Play, the way a real output does.
	CompleteOnStop bool

	// PlayCalls records every Play call in order.
	PlayCalls []PlayCall

	// StopReasons records the reason of every Stop call in order.
	StopReasons []string

	// CloseCount counts Close calls.
	CloseCount int

	// Seq records "play", "stop" and "close" in call order.
	Seq []string
}

var _ speech.Output = (*Output)(nil)

// NewOutput returns an Output reporting to l.
func NewOutput(l speech.Listener) *Output {
	return &Output{listener: l}
}

// Play implements [speech.Output].
func (o *Output) Play(requestID, text string, rate float64, locale string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.PlayCalls = append(o.PlayCalls, PlayCall{RequestID: requestID, Text: text, Rate: rate, Locale: locale})
	o.Seq = append(o.Seq, "play")
	return o.PlayErr
}

// Stop implements [speech.Output].
func (o *Output) Stop(reason string) {
	o.mu.Lock()
	o.StopReasons = append(o.StopReasons, reason)
	o.Seq = append(o.Seq, "stop")
	var last string
	if o.CompleteOnStop && len(o.PlayCalls) > 0 {
		last = o.PlayCalls[len(o.PlayCalls)-1].RequestID
	}
	o.mu.Unlock()
	if last != "" {
		o.listener.OnCompleted(last, true, reason, "")
	}
}

// Close implements [speech.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CloseCount++
	o.Seq = append(o.Seq, "close")
	return nil
}

// Plays returns a copy of PlayCalls.
func (o *Output) Plays() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PlayCall(nil), o.PlayCalls...)
}

// Stops returns a copy of StopReasons.
func (o *Output) Stops() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.StopReasons...)
}

// Calls returns a copy of Seq.
func (o *Output) Calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.Seq...)
}

// EmitStarted reports that requestID began playing.
func (o *Output) EmitStarted(requestID string) { o.listener.OnStarted(requestID) }

// EmitCompleted reports the completion of requestID.
func (o *Output) EmitCompleted(requestID string, success bool, reason, errCode string) {
	o.listener.OnCompleted(requestID, success, reason, errCode)
}

// EmitInitDiagnostics reports backend initialisation.
func (o *Output) EmitInitDiagnostics(ready bool, engine, detail string) {
	o.listener.OnInitDiagnostics(ready, engine, detail)
}

// Event is one callback captured by [Listener].
type Event struct {
	Kind      string // "started", "completed" or "init"
	RequestID string
	Success   bool
	Reason    string
	ErrCode   string
	Engine    string
	Detail    string
}

// Listener is a [speech.Listener] that forwards every callback to Events.
type Listener struct {
	Events chan Event
}

var _ speech.Listener = (*Listener)(nil)

// NewListener returns a Listener with a buffered channel of size n.
func NewListener(n int) *Listener {
	return &Listener{Events: make(chan Event, n)}
}

func (l *Listener) OnStarted(requestID string) {
	l.Events <- Event{Kind: "started", RequestID: requestID}
}

func (l *Listener) OnCompleted(requestID string, success bool, reason, errCode string) {
	l.Events <- Event{Kind: "completed", RequestID: requestID, Success: success, Reason: reason, ErrCode: errCode}
}

func (l *Listener) OnInitDiagnostics(ready bool, engine, detail string) {
	l.Events <- Event{Kind: "init", Success: ready, Engine: engine, Detail: detail}
}
