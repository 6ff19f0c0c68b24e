// Package mock provides a recording test double for [asr.Transport] and a
// channel-backed [asr.Listener].
//
// Transport records every call and lets tests push recognizer output through
// the listener it was constructed with:
//
//	tr := mock.NewTransport(listener)
//	_ = tr.Connect(ctx, cfg)
//	tr.EmitFinal("hello")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/provider/asr"
)

// Transport is a mock implementation of [asr.Transport].
type Transport struct {
	mu sync.Mutex

	listener asr.Listener

	// ConnectErr is returned by Connect when non-nil.
	ConnectErr error

	// ConnectCalls records every Connect configuration in order.
	ConnectCalls []asr.ConnectConfig

	// Frames records every frame passed to SendFrame while connected.
	Frames [][]byte

	// CommitCount, DisconnectCount count the respective calls.
	CommitCount     int
	DisconnectCount int

	connected bool
}

var _ asr.Transport = (*Transport)(nil)

// NewTransport returns a Transport reporting to l.
func NewTransport(l asr.Listener) *Transport {
	return &Transport{listener: l}
}

// Connect implements [asr.Transport].
func (t *Transport) Connect(_ context.Context, cfg asr.ConnectConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ConnectCalls = append(t.ConnectCalls, cfg)
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.connected = true
	return nil
}

// SendFrame implements [asr.Transport].
func (t *Transport) SendFrame(frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return
	}
	t.Frames = append(t.Frames, append([]byte(nil), frame...))
}

// Commit implements [asr.Transport].
func (t *Transport) Commit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CommitCount++
}

// Disconnect implements [asr.Transport].
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.DisconnectCount++
	t.connected = false
}

// Connected implements [asr.Transport].
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// FrameCount returns how many frames were forwarded.
func (t *Transport) FrameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Frames)
}

// Connects returns a copy of ConnectCalls.
func (t *Transport) Connects() []asr.ConnectConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]asr.ConnectConfig(nil), t.ConnectCalls...)
}

// Disconnects returns DisconnectCount.
func (t *Transport) Disconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.DisconnectCount
}

// EmitInterim delivers an interim transcript to the listener.
func (t *Transport) EmitInterim(text string) { t.listener.OnInterim(text) }

// EmitFinal delivers a final transcript to the listener.
func (t *Transport) EmitFinal(text string) { t.listener.OnFinal(text) }

// EmitError delivers a transport error to the listener.
func (t *Transport) EmitError(msg string) { t.listener.OnError(msg) }

// Event is one callback captured by [Listener].
type Event struct {
	Kind string // "interim", "final" or "error"
	Text string
}

// Listener is an [asr.Listener] that forwards every callback to Events.
type Listener struct {
	Events chan Event
}

var _ asr.Listener = (*Listener)(nil)

// NewListener returns a Listener with a buffered channel of size n.
func NewListener(n int) *Listener {
	return &Listener{Events: make(chan Event, n)}
}

func (l *Listener) OnInterim(text string) { l.Events <- Event{Kind: "interim", Text: text} }
func (l *Listener) OnFinal(text string)   { l.Events <- Event{Kind: "final", Text: text} }
func (l *Listener) OnError(msg string)    { l.Events <- Event{Kind: "error", Text: msg} }
