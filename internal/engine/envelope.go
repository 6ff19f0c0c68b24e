package engine

import (
	"sync"
)

// Event names pushed to the host.
const (
	EventRuntimeInitialized  = "runtimeInitialized"
	EventAsrMuteStateChanged = "asrMuteStateChanged"
	EventTTSStarted          = "ttsStarted"
	EventTTSStopped          = "ttsStopped"
	EventTTSCompleted        = "ttsCompleted"
	EventTTSError            = "ttsError"
	EventTTSInitDiagnostics  = "ttsInitDiagnostics"
	EventAsrInterimText      = "asrInterimText"
	EventAsrFinalText        = "asrFinalText"
	EventAudioFocusChanged   = "audioFocusChanged"
	EventAudioRouteChanged   = "audioRouteChanged"
	EventAppStateChanged     = "appStateChanged"
	EventBargeInTriggered    = "bargeInTriggered"
	EventBargeInCompleted    = "bargeInCompleted"
	EventRuntimeError        = "runtimeError"
)

// Envelope is the only structure that leaves the engine. Every event the host
// sees is wrapped in one.
type Envelope struct {
	Event     string           `json:"event"`
	SessionID string           `json:"sessionId"`
	RequestID string           `json:"requestId,omitempty"`
	Timestamp int64            `json:"timestamp"`
	Data      map[string]any   `json:"data"`
	Error     *NormalizedError `json:"error,omitempty"`
}

// Emitter receives engine events. Emit is called from the engine loop and
// must not block.
type Emitter interface {
	Emit(env Envelope)
}

// EmitterFunc adapts a function to [Emitter].
type EmitterFunc func(Envelope)

// Emit implements [Emitter].
func (f EmitterFunc) Emit(env Envelope) { f(env) }

// ChannelEmitter queues envelopes without bound and hands them to a handler
// on a single dispatch goroutine, in emission order. It decouples the host's
// event consumer from the engine loop.
type ChannelEmitter struct {
	handler func(Envelope)
	queue   *queue[Envelope]

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Emitter = (*ChannelEmitter)(nil)

// NewChannelEmitter starts the dispatch goroutine. Call Close to stop it.
func NewChannelEmitter(handler func(Envelope)) *ChannelEmitter {
	c := &ChannelEmitter{
		handler: handler,
		queue:   newQueue[Envelope](),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// Emit implements [Emitter]. It never blocks.
func (c *ChannelEmitter) Emit(env Envelope) {
	c.queue.push(env)
}

// Close delivers every envelope queued so far, then stops the dispatcher.
// Envelopes emitted after Close are discarded.
func (c *ChannelEmitter) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}

func (c *ChannelEmitter) dispatch() {
	defer close(c.done)
	for {
		select {
		case <-c.queue.ready:
			for _, env := range c.queue.drain() {
				c.handler(env)
			}
		case <-c.quit:
			for _, env := range c.queue.drain() {
				c.handler(env)
			}
			return
		}
	}
}

// queue is an unbounded FIFO whose ready channel is signalled after every
// push. Consumers drain it in batches.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{ready: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
