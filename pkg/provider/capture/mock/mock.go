// Package mock provides a recording [capture.Source] and a channel-backed
// [capture.Listener] for unit tests.
//
// Source never reads a device; tests push frames through the listener it was
// built with:
//
//	src := mock.NewSource(listener)
//	_ = src.Start(ctx)
//	src.EmitFrame(audio.Frame{Data: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/capture"
)

// Source is a mock implementation of [capture.Source].
type Source struct {
	mu sync.Mutex

	listener capture.Listener

	// StartErr is returned by Start when non-nil. It should wrap
	// [capture.ErrStartFailed].
	StartErr error

	// StartCount and StopCount count calls that changed state.
	StartCount int
	StopCount  int

	// CloseCount counts Close calls.
	CloseCount int

	// MuteCalls records every SetMuted argument in order.
	MuteCalls []bool

	active bool
}

var _ capture.Source = (*Source)(nil)

// NewSource returns a Source reporting to l.
func NewSource(l capture.Listener) *Source {
	return &Source{listener: l}
}

// Start implements [capture.Source].
func (s *Source) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	if !s.active {
		s.active = true
		s.StartCount++
	}
	return nil
}

// Stop implements [capture.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.active = false
		s.StopCount++
	}
	return nil
}

// Active implements [capture.Source].
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetMuted implements [capture.Source].
func (s *Source) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MuteCalls = append(s.MuteCalls, muted)
}

// Close implements [capture.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.CloseCount++
	return nil
}

// Mutes returns a copy of MuteCalls.
func (s *Source) Mutes() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.MuteCalls...)
}

// Starts returns StartCount.
func (s *Source) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StartCount
}

// SetStartErr replaces StartErr under the lock.
func (s *Source) SetStartErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartErr = err
}

// EmitFrame delivers a frame to the listener.
func (s *Source) EmitFrame(f audio.Frame) { s.listener.OnFrame(f) }

// EmitError reports a capture failure and marks the source inactive.
func (s *Source) EmitError(err error) {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.listener.OnCaptureError(err)
}

// Listener is a [capture.Listener] that forwards frames and errors to
// channels.
type Listener struct {
	Frames chan audio.Frame
	Errors chan error
}

var _ capture.Listener = (*Listener)(nil)

// NewListener returns a Listener whose channels buffer n values each.
func NewListener(n int) *Listener {
	return &Listener{Frames: make(chan audio.Frame, n), Errors: make(chan error, n)}
}

func (l *Listener) OnFrame(f audio.Frame)    { l.Frames <- f }
func (l *Listener) OnCaptureError(err error) { l.Errors <- err }
