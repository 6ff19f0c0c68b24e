// Package mock provides an in-memory [audio.Sink] for unit tests.
//
// The mock is safe for concurrent use. It records every chunk written and
// every flush so tests can assert on playback, and exposes exported fields
// that control return values.
package mock

import (
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// WriteErr is returned by every Write call when non-nil.
	WriteErr error

	// Block, when non-nil, makes Write wait until the channel is closed or
	// receives a value. Use it to hold an utterance "in flight".
	Block chan struct{}

	// Chunks records every chunk passed to Write, in order.
	Chunks [][]byte

	// FlushCount records how many times Flush was called.
	FlushCount int
}

var _ audio.Sink = (*Sink)(nil)

// Write implements [audio.Sink].
func (s *Sink) Write(pcm []byte) error {
	s.mu.Lock()
	block := s.Block
	s.mu.Unlock()
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.Chunks = append(s.Chunks, append([]byte(nil), pcm...))
	return nil
}

// Flush implements [audio.Sink].
func (s *Sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlushCount++
}

// Bytes returns the total number of bytes written so far.
func (s *Sink) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Chunks {
		n += len(c)
	}
	return n
}

// Flushes returns the current FlushCount.
func (s *Sink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FlushCount
}
