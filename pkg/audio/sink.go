package audio

import (
	"io"
	"sync"
)

// Sink is the playback side of speech output: synthesized PCM16 mono 16 kHz
// audio is written to it chunk by chunk.
//
// Implementations must be safe for concurrent use. Write may block for as
// long as the device needs to accept the chunk.
type Sink interface {
	// Write plays or buffers one chunk of audio.
	Write(pcm []byte) error

	// Flush discards any audio buffered but not yet played. It is called when
	// an utterance is interrupted.
	Flush()
}

// WriterSink adapts an [io.Writer] (a pipe into aplay, a file, a socket) into
// a [Sink]. Writes are serialised.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

var _ Sink = (*WriterSink)(nil)

// NewWriterSink returns a [WriterSink] writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Write implements [Sink].
func (s *WriterSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(pcm)
	return err
}

// Flush implements [Sink]. An io.Writer has no play-out buffer to drop.
func (s *WriterSink) Flush() {}

// Discard is a [Sink] that drops all audio.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Write([]byte) error { return nil }
func (discardSink) Flush()             {}
