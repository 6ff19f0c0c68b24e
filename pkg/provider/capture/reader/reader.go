// Package reader implements [capture.Source] over an [io.Reader] of raw
// PCM16: stdin, a file, or the stdout of a recorder such as arecord.
//
// Each Start opens a fresh stream through an [Opener]. The read loop pulls
// one frame's worth of input at a time with io.ReadFull, converts it to the
// pipeline format, and hands it to the listener. File input can be paced to
// real time so that it behaves like a live microphone.
package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/capture"
)

var _ capture.Source = (*Source)(nil)

// Opener opens one capture stream. Closing the returned reader must unblock
// a pending Read.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// File opens path on every Start.
func File(path string) Opener {
	return func(context.Context) (io.ReadCloser, error) {
		return os.Open(path)
	}
}

// Command runs name with args on every Start and captures its stdout, e.g.
//
//	reader.Command("arecord", "-q", "-t", "raw", "-f", "S16_LE", "-r", "16000", "-c", "1")
func Command(name string, args ...string) Opener {
	return func(context.Context) (io.ReadCloser, error) {
		cmd := exec.Command(name, args...)
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &commandStream{ReadCloser: out, cmd: cmd}, nil
	}
}

type commandStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (c *commandStream) Close() error {
	_ = c.cmd.Process.Kill()
	err := c.ReadCloser.Close()
	_ = c.cmd.Wait()
	return err
}

// Stream shares r, typically stdin, across every Start. A pump goroutine
// reads r from the first Start on; input that arrives while capture is
// stopped is discarded, as on a muted microphone line. Stop detaches the
// stream without closing r. Once r ends, later Starts fail.
func Stream(r io.Reader) Opener {
	t := &tap{src: r}
	return t.open
}

// tap fans a single reader out to one attached stream at a time.
type tap struct {
	src  io.Reader
	once sync.Once

	mu  sync.Mutex
	cur *io.PipeWriter
	err error // set once src has ended
}

func (t *tap) open(context.Context) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return nil, t.err
	}
	if t.cur != nil {
		t.cur.CloseWithError(io.ErrClosedPipe)
	}
	t.cur = pw
	t.mu.Unlock()

	// The first stream is attached before the pump reads anything.
	t.once.Do(func() { go t.pump() })
	return &tapStream{PipeReader: pr, t: t, w: pw}, nil
}

func (t *tap) pump() {
	buf := make([]byte, 32<<10)
	for {
		n, err := t.src.Read(buf)
		if n > 0 {
			t.mu.Lock()
			w := t.cur
			t.mu.Unlock()
			if w != nil {
				// Fails only when the stream was closed meanwhile.
				_, _ = w.Write(buf[:n])
			}
		}
		if err != nil {
			t.mu.Lock()
			t.err = fmt.Errorf("input ended: %w", err)
			if t.cur != nil {
				t.cur.CloseWithError(err)
				t.cur = nil
			}
			t.mu.Unlock()
			return
		}
	}
}

type tapStream struct {
	*io.PipeReader
	t *tap
	w *io.PipeWriter
}

// Close detaches the stream; the shared reader stays open.
func (s *tapStream) Close() error {
	err := s.PipeReader.Close()
	s.t.mu.Lock()
	if s.t.cur == s.w {
		s.t.cur = nil
	}
	s.t.mu.Unlock()
	return err
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithFormat declares the format of the raw input. Defaults to
// [audio.Pipeline] (16 kHz mono).
func WithFormat(f audio.Format) Option {
	return func(s *Source) { s.format = f }
}

// WithFrameBytes sets the size of each delivered frame in pipeline bytes.
// Values below [audio.MinFrameBytes] are raised to it.
func WithFrameBytes(n int) Option {
	return func(s *Source) { s.frameBytes = max(n, audio.MinFrameBytes) &^ 1 }
}

// WithPacing delivers frames no faster than real time.
func WithPacing(on bool) Option {
	return func(s *Source) { s.paced = on }
}

// ── Source ─────────────────────────────────────────────────────────────────────

// Source is a reader-backed capture source.
type Source struct {
	open       Opener
	listener   capture.Listener
	format     audio.Format
	frameBytes int
	paced      bool

	muted atomic.Bool

	mu      sync.Mutex
	gen     uint64
	running bool
	closed  bool
	stream  io.ReadCloser
	stop    chan struct{}
	done    chan struct{}
}

// New returns a Source that opens streams with open and reports to l.
func New(open Opener, l capture.Listener, opts ...Option) *Source {
	s := &Source{
		open:       open,
		listener:   l,
		format:     audio.Pipeline,
		frameBytes: audio.MinFrameBytes,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start implements [capture.Source].
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: source closed", capture.ErrStartFailed)
	}
	if s.running {
		return nil
	}
	stream, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", capture.ErrStartFailed, err)
	}
	s.gen++
	s.running = true
	s.stream = stream
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.gen, stream, s.stop, s.done)
	slog.Debug("capture: started", "format", s.format.String(), "frame_bytes", s.frameBytes)
	return nil
}

// Stop implements [capture.Source]. It waits for the read loop to exit.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.gen++
	stream, stop, done := s.stream, s.stop, s.done
	s.stream = nil
	s.mu.Unlock()

	close(stop)
	err := stream.Close()
	<-done
	return err
}

// Active implements [capture.Source].
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetMuted implements [capture.Source].
func (s *Source) SetMuted(muted bool) { s.muted.Store(muted) }

// Muted returns the last value passed to SetMuted.
func (s *Source) Muted() bool { return s.muted.Load() }

// Close implements [capture.Source].
func (s *Source) Close() error {
	err := s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

// current reports whether gen is still the live generation.
func (s *Source) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.gen == gen
}

// fail marks capture inactive after a read error and reports it, unless a
// Stop got there first.
func (s *Source) fail(gen uint64, err error) {
	s.mu.Lock()
	if !s.running || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	_ = stream.Close()
	if s.listener != nil {
		s.listener.OnCaptureError(err)
	}
}

func (s *Source) loop(gen uint64, r io.Reader, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	conv := &audio.FormatConverter{Source: s.format}
	in := make([]byte, s.inputBytes())
	var produced int64 // pipeline samples delivered
	start := time.Now()

	for {
		n, err := io.ReadFull(r, in)
		if n > 0 {
			// Keep only whole sample frames of a short final read.
			align := audio.BytesPerSample * max(1, s.format.Channels)
			if pcm := conv.Convert(in[:n-n%align]); len(pcm) > 0 {
				if !s.current(gen) {
					return
				}
				ts := time.Duration(produced) * time.Second / audio.SampleRate
				produced += int64(len(pcm) / audio.BytesPerSample)
				if s.listener != nil {
					// Convert may return in itself, which the next read overwrites.
					s.listener.OnFrame(audio.Frame{Data: slices.Clone(pcm), Timestamp: ts})
				}
				if s.paced && !sleepUntil(start.Add(time.Duration(produced)*time.Second/audio.SampleRate), stop) {
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			s.fail(gen, err)
			return
		}
	}
}

// inputBytes is the raw read size that yields one pipeline frame.
func (s *Source) inputBytes() int {
	rate := s.format.SampleRate
	if rate <= 0 {
		rate = audio.SampleRate
	}
	channels := max(1, s.format.Channels)
	samples := s.frameBytes / audio.BytesPerSample * rate / audio.SampleRate
	return max(1, samples) * channels * audio.BytesPerSample
}

// sleepUntil waits for t or stop. It returns false when stopped.
func sleepUntil(t time.Time, stop <-chan struct{}) bool {
	d := time.Until(t)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}
