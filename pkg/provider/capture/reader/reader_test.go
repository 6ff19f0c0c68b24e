package reader_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/capture"
	"github.com/MrWong99/duplexvoice/pkg/provider/capture/mock"
	"github.com/MrWong99/duplexvoice/pkg/provider/capture/reader"
)

func nextFrame(t *testing.T, l *mock.Listener) audio.Frame {
	t.Helper()
	select {
	case f := <-l.Frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for frame")
		return audio.Frame{}
	}
}

func nextErr(t *testing.T, l *mock.Listener) error {
	t.Helper()
	select {
	case err := <-l.Errors:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for capture error")
		return nil
	}
}

func TestFramesThenEOF(t *testing.T) {
	t.Parallel()

	// Two full frames plus a half frame.
	input := make([]byte, 2*audio.MinFrameBytes+audio.MinFrameBytes/2)
	for i := range input {
		input[i] = byte(i)
	}
	l := mock.NewListener(8)
	src := reader.New(reader.Stream(bytes.NewReader(input)), l)

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f1, f2, f3 := nextFrame(t, l), nextFrame(t, l), nextFrame(t, l)
	if len(f1.Data) != audio.MinFrameBytes || len(f2.Data) != audio.MinFrameBytes || len(f3.Data) != audio.MinFrameBytes/2 {
		t.Fatalf("frame sizes = %d, %d, %d", len(f1.Data), len(f2.Data), len(f3.Data))
	}
	if !bytes.Equal(f1.Data, input[:audio.MinFrameBytes]) {
		t.Error("first frame does not match input")
	}
	if f2.Timestamp != 100*time.Millisecond {
		t.Errorf("second frame timestamp = %v, want 100ms", f2.Timestamp)
	}

	if err := nextErr(t, l); !errors.Is(err, io.EOF) {
		t.Errorf("capture error = %v, want EOF", err)
	}
	if src.Active() {
		t.Error("source still active after EOF")
	}
}

func TestConvertsStereo48k(t *testing.T) {
	t.Parallel()

	// 100 ms of 48 kHz stereo = 4800 frames * 4 bytes.
	input := make([]byte, 4800*4)
	l := mock.NewListener(4)
	src := reader.New(reader.Stream(bytes.NewReader(input)), l,
		reader.WithFormat(audio.Format{SampleRate: 48000, Channels: 2}))

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f := nextFrame(t, l); len(f.Data) != audio.MinFrameBytes {
		t.Errorf("converted frame = %d bytes, want %d", len(f.Data), audio.MinFrameBytes)
	}
}

func TestStartFailureWrapsSentinel(t *testing.T) {
	t.Parallel()

	src := reader.New(reader.File("/nonexistent/mic.pcm"), mock.NewListener(1))
	err := src.Start(context.Background())
	if !errors.Is(err, capture.ErrStartFailed) {
		t.Fatalf("err = %v, want ErrStartFailed", err)
	}
	if src.Active() {
		t.Error("Active() after failed start")
	}
}

func TestStop_IsIdempotentAndSilent(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()
	l := mock.NewListener(4)
	src := reader.New(reader.Stream(pr), l)

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !src.Active() {
		t.Fatal("not active after Start")
	}

	_ = src.Stop()
	_ = src.Stop()
	if src.Active() {
		t.Error("active after Stop")
	}
	select {
	case err := <-l.Errors:
		t.Errorf("Stop reported error %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPacingHoldsRealTime(t *testing.T) {
	t.Parallel()

	input := make([]byte, 3*audio.MinFrameBytes)
	l := mock.NewListener(4)
	src := reader.New(reader.Stream(bytes.NewReader(input)), l, reader.WithPacing(true))

	start := time.Now()
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range 3 {
		nextFrame(t, l)
	}
	// The third frame may only go out after the first two played out.
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("3 paced frames took %v, want >= ~200ms", elapsed)
	}
	_ = src.Close()
}

func TestMuteDoesNotStopFrames(t *testing.T) {
	t.Parallel()

	l := mock.NewListener(4)
	src := reader.New(reader.Stream(bytes.NewReader(make([]byte, audio.MinFrameBytes))), l)
	src.SetMuted(true)
	if !src.Muted() {
		t.Fatal("Muted() = false after SetMuted(true)")
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	nextFrame(t, l)
}

func TestClose_RejectsRestart(t *testing.T) {
	t.Parallel()

	src := reader.New(reader.Stream(bytes.NewReader(nil)), mock.NewListener(2))
	_ = src.Close()
	if err := src.Start(context.Background()); !errors.Is(err, capture.ErrStartFailed) {
		t.Errorf("Start after Close err = %v, want ErrStartFailed", err)
	}
}

func TestStream_RestartsUntilInputEnds(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	l := mock.NewListener(4)
	src := reader.New(reader.Stream(pr), l)
	frame := bytes.Repeat([]byte{1, 0}, audio.MinFrameBytes/2)
	feed := func() {
		go func() { _, _ = pw.Write(frame) }()
	}

	for round := range 2 {
		if err := src.Start(context.Background()); err != nil {
			t.Fatalf("round %d: Start: %v", round, err)
		}
		feed()
		if f := nextFrame(t, l); !bytes.Equal(f.Data, frame) {
			t.Fatalf("round %d: frame mismatch", round)
		}
		if err := src.Stop(); err != nil {
			t.Fatalf("round %d: Stop: %v", round, err)
		}
	}

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("third Start: %v", err)
	}
	_ = pw.Close()
	if err := nextErr(t, l); !errors.Is(err, io.EOF) {
		t.Fatalf("capture error = %v, want EOF", err)
	}
	if err := src.Start(context.Background()); !errors.Is(err, capture.ErrStartFailed) {
		t.Errorf("Start after input ended err = %v, want ErrStartFailed", err)
	}
}
