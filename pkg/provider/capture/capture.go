// Package capture defines the Source interface for microphone audio.
//
// A Source produces PCM16 mono 16 kHz frames from a blocking read loop on
// its own goroutine and hands each one to its [Listener]. It keeps delivering
// while muted: the mute flag only tells the engine not to forward frames to
// recognition, and barge-in detection still needs every frame.
package capture

import (
	"context"
	"errors"

	"github.com/MrWong99/duplexvoice/pkg/audio"
)

// ErrStartFailed wraps every device failure returned by Start.
var ErrStartFailed = errors.New("capture: start failed")

// Listener receives captured audio. Callbacks arrive on the capture goroutine
// and must not block.
type Listener interface {
	// OnFrame delivers one captured frame.
	OnFrame(frame audio.Frame)

	// OnCaptureError reports a read failure (including end of input) that
	// stopped capture. It is never called for a Stop-induced shutdown.
	OnCaptureError(err error)
}

// Source is a capture device.
type Source interface {
	// Start opens the device and starts the read loop. Starting a running
	// source is a no-op.
	Start(ctx context.Context) error

	// Stop ends the read loop. No frame is delivered after Stop returns.
	// Stopping a stopped source is a no-op.
	Stop() error

	// Active reports whether the read loop is running.
	Active() bool

	// SetMuted records the recognition mute flag. Frames keep flowing.
	SetMuted(muted bool)

	// Close stops the source for good.
	Close() error
}
