// Package asr defines the Transport interface for streaming speech
// recognition connections.
//
// A Transport carries microphone audio to a remote recognizer and surfaces
// its interim and final transcripts. The engine never decodes speech itself;
// everything past the socket belongs to the recognizer.
//
// Transports are fire-and-forget from the caller's point of view: Connect
// only validates its arguments and starts dialing in the background, and
// SendFrame enqueues without blocking. Failures are reported once through
// [Listener.OnError]; a Transport never retries on its own.
//
// Implementations must be safe for concurrent use.
package asr

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidURL is returned by Connect when the recognizer URL cannot be
// parsed or uses an unsupported scheme.
var ErrInvalidURL = errors.New("asr: invalid websocket url")

// Prefixes of [Listener.OnError] messages reporting that the connection is
// gone. Other messages are recognizer errors on a stream that stays open.
const (
	PrefixConnectionLost = "asr_ws_failure: "
	PrefixSendFailed     = "asr_send_error: "
)

// IsStreamLost reports whether an OnError message means the connection
// closed and the stream must be reopened.
func IsStreamLost(message string) bool {
	return strings.HasPrefix(message, PrefixConnectionLost) || strings.HasPrefix(message, PrefixSendFailed)
}

// Listener receives recognizer output. Callbacks may arrive on any goroutine
// and must not block.
type Listener interface {
	// OnInterim delivers a partial transcript for the current turn.
	OnInterim(text string)

	// OnFinal delivers the final transcript of a turn.
	OnFinal(text string)

	// OnError reports a connection or protocol failure. It is never called for
	// failures caused by Disconnect or by a newer Connect replacing the
	// connection.
	OnError(message string)
}

// ConnectConfig describes one recognizer session.
type ConnectConfig struct {
	// Token is sent as a bearer credential.
	Token string

	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// Model is appended to URL as the model query parameter.
	Model string

	// Language is the transcription language hint, e.g. "zh".
	Language string

	// UseServerVAD asks the recognizer to detect turn ends itself. When
	// false the client ends turns explicitly with Commit.
	UseServerVAD bool

	// SilenceMs is the trailing silence that ends a turn under server VAD.
	SilenceMs int
}

// Transport is a streaming recognition connection.
type Transport interface {
	// Connect tears down any existing connection and starts a new one. The
	// session configuration is sent exactly once, immediately after the
	// connection opens, and never again for that connection.
	Connect(ctx context.Context, cfg ConnectConfig) error

	// SendFrame streams one PCM16 16 kHz mono frame. It is a no-op while not
	// connected.
	SendFrame(frame []byte)

	// Commit ends the current turn. Only meaningful without server VAD.
	Commit()

	// Disconnect closes the connection. Errors caused by the close are
	// swallowed. Calling it while disconnected is safe.
	Disconnect()

	// Connected reports whether the connection is open and configured.
	Connected() bool
}
