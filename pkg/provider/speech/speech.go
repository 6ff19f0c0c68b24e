// Package speech defines the Output interface: the component that turns a
// text request into audible speech and reports its lifecycle.
//
// An Output owns a single utterance at a time. A new Play replaces whatever
// is speaking, and every request id handed to Play receives exactly one
// completion through [Listener.OnCompleted], whether it played to the end,
// was stopped, was replaced or failed.
package speech

import "errors"

var (
	// ErrEmptyText is returned by Play for blank text. No completion follows.
	ErrEmptyText = errors.New("speech: empty text")

	// ErrNotReady is returned by Play when the backend failed to initialise
	// or the output is closed.
	ErrNotReady = errors.New("speech: not ready")
)

// Completion reasons and error codes reported through [Listener.OnCompleted].
const (
	ReasonCompleted = "completed"
	ReasonReplaced  = "replaced"
	ReasonError     = "error"

	CodeNotReady = "tts_not_ready"
	CodeError    = "tts_error"
)

// Listener receives lifecycle callbacks. Callbacks may arrive on any
// goroutine and must not block.
type Listener interface {
	// OnStarted fires when the first audio of requestID reaches the sink.
	OnStarted(requestID string)

	// OnCompleted fires exactly once per request id. On success errCode is
	// empty and reason is [ReasonCompleted], [ReasonReplaced] or the reason
	// given to Stop. On failure reason is [ReasonError] and errCode is
	// [CodeNotReady], [CodeError] or CodeError + "_" + backend code.
	OnCompleted(requestID string, success bool, reason, errCode string)

	// OnInitDiagnostics reports how backend initialisation went.
	OnInitDiagnostics(ready bool, engine, detail string)
}

// Output speaks text requests.
type Output interface {
	// Play starts speaking text, replacing any current utterance. rate is a
	// speed multiplier (1.0 = normal) and locale a BCP-47 tag.
	Play(requestID, text string, rate float64, locale string) error

	// Stop cancels queued and active speech, completing each with reason.
	Stop(reason string)

	// Close stops everything and releases the backend.
	Close() error
}
