package engine

import (
	"errors"
	"strings"
)

// ErrClosed is returned by every operation after [Engine.Close].
var ErrClosed = errors.New("engine: closed")

// Normalized error codes reported to the host.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeNotInitialized  = "not_initialized"
	CodeInitFailed      = "init_failed"
	CodeTTSUnavailable  = "tts_unavailable"
	CodeTTSFailed       = "tts_failed"
	CodeInternal        = "internal_error"
)

// Raw codes produced by the engine itself.
const (
	RawMissingSessionID   = "missing_session_id"
	RawMissingToken       = "missing_token"
	RawMissingWSURL       = "missing_ws_url"
	RawMissingModel       = "missing_model"
	RawMissingSnapshot    = "missing_snapshot"
	RawInvalidMode        = "invalid_mode"
	RawInvalidBargeIn     = "invalid_barge_in_config"
	RawInvalidSnapshot    = "invalid_snapshot"
	RawInvalidArgument    = "invalid_argument"
	RawNotInitialized     = "not_initialized"
	RawEngineInitFailed   = "engine_init_failed"
	RawCaptureInitFailed  = "audio_record_init_failed"
	RawCaptureStartFailed = "audio_record_start_failed"
	RawCaptureReadFailed  = "audio_record_read_failed"
	RawASRInvalidURL      = "asr_invalid_ws_url"
	RawASRError           = "asr_ws_error"
	RawTTSNotReady        = "tts_not_ready"
	RawFocusFeedless      = "focus_feed_unsupported"
	rawUnknown            = "unknown_error"
)

// NormalizedError is the host-facing form of a fault.
type NormalizedError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RawCode string `json:"rawCode"`
}

// MapError classifies a raw fault code. A blank raw code is reported as
// unknown_error and message is carried through unchanged.
func MapError(raw, message string) NormalizedError {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = rawUnknown
	}
	var code string
	switch {
	case strings.HasPrefix(raw, "missing_"), strings.HasPrefix(raw, "invalid_"):
		code = CodeInvalidArgument
	case raw == RawNotInitialized:
		code = CodeNotInitialized
	case strings.HasSuffix(raw, "_init_failed"):
		code = CodeInitFailed
	case raw == RawTTSNotReady:
		code = CodeTTSUnavailable
	case strings.HasPrefix(raw, "tts_error"):
		code = CodeTTSFailed
	default:
		code = CodeInternal
	}
	return NormalizedError{Code: code, Message: message, RawCode: raw}
}

// failure is the result of a synchronous command failure.
func failure(raw, message string) Result {
	return Result{"ok": false, "error": raw, "message": message}
}
