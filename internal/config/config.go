// Package config provides the configuration schema, loader, and provider registry
// for the duplexvoice host.
package config

import (
	"time"

	"github.com/MrWong99/duplexvoice/pkg/types"
)

// LogLevel controls log verbosity for the duplexvoice server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for duplexvoice.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	ASR       ASRConfig       `yaml:"asr"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// BridgePath is the HTTP path of the websocket bridge. Defaults to
	// "/v1/duplex".
	BridgePath string `yaml:"bridge_path"`

	// CommandRate is the sustained number of commands per second each bridge
	// client may send. Zero uses the bridge default; negative disables limiting.
	CommandRate float64 `yaml:"command_rate"`

	// CommandBurst is the bridge limiter burst size.
	CommandBurst int `yaml:"command_burst"`

	// AllowedOrigins lists host patterns accepted for cross-origin websocket
	// handshakes.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SessionConfig holds the defaults a new session starts with.
type SessionConfig struct {
	// DefaultMode is used when initialize names no mode. Defaults to auto.
	DefaultMode types.Mode `yaml:"default_mode"`

	// BargeIn is the initial barge-in detector configuration. Omitted fields
	// keep the built-in defaults.
	BargeIn BargeInConfig `yaml:"barge_in"`

	// SpeechRate is the playback rate used when playTts gives none.
	SpeechRate float64 `yaml:"speech_rate"`

	// Locale is the speech locale used when playTts gives none.
	Locale string `yaml:"locale"`
}

// BargeInConfig mirrors [types.BargeInConfig] with optional fields, so a
// config file can override a subset of the defaults.
type BargeInConfig struct {
	Enabled         *bool    `yaml:"enabled"`
	EnergyThreshold *float64 `yaml:"energy_threshold"`
	MinSpeechMs     *int     `yaml:"min_speech_ms"`
	CooldownMs      *int     `yaml:"cooldown_ms"`
}

// Patch converts b into a patch over [types.DefaultBargeInConfig].
func (b BargeInConfig) Patch() types.BargeInPatch {
	return types.BargeInPatch{
		Enabled:         b.Enabled,
		EnergyThreshold: b.EnergyThreshold,
		MinSpeechMs:     b.MinSpeechMs,
		CooldownMs:      b.CooldownMs,
	}
}

// Resolve returns the effective barge-in configuration.
func (b BargeInConfig) Resolve() types.BargeInConfig {
	return b.Patch().Apply(types.DefaultBargeInConfig())
}

// ASRConfig configures the recognition stream the host may open on its own
// behalf, and the optional reconnect supervisor.
type ASRConfig struct {
	// URL is the realtime transcription websocket endpoint.
	URL string `yaml:"url"`

	// Model is the transcription model name.
	Model string `yaml:"model"`

	// Token is the bearer token for the endpoint.
	Token string `yaml:"token"`

	// Language is the transcription language hint. Defaults to "zh".
	Language string `yaml:"language"`

	// SilenceMs is the server VAD silence duration. Defaults to 1000.
	SilenceMs int `yaml:"silence_ms"`

	// AutoReconnect reopens the stream after an asr_ws_error.
	AutoReconnect bool `yaml:"auto_reconnect"`

	// Reconnect tunes the reconnect backoff.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes the ASR reconnect backoff.
type ReconnectConfig struct {
	// MaxAttempts is the number of retries before giving up. Zero means 5.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the delay before the first retry. Zero means 500ms.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the exponential backoff. Zero means 30s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ProvidersConfig declares which provider implementation to use for each
// component. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	Capture     ProviderEntry `yaml:"capture"`
	TTS         ProviderEntry `yaml:"tts"`
	TTSFallback ProviderEntry `yaml:"tts_fallback"`
	Focus       ProviderEntry `yaml:"focus"`
	Sink        ProviderEntry `yaml:"sink"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "tts-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// OptionString returns the string option key, or def when absent.
func (e ProviderEntry) OptionString(key, def string) string {
	if s, ok := e.Options[key].(string); ok && s != "" {
		return s
	}
	return def
}

// OptionStrings returns the list option key. A single string is treated as
// a one-element list.
func (e ProviderEntry) OptionStrings(key string) []string {
	switch v := e.Options[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// OptionBool returns the boolean option key, or def when absent.
func (e ProviderEntry) OptionBool(key string, def bool) bool {
	if b, ok := e.Options[key].(bool); ok {
		return b
	}
	return def
}

// OptionInt returns the integer option key, or def when absent.
func (e ProviderEntry) OptionInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr = ":8080"
	DefaultBridgePath = "/v1/duplex"
	DefaultLanguage   = "zh"
	DefaultSilenceMs  = 1000
	DefaultSpeechRate = 1.0
	DefaultLocale     = "zh-CN"
)

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.BridgePath == "" {
		cfg.Server.BridgePath = DefaultBridgePath
	}
	if cfg.Session.DefaultMode == "" {
		cfg.Session.DefaultMode = types.ModeAuto
	}
	if cfg.Session.SpeechRate == 0 {
		cfg.Session.SpeechRate = DefaultSpeechRate
	}
	if cfg.Session.Locale == "" {
		cfg.Session.Locale = DefaultLocale
	}
	if cfg.ASR.Language == "" {
		cfg.ASR.Language = DefaultLanguage
	}
	if cfg.ASR.SilenceMs == 0 {
		cfg.ASR.SilenceMs = DefaultSilenceMs
	}
	if cfg.Providers.Capture.Name == "" {
		cfg.Providers.Capture.Name = "stdin"
	}
	if cfg.Providers.Focus.Name == "" {
		cfg.Providers.Focus.Name = "local"
	}
	if cfg.Providers.Sink.Name == "" {
		cfg.Providers.Sink.Name = "discard"
	}
}
