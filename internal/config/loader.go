package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"capture": {"stdin", "file", "command"},
	"tts":     {"openai", "elevenlabs"},
	"focus":   {"local"},
	"sink":    {"discard", "stdout", "file"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if p := cfg.Server.BridgePath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("server.bridge_path %q must start with /", p))
	}
	if cfg.Server.CommandBurst < 0 {
		errs = append(errs, fmt.Errorf("server.command_burst %d must not be negative", cfg.Server.CommandBurst))
	}

	// Session
	if m := cfg.Session.DefaultMode; m != "" && !m.IsValid() {
		errs = append(errs, fmt.Errorf("session.default_mode %q is invalid; valid values: auto, pushToTalk, keyboard", m))
	}
	if err := cfg.Session.BargeIn.Resolve().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session.barge_in: %w", err))
	}
	if r := cfg.Session.SpeechRate; r != 0 && (r < 0.1 || r > 4) {
		errs = append(errs, fmt.Errorf("session.speech_rate %.2f is out of range [0.1, 4]", r))
	}

	// ASR
	if u := cfg.ASR.URL; u != "" {
		if parsed, err := url.Parse(u); err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("asr.url %q must be a ws:// or wss:// URL", u))
		}
	}
	if cfg.ASR.SilenceMs < 0 {
		errs = append(errs, fmt.Errorf("asr.silence_ms %d must not be negative", cfg.ASR.SilenceMs))
	}
	if cfg.ASR.AutoReconnect {
		if cfg.ASR.URL == "" || cfg.ASR.Model == "" || cfg.ASR.Token == "" {
			errs = append(errs, errors.New("asr.auto_reconnect requires asr.url, asr.model and asr.token"))
		}
	}
	rc := cfg.ASR.Reconnect
	if rc.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("asr.reconnect.max_attempts %d must not be negative", rc.MaxAttempts))
	}
	if rc.InitialBackoff < 0 || rc.MaxBackoff < 0 {
		errs = append(errs, errors.New("asr.reconnect backoffs must not be negative"))
	}
	if rc.MaxBackoff > 0 && rc.InitialBackoff > rc.MaxBackoff {
		errs = append(errs, fmt.Errorf("asr.reconnect.initial_backoff %s exceeds max_backoff %s", rc.InitialBackoff, rc.MaxBackoff))
	}

	// Providers
	validateProviderName("capture", cfg.Providers.Capture.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("tts", cfg.Providers.TTSFallback.Name)
	validateProviderName("focus", cfg.Providers.Focus.Name)
	validateProviderName("sink", cfg.Providers.Sink.Name)

	if cfg.Providers.TTS.Name == "" {
		if cfg.Providers.TTSFallback.Name != "" {
			errs = append(errs, errors.New("providers.tts_fallback is set but providers.tts is not configured"))
		} else {
			slog.Warn("no TTS provider configured; playTts will report tts_not_ready")
		}
	}
	switch cfg.Providers.Capture.Name {
	case "file":
		if cfg.Providers.Capture.OptionString("path", "") == "" {
			errs = append(errs, errors.New("providers.capture: file capture requires options.path"))
		}
	case "command":
		if len(cfg.Providers.Capture.OptionStrings("command")) == 0 {
			errs = append(errs, errors.New("providers.capture: command capture requires options.command"))
		}
	}
	if cfg.Providers.Sink.Name == "file" && cfg.Providers.Sink.OptionString("path", "") == "" {
		errs = append(errs, errors.New("providers.sink: file sink requires options.path"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
