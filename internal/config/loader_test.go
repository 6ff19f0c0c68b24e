package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/duplexvoice/internal/config"
)

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"bridge path", "server:\n  bridge_path: duplex\n", "bridge_path"},
		{"negative burst", "server:\n  command_burst: -1\n", "command_burst"},
		{"mode", "session:\n  default_mode: walkie\n", "default_mode"},
		{"barge-in threshold", "session:\n  barge_in:\n    energy_threshold: 0\n", "barge_in"},
		{"barge-in min speech", "session:\n  barge_in:\n    min_speech_ms: -5\n", "barge_in"},
		{"speech rate", "session:\n  speech_rate: 9\n", "speech_rate"},
		{"asr scheme", "asr:\n  url: https://asr.example.com\n", "asr.url"},
		{"asr silence", "asr:\n  silence_ms: -1\n", "silence_ms"},
		{"reconnect without endpoint", "asr:\n  auto_reconnect: true\n", "auto_reconnect"},
		{"reconnect attempts", "asr:\n  reconnect:\n    max_attempts: -2\n", "max_attempts"},
		{"reconnect backoff order", "asr:\n  reconnect:\n    initial_backoff: 5s\n    max_backoff: 1s\n", "initial_backoff"},
		{"fallback without primary", "providers:\n  tts_fallback:\n    name: elevenlabs\n", "tts_fallback"},
		{"file capture without path", "providers:\n  capture:\n    name: file\n", "options.path"},
		{"command capture without command", "providers:\n  capture:\n    name: command\n", "options.command"},
		{"file sink without path", "providers:\n  sink:\n    name: file\n", "options.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error should mention %q, got: %v", tt.mention, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
session:
  default_mode: walkie
asr:
  silence_ms: -3
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"log_level", "default_mode", "silence_ms"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderNameOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  tts:
    name: my-own-tts
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown provider names should only warn, got: %v", err)
	}
}

func TestValidate_ReconnectWithEndpointIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
asr:
  url: ws://localhost:9000/realtime
  model: m
  token: t
  auto_reconnect: true
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for kind, want := range map[string]string{
		"capture": "stdin",
		"tts":     "openai",
		"focus":   "local",
		"sink":    "discard",
	} {
		if !slices.Contains(config.ValidProviderNames[kind], want) {
			t.Errorf("ValidProviderNames[%q] should contain %q", kind, want)
		}
	}
}
