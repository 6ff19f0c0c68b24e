package config

import "github.com/MrWong99/duplexvoice/pkg/types"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	BargeInChanged bool
	NewBargeIn     types.BargeInConfig

	// RestartRequired lists changed settings that only take effect after a
	// restart (e.g. "server.listen_addr", "providers.tts").
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.BargeInChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Barge-in
	if ob, nb := old.Session.BargeIn.Resolve(), new.Session.BargeIn.Resolve(); ob != nb {
		d.BargeInChanged = true
		d.NewBargeIn = nb
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.BridgePath != new.Server.BridgePath {
		d.RestartRequired = append(d.RestartRequired, "server.bridge_path")
	}
	if old.ASR != new.ASR {
		d.RestartRequired = append(d.RestartRequired, "asr")
	}
	for _, p := range []struct {
		name     string
		old, new ProviderEntry
	}{
		{"providers.capture", old.Providers.Capture, new.Providers.Capture},
		{"providers.tts", old.Providers.TTS, new.Providers.TTS},
		{"providers.tts_fallback", old.Providers.TTSFallback, new.Providers.TTSFallback},
		{"providers.focus", old.Providers.Focus, new.Providers.Focus},
		{"providers.sink", old.Providers.Sink, new.Providers.Sink},
	} {
		if !entryEqual(p.old, p.new) {
			d.RestartRequired = append(d.RestartRequired, p.name)
		}
	}
	return d
}

// entryEqual compares the scalar fields of two entries and the presence of
// their options.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !optionEqual(av, bv) {
			return false
		}
	}
	return true
}

func optionEqual(a, b any) bool {
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !optionEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			return false
		}
		return entryEqual(ProviderEntry{Options: av}, ProviderEntry{Options: bv})
	default:
		return a == b
	}
}
