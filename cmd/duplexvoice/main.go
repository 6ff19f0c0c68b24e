// Command duplexvoice is the main entry point for the duplex voice session
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/duplexvoice/internal/app"
	"github.com/MrWong99/duplexvoice/internal/config"
	"github.com/MrWong99/duplexvoice/internal/observe"
	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/capture"
	"github.com/MrWong99/duplexvoice/pkg/provider/capture/reader"
	"github.com/MrWong99/duplexvoice/pkg/provider/focus"
	"github.com/MrWong99/duplexvoice/pkg/provider/focus/local"
	"github.com/MrWong99/duplexvoice/pkg/provider/tts"
	"github.com/MrWong99/duplexvoice/pkg/provider/tts/elevenlabs"
	oaitts "github.com/MrWong99/duplexvoice/pkg/provider/tts/openai"
	"github.com/MrWong99/duplexvoice/pkg/types"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	sampleRatio := flag.Float64("trace-sample", 0, "fraction of command traces to sample (0 samples all)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "duplexvoice: config file %q not found (copy configs/example.yaml to get started)\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "duplexvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(observe.NewTraceHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	)))

	slog.Info("duplexvoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup(ctx, observe.ProviderConfig{
		ServiceName:    "duplexvoice",
		ServiceVersion: version,
		SampleRatio:    *sampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{app.WithLogLevel(level), app.WithTelemetry(telemetry)}
	if *watch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("stdin", func(entry config.ProviderEntry, l capture.Listener) (capture.Source, error) {
		return reader.New(reader.Stream(os.Stdin), l, captureOptions(entry)...), nil
	})

	reg.RegisterCapture("file", func(entry config.ProviderEntry, l capture.Listener) (capture.Source, error) {
		path := entry.OptionString("path", "")
		if path == "" {
			return nil, errors.New("file capture requires options.path")
		}
		opts := append(captureOptions(entry), reader.WithPacing(entry.OptionBool("pace", true)))
		return reader.New(reader.File(path), l, opts...), nil
	})

	reg.RegisterCapture("command", func(entry config.ProviderEntry, l capture.Listener) (capture.Source, error) {
		argv := entry.OptionStrings("command")
		if len(argv) == 0 {
			return nil, errors.New("command capture requires options.command")
		}
		return reader.New(reader.Command(argv[0], argv[1:]...), l, captureOptions(entry)...), nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if voice := entry.OptionString("voice", ""); voice != "" {
			opts = append(opts, oaitts.WithVoice(voice))
		}
		if raw := entry.OptionString("timeout", ""); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("options.timeout: %w", err)
			}
			opts = append(opts, oaitts.WithTimeout(d))
		}
		if n := entry.OptionInt("max_retries", -1); n >= 0 {
			opts = append(opts, oaitts.WithMaxRetries(n))
		}
		return oaitts.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := entry.OptionString("output_format", ""); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if voice := entry.OptionString("voice", ""); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Focus ─────────────────────────────────────────────────────────────────

	reg.RegisterFocus("local", func(entry config.ProviderEntry, l focus.Listener) (focus.Arbiter, error) {
		var opts []local.Option
		if names := entry.OptionStrings("devices"); len(names) > 0 {
			routes := make([]types.Route, 0, len(names))
			for _, n := range names {
				r := types.Route(n)
				if !r.IsValid() {
					return nil, fmt.Errorf("options.devices: unknown route %q", n)
				}
				routes = append(routes, r)
			}
			opts = append(opts, local.WithDevices(routes...))
		}
		return local.New(l, opts...), nil
	})

	// ── Sink ──────────────────────────────────────────────────────────────────

	reg.RegisterSink("discard", func(config.ProviderEntry) (audio.Sink, error) {
		return audio.Discard, nil
	})

	reg.RegisterSink("stdout", func(config.ProviderEntry) (audio.Sink, error) {
		return audio.NewWriterSink(os.Stdout), nil
	})

	reg.RegisterSink("file", func(entry config.ProviderEntry) (audio.Sink, error) {
		f, err := os.Create(entry.OptionString("path", ""))
		if err != nil {
			return nil, err
		}
		return &fileSink{WriterSink: audio.NewWriterSink(f), f: f}, nil
	})

	for _, kind := range []string{"capture", "tts", "focus", "sink"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// captureOptions reads the raw input format shared by every capture provider.
func captureOptions(entry config.ProviderEntry) []reader.Option {
	opts := []reader.Option{reader.WithFormat(audio.Format{
		SampleRate: entry.OptionInt("sample_rate", audio.SampleRate),
		Channels:   entry.OptionInt("channels", 1),
	})}
	if n := entry.OptionInt("frame_bytes", 0); n > 0 {
		opts = append(opts, reader.WithFrameBytes(n))
	}
	return opts
}

// fileSink writes raw PCM to a file and closes it on shutdown.
type fileSink struct {
	*audio.WriterSink
	f *os.File
}

func (s *fileSink) Close() error { return s.f.Close() }

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      duplexvoice startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Capture", cfg.Providers.Capture.Name, "")
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("TTS fallback", cfg.Providers.TTSFallback.Name, cfg.Providers.TTSFallback.Model)
	printProvider("Focus", cfg.Providers.Focus.Name, "")
	printProvider("Sink", cfg.Providers.Sink.Name, "")
	if cfg.ASR.AutoReconnect {
		fmt.Printf("║  ASR reconnect   : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  ASR reconnect   : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Default mode    : %-19s ║\n", cfg.Session.DefaultMode)
	fmt.Printf("║  Bridge path     : %-19s ║\n", cfg.Server.BridgePath)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
