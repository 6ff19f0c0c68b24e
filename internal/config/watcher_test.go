package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplexvoice/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
session:
  barge_in:
    energy_threshold: 0.12
`

const watcherUpdatedYAML = `
server:
  log_level: debug
session:
  barge_in:
    energy_threshold: 0.3
    cooldown_ms: 900
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// bumpMtime moves the file's modification time forward so a rewrite within
// the filesystem's timestamp granularity is still noticed.
func bumpMtime(t *testing.T, path string, by time.Duration) {
	t.Helper()
	ts := time.Now().Add(by)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

type reloadRecorder struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
	cfgs  []*config.Config
}

func (r *reloadRecorder) fn(d config.ConfigDiff, cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diffs = append(r.diffs, d)
	r.cfgs = append(r.cfgs, cfg)
}

func (r *reloadRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.diffs)
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if got := cfg.Session.BargeIn.Resolve().EnergyThreshold; got != 0.12 {
		t.Errorf("energy_threshold: got %v", got)
	}
}

func TestWatcher_CheckReportsDiff(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var rec reloadRecorder
	w, err := config.NewWatcher(cfgPath, rec.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writeFile(t, cfgPath, watcherUpdatedYAML)
	bumpMtime(t, cfgPath, time.Second)
	if !w.Check() {
		t.Fatal("Check() = false after a content change")
	}
	if rec.count() != 1 {
		t.Fatalf("callback calls = %d, want 1", rec.count())
	}
	d := rec.diffs[0]
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.BargeInChanged || d.NewBargeIn.EnergyThreshold != 0.3 || d.NewBargeIn.CooldownMs != 900 {
		t.Errorf("barge-in diff = %+v", d)
	}
	if w.Current() != rec.cfgs[0] {
		t.Error("Current() should return the config passed to the callback")
	}

	// A second check without further changes is a no-op.
	if w.Check() {
		t.Error("Check() = true without changes")
	}
}

func TestWatcher_RunDetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	called := make(chan config.ConfigDiff, 1)
	w, err := config.NewWatcher(cfgPath, func(d config.ConfigDiff, _ *config.Config) {
		select {
		case called <- d:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, cfgPath, watcherUpdatedYAML)
	bumpMtime(t, cfgPath, time.Second)

	select {
	case d := <-called:
		if !d.LogLevelChanged {
			t.Errorf("diff = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var rec reloadRecorder
	w, err := config.NewWatcher(cfgPath, rec.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writeFile(t, cfgPath, watcherInvalidYAML)
	bumpMtime(t, cfgPath, time.Second)
	if w.Check() {
		t.Error("Check() = true for an invalid file")
	}
	if rec.count() != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", rec.count())
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}

	// Fixing the file is picked up again.
	writeFile(t, cfgPath, watcherUpdatedYAML)
	bumpMtime(t, cfgPath, 2*time.Second)
	if !w.Check() {
		t.Error("Check() = false after the file was fixed")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var rec reloadRecorder
	w, err := config.NewWatcher(cfgPath, rec.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bumpMtime(t, cfgPath, time.Second)
	if w.Check() {
		t.Error("Check() = true for a touch-only change")
	}
	if rec.count() != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", rec.count())
	}
}
