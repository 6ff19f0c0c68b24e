package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives the change set and the newly applied config.
type ReloadFunc func(diff ConfigDiff, cfg *Config)

// fileState identifies one version of the watched file.
type fileState struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// sameStat reports whether info still describes s without reading the file.
func (s fileState) sameStat(info os.FileInfo) bool {
	return info.ModTime().Equal(s.mtime) && info.Size() == s.size
}

// Watcher polls a config file and hands every valid change to a
// [ReloadFunc]. A file that fails to parse or validate is logged and
// skipped; the last valid config stays current and the same broken
// content is reported only once.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fileState // last state inspected, valid or not
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload diagnostics.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path once; the result must be valid.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second, onReload: onReload, log: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	st, data, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, st
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled and then returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.Check()
		}
	}
}

// Check polls the file once and reports whether a new config was applied.
func (w *Watcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: watcher cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	unchanged := w.seen.sameStat(info)
	w.mu.Unlock()
	if unchanged {
		return false
	}

	st, data, err := w.read()
	if err != nil {
		w.log.Warn("config: watcher cannot read file", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	if st.sum == w.seen.sum {
		// Touched, or reverted to content already judged.
		w.seen = st
		w.mu.Unlock()
		return false
	}
	w.seen = st
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.log.Warn("config: keeping previous config", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	diff := Diff(old, cfg)
	w.log.Info("config: reloaded",
		"path", w.path,
		"log_level_changed", diff.LogLevelChanged,
		"barge_in_changed", diff.BargeInChanged,
	)
	if len(diff.RestartRequired) > 0 {
		w.log.Warn("config: changes take effect after restart", "settings", diff.RestartRequired)
	}
	if w.onReload != nil {
		w.onReload(diff, cfg)
	}
	return true
}

// read returns the file's content and identity.
func (w *Watcher) read() (fileState, []byte, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return fileState{}, nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fileState{}, nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return fileState{}, nil, err
	}
	return fileState{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(buf.Bytes())}, buf.Bytes(), nil
}
