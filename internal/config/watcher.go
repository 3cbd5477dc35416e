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

// DefaultReloadInterval is how often a [Watcher] stats the config file.
const DefaultReloadInterval = 5 * time.Second

// ChangeFunc receives the previous config, the reloaded one and their diff.
type ChangeFunc func(old, new *Config, diff ConfigDiff)

// fingerprint identifies one version of the file. The modification time and
// size are compared first; the content hash settles touches and editors that
// rewrite identical bytes.
type fingerprint struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

func (f fingerprint) sameStat(info os.FileInfo) bool {
	return f.mtime.Equal(info.ModTime()) && f.size == info.Size()
}

// Watcher polls a config file and reports valid modifications. Polling works
// on the SD cards and overlay root filesystems Kanan devices boot from, where
// inotify events are not reliable.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	seen    fingerprint
	cancel  context.CancelFunc
	stopped bool
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultReloadInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a watcher that reports later
// changes to onChange. An unreadable or invalid file is an error here;
// later on it is only logged.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultReloadInterval, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}
	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx ends or Stop is called.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.cancel = cancel
	if w.stopped {
		cancel()
	}
	w.mu.Unlock()

	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.poll()
		}
	}
}

// Stop ends Run, including a Run that has not started yet.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: stat watched file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := w.seen.sameStat(info)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, fp, err := w.read()
	if err != nil {
		slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old, same := w.current, fp.sum == w.seen.sum
	w.seen = fp
	if !same {
		w.current = cfg
	}
	w.mu.Unlock()
	if same {
		return
	}

	d := Diff(old, cfg)
	slog.Info("config: reloaded", "path", w.path,
		"log_level", d.LogLevelChanged,
		"cooldowns", d.CooldownsChanged,
		"detector_interval", d.DetectorIntervalChanged,
		"object_recognition", d.ObjectRecognitionChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: restart needed to apply some sections", "sections", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
}

// read loads and validates the file and fingerprints the bytes it parsed.
func (w *Watcher) read() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
