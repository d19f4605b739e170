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

// DefaultWatchInterval is how often [Watcher.Run] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous and the newly loaded configuration
// together with their difference. It is only called for valid files whose
// content actually changed.
type ChangeFunc func(old, new *Config, diff ConfigDiff)

// Watcher reloads a config file while `talescribe serve` runs. It polls the
// file's size and modification time and confirms a change by content hash,
// so editors that rewrite identical bytes do not trigger a reload. Reloads
// can also be forced with [Watcher.Reload], for example on SIGHUP.
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger
	kick     chan struct{}

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
}

// fileStamp identifies one version of the config file on disk.
type fileStamp struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path once and returns a Watcher primed with that
// configuration. Nothing is polled until [Watcher.Run] is called.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		log:      slog.Default(),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := readStamped(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp = cfg, stamp
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks a running [Watcher.Run] loop to re-read the file on its next
// iteration regardless of the file's modification time. It never blocks.
func (w *Watcher) Reload() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run polls the file until ctx is done and calls onChange for every valid
// change. Invalid files are logged and the previous configuration is kept.
// Run returns nil when ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, onChange ChangeFunc) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		var force bool
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.kick:
			force = true
		}

		old, next, err := w.Check(force)
		if err != nil {
			w.log.Warn("config: keeping previous configuration", "path", w.path, "err", err)
			continue
		}
		if next == nil {
			continue
		}
		diff := Diff(old, next)
		w.log.Info("config: reloaded",
			"path", w.path,
			"story", diff.StoryChanged,
			"providers", diff.ProvidersChanged,
			"voice", diff.VoiceChanged,
			"log_level", diff.LogLevelChanged,
		)
		for _, field := range diff.RestartRequired {
			w.log.Warn("config: change needs a restart to take effect", "field", field)
		}
		if onChange != nil {
			onChange(old, next, diff)
		}
	}
}

// Check performs one poll. It returns the previous and the new config when
// the file content changed, (nil, nil, nil) when it did not, and an error when
// the file cannot be read or fails validation. With force set, the size and
// modification time shortcut is skipped.
func (w *Watcher) Check(force bool) (old, next *Config, err error) {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return nil, nil, err
		}
		w.mu.Lock()
		same := info.Size() == w.stamp.size && info.ModTime().Equal(w.stamp.mtime)
		w.mu.Unlock()
		if same {
			return nil, nil, nil
		}
	}

	cfg, stamp, err := readStamped(w.path)
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if stamp.sum == w.stamp.sum {
		w.stamp = stamp
		return nil, nil, nil
	}
	old = w.current
	w.current, w.stamp = cfg, stamp
	return old, cfg, nil
}

// readStamped reads, validates and fingerprints the file at path.
func readStamped(path string) (*Config, fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{size: info.Size(), mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
