package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/talescribe/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
providers:
  text:
    name: gemini
story:
  style: fairy tale
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  text:
    name: gemini
story:
  style: noir
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// newWatchedFile writes content to a temp config file and returns a Watcher
// for it.
func newWatchedFile(t *testing.T, content string, opts ...config.WatcherOption) (string, *config.Watcher) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "talescribe.yaml")
	writeFile(t, path, content)
	w, err := config.NewWatcher(path, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return path, w
}

// bumpMtime moves the file's modification time forward so the size and
// mtime shortcut cannot hide a rewrite on coarse-grained filesystems.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestNewWatcher_LoadsInitialConfig(t *testing.T) {
	t.Parallel()

	_, w := newWatchedFile(t, watcherValidYAML)
	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil")
	}
	if cfg.Server.LogLevel != config.LogInfo || cfg.Story.Style != "fairy tale" {
		t.Errorf("Current() = level %q style %q", cfg.Server.LogLevel, cfg.Story.Style)
	}
}

func TestNewWatcher_Errors(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, watcherInvalidYAML)
	if _, err := config.NewWatcher(path); err == nil {
		t.Error("expected error for invalid file")
	}
}

func TestWatcher_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		rewrite   string // "" leaves the content alone
		force     bool
		wantNew   bool
		wantErr   bool
		wantLevel config.LogLevel
	}{
		{name: "untouched", wantLevel: config.LogInfo},
		{name: "touched only", force: false, rewrite: watcherValidYAML, wantLevel: config.LogInfo},
		{name: "forced without change", force: true, wantLevel: config.LogInfo},
		{name: "content changed", rewrite: watcherUpdatedYAML, wantNew: true, wantLevel: config.LogDebug},
		{name: "invalid keeps previous", rewrite: watcherInvalidYAML, wantErr: true, wantLevel: config.LogInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path, w := newWatchedFile(t, watcherValidYAML)
			if tt.rewrite != "" {
				writeFile(t, path, tt.rewrite)
				bumpMtime(t, path)
			}

			old, next, err := w.Check(tt.force)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (next != nil) != tt.wantNew {
				t.Fatalf("Check() new = %v, want new %v", next, tt.wantNew)
			}
			if tt.wantNew && old.Server.LogLevel != config.LogInfo {
				t.Errorf("old level = %q", old.Server.LogLevel)
			}
			if got := w.Current().Server.LogLevel; got != tt.wantLevel {
				t.Errorf("Current() level = %q, want %q", got, tt.wantLevel)
			}
		})
	}
}

func TestWatcher_CheckReportsEachChangeOnce(t *testing.T) {
	t.Parallel()

	path, w := newWatchedFile(t, watcherValidYAML)
	writeFile(t, path, watcherUpdatedYAML)
	bumpMtime(t, path)

	if _, next, err := w.Check(false); err != nil || next == nil {
		t.Fatalf("first Check() = %v, %v; want a new config", next, err)
	}
	if _, next, err := w.Check(true); err != nil || next != nil {
		t.Fatalf("second Check() = %v, %v; want no change", next, err)
	}
}

func TestWatcher_RunCallsOnChange(t *testing.T) {
	t.Parallel()

	path, w := newWatchedFile(t, watcherValidYAML, config.WithInterval(20*time.Millisecond))

	type change struct {
		old, new *config.Config
		diff     config.ConfigDiff
	}
	changes := make(chan change, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(old, new *config.Config, d config.ConfigDiff) {
			changes <- change{old, new, d}
		})
	}()

	writeFile(t, path, watcherUpdatedYAML)
	bumpMtime(t, path)

	select {
	case c := <-changes:
		if c.old.Story.Style != "fairy tale" || c.new.Story.Style != "noir" {
			t.Errorf("styles = %q -> %q", c.old.Story.Style, c.new.Story.Style)
		}
		if !c.diff.StoryChanged || !c.diff.LogLevelChanged || c.diff.NewLogLevel != config.LogDebug {
			t.Errorf("diff = %+v", c.diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onChange not called")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil after cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_ReloadForcesRead(t *testing.T) {
	t.Parallel()

	// An hour-long interval means only Reload can trigger a read.
	path, w := newWatchedFile(t, watcherValidYAML, config.WithInterval(time.Hour))
	got := make(chan *config.Config, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = w.Run(ctx, func(_, next *config.Config, _ config.ConfigDiff) { got <- next })
	}()

	writeFile(t, path, watcherUpdatedYAML)
	w.Reload()
	w.Reload() // coalesced, must not block

	select {
	case cfg := <-got:
		if cfg.Story.Style != "noir" {
			t.Errorf("style = %q, want noir", cfg.Story.Style)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reload did not trigger a reload")
	}
}

func TestWatcher_RunSkipsInvalidFile(t *testing.T) {
	t.Parallel()

	path, w := newWatchedFile(t, watcherValidYAML, config.WithInterval(20*time.Millisecond))
	calls := make(chan struct{}, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	writeFile(t, path, watcherInvalidYAML)
	bumpMtime(t, path)
	_ = w.Run(ctx, func(_, _ *config.Config, _ config.ConfigDiff) { calls <- struct{}{} })

	select {
	case <-calls:
		t.Error("onChange called for an invalid file")
	default:
	}
	if w.Current().Story.Style != "fairy tale" {
		t.Errorf("Current() style = %q, want previous config", w.Current().Story.Style)
	}
}
