package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livecoach/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
session:
  provider: loopback
capture:
  device: portaudio
  duration: 3s
`

const watcherUpdatedYAML = `
server:
  log_level: debug
session:
  provider: loopback
  voice: Puck
capture:
  device: portaudio
  duration: 4s
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

// changeRecorder collects watcher callbacks.
type changeRecorder struct {
	mu      sync.Mutex
	changes [][2]*config.Config
	signal  chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{signal: make(chan struct{}, 16)}
}

func (r *changeRecorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.changes = append(r.changes, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *changeRecorder) wait(t *testing.T) [2]*config.Config {
	t.Helper()
	select {
	case <-r.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func newTestWatcher(t *testing.T, content string, onChange func(old, new *config.Config), opts ...config.WatcherOption) (*config.Watcher, string) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "livecoach.yaml")
	writeFile(t, cfgPath, content)
	opts = append([]config.WatcherOption{config.WithInterval(20 * time.Millisecond)}, opts...)
	w, err := config.NewWatcher(cfgPath, onChange, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, cfgPath
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newTestWatcher(t, watcherValidYAML, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Capture.Duration != 3*time.Second {
		t.Errorf("capture.duration: got %v, want 3s", cfg.Capture.Duration)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	rec := newChangeRecorder()
	w, cfgPath := newTestWatcher(t, watcherValidYAML, rec.onChange)

	writeFile(t, cfgPath, watcherUpdatedYAML)
	change := rec.wait(t)
	old, next := change[0], change[1]

	if old.Server.LogLevel != config.LogInfo {
		t.Errorf("old log_level: got %q, want %q", old.Server.LogLevel, config.LogInfo)
	}
	if next.Server.LogLevel != config.LogDebug {
		t.Errorf("new log_level: got %q, want %q", next.Server.LogLevel, config.LogDebug)
	}
	d := config.Diff(old, next)
	if !d.SessionChanged || !d.CaptureChanged || d.RestartRequired {
		t.Errorf("diff = %+v, want session and capture changes only", d)
	}
	if w.Current() != next {
		t.Error("Current() should return the published snapshot")
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	rec := newChangeRecorder()
	errs := make(chan error, 16)
	w, cfgPath := newTestWatcher(t, watcherValidYAML, rec.onChange,
		config.WithErrorHandler(func(err error) {
			select {
			case errs <- err:
			default:
			}
		}))

	writeFile(t, cfgPath, watcherInvalidYAML)

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("error handler called with nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("invalid revision was not reported")
	}

	if n := rec.count(); n != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", n)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}
}

func TestWatcher_OverrideAppliedToEveryRevision(t *testing.T) {
	t.Parallel()
	rec := newChangeRecorder()
	w, cfgPath := newTestWatcher(t, watcherValidYAML, rec.onChange,
		config.WithOverride(func(c *config.Config) { c.Server.LogLevel = config.LogError }))

	if got := w.Current().Server.LogLevel; got != config.LogError {
		t.Errorf("initial log_level = %q, want override %q", got, config.LogError)
	}

	writeFile(t, cfgPath, watcherUpdatedYAML)
	next := rec.wait(t)[1]
	if next.Server.LogLevel != config.LogError {
		t.Errorf("reloaded log_level = %q, want override %q", next.Server.LogLevel, config.LogError)
	}
	if next.Session.Voice != "Puck" {
		t.Errorf("reloaded voice = %q, want Puck", next.Session.Voice)
	}
}

func TestWatcher_ReloadBypassesPolling(t *testing.T) {
	t.Parallel()
	rec := newChangeRecorder()
	cfgPath := filepath.Join(t.TempDir(), "livecoach.yaml")
	writeFile(t, cfgPath, watcherValidYAML)
	w, err := config.NewWatcher(cfgPath, rec.onChange, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherUpdatedYAML)
	w.Reload()

	if next := rec.wait(t)[1]; next.Session.Voice != "Puck" {
		t.Errorf("voice = %q, want Puck", next.Session.Voice)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, bad, watcherInvalidYAML)
	if _, err := config.NewWatcher(bad, nil); err == nil {
		t.Fatal("expected error for invalid file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := newTestWatcher(t, watcherValidYAML, nil)

	w.Stop()
	w.Stop()
	w.Reload() // no-op once stopped
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	rec := newChangeRecorder()
	w, cfgPath := newTestWatcher(t, watcherValidYAML, rec.onChange)
	before := w.Current()

	now := time.Now().Add(time.Second)
	if err := os.Chtimes(cfgPath, now, now); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}
	w.Reload()
	time.Sleep(200 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", n)
	}
	if w.Current() != before {
		t.Error("snapshot replaced without a content change")
	}
}
