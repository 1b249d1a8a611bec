package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling period used unless [WithInterval] says
// otherwise.
const DefaultWatchInterval = 5 * time.Second

// Watcher publishes new revisions of a config file. It polls the file's size
// and mtime and only re-reads when one of them moves; the content hash then
// decides whether the revision is new. Revisions that fail to parse or
// validate are reported and the previous snapshot stays current.
//
// Snapshots handed out by [Watcher.Current] and the change callback are never
// mutated afterwards.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onError  func(error)
	override func(*Config)

	mu      sync.Mutex
	current *Config
	state   fileState

	reload   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// fileState identifies one revision of the watched file.
type fileState struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

func (s fileState) statMatches(info os.FileInfo) bool {
	return info.Size() == s.size && info.ModTime().Equal(s.mtime)
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOverride registers fn to adjust every loaded revision, including the
// initial one, before it is published. Command-line overrides use this so a
// reload does not silently drop them.
func WithOverride(fn func(*Config)) WatcherOption {
	return func(w *Watcher) { w.override = fn }
}

// WithErrorHandler receives revisions that could not be loaded. Without it
// they are logged at warn level.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path and starts polling it in the background. onChange,
// when non-nil, is called from the polling goroutine with the previous and
// the new snapshot each time a valid new revision appears.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		reload:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.state = st

	w.wg.Go(w.run)
	return w, nil
}

// Current returns the most recently published snapshot.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks the watcher to re-read the file now, bypassing the size and
// mtime shortcut. It does not wait for the result.
func (w *Watcher) Reload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Stop ends polling and waits for an in-progress callback to return. It is
// idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Watcher) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check(false)
		case <-w.reload:
			w.check(true)
		}
	}
}

// check publishes the file's current revision if it is new and valid.
func (w *Watcher) check(force bool) {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.fail(err)
			return
		}
		w.mu.Lock()
		unchanged := w.state.statMatches(info)
		w.mu.Unlock()
		if unchanged {
			return
		}
	}

	cfg, st, err := w.read()
	if err != nil {
		// Remember the broken revision so it is reported once, not per poll.
		if !st.mtime.IsZero() {
			w.mu.Lock()
			w.state.mtime, w.state.size = st.mtime, st.size
			w.mu.Unlock()
		}
		w.fail(err)
		return
	}

	w.mu.Lock()
	if st.sum == w.state.sum {
		w.state = st
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.state = st
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) fail(err error) {
	if w.onError != nil {
		w.onError(err)
		return
	}
	slog.Warn("config reload skipped", "path", w.path, "err", err)
}

// read loads and validates one revision of the file. The returned state
// carries the stat fields whenever the file could be read, even if it did not
// parse.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	st := fileState{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, st, fmt.Errorf("config: parse %q: %w", w.path, err)
	}
	if w.override != nil {
		w.override(cfg)
	}
	return cfg, st, nil
}
