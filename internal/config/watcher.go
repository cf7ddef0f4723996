package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a [Watcher] waits for a burst of file events
// to settle before reloading.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a config file whenever its content changes. Edits that do
// not load or validate are logged and ignored; [Watcher.Current] keeps the
// last good config.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(old, new *Config)

	current atomic.Pointer[Config]
	digest  [sha256.Size]byte

	fs   *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithDebounce overrides [DefaultDebounce]. Non-positive values are ignored.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher loads path and watches it for changes. onChange may be nil;
// otherwise it runs on the watcher goroutine after each successful reload,
// so a slow callback delays the next one.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	w := &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, digest, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current.Store(cfg)
	w.digest = digest

	// Watch the directory: editors often save by renaming a temp file over
	// the original, which drops a watch on the file itself.
	if w.fs, err = fsnotify.NewWatcher(); err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := w.fs.Add(filepath.Dir(abs)); err != nil {
		_ = w.fs.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	go w.loop()
	return w, nil
}

// Current returns the last config that loaded and validated.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Stop ends watching and waits for an in-flight reload to finish.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		_ = w.fs.Close()
		<-w.done
	})
}

func (w *Watcher) loop() {
	defer close(w.done)

	settle := time.NewTimer(w.debounce)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				settle.Reset(w.debounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher: fsnotify error", "path", w.path, "err", err)
		case <-settle.C:
			w.reload()
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func (w *Watcher) reload() {
	cfg, digest, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}
	if digest == w.digest {
		return
	}
	w.digest = digest
	old := w.current.Swap(cfg)
	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := load(data)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
