package config

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fechatter/gateway/internal/observability"
)

// DefaultDebounceDelay coalesces the bursts of events editors produce
// for a single save.
const DefaultDebounceDelay = 250 * time.Millisecond

// Change describes an edit to the config file on disk. The running
// gateway never applies it; Err reports whether the new document would
// load, so operators learn about a broken file before the restart.
type Change struct {
	Path string
	Err  error
}

// ChangeFunc is called once per debounced edit that altered the file.
type ChangeFunc func(Change)

// Watcher notices edits to the config file.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	onChange ChangeFunc
	logger   observability.Logger
	debounce time.Duration

	digest [sha256.Size]byte

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for file changes.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = delay
	}
}

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:      abs,
		fs:        fsw,
		onChange:  onChange,
		logger:    observability.NopLogger(),
		debounce:  DefaultDebounceDelay,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. The containing directory is watched so that
// editors replacing the file by rename are noticed too.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if data, err := os.ReadFile(w.path); err == nil {
		w.digest = sha256.Sum256(data)
	}

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true

	w.logger.Info("watching configuration file", observability.String("path", w.path))
	go w.loop(ctx)
	return nil
}

// Stop stops watching and waits for the loop to exit. It is idempotent.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.stoppedCh
	return w.fs.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.stoppedCh)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			w.check()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", observability.Error(err))
		}
	}
}

// check reports a change when the file content differs from the last
// seen version.
func (w *Watcher) check() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("config file unreadable", observability.String("path", w.path), observability.Error(err))
		return
	}

	sum := sha256.Sum256(data)
	if sum == w.digest {
		return
	}
	w.digest = sum

	_, loadErr := LoadConfig(w.path)
	if w.onChange != nil {
		w.onChange(Change{Path: w.path, Err: loadErr})
	}
}
