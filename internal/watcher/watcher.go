// Package watcher triggers a callback when the provider file changes on disk.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a burst of events fires.
const DefaultDebounce = 100 * time.Millisecond

// ErrRunning is returned by Watch when the watcher is already watching.
var ErrRunning = errors.New("watcher already running")

// Config selects what to watch.
type Config struct {
	// Dir is the directory holding the watched files. The directory is
	// watched rather than the files so editors that replace files by rename
	// and files created after start are both seen.
	Dir string
	// Names are the base names that trigger a reload. Empty means any file.
	Names []string
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration
}

// FileWatcher watches a directory and calls back, debounced, when one of the
// configured files is written, created, removed or renamed.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	cfg      Config
	names    map[string]struct{}
	debounce *Debouncer

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a watcher. Nothing is watched until Watch is called.
func New(cfg Config, logger *slog.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	names := make(map[string]struct{}, len(cfg.Names))
	for _, n := range cfg.Names {
		names[n] = struct{}{}
	}
	return &FileWatcher{
		watcher:  w,
		logger:   logger.With("component", "watcher"),
		cfg:      cfg,
		names:    names,
		debounce: NewDebouncer(cfg.Debounce),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Watch blocks, calling onChange after each debounced burst of relevant
// events, until ctx is done or Stop is called.
func (fw *FileWatcher) Watch(ctx context.Context, onChange func() error) error {
	fw.mu.Lock()
	if fw.running {
		fw.mu.Unlock()
		return ErrRunning
	}
	fw.running = true
	fw.mu.Unlock()
	defer close(fw.doneCh)

	if err := fw.watcher.Add(fw.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", fw.cfg.Dir, err)
	}
	fw.logger.Info("watching provider directory",
		"dir", fw.cfg.Dir,
		"debounce_ms", fw.cfg.Debounce.Milliseconds(),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-fw.stopCh:
			return nil

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !fw.relevant(event) {
				continue
			}
			fw.logger.Debug("file event", "path", event.Name, "op", event.Op.String())
			name := event.Name
			fw.debounce.Trigger(func() {
				fw.logger.Info("provider file changed, reloading", "path", name)
				if err := onChange(); err != nil {
					fw.logger.Error("reload after file change failed", "error", err)
				}
			})

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			fw.logger.Error("file watcher error", "error", err)
		}
	}
}

// Stop ends Watch, cancels a pending callback and releases the watcher.
func (fw *FileWatcher) Stop() error {
	fw.stopOnce.Do(func() { close(fw.stopCh) })

	fw.mu.Lock()
	running := fw.running
	fw.mu.Unlock()
	if running {
		<-fw.doneCh
	}
	fw.debounce.Stop()
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	return nil
}

func (fw *FileWatcher) relevant(e fsnotify.Event) bool {
	if e.Op == fsnotify.Chmod {
		return false
	}
	if len(fw.names) == 0 {
		return true
	}
	_, ok := fw.names[filepath.Base(e.Name)]
	return ok
}

// Debouncer collapses rapid triggers into one callback after a quiet period.
type Debouncer struct {
	interval time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	callback func()
	stopped  bool
}

// NewDebouncer creates a Debouncer.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger schedules callback, replacing any pending one and restarting the
// quiet period.
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	cb := d.callback
	d.callback = nil
	stopped := d.stopped
	d.mu.Unlock()
	if cb != nil && !stopped {
		cb()
	}
}

// Stop cancels any pending callback. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.callback = nil
}
