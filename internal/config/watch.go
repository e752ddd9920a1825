package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher holds the current Defaults and keeps them in sync with the file
// at path via an fsnotify watch on its parent directory. Watching the
// directory (rather than the file) survives editors that replace the file
// via atomicWrite's temp-file-plus-rename, which fsnotify otherwise reports
// as the watched file's own removal.
type Watcher struct {
	path string

	current atomic.Pointer[Defaults]

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher loads path once, then starts watching its parent directory for
// changes. Callers that don't need hot-reload should just call Load
// directly instead.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	w.current.Store(&cfg)
	go w.run()
	return w, nil
}

// Current returns the most recently loaded Defaults. Safe for concurrent
// use with reload events.
func (w *Watcher) Current() Defaults {
	return *w.current.Load()
}

// Close stops the watch goroutine and releases the fsnotify handle.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		<-w.doneCh
	})
	return w.watcher.Close()
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("[WARN-CONFIG] watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("[WARN-CONFIG] reload failed, keeping previous defaults", "path", w.path, "error", err)
		return
	}
	w.current.Store(&cfg)
	slog.Debug("[DEBUG-CONFIG] defaults reloaded", "path", w.path)
}
