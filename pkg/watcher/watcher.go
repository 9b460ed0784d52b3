// Package watcher reloads the config file when it changes on disk.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the burst of events an editor save produces.
const debounceDelay = 200 * time.Millisecond

// Watcher invokes a callback, debounced, whenever one file changes. It watches
// the parent directory since editors often replace files by renaming.
type Watcher struct {
	fsw      *fsnotify.Watcher
	name     string
	delay    time.Duration
	mu       sync.Mutex
	timer    *time.Timer
	callback func()
}

// New creates a Watcher for path.
func New(path string, callback func()) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{
		fsw:      fsw,
		name:     filepath.Base(abs),
		delay:    debounceDelay,
		callback: callback,
	}, nil
}

// Run starts the watch loop. It blocks until the context is canceled.
// Errors from the underlying watcher are passed to the optional errFn callback.
func (w *Watcher) Run(ctx context.Context, errFn func(error)) {
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.debounce()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errFn != nil {
				errFn(err)
			}
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) debounce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, w.callback)
}
