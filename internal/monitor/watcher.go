package monitor

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ProgressFunc is invoked when a watched artifact changes. The key is
// whatever the caller registered the path under (workflow id + step).
type ProgressFunc func(key string, at time.Time)

// ProgressWatcher turns filesystem writes to agent artifacts into
// progress signals. A running agent that keeps appending to its output
// file keeps its step healthy even when no completion signal has
// arrived yet.
type ProgressWatcher struct {
	watcher    *fsnotify.Watcher
	onProgress ProgressFunc

	mu    sync.Mutex
	paths map[string]string // artifact path -> registered key
	done  chan struct{}
}

// NewProgressWatcher creates and starts a watcher delivering progress
// callbacks to fn.
func NewProgressWatcher(fn ProgressFunc) (*ProgressWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	pw := &ProgressWatcher{
		watcher:    w,
		onProgress: fn,
		paths:      make(map[string]string),
		done:       make(chan struct{}),
	}
	go pw.loop()
	return pw, nil
}

// Watch registers an artifact path under a key. Watching a path that
// does not exist yet is an error; register after launch.
func (pw *ProgressWatcher) Watch(key, path string) error {
	if err := pw.watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	pw.mu.Lock()
	pw.paths[path] = key
	pw.mu.Unlock()
	return nil
}

// Unwatch removes an artifact path. Called when the step resolves.
func (pw *ProgressWatcher) Unwatch(path string) {
	pw.mu.Lock()
	delete(pw.paths, path)
	pw.mu.Unlock()
	// Remove errors are expected when the file was already deleted.
	_ = pw.watcher.Remove(path)
}

// Close stops the watcher.
func (pw *ProgressWatcher) Close() error {
	close(pw.done)
	return pw.watcher.Close()
}

func (pw *ProgressWatcher) loop() {
	for {
		select {
		case <-pw.done:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pw.mu.Lock()
			key, watched := pw.paths[event.Name]
			pw.mu.Unlock()
			if watched {
				pw.onProgress(key, time.Now())
			}
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[monitor] watcher error: %v", err)
		}
	}
}
