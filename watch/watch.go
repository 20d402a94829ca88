// Package watch implements the per-path file watcher registry that backs
// cache invalidation on disk changes: one background watch per distinct
// local path, shared across however many cached URLs resolve to it,
// registered and torn down idempotently by refcount rather than by
// caller identity. A served file needs real filesystem change
// notification, so this package is backed by fsnotify rather than an
// in-memory pub/sub.
package watch

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Callbacks are invoked for filesystem events observed on a watched path.
type Callbacks struct {
	// OnRename fires when the file is renamed or removed. The watcher for
	// the path has already been torn down when it fires.
	OnRename func()
	// OnChange fires on write/create events (e.g. atomic-rename-replace
	// editors still surface as create on some platforms).
	OnChange func()
}

type entry struct {
	refcount int
	cancel   func()
}

// Registry is the process-wide file watcher registry. One fsnotify watcher
// is created per distinct local path, no matter how many URLs map to it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     zerolog.Logger
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		log:     log,
	}
}

// Watch registers interest in path, idempotently. The first caller for a
// given path starts a real fsnotify watch; subsequent callers for the same
// path only bump the refcount. Callbacks from the first registration are
// the ones that fire — the watcher exists per *path*, not per caller;
// unregistering the associated cache entries on rename is the caller's
// job, not this package's.
func (r *Registry) Watch(path string, cb Callbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[path]; ok {
		e.refcount++
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Error().Err(err).Str("path", path).Msg("could not create file watcher")
		return
	}
	if err := watcher.Add(path); err != nil {
		r.log.Error().Err(err).Str("path", path).Msg("could not watch path")
		watcher.Close()
		return
	}

	done := make(chan struct{})
	e := &entry{
		refcount: 1,
		cancel: func() {
			close(done)
			watcher.Close()
		},
	}
	r.entries[path] = e

	go r.run(watcher, path, cb, done)
}

func (r *Registry) run(watcher *fsnotify.Watcher, path string, cb Callbacks, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			switch {
			case ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0:
				r.cleanup(path)
				if cb.OnRename != nil {
					cb.OnRename()
				}
				return
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if cb.OnChange != nil {
					cb.OnChange()
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.log.Error().Err(err).Str("path", path).Msg("file watcher error")
		}
	}
}

// cleanup tears down the watch for path. It is single-shot: a second call
// for a path already removed is a no-op.
func (r *Registry) cleanup(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[path]
	if !ok {
		return
	}
	delete(r.entries, path)
	e.cancel()
}

// Forget decrements the refcount for path and tears the watch down once it
// reaches zero, without waiting for a filesystem event.
func (r *Registry) Forget(path string) {
	r.mu.Lock()
	e, ok := r.entries[path]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refcount--
	if e.refcount > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, path)
	r.mu.Unlock()
	e.cancel()
}

// Close tears down every active watch. Used by Server.Stop().
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, e := range r.entries {
		delete(r.entries, path)
		e.cancel()
	}
}

// Len reports the number of distinct watched paths, for tests and metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
