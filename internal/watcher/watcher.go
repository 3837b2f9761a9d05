// Package watcher re-synchronizes documents whose backing files change
// on disk, so pushed diagnostics refresh without waiting for the next
// tool call.
package watcher

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the directories of tracked files and invokes a callback
// for each tracked file that is written or created, debounced per file.
type Watcher struct {
	fsw      *fsnotify.Watcher
	log      *slog.Logger
	debounce time.Duration
	onChange func(path string)

	mu     sync.Mutex
	dirs   map[string]bool
	files  map[string]bool
	timers map[string]*time.Timer
	closed bool

	done chan struct{}
}

// New creates a watcher. onChange runs on the watcher's goroutine after
// the debounce window for a changed file has elapsed.
func New(debounce time.Duration, onChange func(path string), log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		log:      log,
		debounce: debounce,
		onChange: onChange,
		dirs:     make(map[string]bool),
		files:    make(map[string]bool),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}

	go w.run()
	return w, nil
}

// Track starts watching path. The containing directory is registered with
// the OS watcher; events for untracked siblings are ignored.
func (w *Watcher) Track(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if w.files[abs] {
		return nil
	}
	w.files[abs] = true

	dir := filepath.Dir(abs)
	if w.dirs[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		delete(w.files, abs)
		return err
	}
	w.dirs[dir] = true

	w.log.Debug("watching document", "path", abs)
	return nil
}

// Close stops the watcher and cancels pending callbacks.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Debug("watch error", "error", err)
		}
	}
}

// schedule arms (or re-arms) the debounce timer for a tracked file.
func (w *Watcher) schedule(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || !w.files[abs] {
		return
	}

	if timer, ok := w.timers[abs]; ok {
		timer.Stop()
	}
	w.timers[abs] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, abs)
		closed := w.closed
		w.mu.Unlock()

		if !closed {
			w.onChange(abs)
		}
	})
}
