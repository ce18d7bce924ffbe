package db

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nightlog/nightlog/internal/activity"
)

// FileEvent reports that a store's database files were written, possibly by
// another process sharing the same file.
type FileEvent struct {
	// Store is the store whose files changed
	Store activity.StoreID
	// Path is the file that changed (the database or its WAL)
	Path string
}

// Watcher watches store database files for writes.
// It uses fsnotify on the containing directories because SQLite replaces
// and truncates the WAL, which drops per-file watches on some platforms.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	files   map[string]activity.StoreID // absolute db path -> store
}

// NewWatcher creates a Watcher. It emits nothing until Start.
func NewWatcher() (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		files:   make(map[string]activity.StoreID),
	}, nil
}

// Start begins watching the database files of stores.
func (w *Watcher) Start(stores ...*Store) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	dirs := make(map[string]bool)
	for _, s := range stores {
		abs, err := filepath.Abs(s.Path())
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", s.Path(), err)
		}
		w.files[abs] = s.ID()
		dirs[filepath.Dir(abs)] = true
	}

	var added []string
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			for _, d := range added {
				_ = w.watcher.Remove(d)
			}
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
		added = append(added, dir)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and closes the event channels.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)

	return nil
}

// Events returns the channel of file events. It is closed by Stop.
func (w *Watcher) Events() <-chan FileEvent {
	return w.events
}

// Errors returns the channel of watch errors. It is closed by Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if fe, ok := w.convertEvent(event); ok {
				select {
				case w.events <- fe:
				case <-w.done:
					return
				default:
					// Reader is behind; one pending event already means "re-check".
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.forwardError(err)
		}
	}
}

// forwardError hands err to the reader, dropping it when the reader is
// behind. It reports whether err was delivered.
func (w *Watcher) forwardError(err error) bool {
	select {
	case w.errors <- err:
		return true
	default:
		return false
	}
}

// convertEvent maps a write to a store file (db, -wal) to a FileEvent.
func (w *Watcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return FileEvent{}, false
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return FileEvent{}, false
	}
	base := strings.TrimSuffix(abs, "-wal")

	store, ok := w.files[base]
	if !ok {
		return FileEvent{}, false
	}
	return FileEvent{Store: store, Path: abs}, true
}
