// Package watch reports changes to the usage database and the
// settings file so connected dashboards can refresh.
package watch

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// sidecars are the SQLite files written next to a database
// when it changes.
var sidecars = []string{"", "-wal", "-journal"}

// Watcher uses fsnotify to watch individual files for changes
// and triggers a callback with debouncing. It watches the
// parent directories so files that are replaced or created
// later are still seen.
type Watcher struct {
	onChange func(paths []string)
	watcher  *fsnotify.Watcher
	debounce time.Duration
	// files maps each watched file to the path reported for it.
	files    map[string]string
	pending  map[string]time.Time
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewWatcher creates a file watcher that calls onChange when
// watched files are modified after the debounce period elapses.
func NewWatcher(
	debounce time.Duration, onChange func(paths []string),
) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback is nil: %w", os.ErrInvalid)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		onChange: onChange,
		watcher:  fsw,
		debounce: debounce,
		files:    make(map[string]string),
		pending:  make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	return w, nil
}

// WatchFile watches a single file. Changes are reported under
// path itself.
func (w *Watcher) WatchFile(path string) error {
	return w.watch(path, []string{""})
}

// WatchDatabase watches a SQLite database together with its
// WAL and rollback journal. Changes to any of them are reported
// under the database path.
func (w *Watcher) WatchDatabase(path string) error {
	return w.watch(path, sidecars)
}

func (w *Watcher) watch(path string, suffixes []string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving watch path: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range suffixes {
		w.files[abs+s] = abs
	}
	return nil
}

// Start begins processing file events in a goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop stops the watcher and waits for it to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("watcher error: %v", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

// handleEvent records a pending change when event touches a
// watched file. Renames count because editors and SQLite tools
// replace files by renaming over them.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	const ops = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	if event.Op&ops == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	reported, ok := w.files[filepath.Clean(event.Name)]
	if !ok {
		return
	}
	w.pending[reported] = w.now()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}

	now := w.now()
	var ready []string
	for path, t := range w.pending {
		if now.Sub(t) >= w.debounce {
			ready = append(ready, path)
		}
	}

	for _, path := range ready {
		delete(w.pending, path)
	}
	w.mu.Unlock()

	if len(ready) > 0 {
		log.Printf("watcher: %d file(s) changed", len(ready))
		w.onChange(ready)
	}
}
