package watch

import (
	"fmt"
	"path/filepath"
	"time"
)

// Change kinds published by Monitor.
const (
	KindStore    = "store_changed"
	KindSettings = "settings_changed"
)

// Monitor watches the usage database and, when settingsPath is
// set, the settings file, publishing a Change to b for each
// debounced modification. The caller must Stop the returned
// Watcher.
func Monitor(
	b *Broker, debounce time.Duration, dbPath, settingsPath string,
) (*Watcher, error) {
	dbAbs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("resolving database path: %w", err)
	}

	w, err := NewWatcher(debounce, func(paths []string) {
		for _, p := range paths {
			kind := KindSettings
			if p == dbAbs {
				kind = KindStore
			}
			b.Publish(Change{Kind: kind, Path: p, At: time.Now().UTC()})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	if err := w.WatchDatabase(dbAbs); err != nil {
		w.watcher.Close()
		return nil, err
	}
	if settingsPath != "" {
		if err := w.WatchFile(settingsPath); err != nil {
			w.watcher.Close()
			return nil, err
		}
	}
	w.Start()
	return w, nil
}
