package definitions

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Store when files under its definition roots change.
// Bursts of events are coalesced into one reload.
type Watcher struct {
	store    *Store
	logger   Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher starts watching the store's roots and their definition
// subdirectories. Roots that do not exist are skipped.
func NewWatcher(store *Store, logger Logger, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{store: store, logger: logger, debounce: debounce, watcher: fw}
	dirs := store.Dirs()
	for _, root := range []string{dirs.Workflows, dirs.Agents, dirs.Jobs} {
		w.addTree(root)
	}
	return w, nil
}

func (w *Watcher) addTree(root string) {
	if strings.TrimSpace(root) == "" {
		return
	}
	if err := w.watcher.Add(root); err != nil {
		w.logger.Warn("Cannot watch definition root", "dir", root, "error", err)
		return
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			sub := filepath.Join(root, e.Name())
			if err := w.watcher.Add(sub); err != nil {
				w.logger.Warn("Cannot watch definition directory", "dir", sub, "error", err)
			}
		}
	}
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.watcher.Add(ev.Name)
				}
			}
			if !relevant(ev.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Definition watcher error", "error", err)
		case <-fire:
			fire = nil
			if _, err := w.store.Load(); err != nil {
				w.logger.Error("Failed to reload definitions", "error", err)
			}
		}
	}
}

func relevant(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".md", ".txt":
		return true
	}
	// a new or removed definition directory
	return filepath.Ext(path) == ""
}
