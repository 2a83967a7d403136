package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ChangeListener is notified with the references dropped after a file change.
type ChangeListener func(refs []string)

// RuleWatcher invalidates cached documents when files under the rules folder change.
type RuleWatcher struct {
	loader  *FilesystemLoader
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu        sync.RWMutex
	listeners []ChangeListener
}

// NewRuleWatcher creates a watcher over the loader's root and all its subdirectories.
func NewRuleWatcher(loader *FilesystemLoader, logger *slog.Logger) (*RuleWatcher, error) {
	if loader == nil {
		return nil, errors.New("rule watcher requires a loader")
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &RuleWatcher{
		loader:  loader,
		watcher: watcher,
		logger:  logger,
	}

	if err := w.addTree(loader.Root()); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch rules folder: %w", err)
	}

	return w, nil
}

// OnChange registers a listener. Listeners run on the watch goroutine.
func (w *RuleWatcher) OnChange(listener ChangeListener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, listener)
}

// Run processes file events until ctx is cancelled or the watcher is closed.
func (w *RuleWatcher) Run(ctx context.Context) {
	w.logger.Info("Rule watcher started", "root", w.loader.Root())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost, so any cached document may be stale.
				w.logger.Warn("Rule watcher overflowed, purging cached documents", "error", err)
				w.notify(w.loader.Purge())
				continue
			}
			w.logger.Error("Rule watcher error", "error", err)
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *RuleWatcher) Close() error {
	return w.watcher.Close()
}

func (w *RuleWatcher) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}

	name := filepath.Clean(event.Name)
	rel, err := filepath.Rel(w.loader.Root(), name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			if err := w.addTree(name); err != nil {
				w.logger.Warn("Failed to watch new rules directory", "path", name, "error", err)
			}
		}
	}

	removed := w.loader.Invalidate(filepath.ToSlash(rel))
	if len(removed) == 0 {
		return
	}

	w.logger.Info("Rule documents invalidated", "path", filepath.ToSlash(rel), "op", event.Op.String(), "count", len(removed))
	w.notify(removed)
}

func (w *RuleWatcher) notify(removed []string) {
	if len(removed) == 0 {
		return
	}
	w.mu.RLock()
	listeners := append([]ChangeListener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, listener := range listeners {
		listener(removed)
	}
}

func (w *RuleWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
}
