package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"studio-sync/internal/logging"
)

// runWatcher mirrors local workspace edits into the save queue. The
// debounce inside the coordinator absorbs editor write bursts; this loop
// only turns filesystem events into enqueue calls.
func (a *SyncApp) runWatcher(ctx context.Context) error {
	root := filepath.Clean(a.opts.WorkspaceDir)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return fmt.Errorf("workspace directory %s is not usable: %w", root, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to initialize fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := addWatchTree(watcher, root); err != nil {
		return err
	}
	a.logger.Debugf("watching workspace directory: %s", root)

	for {
		select {
		case <-ctx.Done():
			a.logger.Debug("stopping workspace watcher: context canceled")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			a.handleWatcherEvent(watcher, root, event)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("workspace watcher error", logging.Field("error", watchErr))
		}
	}
}

func (a *SyncApp) handleWatcherEvent(watcher *fsnotify.Watcher, root string, event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return
	}
	if isIgnoredPath(event.Name) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Op.Has(fsnotify.Create) {
			if err := addWatchTree(watcher, event.Name); err != nil {
				a.logger.Warn("failed to watch new directory",
					logging.Field("path", event.Name),
					logging.Field("error", err),
				)
			}
		}
		return
	}

	key, err := resourceKey(root, event.Name)
	if err != nil {
		return
	}
	data, err := os.ReadFile(event.Name)
	if err != nil {
		a.logger.Warn("failed to read edited resource",
			logging.Field("path", event.Name),
			logging.Field("error", err),
		)
		return
	}
	a.enqueueSave(key, string(data))
}

func addWatchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		if isIgnoredPath(path) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// resourceKey maps a local file path to the workspace-relative resource key.
func resourceKey(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") || rel == ".." {
		return "", fmt.Errorf("path %s escapes workspace root", path)
	}
	return rel, nil
}

func isIgnoredPath(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	// Editor scratch files churn constantly and never map to resources.
	switch {
	case strings.HasSuffix(base, "~"),
		strings.HasSuffix(base, ".swp"),
		strings.HasSuffix(base, ".tmp"):
		return true
	}
	return false
}
