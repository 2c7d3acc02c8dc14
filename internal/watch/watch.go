// Package watch re-plans a working tree whenever files under it change.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDelay is how long the tree must stay quiet before a burst of
// events is reported.
const DefaultDelay = 500 * time.Millisecond

// Callback receives the repo-relative paths touched during one burst,
// sorted and without duplicates.
type Callback func(paths []string)

// Watch watches root and every non-hidden directory below it until ctx is
// cancelled. Events are collected until delay passes without a new one and
// then handed to cb in a single call. Directories created while watching are
// added automatically.
func Watch(ctx context.Context, root string, delay time.Duration, logger *slog.Logger, cb Callback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = w.Close()
	}()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}
	logger.Info("watcher started", "root", root, "delay", delay)

	var timer *time.Timer
	var fire <-chan time.Time
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("watcher stopped")
			return nil

		case <-fire:
			fire = nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			slices.Sort(paths)
			logger.Debug("change burst", "paths", len(paths))
			cb(paths)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			rel, err := filepath.Rel(root, ev.Name)
			if err != nil || hidden(rel) {
				continue
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("failed to watch new directory", "path", rel, "error", addErr)
					}
				}
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}

			pending[filepath.ToSlash(rel)] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				timer.Reset(delay)
			}
			fire = timer.C

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher error", "error", watchErr)
		}
	}
}

// hidden reports whether any element of a relative path starts with a dot,
// which covers .git and editor swap directories.
func hidden(rel string) bool {
	for part := range strings.SplitSeq(filepath.ToSlash(rel), "/") {
		if len(part) > 1 && strings.HasPrefix(part, ".") && part != ".." {
			return true
		}
	}
	return false
}

// addDirsRecursive adds root and all its non-hidden subdirectories to the
// watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
