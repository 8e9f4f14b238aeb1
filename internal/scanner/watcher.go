package scanner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceTime = 100 * time.Millisecond

// Watcher triggers a rescan whenever the working tree changes, debouncing
// bursts of filesystem events (a large file write, a directory copy) into a
// single rescan, the same role the teacher's watchLoop plays for a git
// worktree.
type Watcher struct {
	workDir string
	ignore  *IgnoreMatcher
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewWatcher returns a Watcher over workDir, skipping RepoDirName and any
// path ignore already excludes.
func NewWatcher(workDir string, ignore *IgnoreMatcher, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{workDir: workDir, ignore: ignore, logger: logger}
}

// Run watches the working tree until ctx is cancelled, calling onChange
// (debounced) after each burst of filesystem activity settles. It blocks
// until the watcher's event loop exits.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	if err := w.walkAndWatch(fw, w.workDir); err != nil {
		return err
	}

	var mu sync.Mutex
	var timer *time.Timer
	debounced := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceTime, func() {
			if ctx.Err() != nil {
				return
			}
			onChange()
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.shouldIgnore(event) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					if addErr := w.walkAndWatch(fw, event.Name); addErr != nil {
						w.logger.Warn("scanner: failed to watch new directory", "dir", event.Name, "err", addErr)
					}
				}
			}
			w.logger.Debug("scanner: change detected", "path", event.Name, "op", event.Op.String())
			debounced()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("scanner: watcher error", "err", err)
		}
	}
}

// walkAndWatch adds fw watches for dir and every subdirectory under it,
// skipping RepoDirName and anything the ignore matcher excludes. fsnotify
// does not recurse, so every directory needs its own explicit watch.
func (w *Watcher) walkAndWatch(fw *fsnotify.Watcher, dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort walk, matches Scan's tolerance for unreadable entries
		}
		if !info.IsDir() {
			return nil
		}
		if info.Name() == RepoDirName {
			return filepath.SkipDir
		}
		rel, relErr := filepath.Rel(w.workDir, path)
		if relErr == nil && rel != "." && w.ignore != nil && w.ignore.IsIgnored(filepath.ToSlash(rel), true) {
			return filepath.SkipDir
		}
		if addErr := fw.Add(path); addErr != nil {
			w.logger.Warn("scanner: failed to watch directory", "dir", path, "err", addErr)
		}
		return nil
	})
}

func (w *Watcher) shouldIgnore(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return true
	}
	base := filepath.Base(event.Name)
	if strings.HasSuffix(base, ".lock") || strings.HasSuffix(base, ".tmp") {
		return true
	}
	rel, err := filepath.Rel(w.workDir, event.Name)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return w.ignore != nil && w.ignore.IsIgnored(rel, false)
}
