package rulefiles

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports changes to rule files under a directory. Bursts of
// events (editors write files in several steps) collapse into one callback
// once the directory has been quiet for the debounce interval.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher over dir.
func NewWatcher(dir string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dir: dir, debounce: debounce, logger: logger}
}

// Run watches until ctx is cancelled, calling onChange after each quiet
// period that followed a rule file change. onChange errors are logged and
// watching continues. Calls to onChange never overlap.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context) error) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.dir); err != nil {
		return err
	}
	w.logger.Info("watching rule files", "dir", w.dir, "debounce", w.debounce)

	var (
		mu     sync.Mutex
		timer  *time.Timer
		fire   = make(chan struct{}, 1)
		stopFn = func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
		}
	)
	defer stopFn()

	trigger := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-fire:
			if err := onChange(ctx); err != nil {
				w.logger.Error("rule file reload failed", "error", err)
			}

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Has(fsnotify.Create) {
				// New subdirectories are watched too.
				if err := w.addTree(fw, event.Name); err != nil {
					w.logger.Debug("not watching new path", "path", event.Name, "error", err)
				}
			}
			if !relevant(event) {
				continue
			}
			w.logger.Debug("rule file changed", "path", event.Name, "op", event.Op.String())
			trigger()

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("rule file watcher error", "error", err)
		}
	}
}

// addTree watches root and every non-hidden directory below it.
func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if hidden(path) && path != w.dir {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watch directory %q: %w", path, err)
		}
		return nil
	})
}

// relevant filters out attribute-only changes and non-rule files.
func relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	return isRuleFile(event.Name) && !hidden(event.Name)
}
