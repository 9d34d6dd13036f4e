package store

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	gerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/logging"
)

// Watcher observes the plans directory and reports which plan changed on
// disk. Presentation and automation layers use it to know when to re-poll
// a plan's StateVersion instead of polling blind, and a coordinator uses
// it to notice plans written by other processes.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	// Changes receives the ID of each plan whose files changed.
	changes chan string

	closeOnce sync.Once
	done      chan struct{}
}

// NewWatcher starts watching the store's plans directory. Plan
// subdirectories are added to the watch set as they appear.
func NewWatcher(s *Store, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, gerrors.NewStoreError("watch", s.PlansDir(), err)
	}
	if err := fsw.Add(s.PlansDir()); err != nil {
		_ = fsw.Close()
		return nil, gerrors.NewStoreError("watch", s.PlansDir(), err)
	}

	// Watch existing plan directories; fsnotify does not recurse.
	ids, err := s.ListPlans()
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}
	for _, id := range ids {
		_ = fsw.Add(s.planDir(id))
	}

	w := &Watcher{
		store:   s,
		watcher: fsw,
		logger:  logger,
		changes: make(chan string, 64),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Changes returns the channel of changed plan IDs. The channel is closed
// when the watcher stops.
func (w *Watcher) Changes() <-chan string {
	return w.changes
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	defer close(w.changes)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// A new plan directory needs its own watch.
			if event.Op&fsnotify.Create != 0 {
				if filepath.Dir(event.Name) == w.store.PlansDir() {
					_ = w.watcher.Add(event.Name)
				}
			}
			if planID, ok := w.planIDFor(event.Name); ok {
				select {
				case w.changes <- planID:
				default:
					// A slow consumer drops notifications; it will
					// catch up on its next StateVersion poll.
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plan watcher error", "error", err)
		}
	}
}

// planIDFor extracts the plan ID from a path under the plans directory.
// Temp files from atomic writes are ignored.
func (w *Watcher) planIDFor(path string) (string, bool) {
	rel, err := filepath.Rel(w.store.PlansDir(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	if strings.HasPrefix(filepath.Base(path), ".gantry-tmp-") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 0 || parts[0] == "." || parts[0] == "" {
		return "", false
	}
	return strings.TrimSuffix(parts[0], ".json"), true
}
