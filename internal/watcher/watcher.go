// Package watcher observes the workspace root for filesystem changes and
// dispatches debounced add/change/remove events into the Document Index.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce is the per-path coalescing window, per spec §4.C.
const debounce = 100 * time.Millisecond

// excludedSegments mirrors the original implementation's exclusion list
// (broader than the Index build's own list, since the watcher also has to
// ignore editor/tooling churn that never reaches a full rebuild).
var excludedSegments = []string{
	"node_modules", ".git", ".obsidian", "scratchpad", "dist", "build", ".next", "target",
}

// EventKind classifies a dispatched watcher event.
type EventKind string

const (
	EventAdd    EventKind = "add"
	EventChange EventKind = "change"
	EventRemove EventKind = "remove"
)

// Handler receives a dispatched, debounced filesystem event for one path.
// Whether a write is reported as add or change is decided by the known
// function passed to New (per spec §4.C).
type Handler func(kind EventKind, path string)

// Watcher observes vaultRoot recursively and, after a per-path debounce
// window, reports add/change/remove events through Handler.
type Watcher struct {
	root    string
	logger  *slog.Logger
	handler Handler
	known   func(path string) bool

	mu      sync.Mutex
	timers  map[string]*time.Timer
}

// New constructs a Watcher. known should report whether path is already
// present in the Index, used to classify an on-disk write as add vs.
// change; handler is invoked after each debounce window fires.
func New(root string, logger *slog.Logger, known func(path string) bool, handler Handler) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:    root,
		logger:  logger,
		handler: handler,
		known:   known,
		timers:  make(map[string]*time.Timer),
	}
}

// Run starts the fsnotify watch loop and blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := addDirsRecursive(fw, w.root); err != nil {
		return err
	}
	w.logger.Info("watcher: started", "root", w.root)

	for {
		select {
		case <-ctx.Done():
			w.stopAllTimers()
			w.logger.Info("watcher: stopped")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fw, ev)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher: error", "error", err.Error())
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, ev fsnotify.Event) {
	if isExcluded(ev.Name, w.root) {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addDirsRecursive(fw, ev.Name); err != nil {
				w.logger.Warn("watcher: watch new dir failed", "path", ev.Name, "error", err.Error())
			}
			return
		}
	}

	if !strings.HasSuffix(ev.Name, ".md") {
		return
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	w.scheduleDebounced(rel)
}

// scheduleDebounced (re)arms a per-path timer; firing re-checks disk state
// rather than trusting the original fsnotify op, since a burst of events
// can coalesce create+write+rename before the timer fires.
func (w *Watcher) scheduleDebounced(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[rel]; ok {
		t.Reset(debounce)
		return
	}
	w.timers[rel] = time.AfterFunc(debounce, func() {
		w.mu.Lock()
		delete(w.timers, rel)
		w.mu.Unlock()
		w.fire(rel)
	})
}

func (w *Watcher) fire(rel string) {
	absPath := filepath.Join(w.root, filepath.FromSlash(rel))
	_, statErr := os.Stat(absPath)
	exists := statErr == nil

	if !exists {
		w.handler(EventRemove, rel)
		return
	}
	if w.known != nil && w.known(rel) {
		w.handler(EventChange, rel)
	} else {
		w.handler(EventAdd, rel)
	}
}

func (w *Watcher) stopAllTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
}

// isExcluded reports whether absPath, relative to root, falls under one of
// the excluded directory segments.
func isExcluded(absPath, root string) bool {
	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		rel = absPath
	}
	rel = filepath.ToSlash(rel)
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." {
			return true
		}
		for _, excl := range excludedSegments {
			if seg == excl {
				return true
			}
		}
	}
	return false
}

// addDirsRecursive adds root and every subdirectory to the fsnotify watch
// list, skipping excluded/hidden directories.
func addDirsRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && isExcluded(p, root) {
			return fs.SkipDir
		}
		return fw.Add(p)
	})
}
