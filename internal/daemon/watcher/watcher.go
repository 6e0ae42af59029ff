// Package watcher observes the sessions root for JSONL changes. It prefers
// fsnotify and falls back to polling on filesystems where inotify is
// unreliable, deduplicating between the two paths by modtime and size.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/pkg/session"
)

// Change describes one observed mutation of a session file.
type Change struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// Watcher emits debounced Changes for session files under the sessions root.
type Watcher struct {
	cfg    *config.Config
	logger *logrus.Entry

	out chan Change

	mu       sync.Mutex
	pending  map[string]*time.Timer
	lastSeen map[string]fileState
	closed   bool
}

type fileState struct {
	modTime time.Time
	size    int64
}

// New builds a watcher; Run starts it.
func New(cfg *config.Config, logger *logrus.Entry) *Watcher {
	return &Watcher{
		cfg:      cfg,
		logger:   logger,
		out:      make(chan Change, 256),
		pending:  make(map[string]*time.Timer),
		lastSeen: make(map[string]fileState),
	}
}

// Changes is the debounced change stream. Closed when Run returns.
func (w *Watcher) Changes() <-chan Change {
	return w.out
}

// Run watches until the context is cancelled. fsnotify failures degrade to
// polling alone rather than stopping the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.out)

	if err := os.MkdirAll(w.cfg.SessionsRoot, 0755); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.WithError(err).Warn("fsnotify unavailable, using polling only")
		fsw = nil
	} else {
		defer fsw.Close()
		if err := w.addRecursive(fsw, w.cfg.SessionsRoot); err != nil {
			w.logger.WithError(err).Warn("Failed to register watches, polling covers the gap")
		}
	}

	// Seed known state so the first poll doesn't re-announce every file.
	w.scan(false)

	ticker := time.NewTicker(w.cfg.WatcherPollInterval())
	defer ticker.Stop()

	for {
		var events chan fsnotify.Event
		var errs chan error
		if fsw != nil {
			events = fsw.Events
			errs = fsw.Errors
		}

		select {
		case <-ctx.Done():
			w.drainTimers()
			return nil
		case ev, ok := <-events:
			if !ok {
				fsw = nil
				continue
			}
			w.handleEvent(fsw, ev)
		case err, ok := <-errs:
			if !ok {
				continue
			}
			w.logger.WithError(err).Warn("Watcher error")
		case <-ticker.C:
			w.scan(true)
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// New project directory: watch it and everything below.
			if err := w.addRecursive(fsw, ev.Name); err != nil {
				w.logger.WithError(err).WithField("dir", ev.Name).Warn("Failed to watch new directory")
			}
			return
		}
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !session.IsSessionFile(ev.Name) {
		return
	}
	w.debounce(ev.Name)
}

// debounce coalesces a burst of writes into one Change per file, emitted
// after the configured quiet period.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.cfg.WatcherDebounce())
		return
	}
	w.pending[path] = time.AfterFunc(w.cfg.WatcherDebounce(), func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.emit(path)
	})
}

func (w *Watcher) emit(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	prev, seen := w.lastSeen[path]
	state := fileState{modTime: info.ModTime(), size: info.Size()}
	w.lastSeen[path] = state

	if seen && prev == state {
		w.mu.Unlock()
		return
	}

	// Send under the lock so shutdown cannot close the channel mid-send.
	select {
	case w.out <- Change{Path: path, ModTime: info.ModTime(), Size: info.Size()}:
	default:
		w.logger.WithField("file", path).Warn("Change channel full, dropping event")
	}
	w.mu.Unlock()
}

// scan walks the sessions root. With announce=false it only records state;
// with announce=true it emits a Change for anything that moved since the
// last look, which is the polling fallback path.
func (w *Watcher) scan(announce bool) {
	_ = filepath.Walk(w.cfg.SessionsRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !session.IsSessionFile(path) {
			return nil
		}
		state := fileState{modTime: info.ModTime(), size: info.Size()}

		w.mu.Lock()
		prev, seen := w.lastSeen[path]
		if !announce {
			w.lastSeen[path] = state
		}
		w.mu.Unlock()

		if announce && (!seen || prev != state) {
			w.debounce(path)
		}
		return nil
	})
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() && !strings.HasPrefix(filepath.Base(path), ".") {
			return fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) drainTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
}
