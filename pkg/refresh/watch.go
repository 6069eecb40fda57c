package refresh

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marmos91/fsserver/internal/logger"
	"github.com/marmos91/fsserver/pkg/dirtab"
)

// DefaultWatchDebounce groups bursts of filesystem events.
const DefaultWatchDebounce = 100 * time.Millisecond

// watcher maps directories in WatchNative state onto fsnotify watches.
// Directories whose watch cannot be added fall back to WatchPoll.
type watcher struct {
	engine   *Engine
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
}

func newWatcher(e *Engine) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &watcher{
		engine:   e,
		fsw:      fsw,
		debounce: e.cfg.WatchDebounce,
		pending:  make(map[string]struct{}),
	}
	if w.debounce <= 0 {
		w.debounce = DefaultWatchDebounce
	}

	e.table.OnWatchChange(w.onWatchChange)

	// Entries loaded from disk start in the default state without passing
	// through SetWatchState.
	e.table.Visit(func(path string, _ int, entry *dirtab.Entry) bool {
		entry.WithLock(func() {
			if entry.WatchState() == dirtab.WatchNative && entry.State() != dirtab.StateRemoved {
				w.add(entry)
			}
		})
		return true
	})
	return w, nil
}

// onWatchChange runs with the entry lock held.
func (w *watcher) onWatchChange(entry *dirtab.Entry, from, to dirtab.WatchState) {
	if from == dirtab.WatchNative {
		w.mu.Lock()
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			_ = w.fsw.Remove(entry.Path())
		}
	}
	if to == dirtab.WatchNative {
		w.add(entry)
	}
}

// add registers entry with fsnotify. The entry lock must be held.
func (w *watcher) add(entry *dirtab.Entry) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	if err := w.fsw.Add(entry.Path()); err != nil {
		logger.Warn("Cannot watch directory, falling back to polling",
			logger.KeyPath, entry.Path(), logger.KeyError, err)
		entry.SetWatchState(dirtab.WatchPoll)
		return
	}
	logger.Trace("Watching directory", logger.KeyPath, entry.Path())
}

func (w *watcher) run(ctx context.Context, stopCh <-chan struct{}) {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.enqueue(event)
			timer.Reset(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("File watcher error", logger.KeyError, err)
		case <-timer.C:
			w.flush(ctx)
		}
	}
}

// enqueue records the directories affected by event: the parent of the
// changed name and, if it is itself a table entry, the name.
func (w *watcher) enqueue(event fsnotify.Event) {
	logger.Trace("File watcher event", logger.KeyPath, event.Name, "op", event.Op.String())

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[filepath.Dir(event.Name)] = struct{}{}
	if w.engine.table.Find(event.Name) != nil {
		w.pending[event.Name] = struct{}{}
	}
}

func (w *watcher) flush(ctx context.Context) {
	w.mu.Lock()
	dirs := make([]string, 0, len(w.pending))
	for dir := range w.pending {
		dirs = append(dirs, dir)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for _, dir := range dirs {
		if w.engine.stopping(ctx) {
			return
		}
		if w.engine.table.Find(dir) == nil {
			continue
		}
		w.engine.RefreshDir(ctx, dir)
	}
}

func (w *watcher) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	_ = w.fsw.Close()
}
