// Package dirtab implements the directory table: the persistent registry of
// every directory the client has listed, each with a stable slot index that
// names its cache file.
//
// Layout under the base directory:
//
//	<basedir>/dirtab        one "<index> <escaped-abspath>" line per directory
//	<basedir>/cache/<index> cached listing of that directory
//
// The table keeps entries sorted by path. A coarse structural mutex guards
// insertion and the slice itself and is never held during I/O; each entry
// has its own mutex for its state fields.
package dirtab

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/marmos91/fsserver/internal/logger"
)

const (
	tableFileName = "dirtab"
	cacheDirName  = "cache"

	dirPerm  = 0o700
	filePerm = 0o600
)

// Config configures a Table.
type Config struct {
	// BaseDir holds the table file and the cache directory.
	BaseDir string

	// DefaultWatchState is assigned to entries created by Get.
	DefaultWatchState WatchState
}

// WatchChangeFunc is invoked with the entry lock held whenever an entry's
// watch state changes.
type WatchChangeFunc func(e *Entry, from, to WatchState)

// Table is the directory table.
type Table struct {
	mu        sync.Mutex // structural: entries, nextIndex
	entries   []*Entry   // sorted by path
	nextIndex int

	dirty   atomic.Bool
	flushMu sync.Mutex // single writer of the table file

	baseDir      string
	cacheDir     string
	tablePath    string
	defaultWatch WatchState

	onWatchChange WatchChangeFunc
}

// New creates an empty table. Call Init to create the directories and load
// the persisted state.
func New(cfg Config) *Table {
	return &Table{
		baseDir:      cfg.BaseDir,
		cacheDir:     filepath.Join(cfg.BaseDir, cacheDirName),
		tablePath:    filepath.Join(cfg.BaseDir, tableFileName),
		defaultWatch: cfg.DefaultWatchState,
	}
}

// Init creates the base and cache directories, optionally clearing
// previously persisted state first, and loads the table file.
func (t *Table) Init(clear bool) error {
	if clear {
		if err := t.Clear(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(t.cacheDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create cache directory %s: %w", t.cacheDir, err)
	}
	return t.Load()
}

// BaseDir returns the persistence directory.
func (t *Table) BaseDir() string { return t.baseDir }

// TablePath returns the path of the table file.
func (t *Table) TablePath() string { return t.tablePath }

// DefaultWatchState returns the watch state given to new entries.
func (t *Table) DefaultWatchState() WatchState { return t.defaultWatch }

// OnWatchChange installs a callback for watch state changes. It must be set
// before the table is shared between goroutines.
func (t *Table) OnWatchChange(fn WatchChangeFunc) {
	t.onWatchChange = fn
}

func (t *Table) newEntry(path string, index int) *Entry {
	return &Entry{
		table:      t,
		path:       path,
		index:      index,
		cachePath:  filepath.Join(t.cacheDir, strconv.Itoa(index)),
		watchState: t.defaultWatch,
	}
}

// search returns the position of path in entries. Caller holds t.mu.
func (t *Table) search(path string) (int, bool) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].path >= path
	})
	return i, i < len(t.entries) && t.entries[i].path == path
}

// Get returns the entry for path, creating it with the next free index if
// it does not exist yet.
//
// A new entry starts in the table's default watch state; the watch change
// callback sees it as a transition from WatchNone.
func (t *Table) Get(path string) *Entry {
	t.mu.Lock()
	i, found := t.search(path)
	if found {
		e := t.entries[i]
		t.mu.Unlock()
		return e
	}

	e := t.newEntry(path, t.nextIndex)
	t.nextIndex++
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
	t.dirty.Store(true)
	e.mu.Lock()
	t.mu.Unlock()

	logger.Trace("Directory table entry created", logger.KeyPath, path, logger.KeyIndex, e.index)
	if t.onWatchChange != nil && e.watchState != WatchNone {
		t.onWatchChange(e, WatchNone, e.watchState)
	}
	e.mu.Unlock()
	return e
}

// Find returns the entry for path or nil.
func (t *Table) Find(path string) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, found := t.search(path); found {
		return t.entries[i]
	}
	return nil
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// IsEmpty reports whether the table has no entries.
func (t *Table) IsEmpty() bool {
	return t.Len() == 0
}

// Dirty reports whether the table has unpersisted changes.
func (t *Table) Dirty() bool {
	return t.dirty.Load()
}

// Entries returns a snapshot of the entry list in path order.
func (t *Table) Entries() []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Entry(nil), t.entries...)
}

// Visit calls fn for every entry of a snapshot taken under the structural
// lock, which is released before the first call. Stops when fn returns
// false.
func (t *Table) Visit(fn func(path string, index int, e *Entry) bool) {
	for _, e := range t.Entries() {
		if !fn(e.path, e.index, e) {
			return
		}
	}
}

// Clear removes the table file and the cache directory and empties the
// in-memory table.
func (t *Table) Clear() error {
	t.mu.Lock()
	t.entries = nil
	t.nextIndex = 0
	t.mu.Unlock()
	t.dirty.Store(false)

	if err := os.Remove(t.tablePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", t.tablePath, err)
	}
	if err := os.RemoveAll(t.cacheDir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", t.cacheDir, err)
	}
	logger.Info("Persistence cleared", logger.KeyPath, t.baseDir)
	return nil
}
