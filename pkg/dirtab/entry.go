package dirtab

import (
	"fmt"
	"sync"
)

// State is the processing state of a directory.
type State int

const (
	// StateInitial: nothing has been sent for the directory yet.
	StateInitial State = iota
	// StateListingSent: a listing was sent and cached.
	StateListingSent
	// StateRefreshSent: a change notification was sent and the client has
	// not asked for the listing again.
	StateRefreshSent
	// StateRemoved: the directory disappeared.
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateListingSent:
		return "listing-sent"
	case StateRefreshSent:
		return "refresh-sent"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// WatchState selects how the refresh engine observes a directory.
type WatchState int

const (
	WatchNone WatchState = iota
	// WatchPoll: compared against the cache on every background pass.
	WatchPoll
	// WatchNative: observed through filesystem notifications.
	WatchNative
)

func (w WatchState) String() string {
	switch w {
	case WatchNone:
		return "none"
	case WatchPoll:
		return "poll"
	case WatchNative:
		return "watch"
	default:
		return fmt.Sprintf("watch(%d)", int(w))
	}
}

// RefreshState coalesces concurrent refresh requests for one root.
//
// Transitions: None -> Refreshing -> {None | PendingRefresh};
// PendingRefresh -> Refreshing. A request arriving while Refreshing moves
// the entry to PendingRefresh so the running pass repeats once more.
type RefreshState int

const (
	RefreshNone RefreshState = iota
	Refreshing
	PendingRefresh
)

func (r RefreshState) String() string {
	switch r {
	case RefreshNone:
		return "none"
	case Refreshing:
		return "refreshing"
	case PendingRefresh:
		return "pending"
	default:
		return fmt.Sprintf("refresh(%d)", int(r))
	}
}

// Entry is one directory known to the table.
//
// Path, Index and CachePath never change. The state fields are guarded by
// the entry mutex: callers must hold Lock (or run inside WithLock) while
// reading or writing them.
type Entry struct {
	mu sync.Mutex

	table     *Table
	path      string
	index     int
	cachePath string

	state        State
	watchState   WatchState
	refreshState RefreshState
}

// Path returns the absolute directory path.
func (e *Entry) Path() string { return e.path }

// Index returns the slot index. Indices are never reused.
func (e *Entry) Index() int { return e.index }

// CachePath returns <basedir>/cache/<index>.
func (e *Entry) CachePath() string { return e.cachePath }

func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// WithLock runs fn while holding the entry lock.
func (e *Entry) WithLock(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// State returns the processing state. The entry lock must be held.
func (e *Entry) State() State { return e.state }

// SetState updates the processing state. The entry lock must be held.
func (e *Entry) SetState(s State) {
	if (s == StateRemoved) != (e.state == StateRemoved) && e.table != nil {
		e.table.dirty.Store(true)
	}
	e.state = s
}

// WatchState returns the watch state. The entry lock must be held.
func (e *Entry) WatchState() WatchState { return e.watchState }

// SetWatchState updates the watch state. The entry lock must be held.
func (e *Entry) SetWatchState(w WatchState) {
	old := e.watchState
	e.watchState = w
	if old != w && e.table != nil && e.table.onWatchChange != nil {
		e.table.onWatchChange(e, old, w)
	}
}

// RefreshState returns the refresh state. The entry lock must be held.
func (e *Entry) RefreshState() RefreshState { return e.refreshState }

// SetRefreshState updates the refresh state. The entry lock must be held.
func (e *Entry) SetRefreshState(r RefreshState) { e.refreshState = r }
