// Package settings holds the runtime-mutable server options as an
// immutable snapshot swapped copy-on-write.
//
// Readers take a Snapshot at the start of a request and use it for the
// whole request; an `o` option request builds a new snapshot and swaps it
// in without disturbing requests already running.
package settings

import (
	"path"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/marmos91/fsserver/internal/logger"
)

// Snapshot is an immutable view of the settings.
type Snapshot struct {
	// ForbiddenDirs are directories that must never be stat'ed (typically
	// automounter roots). Entries may be glob patterns.
	ForbiddenDirs []string

	// FullAccessCheck selects access(2) instead of mode bit arithmetic for
	// the rwx column.
	FullAccessCheck bool

	// Previous links the snapshot this one replaced.
	Previous *Snapshot

	matchers []glob.Glob
}

// Store owns the current snapshot.
type Store struct {
	mu      sync.Mutex
	current *Snapshot
}

// New creates a store with an initial snapshot.
func New(forbidden []string, fullAccessCheck bool) *Store {
	return &Store{current: newSnapshot(forbidden, fullAccessCheck, nil)}
}

func newSnapshot(forbidden []string, full bool, prev *Snapshot) *Snapshot {
	s := &Snapshot{
		ForbiddenDirs:   append([]string(nil), forbidden...),
		FullAccessCheck: full,
		Previous:        prev,
	}
	for _, dir := range s.ForbiddenDirs {
		g, err := glob.Compile(dir, '/')
		if err != nil {
			logger.Debug("Forbidden directory matched literally", logger.KeyPath, dir, logger.KeyError, err)
			continue
		}
		s.matchers = append(s.matchers, g)
	}
	return s
}

// Snapshot returns the current snapshot. The returned value must not be
// modified.
func (st *Store) Snapshot() *Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

// Change installs a new snapshot. Nil arguments carry the current value
// forward.
func (st *Store) Change(forbidden *[]string, fullAccessCheck *bool) *Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()

	old := st.current
	dirs := old.ForbiddenDirs
	if forbidden != nil {
		dirs = *forbidden
	}
	full := old.FullAccessCheck
	if fullAccessCheck != nil {
		full = *fullAccessCheck
	}
	st.current = newSnapshot(dirs, full, old)
	return st.current
}

// SetForbiddenDirs parses a ':' separated directory list and installs it.
func (st *Store) SetForbiddenDirs(list string) *Snapshot {
	dirs := ParseDirList(list)
	return st.Change(&dirs, nil)
}

// SetFullAccessCheck switches the access check mode.
func (st *Store) SetFullAccessCheck(full bool) *Snapshot {
	return st.Change(nil, &full)
}

// Teardown drops the chain of previous snapshots.
func (st *Store) Teardown() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current != nil {
		clone := *st.current
		clone.Previous = nil
		st.current = &clone
	}
}

// ParseDirList splits a ':' separated list, dropping empty items and
// trailing slashes.
func ParseDirList(list string) []string {
	var dirs []string
	for _, d := range strings.Split(list, ":") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if len(d) > 1 {
			d = strings.TrimRight(d, "/")
		}
		dirs = append(dirs, d)
	}
	return dirs
}

// IsForbidden reports whether abspath is itself a forbidden directory.
// An entry matches its own literal path even when it contains glob
// metacharacters.
func (s *Snapshot) IsForbidden(abspath string) bool {
	if s == nil {
		return false
	}
	for _, dir := range s.ForbiddenDirs {
		if dir == abspath {
			return true
		}
	}
	for _, m := range s.matchers {
		if m.Match(abspath) {
			return true
		}
	}
	return false
}

// IsUnderForbidden reports whether abspath lies strictly below a forbidden
// directory.
func (s *Snapshot) IsUnderForbidden(abspath string) bool {
	if s == nil || len(s.ForbiddenDirs) == 0 {
		return false
	}
	for dir := path.Dir(abspath); ; dir = path.Dir(dir) {
		if s.IsForbidden(dir) {
			return true
		}
		if dir == "/" || dir == "." {
			return false
		}
	}
}

// Depth returns the length of the previous chain, the current snapshot
// included.
func (s *Snapshot) Depth() int {
	n := 0
	for p := s; p != nil; p = p.Previous {
		n++
	}
	return n
}
