package dirtab

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/marmos91/fsserver/internal/logger"
	"github.com/marmos91/fsserver/internal/protocol"
)

// Record is one line of the table file.
type Record struct {
	Index int
	Path  string
}

// ReadTableFile parses a table file. Malformed lines are logged and
// skipped. A missing file yields no records and no error.
func ReadTableFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open directory table %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			logger.Warn("Skipping malformed directory table line",
				logger.KeyPath, path, "line_no", lineNo, logger.KeyError, err)
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, fmt.Errorf("failed to read directory table %s: %w", path, err)
	}
	return records, nil
}

func parseRecord(line string) (Record, error) {
	idx, rest, ok := strings.Cut(line, " ")
	if !ok {
		return Record{}, fmt.Errorf("no separator in %q", line)
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return Record{}, fmt.Errorf("bad index in %q", line)
	}
	path := protocol.Unescape(rest)
	if !strings.HasPrefix(path, "/") {
		return Record{}, fmt.Errorf("path is not absolute in %q", line)
	}
	return Record{Index: n, Path: path}, nil
}

// Load replaces the in-memory table with the content of the table file.
// Absence of the file is not an error. Duplicate paths keep their first
// index. The next index is one past the highest index in the table file
// or among the cache files, so the slot of a removed directory is never
// handed out again.
func (t *Table) Load() error {
	records, err := ReadTableFile(t.tablePath)

	entries := make([]*Entry, 0, len(records))
	seen := make(map[string]bool, len(records))
	next := highestCacheIndex(t.cacheDir) + 1
	for _, r := range records {
		if r.Index >= next {
			next = r.Index + 1
		}
		if seen[r.Path] {
			logger.Warn("Duplicate directory table path", logger.KeyPath, r.Path, logger.KeyIndex, r.Index)
			continue
		}
		seen[r.Path] = true
		entries = append(entries, t.newEntry(r.Path, r.Index))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	t.mu.Lock()
	t.entries = entries
	t.nextIndex = next
	t.mu.Unlock()
	t.dirty.Store(false)

	logger.Debug("Directory table loaded", logger.KeyPath, t.tablePath, logger.KeyEntries, len(entries))
	return err
}

// highestCacheIndex returns the largest numeric file name in dir, or -1.
func highestCacheIndex(dir string) int {
	highest := -1
	names, err := os.ReadDir(dir)
	if err != nil {
		return highest
	}
	for _, de := range names {
		if n, err := strconv.Atoi(de.Name()); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

// Flush persists the table if it changed since the last flush. Removed
// directories are left out. The file is replaced atomically.
func (t *Table) Flush() error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	if !t.dirty.Swap(false) {
		return nil
	}

	entries := t.Entries()
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.Lock()
		removed := e.state == StateRemoved
		e.Unlock()
		if !removed {
			records = append(records, Record{Index: e.index, Path: e.path})
		}
	}

	if err := writeTableFile(t.tablePath, records); err != nil {
		t.dirty.Store(true)
		return err
	}
	logger.Debug("Directory table flushed", logger.KeyPath, t.tablePath, logger.KeyEntries, len(records))
	return nil
}

func writeTableFile(path string, records []Record) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	w := bufio.NewWriter(f)
	for _, r := range records {
		if _, err := fmt.Fprintf(w, "%d %s\n", r.Index, protocol.Escape(r.Path)); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write %s: %w", tmp, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}
