package dirtab

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/marmos91/fsserver/internal/protocol"
)

const (
	// CacheVersion is the format written by CreateCache. Version 2 added
	// access flags, device and inode to the comparison.
	CacheVersion = 2

	versionLabel = "VERSION="
)

var (
	// ErrCacheVersion is returned by ReadCache for a cache written in a
	// different format version.
	ErrCacheVersion = errors.New("cache version mismatch")

	// ErrCacheCorrupt is returned by ReadCache for a cache that cannot be
	// parsed.
	ErrCacheCorrupt = errors.New("cache corrupt")
)

// CacheWriter writes the cached listing of one directory.
type CacheWriter struct {
	f *os.File
	w *bufio.Writer
}

// CreateCache truncates the cache file of e and writes the version header
// and the escaped directory path. The entry lock should be held until the
// writer is closed.
func CreateCache(e *Entry, path string) (*CacheWriter, error) {
	f, err := os.OpenFile(e.cachePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache file for %s: %w", path, err)
	}
	cw := &CacheWriter{f: f, w: bufio.NewWriter(f)}
	if _, err := fmt.Fprintf(cw.w, "%s%d\n%s\n", versionLabel, CacheVersion, protocol.Escape(path)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write cache header for %s: %w", path, err)
	}
	return cw, nil
}

// WriteLine appends a formatted entry line.
func (cw *CacheWriter) WriteLine(formatted string) error {
	if _, err := cw.w.WriteString(formatted); err != nil {
		return err
	}
	return cw.w.WriteByte('\n')
}

// WriteEntry appends an entry.
func (cw *CacheWriter) WriteEntry(fe *protocol.FileEntry) error {
	return cw.WriteLine(fe.Format())
}

// Close flushes and closes the file.
func (cw *CacheWriter) Close() error {
	flushErr := cw.w.Flush()
	closeErr := cw.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// WriteCache writes a complete cache file for e.
func WriteCache(e *Entry, path string, entries []*protocol.FileEntry) error {
	cw, err := CreateCache(e, path)
	if err != nil {
		return err
	}
	for _, fe := range entries {
		if err := cw.WriteEntry(fe); err != nil {
			_ = cw.Close()
			return fmt.Errorf("failed to write cache for %s: %w", path, err)
		}
	}
	return cw.Close()
}

// ReadCache reads the cached listing of e.
//
// Returns the entries and the format version found. A file without a
// VERSION line is version 1. A version other than CacheVersion yields
// ErrCacheVersion together with that version; any other failure returns a
// version of 0 when the header was not reached.
func ReadCache(e *Entry, path string) ([]*protocol.FileEntry, int, error) {
	f, err := os.Open(e.cachePath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open cache for %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return readCache(bufio.NewReader(f), path)
}

func readCache(r *bufio.Reader, path string) ([]*protocol.FileEntry, int, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading header for %s: %v", ErrCacheCorrupt, path, err)
	}

	version := 1
	if v, ok := strings.CutPrefix(line, versionLabel); ok {
		version, err = strconv.Atoi(v)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: wrong version format %q for %s", ErrCacheCorrupt, line, path)
		}
		if version != CacheVersion {
			return nil, version, fmt.Errorf("%w: found %d for %s", ErrCacheVersion, version, path)
		}
		if line, err = readLine(r); err != nil {
			return nil, version, fmt.Errorf("%w: reading path for %s: %v", ErrCacheCorrupt, path, err)
		}
	}

	if got := protocol.Unescape(line); got != path {
		return nil, version, fmt.Errorf("%w: first line is %q, expected %q", ErrCacheCorrupt, got, path)
	}

	var entries []*protocol.FileEntry
	for {
		line, err := readLine(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, version, fmt.Errorf("%w: reading %s: %v", ErrCacheCorrupt, path, err)
		}
		if line == "" {
			continue
		}
		fe, perr := protocol.ParseEntry(line)
		if perr != nil {
			return nil, version, fmt.Errorf("%w: %v", ErrCacheCorrupt, perr)
		}
		entries = append(entries, fe)
	}
	return entries, version, nil
}

// readLine returns the next line without its newline. A final line without
// a newline is returned as is; io.EOF is returned only when nothing is left.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return line, nil
		}
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}
