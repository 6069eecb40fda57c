package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/marmos91/fsserver/internal/logger"
	"github.com/marmos91/fsserver/internal/protocol"
	"github.com/marmos91/fsserver/internal/settings"
)

// UnknownLinkTarget is reported for symlinks whose target cannot be read.
const UnknownLinkTarget = "?"

// readDirBatch bounds the number of names read per Readdirnames call.
const readDirBatch = 256

// VisitFunc is called for every entry of a directory. link is the symlink
// target for symlinks and empty otherwise. Returning false stops the visit.
type VisitFunc func(name string, st *unix.Stat_t, link string, abspath string) bool

// ErrorFunc receives failures. dirItself is true when the directory could
// not be opened or read, false for a failure on a single entry.
type ErrorFunc func(dirItself bool, path string, err error)

// DefaultErrorHandler logs the failure.
func DefaultErrorHandler(dirItself bool, path string, err error) {
	if dirItself {
		logger.Warn("Cannot read directory", logger.KeyPath, path, logger.KeyError, err)
	} else {
		logger.Debug("Cannot stat entry", logger.KeyPath, path, logger.KeyError, err)
	}
}

// VisitDirEntries enumerates dir (skipping "." and ".."), lstats every
// entry and reads symlink targets, then calls fn.
//
// Entries are visited in directory order. Names containing '/' (seen on
// some NFS servers) are skipped. onError may be nil, in which case
// DefaultErrorHandler is used.
//
// Returns false if the directory could not be read at all.
func VisitDirEntries(dir string, snap *settings.Snapshot, fn VisitFunc, onError ErrorFunc) bool {
	if onError == nil {
		onError = DefaultErrorHandler
	}

	if snap.IsForbidden(dir) || snap.IsUnderForbidden(dir) {
		onError(true, dir, &os.PathError{Op: "open", Path: dir, Err: unix.EACCES})
		return false
	}

	f, err := os.Open(dir)
	if err != nil {
		onError(true, dir, err)
		return false
	}
	defer func() { _ = f.Close() }()

	for {
		names, err := f.Readdirnames(readDirBatch)
		for _, name := range names {
			if name == "." || name == ".." {
				continue
			}
			if strings.ContainsRune(name, '/') {
				logger.Warn("Skipping entry with slash in name", logger.KeyPath, dir, logger.KeyName, name)
				continue
			}
			abspath := Join(dir, name)
			st, serr := Lstat(abspath, snap)
			if serr != nil {
				onError(false, abspath, serr)
				continue
			}
			link := ""
			if IsSymlink(st) {
				link, serr = os.Readlink(abspath)
				if serr != nil {
					onError(false, abspath, serr)
					link = UnknownLinkTarget
				}
			}
			if !fn(name, st, link, abspath) {
				return true
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				onError(true, dir, err)
			}
			return true
		}
	}
}

// Join appends name to dir without cleaning; "/" + "x" is "/x".
func Join(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

// CanonicalPath resolves symlinks and returns an absolute path.
func CanonicalPath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(resolved)
}

// ListEntries collects the entries of dir. Entries that cannot be stat'ed
// are skipped; an error is returned only if the directory itself could not
// be read.
func ListEntries(dir string, snap *settings.Snapshot) ([]*protocol.FileEntry, error) {
	var (
		entries []*protocol.FileEntry
		dirErr  error
	)
	full := snap != nil && snap.FullAccessCheck
	ok := VisitDirEntries(dir, snap, func(name string, st *unix.Stat_t, link, abspath string) bool {
		entries = append(entries, NewEntry(name, abspath, st, link, full))
		return true
	}, func(dirItself bool, path string, err error) {
		if dirItself {
			dirErr = err
			return
		}
		DefaultErrorHandler(dirItself, path, err)
	})
	if !ok {
		return nil, dirErr
	}
	return entries, dirErr
}
