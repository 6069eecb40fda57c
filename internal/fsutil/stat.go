// Package fsutil contains the filesystem primitives shared by the request
// handlers and the refresh engine: forbidden-aware stat, access checks,
// directory enumeration and path helpers.
package fsutil

import (
	"errors"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/marmos91/fsserver/internal/protocol"
	"github.com/marmos91/fsserver/internal/settings"
)

// Lstat is unix.Lstat honoring the forbidden directory list: a forbidden
// directory itself gets a synthetic directory stat without touching the
// mount point, anything below one fails with EACCES.
func Lstat(path string, snap *settings.Snapshot) (*unix.Stat_t, error) {
	return statWith(path, snap, unix.Lstat)
}

// Stat is Lstat that follows symbolic links.
func Stat(path string, snap *settings.Snapshot) (*unix.Stat_t, error) {
	return statWith(path, snap, unix.Stat)
}

func statWith(path string, snap *settings.Snapshot, fn func(string, *unix.Stat_t) error) (*unix.Stat_t, error) {
	if snap.IsForbidden(path) {
		return syntheticDirStat(), nil
	}
	if snap.IsUnderForbidden(path) {
		return nil, &os.PathError{Op: "stat", Path: path, Err: unix.EACCES}
	}
	var st unix.Stat_t
	if err := fn(path, &st); err != nil {
		return nil, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return &st, nil
}

func syntheticDirStat() *unix.Stat_t {
	var st unix.Stat_t
	st.Mode = unix.S_IFDIR | 0o755
	return &st
}

// IsDir reports whether st describes a directory.
func IsDir(st *unix.Stat_t) bool {
	return uint32(st.Mode)&unix.S_IFMT == unix.S_IFDIR
}

// IsRegular reports whether st describes a regular file.
func IsRegular(st *unix.Stat_t) bool {
	return uint32(st.Mode)&unix.S_IFMT == unix.S_IFREG
}

// IsSymlink reports whether st describes a symbolic link.
func IsSymlink(st *unix.Stat_t) bool {
	return uint32(st.Mode)&unix.S_IFMT == unix.S_IFLNK
}

// FileType maps the mode to the entry line type character.
func FileType(st *unix.Stat_t) protocol.FileType {
	switch uint32(st.Mode) & unix.S_IFMT {
	case unix.S_IFREG:
		return protocol.TypeRegular
	case unix.S_IFDIR:
		return protocol.TypeDirectory
	case unix.S_IFLNK:
		return protocol.TypeSymlink
	case unix.S_IFCHR:
		return protocol.TypeCharDev
	case unix.S_IFBLK:
		return protocol.TypeBlockDev
	case unix.S_IFIFO:
		return protocol.TypeFIFO
	case unix.S_IFSOCK:
		return protocol.TypeSocket
	default:
		return protocol.TypeUnknown
	}
}

// MtimeMillis returns the modification time in milliseconds since the epoch.
func MtimeMillis(st *unix.Stat_t) int64 {
	sec, nsec := st.Mtim.Unix()
	return sec*1000 + nsec/1_000_000
}

// ============================================================================
// Access checks
// ============================================================================

type identity struct {
	euid   int
	egid   int
	groups []int
}

var currentIdentity = sync.OnceValue(func() identity {
	groups, _ := os.Getgroups()
	return identity{euid: os.Geteuid(), egid: os.Getegid(), groups: groups}
})

// Access computes read/write/exec permission of the current user.
//
// In fast mode the mode bits are compared with the effective uid and gids;
// full mode calls access(2) for each permission.
func Access(path string, st *unix.Stat_t, full bool) (r, w, x bool) {
	if full {
		r = unix.Access(path, unix.R_OK) == nil
		w = unix.Access(path, unix.W_OK) == nil
		x = unix.Access(path, unix.X_OK) == nil
		return r, w, x
	}
	return modeAccess(currentIdentity(), st)
}

func modeAccess(id identity, st *unix.Stat_t) (r, w, x bool) {
	mode := uint32(st.Mode)
	if id.euid == 0 {
		return true, true, mode&0o111 != 0 || IsDir(st)
	}
	var shift uint32
	switch {
	case int(st.Uid) == id.euid:
		shift = 6
	case int(st.Gid) == id.egid || slices.Contains(id.groups, int(st.Gid)):
		shift = 3
	default:
		shift = 0
	}
	bits := (mode >> shift) & 0o7
	return bits&0o4 != 0, bits&0o2 != 0, bits&0o1 != 0
}

// NewEntry builds the FileEntry for an lstat result. Symlinks always report
// rwx; link is the already read target.
func NewEntry(name, abspath string, st *unix.Stat_t, link string, full bool) *protocol.FileEntry {
	e := &protocol.FileEntry{
		Name:  name,
		Type:  FileType(st),
		Size:  st.Size,
		Mtime: MtimeMillis(st),
		Dev:   uint64(st.Dev),
		Ino:   uint64(st.Ino),
	}
	if IsSymlink(st) {
		e.CanRead, e.CanWrite, e.CanExec = true, true, true
		e.Link = link
	} else {
		e.CanRead, e.CanWrite, e.CanExec = Access(abspath, st, full)
	}
	return e
}

// ============================================================================
// Path helpers
// ============================================================================

// IsSubdir reports whether child equals parent or lies below it.
func IsSubdir(child, parent string) bool {
	if parent == "/" {
		return strings.HasPrefix(child, "/")
	}
	parent = strings.TrimSuffix(parent, "/")
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent) && child[len(parent)] == '/'
}

// IsProhibited reports whether path is a pseudo filesystem root that is
// never scanned for changes.
func IsProhibited(path string) bool {
	switch path {
	case "/proc", "/dev":
		return true
	case "/run":
		return runtime.GOOS == "linux"
	}
	return false
}

// DirExists reports whether path is an existing directory (not following a
// final symlink).
func DirExists(path string) bool {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return false
	}
	return IsDir(&st)
}

// Basename returns the last element of path; "/" for the root.
func Basename(path string) string {
	if path == "/" {
		return path
	}
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Errno extracts the system error number from err, or 0.
func Errno(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
