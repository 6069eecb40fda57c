package server

import (
	"context"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marmos91/fsserver/internal/fsutil"
	"github.com/marmos91/fsserver/internal/logger"
	"github.com/marmos91/fsserver/internal/protocol"
	"github.com/marmos91/fsserver/internal/settings"
	"github.com/marmos91/fsserver/internal/telemetry"
	"github.com/marmos91/fsserver/pkg/dirtab"
)

// handler carries the state of one request while it is being answered.
type handler struct {
	server *Server
	ctx    context.Context
	req    *protocol.Request
	snap   *settings.Snapshot

	failed  bool
	errno   syscall.Errno
	failMsg string // first failure
}

func (h *handler) out() *protocol.Writer { return h.server.out }

// fail writes an E line for the current request.
func (h *handler) fail(path string, errno syscall.Errno, msg string) {
	if !h.failed {
		h.failMsg = msg
	}
	h.failed = true
	if errno != 0 {
		h.errno = errno
	}
	logger.DebugCtx(h.ctx, "Request failed", logger.KeyPath, path, logger.KeyErrno, int(errno), logger.KeyError, msg)
	_ = h.out().Error(h.req.ID, errno, msg, path)
}

// failErr writes an E line for err, using its strerror text as message.
func (h *handler) failErr(path string, err error) {
	errno := fsutil.Errno(err)
	msg := err.Error()
	if errno != 0 {
		msg = errno.Error()
	}
	h.fail(path, errno, msg)
}

func (h *handler) run() {
	if !h.server.Proceed() {
		return
	}
	r := h.req
	switch r.Kind {
	case protocol.KindLs:
		h.ls(r.Path, false, false)
	case protocol.KindRecursiveLs:
		h.ls(r.Path, true, false)
	case protocol.KindStat:
		h.stat(r.Path)
	case protocol.KindLstat:
		h.lstat(r.Path)
	case protocol.KindCopy:
		h.copy(r.Path, r.Path2)
	case protocol.KindMove:
		h.move(r.Path, r.Path2)
	case protocol.KindDelete:
		h.delete(r.Path)
	case protocol.KindDeleteOnDisconnect:
		h.deleteOnDisconnect(r.Path)
	case protocol.KindAddWatch:
		h.watch(r.Path, true)
	case protocol.KindRemoveWatch:
		h.watch(r.Path, false)
	case protocol.KindRefresh:
		h.refresh(r.Path)
	case protocol.KindServerInfo:
		_ = h.out().ServerInfo(r.ID, Version)
	case protocol.KindHelp:
		_ = h.out().Help()
	case protocol.KindOption:
		h.option(r.Path)
	case protocol.KindSleep:
		h.sleep(r.Path)
	default:
		logger.WarnCtx(h.ctx, "Unexpected request kind")
	}
}

// ============================================================================
// Listing
// ============================================================================

// ls answers a listing of path. Inner listings are the subdirectory parts of
// a recursive listing (and the listing that ends a copy): they do not emit
// the final root terminator.
func (h *handler) ls(path string, recursive, inner bool) {
	if !h.server.Proceed() {
		return
	}
	id := h.req.ID
	_ = h.out().ListHeader(recursive, id, path)

	var (
		entry *dirtab.Entry
		cache *dirtab.CacheWriter
	)
	if h.server.cfg.Persistence {
		entry = h.server.deps.Table.Get(path)
		entry.Lock()
		entry.SetWatchState(h.server.cfg.ActiveWatch)
		cw, err := dirtab.CreateCache(entry, path)
		if err != nil {
			logger.ErrorCtx(h.ctx, "Error opening cache file", logger.KeyPath, path, logger.KeyError, err)
		} else {
			cache = cw
		}
	}

	var subdirs []string
	count := 0
	full := h.snap.FullAccessCheck
	fsutil.VisitDirEntries(path, h.snap, func(name string, st *unix.Stat_t, link, abspath string) bool {
		line := fsutil.NewEntry(name, abspath, st, link, full).Format()
		_ = h.out().EntryLine(id, line)
		if cache != nil {
			if err := cache.WriteLine(line); err != nil {
				logger.WarnCtx(h.ctx, "Error writing cache", logger.KeyPath, path, logger.KeyError, err)
				_ = cache.Close()
				cache = nil
			}
		}
		if recursive && fsutil.IsDir(st) {
			subdirs = append(subdirs, abspath)
		}
		count++
		return h.server.Proceed()
	}, func(dirItself bool, p string, err error) {
		if dirItself {
			h.failErr(p, err)
			return
		}
		fsutil.DefaultErrorHandler(dirItself, p, err)
	})

	_ = h.out().End(id, path)

	if entry != nil {
		if cache != nil {
			if err := cache.Close(); err != nil {
				logger.WarnCtx(h.ctx, "Error closing cache", logger.KeyPath, path, logger.KeyError, err)
			}
		}
		entry.SetState(dirtab.StateListingSent)
		entry.Unlock()
	}
	logger.Trace("Listed directory", logger.KeyPath, path, logger.KeyEntries, count)
	telemetry.SetAttributes(h.ctx, telemetry.Entries(count))

	if recursive {
		for _, dir := range subdirs {
			if !h.server.Proceed() {
				break
			}
			h.ls(dir, true, true)
		}
		if !inner {
			_ = h.out().End(id, path)
		}
	}
}

// ============================================================================
// Stat
// ============================================================================

// stat follows symlinks. Access is computed for links too.
func (h *handler) stat(path string) {
	st, err := fsutil.Stat(path, h.snap)
	if err != nil {
		h.failErr(path, err)
		return
	}
	_ = h.out().Entry(h.req.ID, fsutil.NewEntry(fsutil.Basename(path), path, st, "", h.snap.FullAccessCheck))
}

func (h *handler) lstat(path string) {
	st, err := fsutil.Lstat(path, h.snap)
	if err != nil {
		h.failErr(path, err)
		return
	}
	link := ""
	if fsutil.IsSymlink(st) {
		if link, err = os.Readlink(path); err != nil {
			logger.DebugCtx(h.ctx, "Cannot read link", logger.KeyPath, path, logger.KeyError, err)
			link = fsutil.UnknownLinkTarget
		}
	}
	_ = h.out().Entry(h.req.ID, fsutil.NewEntry(fsutil.Basename(path), path, st, link, h.snap.FullAccessCheck))
}

// ============================================================================
// Delete
// ============================================================================

// delete removes path (recursively for directories) and lists the
// canonical parent.
func (h *handler) delete(path string) {
	slash := strings.LastIndexByte(path, '/')
	if slash < 0 {
		h.fail(path, 0, "wrong path")
		return
	}
	if slash == 0 && len(strings.TrimRight(path, "/")) == 0 {
		h.fail(path, 0, "won't remove '/'")
		return
	}
	parent := path[:slash]
	if parent == "" {
		parent = "/"
	}
	canonical, err := fsutil.CanonicalPath(parent)
	if err != nil {
		h.fail(path, fsutil.Errno(err), "can't resolve parent canonical path")
		return
	}

	st, err := fsutil.Lstat(path, h.snap)
	if err != nil {
		h.fail(path, fsutil.Errno(err), "error getting stat")
		return
	}
	if fsutil.IsDir(st) {
		if err := cleanDir(path); err != nil {
			h.fail(path, fsutil.Errno(err), "can't remove directory content")
			return
		}
		if err := unix.Rmdir(path); err != nil {
			h.fail(path, fsutil.Errno(err), "can't remove directory")
			return
		}
	} else if err := unix.Unlink(path); err != nil {
		h.fail(path, fsutil.Errno(err), "can't remove file")
		return
	}

	logger.DebugCtx(h.ctx, "Removed", logger.KeyPath, path)
	h.ls(canonical, false, false)
}

// cleanDir removes everything inside dir.
func cleanDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(fsutil.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// deleteOnDisconnect remembers path for removal at shutdown. A non-zero id
// is reported but the path is kept.
func (h *handler) deleteOnDisconnect(path string) {
	if h.req.ID != 0 {
		h.fail(path, 0, "delete-on-disconnect request should have zero id")
	}
	h.server.deleteMu.Lock()
	h.server.deleteOnExit = append(h.server.deleteOnExit, path)
	h.server.deleteMu.Unlock()
}

// runDeleteOnExit unlinks every remembered path and returns the number of
// successes and failures.
func (s *Server) runDeleteOnExit() (deleted, failed int) {
	s.deleteMu.Lock()
	paths := s.deleteOnExit
	s.deleteOnExit = nil
	s.deleteMu.Unlock()

	if len(paths) == 0 {
		return 0, 0
	}
	for _, path := range paths {
		if err := unix.Unlink(path); err != nil {
			logger.Warn("Error deleting file", logger.KeyPath, path, logger.KeyError, err)
			failed++
			continue
		}
		deleted++
	}
	logger.Info("Processed delete-on-disconnect list", "deleted", deleted, "errors", failed)
	return deleted, failed
}

// ============================================================================
// Watch, refresh, options
// ============================================================================

func (h *handler) watch(path string, add bool) {
	ws := dirtab.WatchNone
	if add {
		ws = h.server.cfg.ActiveWatch
	}
	e := h.server.deps.Table.Get(path)
	e.WithLock(func() {
		e.SetWatchState(ws)
		e.SetState(dirtab.StateInitial)
	})
}

func (h *handler) refresh(path string) {
	if h.server.deps.Engine == nil {
		logger.WarnCtx(h.ctx, "Refresh requested but no refresh engine configured")
		if h.req.ID != 0 {
			_ = h.out().RefreshHeader(h.req.ID, path)
			_ = h.out().End(h.req.ID, path)
		}
		return
	}
	h.server.deps.Engine.Refresh(h.ctx, h.req.ID, path)
}

// option applies comma separated key=value pairs to the settings store.
func (h *handler) option(options string) {
	store := h.server.deps.Settings
	for _, pair := range strings.Split(options, ",") {
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || value == "" {
			logger.WarnCtx(h.ctx, "Wrong options format", "options", options)
			return
		}
		switch key {
		case "access":
			switch value {
			case "fast":
				store.SetFullAccessCheck(false)
			case "full":
				store.SetFullAccessCheck(true)
			default:
				logger.WarnCtx(h.ctx, "Unexpected option value", "key", key, "value", value)
				continue
			}
		case "dirs-forbidden-to-stat":
			store.SetForbiddenDirs(value)
		default:
			logger.WarnCtx(h.ctx, "Unexpected option key", "key", key)
			continue
		}
		logger.InfoCtx(h.ctx, "Option set", "key", key, "value", value)
	}
}

// sleep blocks the executing goroutine for the number of seconds given by
// the leading digits of arg.
func (h *handler) sleep(arg string) {
	seconds := 0
	for _, c := range arg {
		if c < '0' || c > '9' {
			break
		}
		seconds = seconds*10 + int(c-'0')
	}
	if seconds == 0 {
		return
	}
	logger.InfoCtx(h.ctx, "Sleeping", "seconds", seconds)
	select {
	case <-time.After(time.Duration(seconds) * time.Second):
		logger.InfoCtx(h.ctx, "Awoke")
	case <-h.ctx.Done():
	}
}
