package server

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/marmos91/fsserver/internal/fsutil"
	"github.com/marmos91/fsserver/internal/logger"
	"github.com/marmos91/fsserver/internal/telemetry"
)

// copiedDirPerm is the mode of directories created by a copy.
const copiedDirPerm = 0o700

// copy answers a copy request. On success the parent of dst is listed as an
// inner listing, whose terminator ends the response; on failure the
// response ends with a terminator for dst.
func (h *handler) copy(src, dst string) {
	if _, err := fsutil.Lstat(dst, h.snap); err == nil {
		h.fail(dst, 0, "file already exists")
		_ = h.out().End(h.req.ID, dst)
		return
	}
	st, err := fsutil.Lstat(src, h.snap)
	if err != nil {
		h.failErr(src, err)
		_ = h.out().End(h.req.ID, dst)
		return
	}

	ctx, span := telemetry.StartSpan(h.ctx, telemetry.SpanCopy)
	var copied int64
	ok := false
	switch {
	case fsutil.IsDir(st):
		ok = h.copyDir(src, dst, &copied)
	case fsutil.IsRegular(st):
		ok = h.copyFile(src, dst, &copied)
	case fsutil.IsSymlink(st):
		ok = h.copySymlink(src, dst)
	default:
		h.fail(dst, 0, "don't know how to copy a special file")
	}
	span.SetAttributes(telemetry.Bytes(copied))
	span.End()
	h.recordCopied(copied)
	logger.DebugCtx(ctx, "Copy finished", logger.KeyPath2, dst, "ok", ok, "bytes", humanize.Bytes(uint64(copied)))

	if !ok {
		_ = h.out().End(h.req.ID, dst)
		return
	}

	slash := strings.LastIndexByte(dst, '/')
	if slash < 0 {
		h.fail(dst, 0, "path does not contain '/'")
		_ = h.out().End(h.req.ID, dst)
		return
	}
	parent := dst[:slash]
	if parent == "" {
		parent = "/"
	}
	h.ls(parent, false, true)
}

// move answers a move request: regular files and links are copied then
// unlinked; directories are refused. Success is answered with an lstat of
// the destination.
func (h *handler) move(src, dst string) {
	st, err := fsutil.Lstat(src, h.snap)
	if err != nil {
		h.failErr(src, err)
		return
	}
	if fsutil.IsDir(st) {
		h.fail(dst, 0, "can not move directory")
		return
	}

	var copied int64
	ok := h.copyFile(src, dst, &copied)
	h.recordCopied(copied)
	if !ok {
		return
	}
	if err := unix.Unlink(src); err != nil {
		h.fail(src, fsutil.Errno(err), "can't remove file")
		return
	}
	h.lstat(dst)
}

func (h *handler) recordCopied(n int64) {
	if n > 0 && h.server.deps.Metrics != nil {
		h.server.deps.Metrics.RecordCopiedBytes(n)
	}
}

// copyDir creates dst and copies the children of src into it, stopping at
// the first failure.
func (h *handler) copyDir(src, dst string, copied *int64) bool {
	if err := unix.Mkdir(dst, copiedDirPerm); err != nil {
		h.failErr(dst, err)
		return false
	}

	ok := true
	fsutil.VisitDirEntries(src, h.snap, func(name string, st *unix.Stat_t, _ string, abspath string) bool {
		target := fsutil.Join(dst, name)
		switch {
		case fsutil.IsDir(st):
			ok = h.copyDir(abspath, target, copied)
		case fsutil.IsRegular(st):
			ok = h.copyFile(abspath, target, copied)
		case fsutil.IsSymlink(st):
			ok = h.copySymlink(abspath, target)
		default:
			h.fail(abspath, 0, "don't know how to copy a special file")
			ok = false
		}
		return ok && h.server.Proceed()
	}, func(dirItself bool, path string, err error) {
		if dirItself {
			h.failErr(path, err)
			ok = false
			return
		}
		fsutil.DefaultErrorHandler(dirItself, path, err)
	})
	return ok
}

// copyFile copies the contents of src into a newly created dst in chunks
// of the configured buffer size. A write failure is reported on dst, a
// read failure on src.
func (h *handler) copyFile(src, dst string, copied *int64) bool {
	in, err := os.Open(src)
	if err != nil {
		h.failErr(src, err)
		return false
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		h.failErr(dst, err)
		return false
	}

	buf := h.server.bufs.Get(h.server.cfg.CopyBufferSize)
	defer h.server.bufs.Put(buf)

	ok := true
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			w, werr := out.Write(buf[:n])
			*copied += int64(w)
			if werr != nil {
				h.failErr(dst, werr)
				ok = false
				break
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				h.failErr(src, rerr)
				ok = false
			}
			break
		}
	}

	if err := out.Close(); err != nil && ok {
		h.failErr(dst, err)
		ok = false
	}
	return ok
}

func (h *handler) copySymlink(src, dst string) bool {
	target, err := os.Readlink(src)
	if err != nil {
		h.failErr(src, err)
		return false
	}
	if err := os.Symlink(target, dst); err != nil {
		h.failErr(dst, err)
		return false
	}
	return true
}
