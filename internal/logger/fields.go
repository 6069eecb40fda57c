package logger

import (
	"log/slog"
	"syscall"
)

// Field keys shared by all records, so the diagnostics file can be
// grepped by request or directory.
const (
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	KeySessionID = "session_id"
	KeyRequestID = "request_id" // client-assigned
	KeyKind      = "kind"       // LS, STAT, COPY, ...
	KeyLine      = "line"       // raw request line
	KeyWorker    = "worker"

	KeyPath  = "path"
	KeyPath2 = "path2" // copy/move destination
	KeyName  = "name"  // directory entry name

	KeyIndex   = "index" // directory table slot
	KeyEntries = "entries"
	KeyVersion = "version" // cache format or server version

	KeyQueueSize = "queue_size"
	KeyWorkers   = "workers"

	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrno      = "errno"
	KeyPID        = "pid"
)

func Path(p string) slog.Attr  { return slog.String(KeyPath, p) }
func Path2(p string) slog.Attr { return slog.String(KeyPath2, p) }
func Index(i int) slog.Attr    { return slog.Int(KeyIndex, i) }

// Errno logs the numeric value; the message usually carries strerror.
func Errno(e syscall.Errno) slog.Attr { return slog.Int(KeyErrno, int(e)) }

// Err returns an empty attr for a nil error, which handlers drop.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
