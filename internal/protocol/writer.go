package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
)

// Response kinds.
const (
	RespLs          = 'l'
	RespRecursiveLs = 'r'
	RespEntry       = 'e'
	RespEnd         = 'x'
	RespChange      = 'c'
	RespError       = 'E'
	RespRefresh     = 'R'
	RespServerInfo  = 'i'
)

// Writer serializes response lines onto the protocol channel.
//
// Each line is written with a single Write call under a mutex so lines from
// concurrent workers never interleave. The first failed write marks the
// writer broken; later writes are dropped and Broken reports true so that
// workers and the refresh loop can stop early.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	broken atomic.Bool
	lines  atomic.Uint64
	err    error
}

// NewWriter wraps w, usually os.Stdout.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Broken reports whether a write has failed.
func (pw *Writer) Broken() bool {
	return pw.broken.Load()
}

// Err returns the first write error, if any.
func (pw *Writer) Err() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.err
}

// IsBrokenPipe reports whether the first write error was EPIPE.
func (pw *Writer) IsBrokenPipe() bool {
	err := pw.Err()
	return err != nil && isEPIPE(err)
}

// Lines returns the number of lines written so far.
func (pw *Writer) Lines() uint64 {
	return pw.lines.Load()
}

// WriteLine writes s followed by a newline.
func (pw *Writer) WriteLine(s string) error {
	if pw.broken.Load() {
		return pw.Err()
	}
	buf := make([]byte, 0, len(s)+1)
	buf = append(buf, s...)
	buf = append(buf, '\n')

	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.err != nil {
		return pw.err
	}
	if _, err := pw.w.Write(buf); err != nil {
		pw.err = fmt.Errorf("write response: %w", err)
		pw.broken.Store(true)
		return pw.err
	}
	pw.lines.Add(1)
	return nil
}

// Printf formats and writes one line.
func (pw *Writer) Printf(format string, args ...any) error {
	return pw.WriteLine(fmt.Sprintf(format, args...))
}

func (pw *Writer) pathLine(kind byte, id int, path string) error {
	escaped := Escape(path)
	return pw.Printf("%c %d %d %s", kind, id, CharLen(escaped), escaped)
}

// ListHeader writes `l id len path` or `r id len path` for recursive listings.
func (pw *Writer) ListHeader(recursive bool, id int, path string) error {
	kind := byte(RespLs)
	if recursive {
		kind = RespRecursiveLs
	}
	return pw.pathLine(kind, id, path)
}

// End writes the `x id len path` terminator.
func (pw *Writer) End(id int, path string) error {
	return pw.pathLine(RespEnd, id, path)
}

// Change writes a `c id len path` change notification.
func (pw *Writer) Change(id int, path string) error {
	return pw.pathLine(RespChange, id, path)
}

// RefreshHeader writes the `R id len path` header of an on-demand refresh.
func (pw *Writer) RefreshHeader(id int, path string) error {
	return pw.pathLine(RespRefresh, id, path)
}

// Entry writes `e id <entry>`.
func (pw *Writer) Entry(id int, e *FileEntry) error {
	return pw.EntryLine(id, e.Format())
}

// EntryLine writes an already formatted entry.
func (pw *Writer) EntryLine(id int, formatted string) error {
	return pw.Printf("%c %d %s", RespEntry, id, formatted)
}

// Error writes `E id errno msg: strerror: path`. strerror is empty when
// errno is zero.
func (pw *Writer) Error(id int, errno syscall.Errno, msg, path string) error {
	strerr := ""
	if errno != 0 {
		strerr = errno.Error()
	}
	msg = strings.ReplaceAll(msg, "\n", " ")
	return pw.Printf("%c %d %d %s: %s: %s", RespError, id, int(errno), msg, strerr, Escape(path))
}

// ServerInfo writes `i id version`.
func (pw *Writer) ServerInfo(id int, version string) error {
	return pw.Printf("%c %d %s", RespServerInfo, id, version)
}

// Help writes the request kind listing.
func (pw *Writer) Help() error {
	if err := pw.WriteLine("Help on request kinds"); err != nil {
		return err
	}
	for _, k := range Kinds {
		if err := pw.Printf("%c - %s", byte(k), k); err != nil {
			return err
		}
	}
	return nil
}

func isEPIPE(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}
