// Package lockfile implements the single-instance lock of a base directory.
//
// The lock is an exclusive, non-blocking flock on <basedir>/lock whose
// content is "PID=<pid>\n". A second instance either fails with ErrLocked
// or, when asked to, signals the holder (SIGTERM first, then SIGKILL) and
// retries every PollInterval until the wait budget of each round runs out.
package lockfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marmos91/fsserver/internal/logger"
)

// FileName is the lock file name under the base directory.
const FileName = "lock"

// PollInterval is the retry period while waiting for a killed holder.
const PollInterval = 10 * time.Millisecond

// ErrLocked is returned when the lock is held by another process.
var ErrLocked = errors.New("lock file already locked")

// killProcess sends sig to pid. Replaced in tests.
var killProcess = func(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// KillPolicy controls what Acquire does when the lock is busy.
type KillPolicy struct {
	// Enabled makes Acquire signal the current holder.
	Enabled bool

	// PID restricts killing to this process id; 0 kills any holder.
	PID int

	// Wait is how long each signal round waits for the lock.
	Wait time.Duration
}

// LockedError reports a busy lock together with the holder's pid.
type LockedError struct {
	Path string
	PID  int
	Err  error
}

func (e *LockedError) Error() string {
	if e.PID != 0 {
		return fmt.Sprintf("lock file %s already locked by PID=%d: %v", e.Path, e.PID, e.Err)
	}
	return fmt.Sprintf("error locking lock file %s: %v", e.Path, e.Err)
}

func (e *LockedError) Unwrap() []error { return []error{ErrLocked, e.Err} }

// Lock is a held instance lock.
type Lock struct {
	f    *os.File
	path string
}

// Acquire opens (creating with mode 0600) and locks path. An error that
// does not match ErrLocked means the file could not be opened.
func Acquire(path string, kill KillPolicy) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("error opening lock file %s: %w", path, err)
	}

	l := &Lock{f: f, path: path}
	err = tryLock(f)
	if err == nil {
		return l, l.writePID()
	}

	pid := readPID(f)
	if pid != 0 && kill.Enabled && (kill.PID == 0 || kill.PID == pid) {
		if err = l.killHolder(pid, kill.Wait); err == nil {
			return l, l.writePID()
		}
	}

	_ = f.Close()
	return nil, &LockedError{Path: path, PID: pid, Err: err}
}

// killHolder sends SIGTERM, then SIGKILL, to pid, polling the lock after
// each signal for up to wait.
func (l *Lock) killHolder(pid int, wait time.Duration) error {
	tries := max(int(wait/PollInterval), 1)
	var err error
	for _, sig := range []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL} {
		logger.Info("Killing lock holder", logger.KeyPID, pid, "signal", sig.String())
		if kerr := killProcess(pid, sig); kerr != nil {
			logger.Debug("Failed to signal lock holder", logger.KeyPID, pid, logger.KeyError, kerr)
		}
		for i := 0; i < tries; i++ {
			if err = tryLock(l.f); err == nil {
				return nil
			}
			logger.Debug("Waiting for lock holder to terminate", logger.KeyPID, pid)
			time.Sleep(PollInterval)
		}
	}
	return err
}

func tryLock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func (l *Lock) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := l.f.WriteAt([]byte(fmt.Sprintf("PID=%d\n", os.Getpid())), 0); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and closes the lock file. The file itself is left in
// place.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	if err != nil {
		return fmt.Errorf("error unlocking lock file %s: %w", l.path, err)
	}
	return nil
}

// ReadPID returns the pid recorded in the lock file at path, or 0.
func ReadPID(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	return readPID(f), nil
}

func readPID(f *os.File) int {
	buf := make([]byte, 40)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0
	}
	s, ok := strings.CutPrefix(string(buf[:n]), "PID=")
	if !ok {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return pid
}
