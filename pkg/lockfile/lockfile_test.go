package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubKill(t *testing.T, fn func(pid int, sig syscall.Signal) error) {
	t.Helper()
	orig := killProcess
	killProcess = fn
	t.Cleanup(func() { killProcess = orig })
}

func TestAcquireWritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	l, err := Acquire(path, KillPolicy{})
	require.NoError(t, err)
	defer l.Release()

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestAcquireBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	l, err := Acquire(path, KillPolicy{})
	require.NoError(t, err)
	defer l.Release()

	_, err = Acquire(path, KillPolicy{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))

	var le *LockedError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, os.Getpid(), le.PID)
	assert.Contains(t, err.Error(), "PID=")
}

func TestReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	l, err := Acquire(path, KillPolicy{})
	require.NoError(t, err)
	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	l2, err := Acquire(path, KillPolicy{})
	require.NoError(t, err)
	assert.NoError(t, l2.Release())
}

func TestAcquireKillsHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	holder, err := Acquire(path, KillPolicy{})
	require.NoError(t, err)

	var signals []syscall.Signal
	stubKill(t, func(pid int, sig syscall.Signal) error {
		assert.Equal(t, os.Getpid(), pid)
		signals = append(signals, sig)
		return holder.Release()
	})

	l, err := Acquire(path, KillPolicy{Enabled: true, Wait: 50 * time.Millisecond})
	require.NoError(t, err)
	defer l.Release()
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, signals)
}

func TestAcquireEscalatesToSIGKILL(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	holder, err := Acquire(path, KillPolicy{})
	require.NoError(t, err)

	var signals []syscall.Signal
	stubKill(t, func(_ int, sig syscall.Signal) error {
		signals = append(signals, sig)
		if sig == syscall.SIGKILL {
			return holder.Release()
		}
		return nil
	})

	l, err := Acquire(path, KillPolicy{Enabled: true, Wait: 20 * time.Millisecond})
	require.NoError(t, err)
	defer l.Release()
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, signals)
}

func TestAcquireGivesUpAfterBothRounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	holder, err := Acquire(path, KillPolicy{})
	require.NoError(t, err)
	defer holder.Release()

	calls := 0
	stubKill(t, func(int, syscall.Signal) error {
		calls++
		return nil
	})

	_, err = Acquire(path, KillPolicy{Enabled: true})
	assert.ErrorIs(t, err, ErrLocked)
	assert.Equal(t, 2, calls)
}

func TestAcquireKillsOnlyMatchingPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	holder, err := Acquire(path, KillPolicy{})
	require.NoError(t, err)
	defer holder.Release()

	stubKill(t, func(int, syscall.Signal) error {
		t.Fatal("unexpected kill")
		return nil
	})

	_, err = Acquire(path, KillPolicy{Enabled: true, PID: os.Getpid() + 1})
	assert.ErrorIs(t, err, ErrLocked)
}

func TestAcquireOpenFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", FileName)
	_, err := Acquire(path, KillPolicy{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLocked))
}

func TestReadPIDWithoutLabel(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Zero(t, pid)
}
