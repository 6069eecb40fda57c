package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/fsserver/internal/exitcode"
	"github.com/marmos91/fsserver/pkg/config"
	"github.com/marmos91/fsserver/pkg/lockfile"
)

func TestAcquireLockWithoutPersistence(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Persistence.Dir = t.TempDir()

	first, err := acquireLock(cfg)
	require.NoError(t, err)
	assert.Nil(t, first)

	second, err := acquireLock(cfg)
	require.NoError(t, err)
	assert.Nil(t, second)

	_, err = os.Stat(filepath.Join(cfg.Persistence.Dir, lockfile.FileName))
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireLockWithPersistence(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Persistence.Enabled = true
	cfg.Persistence.Dir = t.TempDir()

	first, err := acquireLock(cfg)
	require.NoError(t, err)
	require.NotNil(t, first)
	defer func() { _ = first.Release() }()

	_, err = acquireLock(cfg)
	require.Error(t, err)
	assert.Equal(t, exitcode.FailureLockingLockFile, exitcode.Code(err))
}
