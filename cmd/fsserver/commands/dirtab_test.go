package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/fsserver/internal/protocol"
	"github.com/marmos91/fsserver/pkg/dirtab"
)

func TestDescribeTable(t *testing.T) {
	base := t.TempDir()
	table := dirtab.New(dirtab.Config{BaseDir: base})
	require.NoError(t, table.Init(false))

	good := table.Get("/home")
	require.NoError(t, dirtab.WriteCache(good, "/home", []*protocol.FileEntry{
		{Name: "a", Type: protocol.TypeRegular},
	}))
	table.Get("/tmp")
	require.NoError(t, table.Flush())

	reloaded := dirtab.New(dirtab.Config{BaseDir: base})
	require.NoError(t, reloaded.Load())

	rows := describeTable(reloaded).Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"0", "/home", "2", "1", "ok"}, rows[0])
	assert.Equal(t, "/tmp", rows[1][1])
	assert.Equal(t, "unreadable", rows[1][4])
}

func TestDirtabCommandJSON(t *testing.T) {
	base := t.TempDir()
	table := dirtab.New(dirtab.Config{BaseDir: base})
	require.NoError(t, table.Init(false))
	table.Get("/data")
	require.NoError(t, table.Flush())
	_, err := os.Stat(filepath.Join(base, "dirtab"))
	require.NoError(t, err)

	var buf bytes.Buffer
	root := GetRootCmd()
	root.SetOut(&buf)
	root.SetArgs([]string{"dirtab", "-d", base, "-o", "json"})
	t.Cleanup(func() { root.SetArgs(nil); root.SetOut(nil) })

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), `"path": "/data"`)
}
