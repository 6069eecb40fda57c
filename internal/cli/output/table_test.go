package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTable() *TableData {
	td := NewTableData("Index", "Path")
	td.AddRow("0", "/home/user")
	td.AddRow("3", "/tmp")
	return td
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, sampleTable()))

	out := buf.String()
	assert.Contains(t, out, "INDEX")
	assert.Contains(t, out, "/home/user")
	assert.Contains(t, out, "/tmp")
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)
}

func TestAddRowPads(t *testing.T) {
	td := NewTableData("A", "B", "C")
	td.AddRow("1")
	assert.Equal(t, [][]string{{"1", "", ""}}, td.Rows())
}

func TestTableAsJSONAndYAML(t *testing.T) {
	var js bytes.Buffer
	require.NoError(t, Print(&js, FormatJSON, sampleTable()))
	assert.Contains(t, js.String(), `"path": "/tmp"`)

	var ym bytes.Buffer
	require.NoError(t, Print(&ym, FormatYAML, sampleTable()))
	assert.Contains(t, ym.String(), "- index: \"0\"\n  path: /home/user\n")
}
