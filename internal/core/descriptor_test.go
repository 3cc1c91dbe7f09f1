package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTable(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DescriptorFileName), []byte(content), 0o600))
}

func TestLoadVariableTable(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "3 2 1\n10 11 12\n20 21\n30\n")

	d := Descriptor{ResourcePath: dir}
	require.NoError(t, d.LoadVariableTable())

	require.Equal(t, 3, d.NReals)
	require.Equal(t, 2, d.NIntegers)
	require.Equal(t, 1, d.NBooleans)
	require.Equal(t, []uint32{10, 11, 12}, d.RealVRs)
	require.Equal(t, []uint32{20, 21}, d.IntegerVRs)
	require.Equal(t, []uint32{30}, d.BooleanVRs)
}

func TestLoadVariableTableEmptyTypes(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "2 0 0\n0 1\n")

	d := Descriptor{ResourcePath: dir}
	require.NoError(t, d.LoadVariableTable())
	require.Equal(t, []uint32{0, 1}, d.RealVRs)
	require.Empty(t, d.IntegerVRs)
	require.Empty(t, d.BooleanVRs)
}

func TestLoadVariableTableTruncated(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, "2 0 0\n0\n")

	d := Descriptor{ResourcePath: dir}
	require.Error(t, d.LoadVariableTable())
}

func TestLoadVariableTableMissingFile(t *testing.T) {
	d := Descriptor{ResourcePath: t.TempDir()}
	require.Error(t, d.LoadVariableTable())
}
