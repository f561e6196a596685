package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.txt")

	require.NoError(t, WriteFileAtomic(path, []byte("hello")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// Overwrite goes through the same rename path.
	require.NoError(t, WriteFileAtomic(path, []byte("world")))
	data, _ = os.ReadFile(path)
	assert.Equal(t, "world", string(data))

	// No temp litter remains.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCopyFileAtomic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "sub", "dst.bin")
	require.NoError(t, os.WriteFile(src, []byte{1, 2, 3}, 0o644))

	require.NoError(t, CopyFileAtomic(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	assert.Error(t, CopyFileAtomic(filepath.Join(dir, "absent"), dst))
}

func TestTouchAndExists(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "out.tsv.ok")
	assert.False(t, Exists(marker))
	require.NoError(t, Touch(marker))
	assert.True(t, Exists(marker))

	st, err := os.Stat(marker)
	require.NoError(t, err)
	assert.Zero(t, st.Size())
}

func TestRemoveStaleTemps(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, ".out.tsv.tmp-123")
	keep := filepath.Join(dir, "out.tsv")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0o644))

	RemoveStaleTemps(dir)
	assert.False(t, Exists(stale))
	assert.True(t, Exists(keep))
}
