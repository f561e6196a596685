package qc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "desc.json")
	doc := `{"CropFrom": 1, "CropTo": 4, "censor": {"n_kept": 2, "n_censored": 1}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	rep, err := ReadCounts(path)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.CropFrom)
	assert.Equal(t, 4, rep.CropTo)
	assert.Equal(t, 2, rep.NKept)
	assert.Equal(t, 1, rep.NCensored)
}

func TestWriteCollection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qc", "collect.json")
	col := Collection{Runs: []RunReport{{
		Run:   "sub-01_task-rest_run-01",
		Steps: map[string]string{"motion": "skip", "confounds": "ok"},
		NKept: 4,
	}}}
	require.NoError(t, Write(path, col))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Collection
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Runs, 1)
	assert.Equal(t, "skip", got.Runs[0].Steps["motion"])
	assert.Equal(t, 4, got.Runs[0].NKept)
}

func TestWriteEmptyCollection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collect.json")
	require.NoError(t, Write(path, Collection{}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"runs": []`)
}
