package provenance

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "sub-01_task-rest_run-01_desc-crop_bold.json")

	err := Write(artifact, Record{
		Step:   "crop_detect.sub-01_task-rest_run-01",
		Inputs: []string{"/bids/sub-01/func/bold.nii.gz"},
		Params: map[string]any{"z_thresh": 2.5},
	})
	require.NoError(t, err)
	assert.FileExists(t, artifact+".prov.json")

	rec, err := Read(artifact)
	require.NoError(t, err)
	assert.Equal(t, "crop_detect.sub-01_task-rest_run-01", rec.Step)
	assert.Equal(t, artifact, rec.Output)
	assert.Len(t, rec.Inputs, 1)

	// Timestamp is RFC 3339 UTC.
	ts, err := time.Parse(time.RFC3339, rec.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())
}

func TestWriteFillsEmptyCollections(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "out.tsv")
	require.NoError(t, Write(artifact, Record{Step: "s"}))

	data, err := os.ReadFile(artifact + ".prov.json")
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, `"inputs": []`)
	assert.Contains(t, s, `"params": {}`)
	assert.Contains(t, s, `"tool_versions": {}`)
}

func TestReadMissing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "absent.tsv"))
	assert.Error(t, err)
}
