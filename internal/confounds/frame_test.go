package confounds

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zeroFrame(nrows int, tissues []TissueResult) *Frame {
	return &Frame{
		FD:      make([]float64, nrows),
		DVARS:   make([]float64, nrows),
		Censor:  make([]int, nrows),
		Tissues: tissues,
		Motion:  make([][6]float64, nrows),
	}
}

func TestFrameColumnsCanonicalOrder(t *testing.T) {
	tissues := []TissueResult{
		{Tissue: "cord", Result: ACompCorResult{
			NComponents:       2,
			Components:        [][]float64{{0, 0, 0}, {0, 0, 0}},
			ExplainedVariance: []float64{0.6, 0.2},
		}},
		{Tissue: "wm", Result: ACompCorResult{Components: [][]float64{}, ExplainedVariance: []float64{}}},
	}
	f := zeroFrame(3, tissues)
	cols := f.Columns()
	assert.Equal(t, []string{
		"framewise_displacement", "dvars", "frame_censor",
		"acomp_cord_pc01", "acomp_cord_pc02",
		"trans_x", "trans_y", "trans_z", "rot_x", "rot_y", "rot_z",
	}, cols)
}

func TestFrameTSVFormat(t *testing.T) {
	f := zeroFrame(2, nil)
	f.FD[1] = 0.123456789
	f.Censor[1] = 1

	lines := strings.Split(strings.TrimRight(string(f.TSV()), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, 9, len(strings.Split(lines[0], "\t")))

	row1 := strings.Split(lines[2], "\t")
	assert.Equal(t, "0.123457", row1[0])
	assert.Equal(t, "1", row1[2])
}

func TestWriteDescriptorRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "desc.json")
	err := WriteDescriptor(path, Descriptor{
		FDMethod: "power",
		CropFrom: 1,
		CropTo:   4,
		ACompCor: map[string]TissueDescriptor{
			"cord": {NComponents: 0, ExplainedVariance: []float64{}},
		},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.EqualValues(t, 1, got["CropFrom"])
	assert.EqualValues(t, 4, got["CropTo"])

	acomp := got["acompcor"].(map[string]any)
	cord := acomp["cord"].(map[string]any)
	assert.EqualValues(t, 0, cord["n_components"])
	assert.Empty(t, cord["explained_variance"])
}

func TestWriteComponentsNPYSkipsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "comp.npy")
	err := WriteComponentsNPY(path, ACompCorResult{})
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
