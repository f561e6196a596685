package crop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spineprep/spineprep/internal/imgvol"
)

// rampVolume returns a 2x2x1xNT volume whose per-volume mean equals
// values[t].
func rampVolume(values []float64) *imgvol.Volume4D {
	vol := imgvol.NewVolume4D(2, 2, 1, len(values))
	for t, v := range values {
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				vol.Set(x, y, 0, t, v)
			}
		}
	}
	return vol
}

func TestDetectConstantSignalNoCrop(t *testing.T) {
	vol := rampVolume([]float64{5, 5, 5, 5, 5, 5})
	sc := Detect(vol, nil, Params{MaxTrimStart: 3, MaxTrimEnd: 3, ZThresh: 2.5})
	assert.Equal(t, 0, sc.From)
	assert.Equal(t, 6, sc.To)
	assert.Equal(t, 6, sc.NVols)
	assert.Equal(t, ReasonNoCrop, sc.Reason)
	assert.NoError(t, sc.Validate())
}

func TestDetectLeadingOutliers(t *testing.T) {
	values := []float64{500, 500, 9, 10, 11, 9, 10, 11, 9, 10, 11, 10}
	vol := rampVolume(values)
	sc := Detect(vol, nil, Params{MaxTrimStart: 5, MaxTrimEnd: 5, ZThresh: 2.5})
	assert.Equal(t, 2, sc.From)
	assert.Equal(t, len(values), sc.To)
	assert.Equal(t, ReasonFallbackNoMask, sc.Reason)
	assert.Equal(t, len(values)-2, sc.NKept())
}

func TestDetectWithMaskReportsRobustZ(t *testing.T) {
	values := []float64{500, 9, 10, 11, 9, 10, 11, 9, 10, 11}
	vol := rampVolume(values)
	mask := imgvol.NewMask3D(2, 2, 1)
	mask.Set(0, 0, 0, true)
	sc := Detect(vol, mask, Params{MaxTrimStart: 5, MaxTrimEnd: 5, ZThresh: 2.5})
	assert.Equal(t, 1, sc.From)
	assert.Equal(t, ReasonRobustZ, sc.Reason)
}

func TestDetectTrailingOutliersClamped(t *testing.T) {
	values := []float64{9, 10, 11, 9, 10, 11, 500, 500, 500, 500}
	vol := rampVolume(values)
	sc := Detect(vol, nil, Params{MaxTrimStart: 2, MaxTrimEnd: 2, ZThresh: 2.5})
	assert.Equal(t, 0, sc.From)
	assert.Equal(t, 8, sc.To)
	assert.Equal(t, ReasonClamped, sc.Reason)
	assert.NoError(t, sc.Validate())
}

func TestDetectNilVolume(t *testing.T) {
	sc := Detect(nil, nil, Params{ZThresh: 2.5})
	assert.Equal(t, ReasonDetectionFailed, sc.Reason)
	assert.NoError(t, sc.Validate())
}

func TestSidecarValidate(t *testing.T) {
	assert.NoError(t, Sidecar{From: 0, To: 4, NVols: 4}.Validate())
	assert.NoError(t, Sidecar{From: 2, To: 2, NVols: 4}.Validate())
	assert.Error(t, Sidecar{From: -1, To: 4, NVols: 4}.Validate())
	assert.Error(t, Sidecar{From: 3, To: 2, NVols: 4}.Validate())
	assert.Error(t, Sidecar{From: 0, To: 5, NVols: 4}.Validate())
}

func TestSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub-01_task-rest_run-01_desc-crop_bold.json")

	want := Sidecar{From: 1, To: 4, NVols: 4, Reason: ReasonRobustZ}
	require.NoError(t, WriteSidecar(path, want))

	got, err := ReadSidecar(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestWriteSidecarRejectsInvalidBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crop.json")
	err := WriteSidecar(path, Sidecar{From: 5, To: 2, NVols: 4})
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestReadSidecarOrDefault(t *testing.T) {
	t.Run("missing file defaults to full range", func(t *testing.T) {
		sc, err := ReadSidecarOrDefault(filepath.Join(t.TempDir(), "absent.json"), 7)
		require.NoError(t, err)
		assert.Equal(t, Sidecar{From: 0, To: 7, NVols: 7, Reason: ReasonNoSidecar}, sc)
	})

	t.Run("existing sidecar wins", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "crop.json")
		require.NoError(t, WriteSidecar(path, Sidecar{From: 2, To: 6, NVols: 8, Reason: ReasonRobustZ}))
		sc, err := ReadSidecarOrDefault(path, 8)
		require.NoError(t, err)
		assert.Equal(t, 2, sc.From)
		assert.Equal(t, 6, sc.To)
	})

	t.Run("corrupt sidecar errors", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "crop.json")
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
		_, err := ReadSidecarOrDefault(path, 8)
		assert.Error(t, err)
	})
}
