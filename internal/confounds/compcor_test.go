package confounds

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spineprep/spineprep/internal/imgvol"
)

// synthVolume fills a 3x3x1xT volume with a deterministic pseudo-random
// pattern so PCA has full-rank input.
func synthVolume(nt int) *imgvol.Volume4D {
	vol := imgvol.NewVolume4D(3, 3, 1, nt)
	seed := uint64(42)
	next := func() float64 {
		seed = seed*6364136223846793005 + 1442695040888963407
		return float64(seed>>33) / float64(1<<31)
	}
	for t := 0; t < nt; t++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 3; x++ {
				vol.Set(x, y, 0, t, 100+10*next())
			}
		}
	}
	return vol
}

func fullMask(nx, ny, nz int) *imgvol.Mask3D {
	m := imgvol.NewMask3D(nx, ny, nz)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				m.Set(x, y, z, true)
			}
		}
	}
	return m
}

func TestACompCorEmptyMask(t *testing.T) {
	vol := synthVolume(10)
	empty := imgvol.NewMask3D(3, 3, 1)
	res := ACompCor(vol, empty, ACompCorParams{MaxComponents: 5})
	assert.Zero(t, res.NComponents)
	assert.Empty(t, res.Components)
	assert.Empty(t, res.ExplainedVariance)
}

func TestACompCorNilMask(t *testing.T) {
	res := ACompCor(synthVolume(10), nil, ACompCorParams{MaxComponents: 5})
	assert.Zero(t, res.NComponents)
}

func TestACompCorDeterminism(t *testing.T) {
	vol := synthVolume(20)
	mask := fullMask(3, 3, 1)
	p := ACompCorParams{MaxComponents: 3, Detrend: true, Standardize: true, HighpassHz: 0.008, SampleHz: 0.5}

	a := ACompCor(vol, mask, p)
	b := ACompCor(vol, mask, p)
	require.Equal(t, a.NComponents, b.NComponents)
	// Byte-identical rendering across runs.
	assert.Equal(t, fmt.Sprintf("%v", a.Components), fmt.Sprintf("%v", b.Components))
	assert.Equal(t, fmt.Sprintf("%v", a.ExplainedVariance), fmt.Sprintf("%v", b.ExplainedVariance))
}

func TestACompCorSignConvention(t *testing.T) {
	vol := synthVolume(20)
	mask := fullMask(3, 3, 1)
	res := ACompCor(vol, mask, ACompCorParams{MaxComponents: 3})
	require.Greater(t, res.NComponents, 0)
	for _, comp := range res.Components {
		maxAbs, maxVal := 0.0, 0.0
		for _, v := range comp {
			if math.Abs(v) > maxAbs {
				maxAbs = math.Abs(v)
				maxVal = v
			}
		}
		assert.Greater(t, maxVal, 0.0)
	}
}

func TestACompCorComponentCountAndVariance(t *testing.T) {
	vol := synthVolume(20)
	mask := fullMask(3, 3, 1)
	res := ACompCor(vol, mask, ACompCorParams{MaxComponents: 4})
	require.Equal(t, 4, res.NComponents)
	require.Len(t, res.ExplainedVariance, 4)

	var total float64
	for i, ev := range res.ExplainedVariance {
		assert.Greater(t, ev, 0.0)
		if i > 0 {
			assert.LessOrEqual(t, ev, res.ExplainedVariance[i-1])
		}
		total += ev
	}
	assert.LessOrEqual(t, total, 1.0+1e-9)

	for _, comp := range res.Components {
		assert.Len(t, comp, 20)
	}
}

func TestACompCorRankLimited(t *testing.T) {
	// Two identical voxels: rank 1, regardless of the requested count.
	vol := imgvol.NewVolume4D(2, 1, 1, 8)
	for tt := 0; tt < 8; tt++ {
		v := float64(tt * tt % 5)
		vol.Set(0, 0, 0, tt, v)
		vol.Set(1, 0, 0, tt, v)
	}
	mask := fullMask(2, 1, 1)
	res := ACompCor(vol, mask, ACompCorParams{MaxComponents: 5})
	assert.Equal(t, 1, res.NComponents)
}

func TestExtractTimeseriesShape(t *testing.T) {
	vol := synthVolume(12)
	mask := imgvol.NewMask3D(3, 3, 1)
	mask.Set(0, 0, 0, true)
	mask.Set(2, 2, 0, true)
	ts, err := ExtractTimeseries(vol, mask)
	require.NoError(t, err)
	rows, cols := ts.Dims()
	assert.Equal(t, 12, rows)
	assert.Equal(t, 2, cols)
	assert.Equal(t, vol.At(0, 0, 0, 3), ts.At(3, 0))
	assert.Equal(t, vol.At(2, 2, 0, 7), ts.At(7, 1))
}

func TestDetrendRemovesLinearTrend(t *testing.T) {
	x := make([]float64, 10)
	for i := range x {
		x[i] = 3 + 2*float64(i)
	}
	detrendLinear(x)
	for i, v := range x {
		assert.InDeltaf(t, 0, v, 1e-9, "x[%d]", i)
	}
}

func TestHighpassRemovesDC(t *testing.T) {
	x := make([]float64, 200)
	for i := range x {
		x[i] = 5.0
	}
	highpassBiquad(x, 0.01, 0.5)
	// The tail settles toward zero once the transient decays.
	assert.InDelta(t, 0, x[len(x)-1], 0.05)
}

func TestZscore(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	zscore(x)
	var mean float64
	for _, v := range x {
		mean += v
	}
	assert.InDelta(t, 0, mean/5, 1e-12)
}
