package confounds

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/spineprep/spineprep/internal/imgvol"
)

// ACompCorParams configures component extraction for one tissue.
type ACompCorParams struct {
	MaxComponents int
	HighpassHz    float64
	SampleHz      float64
	Detrend       bool
	Standardize   bool
}

// ACompCorResult holds the emitted components for one tissue.
// Components is T×K column-major-by-slice: Components[k] is the k-th
// component time course. ExplainedVariance has one ratio per component.
type ACompCorResult struct {
	NComponents       int
	Components        [][]float64
	ExplainedVariance []float64
}

// ExtractTimeseries pulls the T×V matrix of voxel time courses inside
// mask from vol. Voxel order is the deterministic x-fastest scan order.
func ExtractTimeseries(vol *imgvol.Volume4D, mask *imgvol.Mask3D) (*mat.Dense, error) {
	if !mask.MatchesVolume(vol) {
		return nil, fmt.Errorf("mask dimensions %dx%dx%d do not match volume %dx%dx%d",
			mask.NX, mask.NY, mask.NZ, vol.NX, vol.NY, vol.NZ)
	}
	nv := mask.Count()
	if nv == 0 {
		return nil, fmt.Errorf("mask contains no voxels")
	}
	ts := mat.NewDense(vol.NT, nv, nil)
	col := 0
	for z := 0; z < vol.NZ; z++ {
		for y := 0; y < vol.NY; y++ {
			for x := 0; x < vol.NX; x++ {
				if !mask.At(x, y, z) {
					continue
				}
				for t := 0; t < vol.NT; t++ {
					ts.Set(t, col, vol.At(x, y, z, t))
				}
				col++
			}
		}
	}
	return ts, nil
}

// condition applies, per voxel column and in this order: linear
// detrending, high-pass filtering, and z-scoring.
func condition(ts *mat.Dense, p ACompCorParams) {
	rows, cols := ts.Dims()
	buf := make([]float64, rows)
	for c := 0; c < cols; c++ {
		mat.Col(buf, c, ts)
		if p.Detrend {
			detrendLinear(buf)
		}
		if p.HighpassHz > 0 {
			highpassBiquad(buf, p.HighpassHz, p.SampleHz)
		}
		if p.Standardize {
			zscore(buf)
		}
		ts.SetCol(c, buf)
	}
}

// ACompCor extracts principal components from the masked time series.
// The PCA is a centered thin SVD; identical inputs produce identical
// outputs. Components are sign-normalized so the sample with the
// largest absolute loading is positive. An empty or mismatched mask
// yields zero components without error.
func ACompCor(vol *imgvol.Volume4D, mask *imgvol.Mask3D, p ACompCorParams) ACompCorResult {
	empty := ACompCorResult{Components: [][]float64{}, ExplainedVariance: []float64{}}
	if mask == nil || mask.Count() == 0 {
		return empty
	}
	ts, err := ExtractTimeseries(vol, mask)
	if err != nil {
		return empty
	}
	condition(ts, p)

	rows, cols := ts.Dims()

	// Center each voxel column.
	buf := make([]float64, rows)
	for c := 0; c < cols; c++ {
		mat.Col(buf, c, ts)
		var mean float64
		for _, v := range buf {
			mean += v
		}
		mean /= float64(rows)
		for i := range buf {
			buf[i] -= mean
		}
		ts.SetCol(c, buf)
	}

	var svd mat.SVD
	if ok := svd.Factorize(ts, mat.SVDThin); !ok {
		return empty
	}
	sigma := svd.Values(nil)
	var u mat.Dense
	svd.UTo(&u)

	var total float64
	rank := 0
	for _, s := range sigma {
		total += s * s
		if s > 1e-10 {
			rank++
		}
	}
	k := p.MaxComponents
	if k > rank {
		k = rank
	}
	if k <= 0 || total <= 0 {
		return empty
	}

	res := ACompCorResult{
		NComponents:       k,
		Components:        make([][]float64, k),
		ExplainedVariance: make([]float64, k),
	}
	for c := 0; c < k; c++ {
		comp := make([]float64, rows)
		mat.Col(comp, c, &u)
		signNormalize(comp)
		res.Components[c] = comp
		res.ExplainedVariance[c] = sigma[c] * sigma[c] / total
	}
	return res
}

// signNormalize flips comp so its largest-magnitude sample is positive.
// Ties break toward the earliest sample.
func signNormalize(comp []float64) {
	maxAbs := -1.0
	maxIdx := 0
	for i, v := range comp {
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
			maxIdx = i
		}
	}
	if comp[maxIdx] < 0 {
		for i := range comp {
			comp[i] = -comp[i]
		}
	}
}
