// Package confounds computes per-volume nuisance regressors: framewise
// displacement, DVARS, frame censoring, and aCompCor components. All
// math operates on in-memory matrices and volumes; file I/O lives in the
// writers.
package confounds

import (
	"math"
	"sort"

	"github.com/spineprep/spineprep/internal/imgvol"
)

// RotationRadiusMM converts rotation differences to millimeters of
// displacement on a sphere (Power et al.).
const RotationRadiusMM = 50.0

// FDPower computes framewise displacement from a T×6 motion-parameter
// table (translations in mm, rotations in radians). FD[0] is 0 by
// definition; FD[t] is the L1 norm of the first-order differences with
// rotations scaled by RotationRadiusMM.
func FDPower(params [][6]float64) []float64 {
	fd := make([]float64, len(params))
	for t := 1; t < len(params); t++ {
		var sum float64
		for c := 0; c < 3; c++ {
			sum += math.Abs(params[t][c] - params[t-1][c])
		}
		for c := 3; c < 6; c++ {
			sum += RotationRadiusMM * math.Abs(params[t][c]-params[t-1][c])
		}
		fd[t] = sum
	}
	return fd
}

// dvarsMask picks the voxel set DVARS averages over. Precedence: a
// provided non-empty mask of matching dimensions, else voxels above the
// median of the first volume, else the whole field of view.
func dvarsMask(vol *imgvol.Volume4D, mask *imgvol.Mask3D) *imgvol.Mask3D {
	if mask != nil && mask.Count() > 0 && mask.MatchesVolume(vol) {
		return mask
	}

	values := make([]float64, 0, vol.NVoxels())
	for z := 0; z < vol.NZ; z++ {
		for y := 0; y < vol.NY; y++ {
			for x := 0; x < vol.NX; x++ {
				values = append(values, vol.At(x, y, z, 0))
			}
		}
	}
	median := medianOf(values)

	m := imgvol.NewMask3D(vol.NX, vol.NY, vol.NZ)
	for z := 0; z < vol.NZ; z++ {
		for y := 0; y < vol.NY; y++ {
			for x := 0; x < vol.NX; x++ {
				m.Set(x, y, z, vol.At(x, y, z, 0) > median)
			}
		}
	}
	if m.Count() == 0 {
		for z := 0; z < vol.NZ; z++ {
			for y := 0; y < vol.NY; y++ {
				for x := 0; x < vol.NX; x++ {
					m.Set(x, y, z, true)
				}
			}
		}
	}
	return m
}

// DVARS computes the RMS of the volumewise temporal derivative within a
// mask. DVARS[0] is 0. Voxels with non-finite values are excluded.
func DVARS(vol *imgvol.Volume4D, mask *imgvol.Mask3D) []float64 {
	dvars := make([]float64, vol.NT)
	if vol.NT < 2 {
		return dvars
	}
	m := dvarsMask(vol, mask)

	for t := 1; t < vol.NT; t++ {
		var sum float64
		var n int
		for z := 0; z < vol.NZ; z++ {
			for y := 0; y < vol.NY; y++ {
				for x := 0; x < vol.NX; x++ {
					if !m.At(x, y, z) {
						continue
					}
					d := vol.At(x, y, z, t) - vol.At(x, y, z, t-1)
					if math.IsNaN(d) || math.IsInf(d, 0) {
						continue
					}
					sum += d * d
					n++
				}
			}
		}
		if n > 0 {
			dvars[t] = math.Sqrt(sum / float64(n))
		}
	}
	return dvars
}

func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return 0.5 * (sorted[n/2-1] + sorted[n/2])
}
