// Package crop detects per-run temporal crops and owns the sidecar
// contract between crop detection, motion correction, and confounds.
// The sidecar is the sole authority for which volumes downstream steps
// process.
package crop

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/spineprep/spineprep/internal/fsutil"
	"github.com/spineprep/spineprep/internal/imgvol"
)

// Reason codes published in the sidecar.
const (
	ReasonNoCrop          = "no-crop"
	ReasonRobustZ         = "robust-z"
	ReasonFallbackNoMask  = "fallback-no-mask"
	ReasonDetectionFailed = "detection-failed"
	ReasonClamped         = "out-of-bounds-clamped"
	// ReasonNoSidecar is recorded by readers when the sidecar is absent,
	// never written by the detector.
	ReasonNoSidecar = "no-sidecar"
)

// Sidecar is the per-run crop record. Volumes [From, To) survive.
type Sidecar struct {
	From   int    `json:"from"`
	To     int    `json:"to"`
	NVols  int    `json:"nvols"`
	Reason string `json:"reason"`
}

// NKept returns the count of volumes that survive cropping.
func (s Sidecar) NKept() int { return s.To - s.From }

// Validate enforces 0 <= from <= to <= nvols.
func (s Sidecar) Validate() error {
	if s.From < 0 || s.From > s.To || s.To > s.NVols {
		return fmt.Errorf("invalid crop bounds from=%d to=%d nvols=%d", s.From, s.To, s.NVols)
	}
	return nil
}

// NoCrop returns the identity sidecar for nvols volumes.
func NoCrop(nvols int) Sidecar {
	return Sidecar{From: 0, To: nvols, NVols: nvols, Reason: ReasonNoCrop}
}

// Params configures detection.
type Params struct {
	MaxTrimStart int
	MaxTrimEnd   int
	ZThresh      float64
}

// robustZ returns z-scores of s against its median, scaled by
// 1.4826*MAD. A zero MAD yields all-zero scores.
func robustZ(s []float64) []float64 {
	n := len(s)
	z := make([]float64, n)
	if n == 0 {
		return z
	}
	sorted := append([]float64(nil), s...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	dev := make([]float64, n)
	for i, v := range s {
		dev[i] = math.Abs(v - median)
	}
	sort.Float64s(dev)
	mad := stat.Quantile(0.5, stat.Empirical, dev, nil)
	if mad == 0 {
		return z
	}
	scale := 1.4826 * mad
	for i, v := range s {
		z[i] = (v - median) / scale
	}
	return z
}

// Detect runs robust-z crop detection on the per-volume mean signal of
// vol, restricted to mask when it is non-nil and non-empty. Invalid
// inputs never error: they yield the full range with
// reason detection-failed.
func Detect(vol *imgvol.Volume4D, mask *imgvol.Mask3D, p Params) Sidecar {
	if vol == nil || vol.NT <= 0 {
		nvols := 0
		if vol != nil {
			nvols = vol.NT
		}
		return Sidecar{From: 0, To: nvols, NVols: nvols, Reason: ReasonDetectionFailed}
	}
	nvols := vol.NT

	useMask := mask != nil && mask.Count() > 0 && mask.MatchesVolume(vol)
	var m *imgvol.Mask3D
	if useMask {
		m = mask
	}

	signal := make([]float64, nvols)
	for t := 0; t < nvols; t++ {
		signal[t] = vol.MeanAt(t, m)
	}
	for _, v := range signal {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Sidecar{From: 0, To: nvols, NVols: nvols, Reason: ReasonDetectionFailed}
		}
	}

	z := robustZ(signal)

	allZero := true
	for _, v := range z {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return Sidecar{From: 0, To: nvols, NVols: nvols, Reason: ReasonNoCrop}
	}

	from := 0
	for i := 0; i < nvols && math.Abs(z[i]) > p.ZThresh; i++ {
		from = i + 1
	}
	to := nvols
	for i := nvols - 1; i >= 0 && math.Abs(z[i]) > p.ZThresh; i-- {
		to = i
	}

	clamped := false
	if from > p.MaxTrimStart {
		from = p.MaxTrimStart
		clamped = true
	}
	if nvols-to > p.MaxTrimEnd {
		to = nvols - p.MaxTrimEnd
		clamped = true
	}
	if from < 0 {
		from, clamped = 0, true
	}
	if to > nvols {
		to, clamped = nvols, true
	}
	if from > to {
		from, to, clamped = 0, nvols, true
	}

	reason := ReasonNoCrop
	switch {
	case clamped:
		reason = ReasonClamped
	case from == 0 && to == nvols:
		reason = ReasonNoCrop
	case useMask:
		reason = ReasonRobustZ
	default:
		reason = ReasonFallbackNoMask
	}
	return Sidecar{From: from, To: to, NVols: nvols, Reason: reason}
}

// WriteSidecar commits the sidecar atomically. Only the crop-detect step
// calls this.
func WriteSidecar(path string, s Sidecar) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'))
}

// ReadSidecar loads and validates a sidecar.
func ReadSidecar(path string) (Sidecar, error) {
	var s Sidecar
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decoding crop sidecar %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("crop sidecar %s: %w", path, err)
	}
	return s, nil
}

// ReadSidecarOrDefault is the reader side of the contract: a missing
// sidecar defaults to the full range with reason no-sidecar. Any other
// read error is surfaced.
func ReadSidecarOrDefault(path string, nvols int) (Sidecar, error) {
	s, err := ReadSidecar(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Sidecar{From: 0, To: nvols, NVols: nvols, Reason: ReasonNoSidecar}, nil
		}
		return Sidecar{}, err
	}
	return s, nil
}
