package motion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spineprep/spineprep/internal/ctxlog"
	"github.com/spineprep/spineprep/internal/fsutil"
	"github.com/spineprep/spineprep/internal/tools"
)

// Result is what an engine hands back to the motion step.
type Result struct {
	Params Params
	Status string
	// Corrected reports whether the engine itself left a series at the
	// output path (corrected, or copied through by its own fallback);
	// when false the step emits a copy-through placeholder.
	Corrected bool
	ToolVersions map[string]string
}

// Engine runs one motion-correction strategy over a cropped series.
type Engine struct {
	Kind      string
	SliceAxis string
	Runner    *tools.Runner
}

// Correct motion-corrects the nvols-volume series at in, writing the
// corrected series to out and returning the parameter table. Tool
// absence and tool failure are absorbed into the declared fallbacks;
// only contract violations error.
func (e *Engine) Correct(ctx context.Context, in, out string, nvols int) (Result, error) {
	switch e.Kind {
	case "slice-wise":
		return e.sliceWise(ctx, in, out, nvols)
	case "rigid-3d":
		return e.rigid3D(ctx, in, out, nvols)
	case "hybrid":
		return e.hybrid(ctx, in, out, nvols)
	case "grouped":
		// Per-group concatenation happens in the step; the per-series
		// correction is slice-wise.
		return e.sliceWise(ctx, in, out, nvols)
	default:
		return Result{}, fmt.Errorf("unknown motion engine %q", e.Kind)
	}
}

func (e *Engine) versions(ctx context.Context, names ...string) map[string]string {
	v := make(map[string]string, len(names))
	for _, n := range names {
		v[n] = e.Runner.Finder.Version(ctx, n)
	}
	return v
}

// sliceWise runs the slice-motion tool. The tool reports no rigid-body
// matrix per volume, so the parameter table is synthesized as zeros.
// Tool missing or failing degrades to a skip with zero parameters.
func (e *Engine) sliceWise(ctx context.Context, in, out string, nvols int) (Result, error) {
	logger := ctxlog.FromContext(ctx)
	err := e.Runner.Run(ctx, tools.SliceMotion,
		"-i", in, "-o", out, "-axis", e.SliceAxis)
	if err != nil {
		logger.Warn("slice-wise motion unavailable, emitting zero parameters", "error", err)
		return Result{Params: ZeroParams(nvols), Status: StatusSkippedNoTools}, nil
	}
	return Result{
		Params:       ZeroParams(nvols),
		Status:       StatusCompleted,
		Corrected:    true,
		ToolVersions: e.versions(ctx, tools.SliceMotion),
	}, nil
}

// rigid3D runs the volume-motion tool and parses its parameter output.
// Tool missing degrades to copy-through with zero parameters.
func (e *Engine) rigid3D(ctx context.Context, in, out string, nvols int) (Result, error) {
	logger := ctxlog.FromContext(ctx)
	outBase := strings.TrimSuffix(strings.TrimSuffix(out, ".gz"), ".nii")
	err := e.Runner.Run(ctx, tools.VolumeMotion,
		"-in", in, "-out", outBase, "-plots")
	if err != nil {
		logger.Warn("rigid-3d motion unavailable, copying input through", "error", err)
		if copyErr := fsutil.CopyFileAtomic(in, out); copyErr != nil {
			return Result{}, copyErr
		}
		return Result{Params: ZeroParams(nvols), Status: StatusFallbackCopy, Corrected: true}, nil
	}

	params, err := readPar(outBase+".par", nvols)
	if err != nil {
		logger.Warn("could not parse motion parameters, using zeros", "error", err)
		params = ZeroParams(nvols)
	}
	return Result{
		Params:       params,
		Status:       StatusCompleted,
		Corrected:    true,
		ToolVersions: e.versions(ctx, tools.VolumeMotion),
	}, nil
}

// hybrid runs slice-wise then rigid-3d and sums the parameter tables.
// When the slice tool is missing it falls back to rigid-3d alone.
func (e *Engine) hybrid(ctx context.Context, in, out string, nvols int) (Result, error) {
	logger := ctxlog.FromContext(ctx)
	if !e.Runner.Available(tools.SliceMotion) {
		logger.Warn("slice-wise tool missing, hybrid engine falling back to rigid-3d")
		res, err := e.rigid3D(ctx, in, out, nvols)
		if err != nil {
			return Result{}, err
		}
		res.Status = StatusFallbackRigid
		return res, nil
	}

	intermediate := filepath.Join(filepath.Dir(out), "."+filepath.Base(out)+".slice.nii.gz")
	defer os.Remove(intermediate)

	sliceRes, err := e.sliceWise(ctx, in, intermediate, nvols)
	if err != nil {
		return Result{}, err
	}
	rigidIn := intermediate
	if sliceRes.Status != StatusCompleted {
		rigidIn = in
	}
	rigidRes, err := e.rigid3D(ctx, rigidIn, out, nvols)
	if err != nil {
		return Result{}, err
	}

	// Component-wise sum approximates the composed correction.
	combined, err := sliceRes.Params.Add(rigidRes.Params)
	if err != nil {
		return Result{}, err
	}
	status := StatusCompleted
	if rigidRes.Status != StatusCompleted {
		status = rigidRes.Status
	}
	versions := e.versions(ctx, tools.SliceMotion, tools.VolumeMotion)
	return Result{Params: combined, Status: status, Corrected: true, ToolVersions: versions}, nil
}

// readPar parses the volume-motion tool's .par output: six
// space-separated columns per row, rotations (radians) first, then
// translations (mm). Rows are reordered into the translations-first
// contract.
func readPar(path string, nvols int) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Fields(strings.TrimSpace(string(data)))
	if len(lines) < 6*nvols {
		return nil, fmt.Errorf("%s: expected %d values, got %d", path, 6*nvols, len(lines))
	}
	params := make(Params, nvols)
	for t := 0; t < nvols; t++ {
		var raw [6]float64
		for c := 0; c < 6; c++ {
			v, err := strconv.ParseFloat(lines[t*6+c], 64)
			if err != nil {
				return nil, fmt.Errorf("%s row %d: %w", path, t, err)
			}
			raw[c] = v
		}
		// rx ry rz tx ty tz -> tx ty tz rx ry rz
		params[t] = [6]float64{raw[3], raw[4], raw[5], raw[0], raw[1], raw[2]}
	}
	return params, nil
}
