package pipeline

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/spineprep/spineprep/internal/crop"
	"github.com/spineprep/spineprep/internal/ctxlog"
	"github.com/spineprep/spineprep/internal/dag"
	"github.com/spineprep/spineprep/internal/deriv"
	"github.com/spineprep/spineprep/internal/fsutil"
	"github.com/spineprep/spineprep/internal/imgvol"
	"github.com/spineprep/spineprep/internal/manifest"
	"github.com/spineprep/spineprep/internal/motion"
	"github.com/spineprep/spineprep/internal/provenance"
	"github.com/spineprep/spineprep/internal/tools"
)

// CropOverrideEnv is the legacy emergency override for the effective
// crop, formatted "from:to". The sidecar remains the source of truth;
// when the variable is set the detector applies it and records it in
// provenance.
const CropOverrideEnv = "SPINEPREP_CROP_OVERRIDE"

// ---- crop_detect ----

type cropDetectStep struct {
	run      manifest.Run
	sidecar  string
	cordMask string
}

func newCropDetectStep(env *Env, run manifest.Run) *cropDetectStep {
	return &cropDetectStep{
		run:      run,
		sidecar:  env.Layout.CropJSON(run.Entities),
		cordMask: env.Layout.Mask(run.Entities, "cordmask", ""),
	}
}

func (s *cropDetectStep) ID() string       { return "crop_detect." + s.run.Key() }
func (s *cropDetectStep) Stage() string    { return "crop_detect" }
func (s *cropDetectStep) Primary() string  { return s.sidecar }
func (s *cropDetectStep) Inputs() []string { return []string{s.run.BoldPath} }

func (s *cropDetectStep) Run(ctx context.Context, env *Env) (dag.Outcome, error) {
	logger := ctxlog.FromContext(ctx)
	tc := env.Cfg.Options.TemporalCrop

	params := map[string]any{
		"method":         tc.Method,
		"max_trim_start": tc.MaxTrimStart,
		"max_trim_end":   tc.MaxTrimEnd,
		"z_thresh":       tc.ZThresh,
	}

	var sc crop.Sidecar
	switch {
	case !tc.Enable:
		sc = crop.NoCrop(s.run.NVols)
	default:
		vol, err := env.Loader.Load(s.run.BoldPath)
		if err != nil {
			logger.Warn("crop detection could not read image", "run", s.run.Key(), "error", err)
			sc = crop.Sidecar{From: 0, To: s.run.NVols, NVols: s.run.NVols, Reason: crop.ReasonDetectionFailed}
			break
		}
		var mask *imgvol.Mask3D
		if env.Cfg.Options.Masks.Source == "provided" && fsutil.Exists(deriv.OSPath(s.cordMask)) {
			if m, err := env.Loader.LoadMask(s.cordMask, env.Cfg.Options.Masks.BinarizeThr); err == nil {
				mask = m
			}
		}
		sc = crop.Detect(vol, mask, crop.Params{
			MaxTrimStart: tc.MaxTrimStart,
			MaxTrimEnd:   tc.MaxTrimEnd,
			ZThresh:      tc.ZThresh,
		})
	}

	if override := os.Getenv(CropOverrideEnv); override != "" {
		if from, to, ok := parseCropOverride(override, s.run.NVols); ok {
			logger.Warn("applying legacy crop override", "run", s.run.Key(), "override", override)
			sc = crop.Sidecar{From: from, To: to, NVols: s.run.NVols, Reason: crop.ReasonRobustZ}
			params["crop_override"] = override
		} else {
			logger.Warn("ignoring malformed crop override", "override", override)
		}
	}

	if err := crop.WriteSidecar(deriv.OSPath(s.sidecar), sc); err != nil {
		return dag.Outcome{}, E(KindAtomicCommitFailed, "writing crop sidecar: %v", err)
	}
	params["from"], params["to"], params["reason"] = sc.From, sc.To, sc.Reason
	if err := provenance.Write(deriv.OSPath(s.sidecar), provenance.Record{
		Step:   s.ID(),
		Inputs: []string{s.run.BoldPath},
		Params: params,
	}); err != nil {
		return dag.Outcome{}, E(KindAtomicCommitFailed, "writing provenance: %v", err)
	}
	if err := commitOK(s.sidecar); err != nil {
		return dag.Outcome{}, err
	}
	return dag.Outcome{State: dag.OK, Reason: sc.Reason}, nil
}

func parseCropOverride(s string, nvols int) (int, int, bool) {
	fromStr, toStr, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, false
	}
	from, err1 := strconv.Atoi(fromStr)
	to, err2 := strconv.Atoi(toStr)
	if err1 != nil || err2 != nil || from < 0 || from > to || to > nvols {
		return 0, 0, false
	}
	return from, to, true
}

// ---- mppca ----

type mppcaStep struct {
	run manifest.Run
	out string
}

func newMppcaStep(env *Env, run manifest.Run) *mppcaStep {
	return &mppcaStep{run: run, out: env.Layout.Bold(run.Entities, "mppca", "")}
}

func (s *mppcaStep) ID() string       { return "mppca." + s.run.Key() }
func (s *mppcaStep) Stage() string    { return "mppca" }
func (s *mppcaStep) Primary() string  { return s.out }
func (s *mppcaStep) Inputs() []string { return []string{s.run.BoldPath} }

func (s *mppcaStep) Run(ctx context.Context, env *Env) (dag.Outcome, error) {
	if !fsutil.Exists(s.run.BoldPath) {
		return dag.Outcome{}, E(KindMissingInput, "functional image %s missing", s.run.BoldPath)
	}
	out := deriv.OSPath(s.out)
	rec := provenance.Record{
		Step:         s.ID(),
		Inputs:       []string{s.run.BoldPath},
		ToolVersions: map[string]string{tools.Denoise: env.Runner.Finder.Version(ctx, tools.Denoise)},
	}

	err := env.Runner.Run(ctx, tools.Denoise, s.run.BoldPath, out)
	if err != nil {
		// Copy-through keeps the series available to motion correction.
		if copyErr := fsutil.CopyFileAtomic(s.run.BoldPath, out); copyErr != nil {
			return dag.Outcome{}, E(KindAtomicCommitFailed, "writing denoise placeholder: %v", copyErr)
		}
		rec.Params = map[string]any{"status": "skipped", "reason": err.Error()}
		if perr := provenance.Write(out, rec); perr != nil {
			return dag.Outcome{}, E(KindAtomicCommitFailed, "writing provenance: %v", perr)
		}
		if merr := commitSkip(s.out); merr != nil {
			return dag.Outcome{}, merr
		}
		// The placeholder is in place; the orchestrator downgrades this
		// to a graceful skip.
		return dag.Outcome{}, E(toolErrorKind(err), "denoise: %v", err)
	}

	rec.Params = map[string]any{"status": "completed"}
	if perr := provenance.Write(out, rec); perr != nil {
		return dag.Outcome{}, E(KindAtomicCommitFailed, "writing provenance: %v", perr)
	}
	if merr := commitOK(s.out); merr != nil {
		return dag.Outcome{}, merr
	}
	return dag.Outcome{State: dag.OK}, nil
}

// ---- motion ----

type motionStep struct {
	run       manifest.Run
	in        string // denoised series
	sidecar   string
	out       string
	paramsTSV string
	paramsJSON string
	groupRuns []manifest.Run
}

func newMotionStep(env *Env, run manifest.Run, groupRuns []manifest.Run) *motionStep {
	e := run.Entities
	return &motionStep{
		run:        run,
		in:         env.Layout.Bold(e, "mppca", ""),
		sidecar:    env.Layout.CropJSON(e),
		out:        env.Layout.Bold(e, "motion", ""),
		paramsTSV:  env.Layout.MotionParamsTSV(e),
		paramsJSON: env.Layout.MotionParamsJSON(e),
		groupRuns:  groupRuns,
	}
}

func (s *motionStep) ID() string      { return "motion." + s.run.Key() }
func (s *motionStep) Stage() string   { return "motion" }
func (s *motionStep) Primary() string { return s.out }
func (s *motionStep) Inputs() []string {
	return []string{s.in, s.sidecar}
}

// applyCrop trims the series to the sidecar's range, writing the result
// next to the output. Returns the path motion correction should read
// and whether a temporary file was produced.
func (s *motionStep) applyCrop(ctx context.Context, env *Env, sc crop.Sidecar) (string, bool) {
	logger := ctxlog.FromContext(ctx)
	in := deriv.OSPath(s.in)
	if sc.From == 0 && sc.To == sc.NVols {
		return in, false
	}
	cropped := deriv.OSPath(s.out) + ".cropped.tmp.nii.gz"
	err := env.Runner.Run(ctx, tools.CropApply, in, cropped,
		strconv.Itoa(sc.From), strconv.Itoa(sc.NKept()))
	if err != nil {
		logger.Warn("temporal crop tool unavailable, motion correcting the uncropped series",
			"run", s.run.Key(), "error", err)
		return in, false
	}
	return cropped, true
}

func (s *motionStep) Run(ctx context.Context, env *Env) (dag.Outcome, error) {
	in := deriv.OSPath(s.in)
	if !fsutil.Exists(in) {
		return dag.Outcome{}, E(KindMissingInput, "motion input %s missing", in)
	}

	sc, err := crop.ReadSidecarOrDefault(deriv.OSPath(s.sidecar), s.run.NVols)
	if err != nil {
		return dag.Outcome{}, E(KindMissingInput, "reading crop sidecar: %v", err)
	}

	src, temp := s.applyCrop(ctx, env, sc)
	if temp {
		defer os.Remove(src)
	}

	if env.Cfg.Options.Motion.Engine == "grouped" && len(s.groupRuns) > 1 {
		return s.runGrouped(ctx, env, sc, src)
	}

	engine := &motion.Engine{
		Kind:      env.Cfg.Options.Motion.Engine,
		SliceAxis: env.Cfg.Options.Motion.SliceAxis,
		Runner:    env.Runner,
	}
	out := deriv.OSPath(s.out)
	res, err := engine.Correct(ctx, src, out, sc.NKept())
	if err != nil {
		return dag.Outcome{}, E(KindAtomicCommitFailed, "motion correction: %v", err)
	}
	if !res.Corrected {
		if copyErr := fsutil.CopyFileAtomic(src, out); copyErr != nil {
			return dag.Outcome{}, E(KindAtomicCommitFailed, "writing motion placeholder: %v", copyErr)
		}
	}

	if err := res.Params.WriteTSV(deriv.OSPath(s.paramsTSV)); err != nil {
		return dag.Outcome{}, E(KindAtomicCommitFailed, "writing motion parameters: %v", err)
	}
	if err := motion.WriteSidecar(deriv.OSPath(s.paramsJSON), motion.Sidecar{
		Engine:       env.Cfg.Options.Motion.Engine,
		SliceAxis:    env.Cfg.Options.Motion.SliceAxis,
		Status:       res.Status,
		ToolVersions: res.ToolVersions,
		CropFrom:     sc.From,
		CropTo:       sc.To,
		CropReason:   sc.Reason,
	}); err != nil {
		return dag.Outcome{}, E(KindAtomicCommitFailed, "writing motion sidecar: %v", err)
	}

	rec := provenance.Record{
		Step:         s.ID(),
		Inputs:       []string{s.in, s.sidecar},
		ToolVersions: res.ToolVersions,
		Params: map[string]any{
			"engine":     env.Cfg.Options.Motion.Engine,
			"slice_axis": env.Cfg.Options.Motion.SliceAxis,
			"status":     res.Status,
			"crop_from":  sc.From,
			"crop_to":    sc.To,
			"crop_reason": sc.Reason,
		},
	}
	if err := provenance.Write(out, rec); err != nil {
		return dag.Outcome{}, E(KindAtomicCommitFailed, "writing provenance: %v", err)
	}

	switch res.Status {
	case motion.StatusCompleted, motion.StatusFallbackRigid:
		if err := commitOK(s.out); err != nil {
			return dag.Outcome{}, err
		}
		state := dag.OK
		if res.Status == motion.StatusFallbackRigid {
			state = dag.FailedRetried
		}
		return dag.Outcome{State: state, Reason: res.Status}, nil
	default:
		if err := commitSkip(s.out); err != nil {
			return dag.Outcome{}, err
		}
		return dag.Outcome{State: dag.Skip, Reason: res.Status}, nil
	}
}

// runGrouped motion-corrects the concatenation of every run in the
// motion group, then extracts this run's segment. The member order is
// the manifest order, so each invocation computes the same offsets.
func (s *motionStep) runGrouped(ctx context.Context, env *Env, sc crop.Sidecar, src string) (dag.Outcome, error) {
	logger := ctxlog.FromContext(ctx)
	out := deriv.OSPath(s.out)

	finish := func(status string, versions map[string]string, params motion.Params) (dag.Outcome, error) {
		if err := params.WriteTSV(deriv.OSPath(s.paramsTSV)); err != nil {
			return dag.Outcome{}, E(KindAtomicCommitFailed, "writing motion parameters: %v", err)
		}
		if err := motion.WriteSidecar(deriv.OSPath(s.paramsJSON), motion.Sidecar{
			Engine:       "grouped",
			SliceAxis:    env.Cfg.Options.Motion.SliceAxis,
			Status:       status,
			ToolVersions: versions,
			CropFrom:     sc.From,
			CropTo:       sc.To,
			CropReason:   sc.Reason,
		}); err != nil {
			return dag.Outcome{}, E(KindAtomicCommitFailed, "writing motion sidecar: %v", err)
		}
		if err := provenance.Write(out, provenance.Record{
			Step:         s.ID(),
			Inputs:       []string{s.in, s.sidecar},
			ToolVersions: versions,
			Params: map[string]any{
				"engine": "grouped", "status": status,
				"group": s.run.MotionGroup, "group_size": len(s.groupRuns),
			},
		}); err != nil {
			return dag.Outcome{}, E(KindAtomicCommitFailed, "writing provenance: %v", err)
		}
		if status == motion.StatusCompleted {
			if err := commitOK(s.out); err != nil {
				return dag.Outcome{}, err
			}
			return dag.Outcome{State: dag.OK, Reason: status}, nil
		}
		if err := commitSkip(s.out); err != nil {
			return dag.Outcome{}, err
		}
		return dag.Outcome{State: dag.Skip, Reason: status}, nil
	}

	skip := func(why string, err error) (dag.Outcome, error) {
		logger.Warn("grouped motion unavailable, emitting placeholder", "run", s.run.Key(), "why", why, "error", err)
		if copyErr := fsutil.CopyFileAtomic(src, out); copyErr != nil {
			return dag.Outcome{}, E(KindAtomicCommitFailed, "writing motion placeholder: %v", copyErr)
		}
		return finish(motion.StatusSkippedNoTools, nil, motion.ZeroParams(sc.NKept()))
	}

	if !env.Runner.Available(tools.Merge) || !env.Runner.Available(tools.SliceMotion) || !env.Runner.Available(tools.CropApply) {
		return skip("required tools missing", nil)
	}

	// Crop every member to its own sidecar range, in manifest order.
	var segments []string
	var keptCounts []int
	cleanup := func() {
		for _, seg := range segments {
			if strings.HasSuffix(seg, ".tmp.nii.gz") {
				os.Remove(seg)
			}
		}
	}
	defer cleanup()

	myOffset, myKept := 0, sc.NKept()
	for _, member := range s.groupRuns {
		memberIn := deriv.OSPath(env.Layout.Bold(member.Entities, "mppca", ""))
		memberSC, err := crop.ReadSidecarOrDefault(deriv.OSPath(env.Layout.CropJSON(member.Entities)), member.NVols)
		if err != nil {
			return dag.Outcome{}, E(KindMissingInput, "reading group member crop sidecar: %v", err)
		}
		seg := memberIn
		if memberSC.From != 0 || memberSC.To != memberSC.NVols {
			seg = out + "." + member.Key() + ".tmp.nii.gz"
			if err := env.Runner.Run(ctx, tools.CropApply, memberIn, seg,
				strconv.Itoa(memberSC.From), strconv.Itoa(memberSC.NKept())); err != nil {
				return skip("cropping group member", err)
			}
		}
		if member.Key() == s.run.Key() {
			myOffset = sum(keptCounts)
		}
		segments = append(segments, seg)
		keptCounts = append(keptCounts, memberSC.NKept())
	}

	concat := out + ".concat.tmp.nii.gz"
	defer os.Remove(concat)
	args := append([]string{"-t", concat}, segments...)
	if err := env.Runner.Run(ctx, tools.Merge, args...); err != nil {
		return skip("concatenating group", err)
	}

	concatOut := out + ".moco.tmp.nii.gz"
	defer os.Remove(concatOut)
	if err := env.Runner.Run(ctx, tools.SliceMotion,
		"-i", concat, "-o", concatOut, "-axis", env.Cfg.Options.Motion.SliceAxis); err != nil {
		return skip("group motion correction", err)
	}

	if err := env.Runner.Run(ctx, tools.CropApply, concatOut, out,
		strconv.Itoa(myOffset), strconv.Itoa(myKept)); err != nil {
		return skip("extracting run from group", err)
	}

	versions := map[string]string{
		tools.SliceMotion: env.Runner.Finder.Version(ctx, tools.SliceMotion),
		tools.Merge:       env.Runner.Finder.Version(ctx, tools.Merge),
	}
	return finish(motion.StatusCompleted, versions, motion.ZeroParams(myKept))
}

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}
