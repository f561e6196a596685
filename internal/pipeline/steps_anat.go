package pipeline

import (
	"context"

	"github.com/spineprep/spineprep/internal/dag"
	"github.com/spineprep/spineprep/internal/deriv"
	"github.com/spineprep/spineprep/internal/fsutil"
	"github.com/spineprep/spineprep/internal/manifest"
	"github.com/spineprep/spineprep/internal/provenance"
	"github.com/spineprep/spineprep/internal/tools"
)

// toolStep captures the shared adapter shape: run one external tool,
// fall back to a copy-through placeholder plus .skip when it is absent
// or fails.
type toolStep struct {
	id      string
	stage   string
	tool    string
	primary string
	inputs  []string
	// args builds the tool invocation; placeholderSrc is copied to
	// every output on fallback.
	args           []string
	placeholderSrc string
	// extraOutputs are committed alongside the primary with the same
	// marker state.
	extraOutputs []string
	// params are recorded in provenance in addition to the status.
	params map[string]any
}

func (s *toolStep) ID() string       { return s.id }
func (s *toolStep) Stage() string    { return s.stage }
func (s *toolStep) Primary() string  { return s.primary }
func (s *toolStep) Inputs() []string { return s.inputs }

func (s *toolStep) Run(ctx context.Context, env *Env) (dag.Outcome, error) {
	for _, in := range s.inputs {
		if !fsutil.Exists(deriv.OSPath(in)) {
			return dag.Outcome{}, E(KindMissingInput, "step %s: required input %s missing", s.id, in)
		}
	}

	rec := provenance.Record{
		Step:   s.id,
		Inputs: s.inputs,
		Params: map[string]any{},
		ToolVersions: map[string]string{
			s.tool: env.Runner.Finder.Version(ctx, s.tool),
		},
	}
	for k, v := range s.params {
		rec.Params[k] = v
	}
	outputs := append([]string{s.primary}, s.extraOutputs...)

	err := env.Runner.Run(ctx, s.tool, s.args...)
	if err != nil {
		for _, out := range outputs {
			if copyErr := fsutil.CopyFileAtomic(deriv.OSPath(s.placeholderSrc), deriv.OSPath(out)); copyErr != nil {
				return dag.Outcome{}, E(KindAtomicCommitFailed, "writing placeholder %s: %v", out, copyErr)
			}
		}
		rec.Params["status"] = "skipped"
		rec.Params["reason"] = err.Error()
		for _, out := range outputs {
			if perr := provenance.Write(deriv.OSPath(out), rec); perr != nil {
				return dag.Outcome{}, E(KindAtomicCommitFailed, "writing provenance: %v", perr)
			}
			if merr := commitSkip(out); merr != nil {
				return dag.Outcome{}, merr
			}
		}
		return dag.Outcome{}, E(toolErrorKind(err), "%s: %v", s.tool, err)
	}

	rec.Params["status"] = "completed"
	for _, out := range outputs {
		if !fsutil.Exists(deriv.OSPath(out)) {
			// The tool succeeded but did not produce a declared output.
			if copyErr := fsutil.CopyFileAtomic(deriv.OSPath(s.placeholderSrc), deriv.OSPath(out)); copyErr != nil {
				return dag.Outcome{}, E(KindAtomicCommitFailed, "writing placeholder %s: %v", out, copyErr)
			}
		}
		if perr := provenance.Write(deriv.OSPath(out), rec); perr != nil {
			return dag.Outcome{}, E(KindAtomicCommitFailed, "writing provenance: %v", perr)
		}
		if merr := commitOK(out); merr != nil {
			return dag.Outcome{}, merr
		}
	}
	return dag.Outcome{State: dag.OK}, nil
}

// newMaskStep segments the cord from the motion-corrected series.
func newMaskStep(env *Env, run manifest.Run) *toolStep {
	e := run.Entities
	bold := env.Layout.Bold(e, "motion", "")
	out := env.Layout.Mask(e, "cordmask", "")
	return &toolStep{
		id:             "mask." + run.Key(),
		stage:          "mask",
		tool:           tools.Segmentation,
		primary:        out,
		inputs:         []string{bold},
		args:           []string{"-i", deriv.OSPath(bold), "-c", "t2s", "-o", deriv.OSPath(out)},
		placeholderSrc: bold,
	}
}

// newAnatSegStep segments the cord on the anatomical image.
func newAnatSegStep(env *Env, anat manifest.Anat) *toolStep {
	e := deriv.Entities{Sub: anat.Sub, Ses: anat.Ses}
	out := env.Layout.AnatMask(e, "cordmask")
	return &toolStep{
		id:             "anat_seg.sub-" + anat.Sub,
		stage:          "anat_seg",
		tool:           tools.Segmentation,
		primary:        out,
		inputs:         []string{anat.Path},
		args:           []string{"-i", anat.Path, "-c", "t2", "-o", deriv.OSPath(out)},
		placeholderSrc: anat.Path,
	}
}

// newAnatLabelStep labels vertebral levels on the anatomical image.
func newAnatLabelStep(env *Env, anat manifest.Anat) *toolStep {
	e := deriv.Entities{Sub: anat.Sub, Ses: anat.Ses}
	seg := env.Layout.AnatMask(e, "cordmask")
	out := env.Layout.AnatLabels(e)
	return &toolStep{
		id:             "anat_label.sub-" + anat.Sub,
		stage:          "anat_label",
		tool:           tools.Labeling,
		primary:        out,
		inputs:         []string{anat.Path, seg},
		args:           []string{"-i", anat.Path, "-s", deriv.OSPath(seg), "-c", "t2", "-o", deriv.OSPath(out)},
		placeholderSrc: seg,
	}
}

// newRegisterStep registers the anatomical image to the template.
func newRegisterStep(env *Env, anat manifest.Anat) *toolStep {
	e := deriv.Entities{Sub: anat.Sub, Ses: anat.Ses}
	seg := env.Layout.AnatMask(e, "cordmask")
	labels := env.Layout.AnatLabels(e)
	warp := env.Layout.Warp(e, "native", env.Cfg.Registration.Template)
	inverse := env.Layout.Warp(e, env.Cfg.Registration.Template, "native")
	return &toolStep{
		id:      "registration.sub-" + anat.Sub,
		stage:   "registration",
		tool:    tools.Registration,
		primary: warp,
		inputs:  []string{anat.Path, seg, labels},
		args: []string{
			"-i", anat.Path,
			"-s", deriv.OSPath(seg),
			"-l", deriv.OSPath(labels),
			"-t", env.Cfg.Registration.Template,
			"-owarp", deriv.OSPath(warp),
			"-owarpinv", deriv.OSPath(inverse),
		},
		placeholderSrc: anat.Path,
		extraOutputs:   []string{inverse},
		params: map[string]any{
			"template":        env.Cfg.Registration.Template,
			"levels":          env.Cfg.Registration.Levels,
			"use_gm_wm_masks": env.Cfg.Registration.UseGMWMMask,
		},
	}
}

// newMaskWarpStep warps template tissue masks into this run's space.
func newMaskWarpStep(env *Env, run manifest.Run, anat manifest.Anat) *toolStep {
	e := run.Entities
	anatE := deriv.Entities{Sub: anat.Sub, Ses: anat.Ses}
	bold := env.Layout.Bold(e, "motion", "")
	warp := env.Layout.Warp(anatE, env.Cfg.Registration.Template, "native")
	wm := env.Layout.Mask(e, "wmmask", "")
	csf := env.Layout.Mask(e, "csfmask", "")
	return &toolStep{
		id:      "mask_warp." + run.Key(),
		stage:   "mask_warp",
		tool:    tools.WarpApply,
		primary: wm,
		inputs:  []string{bold, warp},
		args: []string{
			"-i", env.Cfg.Registration.Template,
			"-d", deriv.OSPath(bold),
			"-w", deriv.OSPath(warp),
			"-o", deriv.OSPath(wm),
		},
		placeholderSrc: bold,
		extraOutputs:   []string{csf},
	}
}
