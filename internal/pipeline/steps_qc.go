package pipeline

import (
	"context"

	"github.com/spineprep/spineprep/internal/dag"
	"github.com/spineprep/spineprep/internal/deriv"
	"github.com/spineprep/spineprep/internal/fsutil"
	"github.com/spineprep/spineprep/internal/qc"
)

// qcCollectStep runs last and condenses every run's outcome into one
// machine-readable document for the report renderer.
type qcCollectStep struct {
	out    string
	inputs []string
}

func newQCCollectStep(env *Env) *qcCollectStep {
	s := &qcCollectStep{out: env.Layout.QCCollectJSON()}
	for _, run := range env.Manifest.Runs {
		s.inputs = append(s.inputs, env.Layout.ConfoundsJSON(run.Entities))
	}
	return s
}

func (s *qcCollectStep) ID() string       { return "qc_collect" }
func (s *qcCollectStep) Stage() string    { return "qc_collect" }
func (s *qcCollectStep) Primary() string  { return s.out }
func (s *qcCollectStep) Inputs() []string { return s.inputs }

func markerState(primary string) string {
	switch {
	case fsutil.Exists(OKMarker(deriv.OSPath(primary))):
		return "ok"
	case fsutil.Exists(SkipMarker(deriv.OSPath(primary))):
		return "skip"
	default:
		return "missing"
	}
}

func (s *qcCollectStep) Run(ctx context.Context, env *Env) (dag.Outcome, error) {
	var col qc.Collection
	for _, run := range env.Manifest.Runs {
		e := run.Entities
		rep, err := qc.ReadCounts(deriv.OSPath(env.Layout.ConfoundsJSON(e)))
		if err != nil {
			rep = qc.RunReport{}
		}
		rep.Run = run.Key()
		rep.Steps = map[string]string{
			"crop_detect": markerState(env.Layout.CropJSON(e)),
			"mppca":       markerState(env.Layout.Bold(e, "mppca", "")),
			"motion":      markerState(env.Layout.Bold(e, "motion", "")),
			"confounds":   markerState(env.Layout.ConfoundsTSV(e)),
		}
		if env.Cfg.Options.Masks.Enable && env.Cfg.Options.Masks.Source == "tool" {
			rep.Steps["mask"] = markerState(env.Layout.Mask(e, "cordmask", ""))
		}
		col.Runs = append(col.Runs, rep)
	}
	if err := qc.Write(deriv.OSPath(s.out), col); err != nil {
		return dag.Outcome{}, E(KindAtomicCommitFailed, "writing qc collection: %v", err)
	}
	if err := commitOK(s.out); err != nil {
		return dag.Outcome{}, err
	}
	return dag.Outcome{State: dag.OK}, nil
}
