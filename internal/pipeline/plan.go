package pipeline

import (
	"fmt"

	"github.com/spineprep/spineprep/internal/dag"
	"github.com/spineprep/spineprep/internal/manifest"
)

// Plan holds the graph plus the step bound to each node. Per-run steps
// bind concrete paths at plan time but read volatile inputs (crop
// sidecars, markers) at execution time, so sidecars written
// mid-execution are consumed without re-planning.
type Plan struct {
	Graph *dag.Graph
	Steps map[string]Step
}

func (p *Plan) add(s Step) (*dag.Node, error) {
	n, err := p.Graph.Add(s.ID(), s.Stage())
	if err != nil {
		return nil, err
	}
	p.Steps[s.ID()] = s
	return n, nil
}

// BuildPlan constructs the step graph for one invocation. Stage order
// per run is crop_detect, mppca, motion, mask, confounds; anatomical
// stages and mask_warp join when registration is enabled; qc_collect
// closes the graph.
func BuildPlan(env *Env) (*Plan, error) {
	p := &Plan{Graph: dag.New(), Steps: make(map[string]Step)}
	cfg := env.Cfg

	// Group members share motion inputs under the grouped engine.
	groups := make(map[string][]manifest.Run)
	for _, run := range env.Manifest.Runs {
		groups[run.MotionGroup] = append(groups[run.MotionGroup], run)
	}

	anatBySub := make(map[string]manifest.Anat)
	for _, a := range env.Manifest.Anats {
		if _, ok := anatBySub[a.Sub]; !ok {
			anatBySub[a.Sub] = a
		}
	}

	regEnabled := cfg.Registration.Enable
	masksEnabled := cfg.Options.Masks.Enable && cfg.Options.Masks.Source == "tool"

	if regEnabled {
		for _, a := range env.Manifest.Anats {
			if a.Sub != anatBySub[a.Sub].Sub || a.Path != anatBySub[a.Sub].Path {
				continue
			}
			if _, err := p.add(newAnatSegStep(env, a)); err != nil {
				return nil, err
			}
			if _, err := p.add(newAnatLabelStep(env, a)); err != nil {
				return nil, err
			}
			if _, err := p.add(newRegisterStep(env, a)); err != nil {
				return nil, err
			}
			segID := "anat_seg.sub-" + a.Sub
			labelID := "anat_label.sub-" + a.Sub
			regID := "registration.sub-" + a.Sub
			if err := p.Graph.AddEdge(segID, labelID); err != nil {
				return nil, err
			}
			if err := p.Graph.AddEdge(labelID, regID); err != nil {
				return nil, err
			}
		}
	}

	for _, run := range env.Manifest.Runs {
		crop := newCropDetectStep(env, run)
		mppca := newMppcaStep(env, run)
		mo := newMotionStep(env, run, groups[run.MotionGroup])
		conf := newConfoundsStep(env, run)

		for _, s := range []Step{crop, mppca, mo, conf} {
			if _, err := p.add(s); err != nil {
				return nil, err
			}
		}
		if err := p.Graph.AddEdge(crop.ID(), mo.ID()); err != nil {
			return nil, err
		}
		if err := p.Graph.AddEdge(mppca.ID(), mo.ID()); err != nil {
			return nil, err
		}
		if err := p.Graph.AddEdge(mo.ID(), conf.ID()); err != nil {
			return nil, err
		}

		if masksEnabled {
			mask := newMaskStep(env, run)
			if _, err := p.add(mask); err != nil {
				return nil, err
			}
			if err := p.Graph.AddEdge(mo.ID(), mask.ID()); err != nil {
				return nil, err
			}
			if err := p.Graph.AddEdge(mask.ID(), conf.ID()); err != nil {
				return nil, err
			}
		}

		if regEnabled {
			if anat, ok := anatBySub[run.Entities.Sub]; ok {
				warpStep := newMaskWarpStep(env, run, anat)
				if _, err := p.add(warpStep); err != nil {
					return nil, err
				}
				regID := "registration.sub-" + anat.Sub
				if err := p.Graph.AddEdge(regID, warpStep.ID()); err != nil {
					return nil, err
				}
				if err := p.Graph.AddEdge(mo.ID(), warpStep.ID()); err != nil {
					return nil, err
				}
				if err := p.Graph.AddEdge(warpStep.ID(), conf.ID()); err != nil {
					return nil, err
				}
			}
		}
	}

	// Grouped motion reads every group member's denoised series and
	// crop sidecar.
	if cfg.Options.Motion.Engine == "grouped" {
		for _, run := range env.Manifest.Runs {
			moID := "motion." + run.Key()
			for _, member := range groups[run.MotionGroup] {
				if member.Key() == run.Key() {
					continue
				}
				if err := p.Graph.AddEdge("mppca."+member.Key(), moID); err != nil {
					return nil, err
				}
				if err := p.Graph.AddEdge("crop_detect."+member.Key(), moID); err != nil {
					return nil, err
				}
			}
		}
	}

	qcStep := newQCCollectStep(env)
	if _, err := p.add(qcStep); err != nil {
		return nil, err
	}
	for _, run := range env.Manifest.Runs {
		if err := p.Graph.AddEdge("confounds."+run.Key(), qcStep.ID()); err != nil {
			return nil, err
		}
	}

	if err := p.Graph.DetectCycles(); err != nil {
		return nil, fmt.Errorf("validating step graph: %w", err)
	}
	return p, nil
}
