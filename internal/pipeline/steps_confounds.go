package pipeline

import (
	"context"

	"github.com/spineprep/spineprep/internal/confounds"
	"github.com/spineprep/spineprep/internal/crop"
	"github.com/spineprep/spineprep/internal/ctxlog"
	"github.com/spineprep/spineprep/internal/dag"
	"github.com/spineprep/spineprep/internal/deriv"
	"github.com/spineprep/spineprep/internal/fsutil"
	"github.com/spineprep/spineprep/internal/imgvol"
	"github.com/spineprep/spineprep/internal/manifest"
	"github.com/spineprep/spineprep/internal/motion"
	"github.com/spineprep/spineprep/internal/provenance"
)

type confoundsStep struct {
	run        manifest.Run
	bold       string // motion-corrected series
	sidecar    string
	paramsTSV  string
	tsv        string
	descriptor string
}

func newConfoundsStep(env *Env, run manifest.Run) *confoundsStep {
	e := run.Entities
	return &confoundsStep{
		run:        run,
		bold:       env.Layout.Bold(e, "motion", ""),
		sidecar:    env.Layout.CropJSON(e),
		paramsTSV:  env.Layout.MotionParamsTSV(e),
		tsv:        env.Layout.ConfoundsTSV(e),
		descriptor: env.Layout.ConfoundsJSON(e),
	}
}

func (s *confoundsStep) ID() string      { return "confounds." + s.run.Key() }
func (s *confoundsStep) Stage() string   { return "confounds" }
func (s *confoundsStep) Primary() string { return s.tsv }
func (s *confoundsStep) Inputs() []string {
	return []string{s.bold, s.sidecar, s.paramsTSV}
}

// cropInMemory returns the post-crop view of vol. A series the motion
// step already trimmed passes through unchanged.
func cropInMemory(vol *imgvol.Volume4D, sc crop.Sidecar) (*imgvol.Volume4D, bool) {
	kept := sc.NKept()
	if vol.NT == kept {
		return vol, true
	}
	if vol.NT != sc.NVols || kept > vol.NT {
		return nil, false
	}
	out := imgvol.NewVolume4D(vol.NX, vol.NY, vol.NZ, kept)
	for t := 0; t < kept; t++ {
		for z := 0; z < vol.NZ; z++ {
			for y := 0; y < vol.NY; y++ {
				for x := 0; x < vol.NX; x++ {
					out.Set(x, y, z, t, vol.At(x, y, z, sc.From+t))
				}
			}
		}
	}
	return out, true
}

// tissueMask loads one tissue's mask. A nil mask with a note means the
// tissue degrades to zero components.
func (s *confoundsStep) tissueMask(env *Env, tissue string) (*imgvol.Mask3D, string) {
	p := env.Layout.Mask(s.run.Entities, tissue+"mask", "")
	osPath := deriv.OSPath(p)
	if fsutil.Exists(SkipMarker(osPath)) {
		return nil, "mask step skipped"
	}
	if !fsutil.Exists(osPath) {
		return nil, "mask missing"
	}
	m, err := env.Loader.LoadMask(p, env.Cfg.Options.Masks.BinarizeThr)
	if err != nil {
		return nil, "mask unreadable: " + err.Error()
	}
	return m, ""
}

func (s *confoundsStep) Run(ctx context.Context, env *Env) (dag.Outcome, error) {
	logger := ctxlog.FromContext(ctx)
	opts := env.Cfg.Options

	sc, err := crop.ReadSidecarOrDefault(deriv.OSPath(s.sidecar), s.run.NVols)
	if err != nil {
		return dag.Outcome{}, E(KindMissingInput, "reading crop sidecar: %v", err)
	}
	nrows := sc.NKept()

	if !fsutil.Exists(deriv.OSPath(s.bold)) {
		return dag.Outcome{}, E(KindMissingInput, "motion-corrected image %s missing", s.bold)
	}

	desc := confounds.Descriptor{
		Sources:     []string{s.bold, s.paramsTSV, s.sidecar},
		FDMethod:    "power",
		FDSource:    "motion-params",
		DVARSMethod: "rms-temporal-derivative",
		TRSeconds:   s.run.TR,
		CropFrom:    sc.From,
		CropTo:      sc.To,
		ACompCor:    map[string]confounds.TissueDescriptor{},
	}

	// Motion parameters degrade to zeros when missing or misshapen.
	params, err := motion.ReadTSV(deriv.OSPath(s.paramsTSV))
	if err != nil || len(params) != nrows {
		if err != nil {
			logger.Warn("motion parameters unavailable, using zeros", "run", s.run.Key(), "error", err)
		} else {
			logger.Warn("motion parameter row count mismatch, using zeros",
				"run", s.run.Key(), "rows", len(params), "expected", nrows)
		}
		params = motion.ZeroParams(nrows)
		desc.FDSource = "fallback_zeros"
	}
	fd := confounds.FDPower(params)

	// DVARS and aCompCor read the image; a load failure degrades DVARS
	// to zeros and skips component extraction.
	var vol *imgvol.Volume4D
	dvars := make([]float64, nrows)
	if raw, err := env.Loader.Load(s.bold); err != nil {
		logger.Warn("could not load series for DVARS, using zeros", "run", s.run.Key(), "error", err)
		desc.DVARSNote = "load failed: " + err.Error()
	} else if cropped, ok := cropInMemory(raw, sc); !ok {
		logger.Warn("series shape does not match crop bounds, DVARS zeroed",
			"run", s.run.Key(), "nt", raw.NT, "nvols", sc.NVols)
		desc.DVARSNote = "shape mismatch with crop bounds"
	} else {
		vol = cropped
		cordMask, _ := s.tissueMask(env, "cord")
		dvars = confounds.DVARS(vol, cordMask)
	}

	var censorRes confounds.CensorResult
	if opts.Censor.Enable {
		censorRes = confounds.Censor(fd, dvars, confounds.CensorParams{
			FDThreshMM:    opts.Censor.FDThreshMM,
			DVARSThresh:   opts.Censor.DVARSThresh,
			PadVols:       opts.Censor.PadVols,
			MinContigVols: opts.Censor.MinContigVols,
		})
	} else {
		censorRes = confounds.CensorResult{Censor: make([]int, nrows), NKept: nrows}
	}
	desc.Censor = confounds.CensorDescriptor{
		Enable:        opts.Censor.Enable,
		FDThreshMM:    opts.Censor.FDThreshMM,
		DVARSThresh:   opts.Censor.DVARSThresh,
		PadVols:       opts.Censor.PadVols,
		MinContigVols: opts.Censor.MinContigVols,
		NKept:         censorRes.NKept,
		NCensored:     censorRes.NCensored,
	}

	var tissues []confounds.TissueResult
	if opts.ACompCor.Enable {
		sampleHz := 0.0
		if s.run.TR > 0 {
			sampleHz = 1.0 / s.run.TR
		}
		for _, tissue := range opts.ACompCor.Tissues {
			tr := confounds.TissueResult{Tissue: tissue}
			if vol == nil {
				tr.Note = "series unavailable"
				tr.Result = confounds.ACompCorResult{Components: [][]float64{}, ExplainedVariance: []float64{}}
			} else {
				mask, note := s.tissueMask(env, tissue)
				tr.Note = note
				tr.Result = confounds.ACompCor(vol, mask, confounds.ACompCorParams{
					MaxComponents: opts.ACompCor.NComponentsPerTissue,
					HighpassHz:    opts.ACompCor.HighpassHz,
					SampleHz:      sampleHz,
					Detrend:       opts.ACompCor.Detrend,
					Standardize:   opts.ACompCor.Standardize,
				})
			}
			desc.ACompCor[tissue] = confounds.TissueDescriptor{
				NComponents:       tr.Result.NComponents,
				ExplainedVariance: tr.Result.ExplainedVariance,
				Note:              tr.Note,
			}
			tissues = append(tissues, tr)

			npyPath := deriv.OSPath(env.Layout.ConfoundsComponentsNPY(s.run.Entities, tissue))
			if err := confounds.WriteComponentsNPY(npyPath, tr.Result); err != nil {
				logger.Warn("could not write component dump", "tissue", tissue, "error", err)
			}
		}
	}

	frame := &confounds.Frame{
		FD:      fd,
		DVARS:   dvars,
		Censor:  censorRes.Censor,
		Tissues: tissues,
		Motion:  params,
	}
	if err := frame.WriteTSV(deriv.OSPath(s.tsv)); err != nil {
		return dag.Outcome{}, E(KindAtomicCommitFailed, "writing confounds table: %v", err)
	}
	if err := confounds.WriteDescriptor(deriv.OSPath(s.descriptor), desc); err != nil {
		return dag.Outcome{}, E(KindAtomicCommitFailed, "writing confounds descriptor: %v", err)
	}

	if err := provenance.Write(deriv.OSPath(s.tsv), provenance.Record{
		Step:   s.ID(),
		Inputs: []string{s.bold, s.sidecar, s.paramsTSV},
		Params: map[string]any{
			"fd_method":    desc.FDMethod,
			"fd_source":    desc.FDSource,
			"dvars_method": desc.DVARSMethod,
			"crop_from":    sc.From,
			"crop_to":      sc.To,
			"crop_reason":  sc.Reason,
			"n_kept":       censorRes.NKept,
			"n_censored":   censorRes.NCensored,
		},
	}); err != nil {
		return dag.Outcome{}, E(KindAtomicCommitFailed, "writing provenance: %v", err)
	}
	if err := commitOK(s.tsv); err != nil {
		return dag.Outcome{}, err
	}
	return dag.Outcome{State: dag.OK}, nil
}
