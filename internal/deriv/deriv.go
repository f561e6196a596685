// Package deriv composes derivative output paths from run entities and a
// descriptor. Composition is pure string work on forward slashes and the
// package performs no I/O. The same entity tuple always yields the same
// path on every platform.
package deriv

import (
	"path"
	"path/filepath"
	"strings"
)

// Entities identifies one functional run or one anatomical image. Sub is
// required; the rest are optional and omitted from filenames when empty.
// Values carry their entity prefix already stripped ("01", not "sub-01").
type Entities struct {
	Sub  string
	Ses  string
	Task string
	Acq  string
	Run  string
}

// Key returns the underscore-joined entity string used in filenames and
// as the run-scoped step identifier, e.g. "sub-01_task-rest_run-01".
func (e Entities) Key() string {
	parts := []string{"sub-" + e.Sub}
	if e.Ses != "" {
		parts = append(parts, "ses-"+e.Ses)
	}
	if e.Task != "" {
		parts = append(parts, "task-"+e.Task)
	}
	if e.Acq != "" {
		parts = append(parts, "acq-"+e.Acq)
	}
	if e.Run != "" {
		parts = append(parts, "run-"+e.Run)
	}
	return strings.Join(parts, "_")
}

func (e Entities) subDir(root, modality string) string {
	p := path.Join(root, "sub-"+e.Sub)
	if e.Ses != "" {
		p = path.Join(p, "ses-"+e.Ses)
	}
	return path.Join(p, modality)
}

// name composes <key>[_space-X]_desc-<desc>_<suffix><ext>.
func (e Entities) name(space, desc, suffix, ext string) string {
	s := e.Key()
	if space != "" {
		s += "_space-" + space
	}
	if desc != "" {
		s += "_desc-" + desc
	}
	return s + "_" + suffix + ext
}

// Layout composes every output path under one derivatives root.
type Layout struct {
	Root string
}

// Bold returns the path of a derived 4-D series for the given
// descriptor (motion, mppca, ...) and optional space label.
func (l Layout) Bold(e Entities, desc, space string) string {
	return path.Join(e.subDir(l.Root, "func"), e.name(space, desc, "bold", ".nii.gz"))
}

// ConfoundsTSV returns the confounds table path.
func (l Layout) ConfoundsTSV(e Entities) string {
	return path.Join(e.subDir(l.Root, "func"), e.name("", "confounds", "timeseries", ".tsv"))
}

// ConfoundsJSON returns the confounds descriptor path.
func (l Layout) ConfoundsJSON(e Entities) string {
	return path.Join(e.subDir(l.Root, "func"), e.name("", "confounds", "timeseries", ".json"))
}

// ConfoundsComponentsNPY returns the aCompCor component-matrix dump path
// for one tissue.
func (l Layout) ConfoundsComponentsNPY(e Entities, tissue string) string {
	return path.Join(e.subDir(l.Root, "func"), e.name("", "acompcor"+tissue, "components", ".npy"))
}

// CropJSON returns the crop sidecar path.
func (l Layout) CropJSON(e Entities) string {
	return path.Join(e.subDir(l.Root, "func"), e.name("", "crop", "bold", ".json"))
}

// MotionParamsTSV returns the six-column motion parameter table path.
func (l Layout) MotionParamsTSV(e Entities) string {
	return path.Join(e.subDir(l.Root, "func"), e.name("", "motion", "params", ".tsv"))
}

// MotionParamsJSON returns the motion parameter sidecar path.
func (l Layout) MotionParamsJSON(e Entities) string {
	return path.Join(e.subDir(l.Root, "func"), e.name("", "motion", "params", ".json"))
}

// Mask returns a tissue-mask path; desc is cordmask, wmmask, or csfmask.
func (l Layout) Mask(e Entities, desc, space string) string {
	return path.Join(e.subDir(l.Root, "func"), e.name(space, desc, "mask", ".nii.gz"))
}

// AnatMask returns an anatomical-space mask path.
func (l Layout) AnatMask(e Entities, desc string) string {
	return path.Join(e.subDir(l.Root, "anat"), e.name("", desc, "mask", ".nii.gz"))
}

// AnatLabels returns the vertebral-labeling output path.
func (l Layout) AnatLabels(e Entities) string {
	return path.Join(e.subDir(l.Root, "anat"), e.name("", "labels", "dseg", ".nii.gz"))
}

// Warp returns a transform path under the xfm/ sibling directory. from
// and to are space labels.
func (l Layout) Warp(e Entities, from, to string) string {
	name := e.Key() + "_from-" + from + "_to-" + to + "_xfm.nii.gz"
	return path.Join(l.Root, "sub-"+e.Sub, "xfm", name)
}

// QCCollectJSON returns the dataset-level QC collection path.
func (l Layout) QCCollectJSON() string {
	return path.Join(l.Root, "qc", "collect.json")
}

// ManifestCSV returns the dataset-level manifest path.
func (l Layout) ManifestCSV() string {
	return path.Join(l.Root, "manifest.csv")
}

// LockFile returns the invocation lock path under the derivatives root.
func (l Layout) LockFile() string {
	return path.Join(l.Root, ".lock")
}

// OSPath converts a composed path to the platform form for I/O.
func OSPath(p string) string {
	return filepath.FromSlash(p)
}
