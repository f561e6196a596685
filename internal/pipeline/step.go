package pipeline

import (
	"context"
	"os"

	"github.com/spineprep/spineprep/internal/config"
	"github.com/spineprep/spineprep/internal/dag"
	"github.com/spineprep/spineprep/internal/deriv"
	"github.com/spineprep/spineprep/internal/fsutil"
	"github.com/spineprep/spineprep/internal/imgvol"
	"github.com/spineprep/spineprep/internal/manifest"
	"github.com/spineprep/spineprep/internal/tools"
)

// Env bundles what every step needs. It is shared read-only across the
// worker pool; steps own their outputs exclusively.
type Env struct {
	Cfg      *config.Config
	Manifest *manifest.Manifest
	Layout   deriv.Layout
	Loader   imgvol.Loader
	Runner   *tools.Runner
}

// Step is one unit of pipeline work. A step either produces its real
// outputs plus an .ok marker, or placeholder outputs plus a .skip
// marker; partial success is not a terminal state.
type Step interface {
	ID() string
	Stage() string
	// Primary returns the output whose existence (or skip marker)
	// short-circuits re-execution.
	Primary() string
	// Inputs returns the paths used for freshness comparison. Contents
	// such as crop sidecars are read at execution time, not plan time.
	Inputs() []string
	Run(ctx context.Context, env *Env) (dag.Outcome, error)
}

// OKMarker returns the success-marker path for an artifact.
func OKMarker(primary string) string { return primary + ".ok" }

// SkipMarker returns the graceful-skip marker path for an artifact.
func SkipMarker(primary string) string { return primary + ".skip" }

// cached reports a prior terminal state for the step, if any.
// A primary output older than one of its inputs does not count.
func cached(s Step) (dag.Outcome, bool) {
	primary := deriv.OSPath(s.Primary())
	if fsutil.Exists(SkipMarker(primary)) {
		return dag.Outcome{State: dag.Skip, Reason: "cached skip"}, true
	}
	if fsutil.Exists(primary) && upToDate(primary, s.Inputs()) {
		return dag.Outcome{State: dag.OK, Reason: "cached"}, true
	}
	return dag.Outcome{}, false
}

// upToDate reports whether primary is newer than every existing input.
func upToDate(primary string, inputs []string) bool {
	st, err := os.Stat(primary)
	if err != nil {
		return false
	}
	for _, in := range inputs {
		ist, err := os.Stat(deriv.OSPath(in))
		if err != nil {
			continue
		}
		if ist.ModTime().After(st.ModTime()) {
			return false
		}
	}
	return true
}

// commitOK writes the .ok marker after a step's outputs are in place.
func commitOK(primary string) error {
	if err := fsutil.Touch(OKMarker(deriv.OSPath(primary))); err != nil {
		return E(KindAtomicCommitFailed, "writing ok marker: %v", err)
	}
	return nil
}

// commitSkip writes the .skip marker after placeholder outputs are in
// place.
func commitSkip(primary string) error {
	if err := fsutil.Touch(SkipMarker(deriv.OSPath(primary))); err != nil {
		return E(KindAtomicCommitFailed, "writing skip marker: %v", err)
	}
	return nil
}
