// Package tools wraps the external neuroimaging binaries behind one
// uniform contract: probe availability, capture a version string, run
// with context, and classify failures so steps can downgrade them to
// graceful skips.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/spineprep/spineprep/internal/ctxlog"
)

// Canonical tool names used by the pipeline stages.
const (
	SliceMotion  = "sct_fmri_moco"
	VolumeMotion = "mcflirt"
	Segmentation = "sct_deepseg_sc"
	Labeling     = "sct_label_vertebrae"
	Registration = "sct_register_to_template"
	WarpApply    = "sct_apply_transfo"
	Denoise      = "dwidenoise"
	CropApply    = "fslroi"
	Merge        = "fslmerge"
)

// ErrUnavailable marks a tool that is not installed.
var ErrUnavailable = errors.New("tool unavailable")

// ErrFailure marks a tool that ran and exited non-zero.
var ErrFailure = errors.New("tool failure")

// Finder resolves tool names. The production implementation probes
// PATH; tests substitute a stub with a fixed availability table.
type Finder interface {
	// Find returns the resolved path of name, or ok=false when absent.
	Find(name string) (string, bool)
	// Version returns a best-effort version string for provenance, or
	// "unknown".
	Version(ctx context.Context, name string) string
}

// PathFinder resolves tools on the process PATH.
type PathFinder struct{}

// Find implements Finder via exec.LookPath.
func (PathFinder) Find(name string) (string, bool) {
	p, err := exec.LookPath(name)
	return p, err == nil
}

// versionArgs maps tools to the flag that prints their version. Tools
// without an entry report "unknown".
var versionArgs = map[string][]string{
	SliceMotion:  {"-v"},
	Segmentation: {"-v"},
	Labeling:     {"-v"},
	Registration: {"-v"},
	WarpApply:    {"-v"},
	VolumeMotion: {"-version"},
	Denoise:      {"--version"},
}

// Version implements Finder.
func (f PathFinder) Version(ctx context.Context, name string) string {
	p, ok := f.Find(name)
	if !ok {
		return "unknown"
	}
	args, ok := versionArgs[name]
	if !ok {
		return "unknown"
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, p, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "unknown"
	}
	line, _, _ := strings.Cut(strings.TrimSpace(out.String()), "\n")
	if line == "" {
		return "unknown"
	}
	return line
}

// Runner executes external tools through a Finder.
type Runner struct {
	Finder Finder
}

// Run executes name with args. It returns ErrUnavailable when the tool
// is absent and ErrFailure (with captured stderr) when it exits
// non-zero.
func (r *Runner) Run(ctx context.Context, name string, args ...string) error {
	logger := ctxlog.FromContext(ctx)
	p, ok := r.Finder.Find(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnavailable)
	}
	logger.Debug("running external tool", "tool", name, "args", strings.Join(args, " "))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return fmt.Errorf("%s: %w: %v (%s)", name, ErrFailure, err, msg)
	}
	return nil
}

// Available reports whether the tool can run.
func (r *Runner) Available(name string) bool {
	_, ok := r.Finder.Find(name)
	return ok
}

// Report describes one tool for the plan-time availability summary.
type Report struct {
	Name    string `json:"name"`
	Found   bool   `json:"found"`
	Path    string `json:"path,omitempty"`
	Version string `json:"version,omitempty"`
}

// Doctor probes every tool the pipeline can use.
func Doctor(ctx context.Context, f Finder) []Report {
	names := []string{
		SliceMotion, VolumeMotion, Segmentation, Labeling,
		Registration, WarpApply, Denoise, CropApply, Merge,
	}
	reports := make([]Report, 0, len(names))
	for _, n := range names {
		p, ok := f.Find(n)
		rep := Report{Name: n, Found: ok, Path: p}
		if ok {
			rep.Version = f.Version(ctx, n)
		}
		reports = append(reports, rep)
	}
	return reports
}
