package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spineprep/spineprep/internal/ctxlog"
	"github.com/spineprep/spineprep/internal/dag"
	"github.com/spineprep/spineprep/internal/deriv"
	"github.com/spineprep/spineprep/internal/fsutil"
)

// Mode selects between planning and executing.
type Mode int

const (
	// ModeDryRun builds the graph and optionally exports it without
	// touching any primary output.
	ModeDryRun Mode = iota
	// ModeRun performs topological execution.
	ModeRun
)

// ExecOptions configures one invocation.
type ExecOptions struct {
	Mode    Mode
	Workers int
	// SaveDAG, when non-empty, exports the graph description there.
	SaveDAG string
	// Strict promotes skipped steps to failures at summary time.
	Strict bool
}

// Summary aggregates terminal states per stage.
type Summary struct {
	Counts map[string]map[dag.State]int
}

// HasSkips reports whether any step ended in SKIP.
func (s *Summary) HasSkips() bool {
	for _, states := range s.Counts {
		if states[dag.Skip] > 0 {
			return true
		}
	}
	return false
}

// String renders the per-stage {OK, SKIP, FAILED} table.
func (s *Summary) String() string {
	stages := make([]string, 0, len(s.Counts))
	for stage := range s.Counts {
		stages = append(stages, stage)
	}
	sort.Strings(stages)

	var b strings.Builder
	for _, stage := range stages {
		states := s.Counts[stage]
		ok := states[dag.OK] + states[dag.FailedRetried]
		failed := states[dag.FailedFatal]
		fmt.Fprintf(&b, "%-14s OK=%d SKIP=%d FAILED=%d\n", stage, ok, states[dag.Skip], failed)
	}
	return b.String()
}

// acquireLock blocks concurrent invocations on one derivatives root.
// The caller owns cleanup of a lock left behind by a crash.
func acquireLock(path string) (release func(), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("derivatives root is locked by %s; remove it if no other invocation is running", path)
		}
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return func() { os.Remove(path) }, nil
}

// Execute runs (or dry-runs) a plan and returns the per-stage summary.
func Execute(ctx context.Context, env *Env, plan *Plan, opts ExecOptions) (*Summary, error) {
	logger := ctxlog.FromContext(ctx)

	if opts.SaveDAG != "" {
		if err := plan.Graph.Export(ctx, opts.SaveDAG); err != nil {
			return nil, err
		}
		logger.Info("graph description written", "path", opts.SaveDAG)
	}

	if opts.Mode == ModeDryRun {
		return &Summary{Counts: map[string]map[dag.State]int{}}, nil
	}

	lockPath := deriv.OSPath(env.Layout.LockFile())
	if err := os.MkdirAll(deriv.OSPath(env.Layout.Root), 0o755); err != nil {
		return nil, err
	}
	release, err := acquireLock(lockPath)
	if err != nil {
		return nil, err
	}
	defer release()

	// A previous invocation killed mid-write leaves only temp files;
	// sweep them before running.
	_ = filepath.WalkDir(deriv.OSPath(env.Layout.Root), func(p string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			fsutil.RemoveStaleTemps(p)
		}
		return nil
	})

	exec := &dag.Executor{
		Graph:   plan.Graph,
		Workers: opts.Workers,
		Run: func(ctx context.Context, n *dag.Node) (dag.Outcome, error) {
			step := plan.Steps[n.ID]
			if out, ok := cached(step); ok {
				ctxlog.FromContext(ctx).Debug("step already satisfied", "step", n.ID, "reason", out.Reason)
				return out, nil
			}
			out, err := step.Run(ctx, env)
			if err != nil && Recoverable(err) {
				// Downgrade to a graceful skip; the step has already
				// produced its placeholders.
				ctxlog.FromContext(ctx).Warn("step degraded to skip", "step", n.ID, "error", err)
				return dag.Outcome{State: dag.Skip, Reason: err.Error()}, nil
			}
			return out, err
		},
	}

	execErr := exec.Execute(ctx)

	summary := &Summary{Counts: make(map[string]map[dag.State]int)}
	for _, id := range plan.Graph.SortedIDs() {
		n := plan.Graph.Nodes[id]
		if summary.Counts[n.Stage] == nil {
			summary.Counts[n.Stage] = make(map[dag.State]int)
		}
		summary.Counts[n.Stage][n.State()]++
	}

	if execErr != nil {
		return summary, execErr
	}
	if opts.Strict && summary.HasSkips() {
		return summary, fmt.Errorf("strict mode: one or more steps were skipped")
	}
	return summary, nil
}
