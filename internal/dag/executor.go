package dag

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spineprep/spineprep/internal/ctxlog"
)

// Outcome is what a step's Run reports back to the executor. Fatal
// failures are returned as errors instead.
type Outcome struct {
	State  State
	Reason string
}

// RunFunc executes one node's work and reports its terminal outcome.
type RunFunc func(ctx context.Context, n *Node) (Outcome, error)

// Executor drains a graph with a bounded worker pool. A node becomes
// ready when every dependency has reached a terminal non-fatal state;
// SKIP outputs are legitimate placeholders, so dependents of a skipped
// node still run. Only a fatal failure cancels its downstream subtree.
type Executor struct {
	Graph   *Graph
	Workers int
	Run     RunFunc

	wg sync.WaitGroup
}

// Execute runs the whole graph and returns an error when any node ended
// FailedFatal. Context cancellation aborts unstarted nodes.
func (e *Executor) Execute(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	workers := e.Workers
	if workers < 1 {
		workers = 1
	}

	e.Graph.InitCounters()
	readyChan := make(chan *Node, len(e.Graph.Nodes))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	roots := 0
	for _, id := range e.Graph.SortedIDs() {
		n := e.Graph.Nodes[id]
		if n.depCount.Load() == 0 {
			readyChan <- n
			roots++
		}
	}
	logger.Debug("executor starting", "nodes", len(e.Graph.Nodes), "roots", roots, "workers", workers)

	e.wg.Add(len(e.Graph.Nodes))
	for i := 0; i < workers; i++ {
		go e.worker(runCtx, readyChan)
	}
	e.wg.Wait()
	close(readyChan)

	var fatal []string
	var rootCause error
	for _, id := range e.Graph.SortedIDs() {
		n := e.Graph.Nodes[id]
		if n.State() == FailedFatal {
			fatal = append(fatal, n.ID)
			if rootCause == nil && n.Err != nil && !strings.HasPrefix(n.Reason, "upstream") {
				rootCause = n.Err
			}
		}
	}
	if len(fatal) > 0 {
		if rootCause == nil {
			rootCause = fmt.Errorf("step failed")
		}
		return fmt.Errorf("execution failed for %s: %w", strings.Join(fatal, ", "), rootCause)
	}
	return nil
}

func (e *Executor) worker(ctx context.Context, readyChan chan *Node) {
	logger := ctxlog.FromContext(ctx)

	for n := range readyChan {
		if ctx.Err() != nil {
			n.skipOnce.Do(func() {
				n.Err = ctx.Err()
				n.Reason = "cancelled"
				n.setState(FailedFatal)
				e.wg.Done()
				e.failDependents(ctx, n)
			})
			continue
		}

		n.setState(Running)
		out, err := e.Run(ctx, n)
		if err != nil {
			logger.Error("step failed", "step", n.ID, "error", err)
			n.Err = err
			n.setState(FailedFatal)
			e.failDependents(ctx, n)
			e.wg.Done()
			continue
		}

		if !out.State.Terminal() || out.State == FailedFatal {
			// A RunFunc reporting a fatal or non-terminal state without
			// an error is a programming error in the step.
			n.Err = fmt.Errorf("step %s reported invalid outcome %s", n.ID, out.State)
			n.setState(FailedFatal)
			e.failDependents(ctx, n)
			e.wg.Done()
			continue
		}

		n.Reason = out.Reason
		n.setState(out.State)
		logger.Debug("step finished", "step", n.ID, "state", out.State.String(), "reason", out.Reason)

		for _, dep := range n.Dependents {
			if dep.depCount.Add(-1) == 0 {
				readyChan <- dep
			}
		}
		e.wg.Done()
	}
}

// failDependents marks every downstream node fatal without running it.
func (e *Executor) failDependents(ctx context.Context, n *Node) {
	logger := ctxlog.FromContext(ctx)
	for _, dep := range n.Dependents {
		dep.skipOnce.Do(func() {
			logger.Warn("aborting dependent of failed step", "step", dep.ID, "failed", n.ID)
			dep.Err = fmt.Errorf("upstream failure of %s", n.ID)
			dep.Reason = "upstream " + n.ID
			dep.setState(FailedFatal)
			e.wg.Done()
			e.failDependents(ctx, dep)
		})
	}
}
