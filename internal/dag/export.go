package dag

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spineprep/spineprep/internal/ctxlog"
	"github.com/spineprep/spineprep/internal/fsutil"
)

// DOT renders the graph as a Graphviz document with one cluster per
// stage. Output is deterministic: nodes and edges are emitted in lexical
// order.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph spineprep {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, fontsize=10];\n")

	stages := make(map[string][]string)
	for _, id := range g.SortedIDs() {
		n := g.Nodes[id]
		stages[n.Stage] = append(stages[n.Stage], id)
	}
	stageNames := make([]string, 0, len(stages))
	for s := range stages {
		stageNames = append(stageNames, s)
	}
	// SortedIDs already ordered each stage's members.
	sort.Strings(stageNames)
	for i, stage := range stageNames {
		fmt.Fprintf(&b, "  subgraph cluster_%d {\n    label=%q;\n", i, stage)
		for _, id := range stages[stage] {
			fmt.Fprintf(&b, "    %q;\n", id)
		}
		b.WriteString("  }\n")
	}

	for _, id := range g.SortedIDs() {
		n := g.Nodes[id]
		for _, dep := range sortedKeys(n.Deps) {
			fmt.Fprintf(&b, "  %q -> %q;\n", dep, id)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Export writes the graph description to path. A .svg (or .png) path is
// rendered through the dot binary when one is on PATH; otherwise, or for
// any other extension, the DOT text itself is written.
func (g *Graph) Export(ctx context.Context, path string) error {
	logger := ctxlog.FromContext(ctx)
	src := g.DOT()

	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "svg" || ext == "png" {
		if dot, err := exec.LookPath("dot"); err == nil {
			cmd := exec.CommandContext(ctx, dot, "-T"+ext)
			cmd.Stdin = strings.NewReader(src)
			var out bytes.Buffer
			cmd.Stdout = &out
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("rendering graph with dot: %w", err)
			}
			return fsutil.WriteFileAtomic(path, out.Bytes())
		}
		logger.Warn("graph renderer not found on PATH, writing DOT text instead", "path", path)
	}
	return fsutil.WriteFileAtomic(path, []byte(src))
}

func sortedKeys(m map[string]*Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
