package executor

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas"
)

// RunResult is the outcome of one prompt node within RunAll.
type RunResult struct {
	NodeID  string  `json:"nodeId"`
	Output  *Output `json:"output,omitempty"`
	Err     error   `json:"-"`
	Skipped bool    `json:"skipped,omitempty"`
}

// RunAll runs every prompt node of the workflow in dependency order.
// Prompts at the same depth run concurrently. A prompt whose upstream
// prompt failed or was cancelled is skipped.
//
// Each node is validated when its turn comes, since its image inputs may
// be produced by an earlier prompt. The returned error is non-nil only
// when the workflow as a whole cannot run: it has no prompt node or its
// prompt dependencies form a cycle. Per-node failures are reported in the
// results.
func (e *Executor) RunAll(ctx context.Context) ([]RunResult, error) {
	g := e.store.Snapshot()

	deps := flowcanvas.PromptDependencies(g.Nodes, g.Edges)
	ordered, err := flowcanvas.TopologicalSort(g.Nodes, deps)
	if err != nil {
		return nil, err
	}

	levels, upstream := promptLevels(ordered, deps)
	if len(levels) == 0 {
		return nil, ErrNoPrompt
	}

	results := make(map[string]*RunResult)
	var order []string
	for _, level := range levels {
		for _, id := range level {
			results[id] = &RunResult{NodeID: id}
			order = append(order, id)
		}
	}

	for _, level := range levels {
		var eg errgroup.Group
		if e.maxConcurrency > 0 {
			eg.SetLimit(e.maxConcurrency)
		}
		for _, id := range level {
			r := results[id]
			if ctx.Err() != nil || blocked(upstream[id], results) {
				r.Skipped = true
				continue
			}
			eg.Go(func() error {
				r.Output, r.Err = e.Run(ctx, id)
				return nil
			})
		}
		_ = eg.Wait()
	}

	out := make([]RunResult, 0, len(order))
	for _, id := range order {
		out = append(out, *results[id])
	}
	return out, nil
}

// promptLevels groups prompt nodes by depth: a prompt's depth is one more
// than the deepest prompt it depends on. ordered must be topologically
// sorted.
func promptLevels(ordered []flowcanvas.Node, deps flowcanvas.DependencyFunc) ([][]string, map[string][]string) {
	depth := make(map[string]int)
	upstream := make(map[string][]string)
	maxDepth := -1

	for _, n := range ordered {
		if !flowcanvas.IsPromptKind(n.Kind) {
			continue
		}
		d := 0
		for _, dep := range deps(n.ID) {
			dd, ok := depth[dep]
			if !ok {
				continue
			}
			upstream[n.ID] = append(upstream[n.ID], dep)
			if dd+1 > d {
				d = dd + 1
			}
		}
		depth[n.ID] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, n := range ordered {
		if d, ok := depth[n.ID]; ok {
			levels[d] = append(levels[d], n.ID)
		}
	}
	for _, level := range levels {
		sort.Strings(level)
	}
	return levels, upstream
}

func blocked(upstream []string, results map[string]*RunResult) bool {
	for _, id := range upstream {
		r := results[id]
		if r == nil {
			continue
		}
		if r.Skipped || r.Err != nil {
			return true
		}
	}
	return false
}
