package flowcanvas

// DependencyFunc returns the ids of the nodes that must run before nodeID.
// Ids that are not part of the set being ordered are ignored.
type DependencyFunc func(nodeID string) []string

// TopologicalSort orders nodes so that every node comes after its
// dependencies. Nodes without a relative constraint keep their input order.
//
// A cycle among the dependencies yields a *CycleError carrying the closed
// path; no partial order is returned in that case.
func TopologicalSort(nodes []Node, deps DependencyFunc) ([]Node, error) {
	idx := nodeIndex(nodes)
	onStack := make(map[string]bool, len(nodes))
	done := make(map[string]bool, len(nodes))
	ordered := make([]Node, 0, len(nodes))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		onStack[id] = true
		path = append(path, id)

		for _, dep := range deps(id) {
			if _, known := idx[dep]; !known {
				continue
			}
			if onStack[dep] {
				return &CycleError{Path: closePath(path, dep)}
			}
			if done[dep] {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
		done[id] = true
		ordered = append(ordered, nodes[idx[id]])
		return nil
	}

	for _, n := range nodes {
		if done[n.ID] {
			continue
		}
		if err := visit(n.ID); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// EdgeDependencies returns a DependencyFunc where each node depends on the
// sources of its incoming edges.
func EdgeDependencies(edges []Edge) DependencyFunc {
	incoming := make(map[string][]string)
	for _, e := range edges {
		incoming[e.Target] = append(incoming[e.Target], e.Source)
	}
	return func(nodeID string) []string {
		return incoming[nodeID]
	}
}

// PromptDependencies returns a DependencyFunc for ordering prompt runs.
// A node depends on the sources of its incoming edges. A prompt node also
// depends on every upstream prompt reached by walking back through image
// and code nodes, since those hold data produced by that prompt.
func PromptDependencies(nodes []Node, edges []Edge) DependencyFunc {
	kinds := make(map[string]NodeKind, len(nodes))
	for _, n := range nodes {
		kinds[n.ID] = n.Kind
	}
	incoming := make(map[string][]string)
	for _, e := range edges {
		incoming[e.Target] = append(incoming[e.Target], e.Source)
	}

	return func(nodeID string) []string {
		direct := incoming[nodeID]
		if !IsPromptKind(kinds[nodeID]) {
			return direct
		}

		seen := make(map[string]bool)
		var deps []string
		add := func(id string) {
			if !seen[id] {
				seen[id] = true
				deps = append(deps, id)
			}
		}

		// Walk back through data nodes until a prompt is reached.
		walked := make(map[string]bool)
		queue := append([]string(nil), direct...)
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			add(id)
			if !IsOutputKind(kinds[id]) || walked[id] {
				continue
			}
			walked[id] = true
			for _, up := range incoming[id] {
				if IsPromptKind(kinds[up]) {
					add(up)
				} else if IsOutputKind(kinds[up]) {
					queue = append(queue, up)
				}
			}
		}
		return deps
	}
}
