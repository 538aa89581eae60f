package flowcanvas

// FindCycles returns every cycle reachable by a depth-first traversal of
// the graph, across all components. Each cycle is a closed node-id path
// such as [B C B]. Edges whose endpoints are not in nodes are ignored.
//
// The traversal keeps an on-stack set and a done set. A back edge to an
// on-stack node yields the slice of the current path starting at that
// node. Traversal continues after a cycle is found.
func FindCycles(nodes []Node, edges []Edge) [][]string {
	adj := adjacency(nodes, edges)
	onStack := make(map[string]bool, len(nodes))
	done := make(map[string]bool, len(nodes))
	var path []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		onStack[id] = true
		path = append(path, id)

		for _, next := range adj[id] {
			if onStack[next] {
				cycles = append(cycles, closePath(path, next))
				continue
			}
			if !done[next] {
				visit(next)
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
		done[id] = true
	}

	for _, n := range nodes {
		if !done[n.ID] {
			visit(n.ID)
		}
	}
	return cycles
}

// HasCycle reports whether the graph contains any cycle.
func HasCycle(nodes []Node, edges []Edge) bool {
	return len(FindCycles(nodes, edges)) > 0
}

// closePath slices path from the first occurrence of repeat and appends
// repeat to close the loop. The result does not alias path.
func closePath(path []string, repeat string) []string {
	start := 0
	for i, id := range path {
		if id == repeat {
			start = i
			break
		}
	}
	cycle := make([]string, 0, len(path)-start+1)
	cycle = append(cycle, path[start:]...)
	return append(cycle, repeat)
}
