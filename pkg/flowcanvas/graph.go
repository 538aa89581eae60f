package flowcanvas

import (
	"fmt"
	"time"
)

// Edge is a directed data-flow connection between two nodes.
// Type is a rendering hint and carries no execution meaning.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Type         string `json:"type,omitempty"`
}

// Workflow is the aggregate that owns a set of nodes and edges.
type Workflow struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name,omitempty"`
	ToolType  string    `json:"toolType,omitempty"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckReferences verifies that every edge endpoint names a node
// of the workflow. All dangling edges are reported together.
func (w *Workflow) CheckReferences() error {
	return checkReferences(w.Nodes, w.Edges)
}

func checkReferences(nodes []Node, edges []Edge) error {
	ids := nodeIndex(nodes)
	var errs []error
	for _, e := range edges {
		if _, ok := ids[e.Source]; !ok {
			errs = append(errs, fmt.Errorf("%w: edge %s source %q", ErrDanglingEdge, e.ID, e.Source))
		}
		if _, ok := ids[e.Target]; !ok {
			errs = append(errs, fmt.Errorf("%w: edge %s target %q", ErrDanglingEdge, e.ID, e.Target))
		}
	}
	return joinErrors(errs)
}

// nodeIndex maps node ids to their position in nodes.
func nodeIndex(nodes []Node) map[string]int {
	idx := make(map[string]int, len(nodes))
	for i, n := range nodes {
		idx[n.ID] = i
	}
	return idx
}

// findNode returns the node with the given id.
func findNode(nodes []Node, id string) (Node, bool) {
	for _, n := range nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// FindNode returns the node with the given id, if present.
func FindNode(nodes []Node, id string) (Node, bool) {
	return findNode(nodes, id)
}

// IncomingEdges returns the edges that target nodeID, in edge order.
func IncomingEdges(edges []Edge, nodeID string) []Edge {
	var in []Edge
	for _, e := range edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// OutgoingEdges returns the edges that leave nodeID, in edge order.
func OutgoingEdges(edges []Edge, nodeID string) []Edge {
	var out []Edge
	for _, e := range edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// adjacency builds successor lists restricted to known nodes,
// preserving edge order.
func adjacency(nodes []Node, edges []Edge) map[string][]string {
	ids := nodeIndex(nodes)
	adj := make(map[string][]string, len(nodes))
	for _, e := range edges {
		_, srcOK := ids[e.Source]
		_, dstOK := ids[e.Target]
		if srcOK && dstOK {
			adj[e.Source] = append(adj[e.Source], e.Target)
		}
	}
	return adj
}
