package flowcanvas

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Graph is an immutable snapshot of a workflow's nodes and edges.
// Version increases by one with every committed update.
type Graph struct {
	Nodes   []Node
	Edges   []Edge
	Version uint64
}

func (g Graph) clone() Graph {
	return Graph{
		Nodes:   append([]Node(nil), g.Nodes...),
		Edges:   append([]Edge(nil), g.Edges...),
		Version: g.Version,
	}
}

// GraphStore holds the current graph and lets the editor and the executor
// mutate it concurrently without locks. Every update reads the latest
// snapshot, computes the next one, and publishes it with compare-and-swap;
// a lost race recomputes from the newer snapshot.
type GraphStore struct {
	current atomic.Pointer[Graph]
	saved   atomic.Uint64
}

// NewGraphStore creates a store holding the given graph at version 0.
func NewGraphStore(nodes []Node, edges []Edge) *GraphStore {
	s := &GraphStore{}
	g := Graph{Nodes: nodes, Edges: edges}.clone()
	s.current.Store(&g)
	return s
}

// Snapshot returns the current graph. The slices are copies and may be
// modified by the caller.
func (s *GraphStore) Snapshot() Graph {
	return s.current.Load().clone()
}

// Version returns the version of the current graph.
func (s *GraphStore) Version() uint64 {
	return s.current.Load().Version
}

// Update applies fn to a copy of the latest graph and publishes the result.
// fn may be called more than once if another writer commits first, so it
// must not have side effects. An error from fn aborts the update.
func (s *GraphStore) Update(fn func(Graph) (Graph, error)) (Graph, error) {
	for {
		cur := s.current.Load()
		next, err := fn(cur.clone())
		if err != nil {
			return cur.clone(), err
		}
		next.Version = cur.Version + 1
		if s.current.CompareAndSwap(cur, &next) {
			return next.clone(), nil
		}
	}
}

// Apply runs fn inside a transaction. All mutations made through the Tx
// become visible together, or not at all if fn returns an error.
func (s *GraphStore) Apply(fn func(tx *Tx) error) (Graph, error) {
	return s.Update(func(g Graph) (Graph, error) {
		tx := &Tx{graph: g}
		if err := fn(tx); err != nil {
			return Graph{}, err
		}
		return tx.graph, nil
	})
}

// Replace swaps in a whole new graph, as when a workflow is loaded.
func (s *GraphStore) Replace(nodes []Node, edges []Edge) Graph {
	g, _ := s.Update(func(Graph) (Graph, error) {
		return Graph{Nodes: nodes, Edges: edges}.clone(), nil
	})
	return g
}

// Connect validates a proposed edge and commits it. The edge must pass
// ValidateConnection and must not close a cycle. An empty edge id is
// filled with a generated one.
func (s *GraphStore) Connect(edge Edge) (Edge, error) {
	if edge.ID == "" {
		edge.ID = "edge-" + uuid.NewString()
	}
	_, err := s.Apply(func(tx *Tx) error {
		if err := ValidateConnection(edge, tx.graph.Nodes, tx.graph.Edges); err != nil {
			return err
		}
		edges := append(append([]Edge(nil), tx.graph.Edges...), edge)
		if cycles := FindCycles(tx.graph.Nodes, edges); len(cycles) > 0 {
			return &CycleError{Path: cycles[0]}
		}
		return tx.AddEdge(edge)
	})
	if err != nil {
		return Edge{}, err
	}
	return edge, nil
}

// Dirty reports whether the graph changed since the last MarkSaved.
func (s *GraphStore) Dirty() bool {
	return s.Version() != s.saved.Load()
}

// MarkSaved records that the graph at version has been persisted.
// Marking an older version than already recorded has no effect.
func (s *GraphStore) MarkSaved(version uint64) {
	for {
		prev := s.saved.Load()
		if version <= prev || s.saved.CompareAndSwap(prev, version) {
			return
		}
	}
}

// Tx is a batch of graph mutations applied atomically by GraphStore.Apply.
type Tx struct {
	graph Graph
}

// Nodes returns the nodes as seen inside the transaction.
func (tx *Tx) Nodes() []Node { return tx.graph.Nodes }

// Edges returns the edges as seen inside the transaction.
func (tx *Tx) Edges() []Edge { return tx.graph.Edges }

// Node returns the node with the given id.
func (tx *Tx) Node(id string) (Node, bool) {
	return findNode(tx.graph.Nodes, id)
}

// UpdateNode applies fn to the data of the node with the given id.
// It reports false, and does nothing, when the node no longer exists.
func (tx *Tx) UpdateNode(id string, fn func(*NodeData)) bool {
	for i := range tx.graph.Nodes {
		if tx.graph.Nodes[i].ID == id {
			fn(&tx.graph.Nodes[i].Data)
			return true
		}
	}
	return false
}

// AddNode inserts a node. The id must be unused and the kind known.
func (tx *Tx) AddNode(n Node) error {
	if !n.Kind.Valid() {
		return fmt.Errorf("add node %s: unknown kind %q", n.ID, n.Kind)
	}
	if _, exists := tx.Node(n.ID); exists {
		return fmt.Errorf("add node %s: %w", n.ID, ErrDuplicateNode)
	}
	tx.graph.Nodes = append(tx.graph.Nodes, n)
	return nil
}

// AddEdge inserts an edge. Both endpoints must exist.
func (tx *Tx) AddEdge(e Edge) error {
	if err := checkReferences(tx.graph.Nodes, []Edge{e}); err != nil {
		return err
	}
	tx.graph.Edges = append(tx.graph.Edges, e)
	return nil
}

// RemoveNode deletes a node and every edge touching it.
func (tx *Tx) RemoveNode(id string) error {
	idx := -1
	for i, n := range tx.graph.Nodes {
		if n.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("remove node %s: %w", id, ErrNodeNotFound)
	}
	tx.graph.Nodes = append(tx.graph.Nodes[:idx:idx], tx.graph.Nodes[idx+1:]...)

	kept := tx.graph.Edges[:0:0]
	for _, e := range tx.graph.Edges {
		if e.Source != id && e.Target != id {
			kept = append(kept, e)
		}
	}
	tx.graph.Edges = kept
	return nil
}

// RemoveEdge deletes the edge with the given id. Unknown ids are ignored.
func (tx *Tx) RemoveEdge(id string) {
	kept := tx.graph.Edges[:0:0]
	for _, e := range tx.graph.Edges {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	tx.graph.Edges = kept
}

// IsStructural reports whether err is a structural rejection (illegal
// connection or cycle) rather than an I/O or internal failure.
func IsStructural(err error) bool {
	return errors.Is(err, ErrIllegalConnection) || errors.Is(err, ErrCycle)
}
