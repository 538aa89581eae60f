/*
Package flowcanvas provides the workflow graph model behind the node editor
and the structural checks that gate execution.

# Graph Model

A Workflow owns a set of typed Nodes and directed Edges. Image and code
nodes hold data, prompt nodes perform generation, text input and capture
nodes feed prompts, and sticky notes are annotation only.

# Checks

Every proposed edge goes through ValidateConnection before it is
committed. FindCycles and TopologicalSort share the same depth-first
traversal, so a graph has an order exactly when it has no cycle:

	order, err := flowcanvas.TopologicalSort(nodes, flowcanvas.PromptDependencies(nodes, edges))
	var cycle *flowcanvas.CycleError
	if errors.As(err, &cycle) {
	    fmt.Println(cycle.Path) // [B C B]
	}

ValidateWorkflow composes these with per-node field checks and returns a
Report of error and warning diagnostics.

# Concurrent Edits

GraphStore holds the live graph. The editor and the executor both mutate
it through Update or Apply, which read the latest snapshot, compute the
next one, and publish it with compare-and-swap:

	store.Apply(func(tx *flowcanvas.Tx) error {
	    tx.UpdateNode(id, func(d *flowcanvas.NodeData) { d.Status = flowcanvas.StatusComplete })
	    return tx.AddNode(extra)
	})

Writes to a node id that no longer exists are no-ops.
*/
package flowcanvas
