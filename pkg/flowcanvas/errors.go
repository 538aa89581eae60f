package flowcanvas

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for graph structure.
var (
	// ErrDanglingEdge indicates an edge endpoint does not name an existing node.
	ErrDanglingEdge = errors.New("edge references missing node")

	// ErrCycle indicates the graph contains a cycle. *CycleError unwraps to it.
	ErrCycle = errors.New("workflow contains a cycle")

	// ErrIllegalConnection indicates a proposed edge breaks a connection rule.
	// *ConnectionError unwraps to it.
	ErrIllegalConnection = errors.New("illegal connection")

	// ErrDuplicateNode indicates a node id is already in use.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrNodeNotFound indicates a node id is unknown.
	ErrNodeNotFound = errors.New("node not found")
)

// CycleError reports the node-id path of a cycle. The path is closed:
// its first and last elements are the same node.
type CycleError struct {
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Unwrap returns ErrCycle for errors.Is support.
func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// ConnectionRule names the connection rule a proposed edge failed.
type ConnectionRule string

// Connection rules, in evaluation order.
const (
	RuleEndpointsExist    ConnectionRule = "endpoints_exist"
	RuleNoAnnotationEdges ConnectionRule = "no_annotation_edges"
	RuleNoOutputToOutput  ConnectionRule = "no_output_to_output"
	RuleOutputToPrompt    ConnectionRule = "output_targets_prompt"
	RulePromptInputs      ConnectionRule = "prompt_inputs"
	RuleSingleCodeOutput  ConnectionRule = "single_code_output"
	RuleNoSelfLoop        ConnectionRule = "no_self_loop"
)

// ConnectionError describes why a proposed edge was rejected.
type ConnectionError struct {
	Rule    ConnectionRule
	Message string
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("illegal connection (%s): %s", e.Rule, e.Message)
}

// Unwrap returns ErrIllegalConnection for errors.Is support.
func (e *ConnectionError) Unwrap() error {
	return ErrIllegalConnection
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
