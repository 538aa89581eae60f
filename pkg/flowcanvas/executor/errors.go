package executor

import (
	"errors"
	"fmt"
)

// Errors returned by Run.
var (
	ErrNotPrompt          = errors.New("node is not a prompt node")
	ErrCaptureUnavailable = errors.New("capture is not configured")
	ErrNoPrompt           = errors.New("workflow has no prompt node")
)

// NodeRunError reports a run in which every generation call failed. Err is
// the first failure, unchanged, so a *errors.RateLimitError stays visible.
type NodeRunError struct {
	NodeID string
	Err    error
}

// Error implements the error interface.
func (e *NodeRunError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

// Unwrap returns the first failure.
func (e *NodeRunError) Unwrap() error {
	return e.Err
}

// Cancellation reasons.
const (
	ReasonCancelled  = "cancelled"
	ReasonTimeout    = "timeout"
	ReasonSuperseded = "superseded"
)

// CancelledError reports a run stopped by the user, by a newer run of the
// same node, or by the generation timeout. It is not a failure: the node
// is reset to idle and no error is shown.
type CancelledError struct {
	NodeID string
	Reason string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("node %s run %s", e.NodeID, e.Reason)
}

// IsCancelled reports whether err is a *CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}
