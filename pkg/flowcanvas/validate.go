package flowcanvas

import (
	"fmt"
	"strings"
)

// Severity classifies a diagnostic. Errors block execution; warnings do not.
type Severity string

// Diagnostic severities.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is a single finding from workflow validation.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	NodeID   string   `json:"nodeId,omitempty"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
}

// Report is the outcome of validating a workflow or a single node.
type Report struct {
	Valid       bool         `json:"valid"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// Errors returns the error diagnostics.
func (r Report) Errors() []Diagnostic {
	return r.filter(SeverityError)
}

// Warnings returns the warning diagnostics.
func (r Report) Warnings() []Diagnostic {
	return r.filter(SeverityWarning)
}

func (r Report) filter(sev Severity) []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Severity == sev {
			out = append(out, d)
		}
	}
	return out
}

// Err returns nil for a valid report and a *ValidationError otherwise.
func (r Report) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Report: r}
}

// ValidationError wraps a failing Report.
type ValidationError struct {
	Report Report
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	errs := e.Report.Errors()
	if len(errs) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(errs))
	for i, d := range errs {
		msgs[i] = d.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

type reportBuilder struct {
	diags []Diagnostic
}

func (b *reportBuilder) errorf(nodeID, field, format string, args ...any) {
	b.diags = append(b.diags, Diagnostic{
		Severity: SeverityError,
		NodeID:   nodeID,
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (b *reportBuilder) warnf(nodeID, field, format string, args ...any) {
	b.diags = append(b.diags, Diagnostic{
		Severity: SeverityWarning,
		NodeID:   nodeID,
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (b *reportBuilder) report() Report {
	r := Report{Valid: true, Diagnostics: b.diags}
	if r.Diagnostics == nil {
		r.Diagnostics = []Diagnostic{}
	}
	for _, d := range b.diags {
		if d.Severity == SeverityError {
			r.Valid = false
			break
		}
	}
	return r
}

// ValidateWorkflow checks a whole graph before execution.
//
// Cycle detection runs first; if any cycle exists the report carries a
// single summary error and no further checks run. Otherwise every node is
// checked by kind and the workflow must contain at least one prompt node.
func ValidateWorkflow(nodes []Node, edges []Edge) Report {
	var b reportBuilder

	if cycles := FindCycles(nodes, edges); len(cycles) > 0 {
		b.errorf("", "", "Workflow contains a cycle (%s). Remove a connection to break it.",
			cyclePathNames(nodes, cycles[0]))
		return b.report()
	}

	prompts := 0
	for _, n := range nodes {
		if IsPromptKind(n.Kind) {
			prompts++
		}
		checkNode(&b, n, nodes, edges)
	}
	if prompts == 0 {
		b.errorf("", "", "Add at least one prompt node to run the workflow")
	}

	return b.report()
}

// ValidateNode applies the workflow checks to a single node and the
// nodes feeding it directly. A missing node is reported as an error.
func ValidateNode(nodeID string, nodes []Node, edges []Edge) Report {
	var b reportBuilder

	n, ok := findNode(nodes, nodeID)
	if !ok {
		b.errorf(nodeID, "", "Node %s no longer exists", nodeID)
		return b.report()
	}

	checkNode(&b, n, nodes, edges)
	for _, e := range IncomingEdges(edges, nodeID) {
		if in, ok := findNode(nodes, e.Source); ok {
			checkNode(&b, in, nodes, edges)
		}
	}
	return b.report()
}

func checkNode(b *reportBuilder, n Node, nodes []Node, edges []Edge) {
	name := DisplayName(n)
	usedAsInput := len(OutgoingEdges(edges, n.ID)) > 0

	switch n.Kind {
	case KindImage:
		if !usedAsInput {
			return
		}
		ref := strings.TrimSpace(n.Data.ImageURL)
		if ref == "" {
			b.errorf(n.ID, "imageUrl", "%s is connected as an input but has no image", name)
		} else if !ValidImageRef(ref) {
			b.errorf(n.ID, "imageUrl", "%s has an unsupported image reference", name)
		}

	case KindCode:
		if usedAsInput && strings.TrimSpace(n.Data.Content) == "" {
			b.errorf(n.ID, "content", "%s is connected as an input but is empty", name)
		}

	case KindPrompt:
		if strings.TrimSpace(n.Data.Prompt) == "" && !n.Data.CaptureMode {
			b.errorf(n.ID, "prompt", "%s needs prompt text", name)
		}
		if n.Data.CaptureMode {
			if _, ok := TextInputValue(n.ID, nodes, edges, "url"); !ok {
				b.errorf(n.ID, "url", "%s is in capture mode but has no text input labeled \"url\"", name)
			}
		} else if strings.TrimSpace(n.Data.Model) == "" {
			b.errorf(n.ID, "model", "%s needs a model", name)
		}
		if !reachesOutput(n.ID, nodes, edges) {
			b.warnf(n.ID, "", "%s is not connected to any output node", name)
		}
	}
}

// reachesOutput reports whether any output or capture node is reachable
// downstream of nodeID.
func reachesOutput(nodeID string, nodes []Node, edges []Edge) bool {
	kinds := make(map[string]NodeKind, len(nodes))
	for _, n := range nodes {
		kinds[n.ID] = n.Kind
	}
	adj := adjacency(nodes, edges)

	seen := map[string]bool{nodeID: true}
	queue := []string{nodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if IsOutputKind(kinds[next]) || kinds[next] == KindCapture {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// TextInputValue returns the text of the first text input feeding nodeID
// whose label matches label (case-insensitive).
func TextInputValue(nodeID string, nodes []Node, edges []Edge, label string) (string, bool) {
	for _, e := range IncomingEdges(edges, nodeID) {
		in, ok := findNode(nodes, e.Source)
		if !ok || in.Kind != KindTextInput {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(in.Data.Label), label) {
			v := strings.TrimSpace(in.Data.Text)
			return v, v != ""
		}
	}
	return "", false
}

func cyclePathNames(nodes []Node, path []string) string {
	names := make([]string, len(path))
	for i, id := range path {
		if n, ok := findNode(nodes, id); ok {
			names[i] = DisplayName(n)
		} else {
			names[i] = id
		}
	}
	return strings.Join(names, " → ")
}
