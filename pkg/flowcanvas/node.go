package flowcanvas

import "strings"

// NodeKind identifies what a node on the canvas represents.
// The string values match the wire names used by the editor.
type NodeKind string

// Node kinds.
const (
	KindImage      NodeKind = "imageNode"
	KindPrompt     NodeKind = "promptNode"
	KindCode       NodeKind = "codeNode"
	KindTextInput  NodeKind = "textInputNode"
	KindStickyNote NodeKind = "stickyNoteNode"
	KindCapture    NodeKind = "captureNode"
)

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	switch k {
	case KindImage, KindPrompt, KindCode, KindTextInput, KindStickyNote, KindCapture:
		return true
	}
	return false
}

// IsOutputKind reports whether nodes of kind k hold generated output.
// Output nodes are data, not computation.
func IsOutputKind(k NodeKind) bool {
	return k == KindImage || k == KindCode
}

// IsPromptKind reports whether nodes of kind k perform generation.
func IsPromptKind(k NodeKind) bool {
	return k == KindPrompt
}

// IsSourceKind reports whether nodes of kind k may feed a prompt node.
func IsSourceKind(k NodeKind) bool {
	return IsOutputKind(k) || k == KindTextInput || k == KindCapture
}

// NodeStatus is the execution status of a prompt node.
type NodeStatus string

// Node statuses.
const (
	StatusIdle     NodeStatus = "idle"
	StatusRunning  NodeStatus = "running"
	StatusComplete NodeStatus = "complete"
	StatusError    NodeStatus = "error"
)

// Position is a point on the canvas. Y grows downward.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData is the kind-specific payload of a node.
// Each kind uses a subset of the fields; unused fields stay empty.
type NodeData struct {
	Label string `json:"label,omitempty"`
	Title string `json:"title,omitempty"`

	// Prompt nodes.
	Prompt      string     `json:"prompt,omitempty"`
	Model       string     `json:"model,omitempty"`
	Status      NodeStatus `json:"status,omitempty"`
	Error       string     `json:"error,omitempty"`
	CaptureMode bool       `json:"captureMode,omitempty"`

	// Image nodes.
	ImageURL string `json:"imageUrl,omitempty"`

	// Code nodes.
	Content  string `json:"content,omitempty"`
	Language string `json:"language,omitempty"`
	FileName string `json:"fileName,omitempty"`

	// Text input and sticky note nodes.
	Text string `json:"text,omitempty"`

	// Capture nodes (and prompt nodes in capture mode).
	CaptureID string `json:"captureId,omitempty"`
}

// Node is a vertex in a workflow graph.
type Node struct {
	ID       string   `json:"id"`
	Kind     NodeKind `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

var kindDisplayNames = map[NodeKind]string{
	KindImage:      "Image",
	KindPrompt:     "Prompt",
	KindCode:       "Code",
	KindTextInput:  "Text Input",
	KindStickyNote: "Note",
	KindCapture:    "Capture",
}

// DisplayName returns the name used for n in diagnostics and warnings.
// Every kind resolves the same way: label, then title, then file name,
// then a default derived from the kind.
func DisplayName(n Node) string {
	for _, s := range []string{n.Data.Label, n.Data.Title, n.Data.FileName} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	if name, ok := kindDisplayNames[n.Kind]; ok {
		return name
	}
	return string(n.Kind)
}
