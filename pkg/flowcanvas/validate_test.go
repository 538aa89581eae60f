package flowcanvas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestValidateWorkflow_Valid verifies a well-formed pipeline passes.
func TestValidateWorkflow_Valid(t *testing.T) {
	src := imageNode("src", 0)
	src.Data.ImageURL = "/uploads/cat.png"
	nodes := []Node{src, promptNode("p"), imageNode("out", 0)}
	edges := []Edge{edge("src", "p"), edge("p", "out")}

	report := ValidateWorkflow(nodes, edges)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Diagnostics)
	assert.NoError(t, report.Err())
}

// TestValidateWorkflow_CycleShortCircuits verifies a cycle yields one summary error.
func TestValidateWorkflow_CycleShortCircuits(t *testing.T) {
	empty := Node{ID: "p", Kind: KindPrompt}
	nodes := []Node{empty, promptNode("q")}
	edges := []Edge{edge("p", "q"), edge("q", "p")}

	report := ValidateWorkflow(nodes, edges)
	assert.False(t, report.Valid)
	require.Len(t, report.Diagnostics, 1)
	assert.Contains(t, report.Diagnostics[0].Message, "cycle")
}

// TestValidateWorkflow_RequiresPrompt verifies an all-data workflow is not runnable.
func TestValidateWorkflow_RequiresPrompt(t *testing.T) {
	report := ValidateWorkflow([]Node{imageNode("i", 0)}, nil)
	assert.False(t, report.Valid)
	require.Len(t, report.Errors(), 1)
	assert.Contains(t, report.Errors()[0].Message, "at least one prompt")
}

// TestValidateWorkflow_FieldChecks covers the per-kind field rules.
func TestValidateWorkflow_FieldChecks(t *testing.T) {
	testCases := []struct {
		name   string
		input  Node
		field  string
		errors int
	}{
		{"image without url", imageNode("in", 0), "imageUrl", 1},
		{"image bad ref", Node{ID: "in", Kind: KindImage, Data: NodeData{ImageURL: "ftp://x/y.png"}}, "imageUrl", 1},
		{"image data url", Node{ID: "in", Kind: KindImage, Data: NodeData{ImageURL: "data:image/png;base64,AAAA"}}, "", 0},
		{"empty code", codeNode("in"), "content", 1},
		{"code with content", Node{ID: "in", Kind: KindCode, Data: NodeData{Content: "<div/>"}}, "", 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			nodes := []Node{tc.input, promptNode("p"), imageNode("out", 0)}
			edges := []Edge{edge("in", "p"), edge("p", "out")}

			report := ValidateWorkflow(nodes, edges)
			errs := report.Errors()
			require.Len(t, errs, tc.errors)
			if tc.errors > 0 {
				assert.Equal(t, "in", errs[0].NodeID)
				assert.Equal(t, tc.field, errs[0].Field)
			}
		})
	}
}

// TestValidateWorkflow_UnusedImageNotChecked verifies only images used as inputs need a reference.
func TestValidateWorkflow_UnusedImageNotChecked(t *testing.T) {
	nodes := []Node{promptNode("p"), imageNode("out", 0)}
	edges := []Edge{edge("p", "out")}

	assert.True(t, ValidateWorkflow(nodes, edges).Valid)
}

// TestValidateWorkflow_PromptFields verifies prompt text and model are required.
func TestValidateWorkflow_PromptFields(t *testing.T) {
	nodes := []Node{{ID: "p", Kind: KindPrompt, Data: NodeData{Label: "Hero"}}, imageNode("out", 0)}
	edges := []Edge{edge("p", "out")}

	report := ValidateWorkflow(nodes, edges)
	errs := report.Errors()
	require.Len(t, errs, 2)
	assert.Equal(t, "prompt", errs[0].Field)
	assert.Equal(t, "model", errs[1].Field)
	assert.Contains(t, errs[0].Message, "Hero")
}

// TestValidateWorkflow_DanglingPromptWarns verifies the no-output warning does not block.
func TestValidateWorkflow_DanglingPromptWarns(t *testing.T) {
	report := ValidateWorkflow([]Node{promptNode("p")}, nil)

	assert.True(t, report.Valid)
	require.Len(t, report.Warnings(), 1)
	assert.Equal(t, SeverityWarning, report.Warnings()[0].Severity)
	assert.Equal(t, "p", report.Warnings()[0].NodeID)
}

// TestValidateWorkflow_CaptureMode verifies capture-mode prompts need a url input instead of a model.
func TestValidateWorkflow_CaptureMode(t *testing.T) {
	capture := Node{ID: "p", Kind: KindPrompt, Data: NodeData{CaptureMode: true}}
	out := Node{ID: "cap", Kind: KindCapture}

	t.Run("missing url", func(t *testing.T) {
		report := ValidateWorkflow([]Node{capture, out}, []Edge{edge("p", "cap")})
		require.Len(t, report.Errors(), 1)
		assert.Equal(t, "url", report.Errors()[0].Field)
	})

	t.Run("with url", func(t *testing.T) {
		nodes := []Node{capture, out, textNode("u", "URL", "https://example.com")}
		report := ValidateWorkflow(nodes, []Edge{edge("u", "p"), edge("p", "cap")})
		assert.True(t, report.Valid)
		assert.Empty(t, report.Diagnostics)
	})
}

// TestValidateNode_ScopedToInputs verifies single-node validation ignores unrelated nodes.
func TestValidateNode_ScopedToInputs(t *testing.T) {
	unrelated := Node{ID: "other", Kind: KindPrompt}
	nodes := []Node{imageNode("in", 0), promptNode("p"), imageNode("out", 0), unrelated}
	edges := []Edge{edge("in", "p"), edge("p", "out")}

	report := ValidateNode("p", nodes, edges)
	require.Len(t, report.Errors(), 1)
	assert.Equal(t, "in", report.Errors()[0].NodeID)
}

// TestValidateNode_Missing verifies a deleted node reports an error instead of panicking.
func TestValidateNode_Missing(t *testing.T) {
	report := ValidateNode("gone", nil, nil)
	assert.False(t, report.Valid)
	assert.Error(t, report.Err())
}

// TestValidImageRef covers accepted and rejected reference forms.
func TestValidImageRef(t *testing.T) {
	testCases := []struct {
		ref   string
		valid bool
	}{
		{"data:image/png;base64,iVBOR", true},
		{"data:text/plain;base64,aGk=", false},
		{"data:image/png;base64", false},
		{"/uploads/a.png", true},
		{"/captures/abc", true},
		{"/etc/passwd", false},
		{"gs://bucket/key", true},
		{"s3://bucket/key", true},
		{"https://storage.googleapis.com/bucket/obj", true},
		{"https://bucket.s3.amazonaws.com/obj", true},
		{"https://example.com/storage/v1/object/public/a", true},
		{"https://example.com/cat.PNG", true},
		{"https://example.com/cat.png?x=1", true},
		{"https://example.com/page.html", false},
		{"ftp://example.com/cat.png", false},
		{"", false},
	}

	for _, tc := range testCases {
		t.Run(tc.ref, func(t *testing.T) {
			assert.Equal(t, tc.valid, ValidImageRef(tc.ref))
		})
	}
}

// TestDisplayName verifies the single resolution order.
func TestDisplayName(t *testing.T) {
	assert.Equal(t, "L", DisplayName(Node{Kind: KindPrompt, Data: NodeData{Label: "L", Title: "T"}}))
	assert.Equal(t, "T", DisplayName(Node{Kind: KindCode, Data: NodeData{Title: "T", FileName: "a.js"}}))
	assert.Equal(t, "a.js", DisplayName(Node{Kind: KindCode, Data: NodeData{FileName: "a.js"}}))
	assert.Equal(t, "Text Input", DisplayName(Node{Kind: KindTextInput}))
	assert.Equal(t, "weird", DisplayName(Node{Kind: "weird"}))
}
