package flowcanvas

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectionRule(t *testing.T, err error) ConnectionRule {
	t.Helper()
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce), "expected *ConnectionError, got %v", err)
	return ce.Rule
}

// TestValidateConnection_OutputToOutput verifies outputs never feed outputs.
func TestValidateConnection_OutputToOutput(t *testing.T) {
	nodes := []Node{imageNode("i1", 0), imageNode("i2", 0), codeNode("c1"), codeNode("c2")}

	pairs := [][2]string{{"i1", "i2"}, {"i1", "c1"}, {"c1", "c2"}, {"c1", "i1"}}
	for _, p := range pairs {
		t.Run(p[0]+"->"+p[1], func(t *testing.T) {
			err := ValidateConnection(edge(p[0], p[1]), nodes, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrIllegalConnection)
			assert.Equal(t, RuleNoOutputToOutput, connectionRule(t, err))
		})
	}
}

// TestValidateConnection_Rules walks each rule in evaluation order.
func TestValidateConnection_Rules(t *testing.T) {
	nodes := []Node{
		imageNode("img", 0),
		promptNode("p1"),
		promptNode("p2"),
		codeNode("code"),
		textNode("txt", "url", "https://example.com"),
		{ID: "note", Kind: KindStickyNote},
		{ID: "cap", Kind: KindCapture},
	}

	testCases := []struct {
		name  string
		edge  Edge
		valid bool
		rule  ConnectionRule
	}{
		{"missing source", edge("ghost", "p1"), false, RuleEndpointsExist},
		{"missing target", edge("p1", "ghost"), false, RuleEndpointsExist},
		{"note as source", edge("note", "p1"), false, RuleNoAnnotationEdges},
		{"note as target", edge("p1", "note"), false, RuleNoAnnotationEdges},
		{"image to text input", edge("img", "txt"), false, RuleOutputToPrompt},
		{"image to prompt", edge("img", "p1"), true, ""},
		{"code to prompt", edge("code", "p1"), true, ""},
		{"text input to prompt", edge("txt", "p1"), true, ""},
		{"capture to prompt", edge("cap", "p1"), true, ""},
		{"prompt to prompt", edge("p1", "p2"), true, ""},
		{"prompt to image", edge("p1", "img"), true, ""},
		{"self loop", edge("p1", "p1"), false, RuleNoSelfLoop},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateConnection(tc.edge, nodes, nil)
			if tc.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.rule, connectionRule(t, err))
		})
	}
}

// TestValidateConnection_PromptFanOut verifies image fan-out is allowed
// and code fan-out is not.
func TestValidateConnection_PromptFanOut(t *testing.T) {
	nodes := []Node{promptNode("p"), imageNode("i1", 0), imageNode("i2", 0), codeNode("c1"), codeNode("c2")}

	t.Run("two images", func(t *testing.T) {
		edges := []Edge{edge("p", "i1")}
		assert.NoError(t, ValidateConnection(edge("p", "i2"), nodes, edges))
	})

	t.Run("two code nodes", func(t *testing.T) {
		edges := []Edge{edge("p", "c1")}
		err := ValidateConnection(edge("p", "c2"), nodes, edges)
		require.Error(t, err)
		assert.Equal(t, RuleSingleCodeOutput, connectionRule(t, err))
	})

	t.Run("same code node again", func(t *testing.T) {
		edges := []Edge{edge("p", "c1")}
		assert.NoError(t, ValidateConnection(edge("p", "c1"), nodes, edges))
	})
}

// TestValidateConnection_MessageUsesDisplayName checks diagnostics name nodes consistently.
func TestValidateConnection_MessageUsesDisplayName(t *testing.T) {
	img := imageNode("i1", 0)
	img.Data.Label = "Hero shot"
	nodes := []Node{img, imageNode("i2", 0)}

	err := ValidateConnection(edge("i1", "i2"), nodes, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Hero shot")
	assert.Contains(t, err.Error(), "Image")
}
