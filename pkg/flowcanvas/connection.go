package flowcanvas

import "fmt"

// ValidateConnection checks whether proposed may be added to a graph
// made of nodes and edges. It returns nil when the edge is legal and a
// *ConnectionError naming the first failing rule otherwise.
//
// Rules (in order):
//  1. Both endpoints must exist
//  2. Sticky notes take no connections
//  3. Output nodes (image, code) may not feed other output nodes
//  4. An edge from an output node must target a prompt node
//  5. A prompt node accepts input only from sources (output, text input,
//     capture) or from other prompt nodes
//  6. A prompt node may have at most one code output; image outputs are unlimited
//  7. No self-loops
//
// ValidateConnection has no side effects.
func ValidateConnection(proposed Edge, nodes []Node, edges []Edge) error {
	src, srcOK := findNode(nodes, proposed.Source)
	dst, dstOK := findNode(nodes, proposed.Target)
	if !srcOK || !dstOK {
		missing := proposed.Source
		if srcOK {
			missing = proposed.Target
		}
		return &ConnectionError{
			Rule:    RuleEndpointsExist,
			Message: fmt.Sprintf("node %q does not exist", missing),
		}
	}

	if src.Kind == KindStickyNote || dst.Kind == KindStickyNote {
		return &ConnectionError{
			Rule:    RuleNoAnnotationEdges,
			Message: "notes cannot be connected",
		}
	}

	if IsOutputKind(src.Kind) && IsOutputKind(dst.Kind) {
		return &ConnectionError{
			Rule: RuleNoOutputToOutput,
			Message: fmt.Sprintf("%s cannot feed %s directly; connect through a prompt",
				DisplayName(src), DisplayName(dst)),
		}
	}

	if IsOutputKind(src.Kind) && !IsPromptKind(dst.Kind) {
		return &ConnectionError{
			Rule:    RuleOutputToPrompt,
			Message: fmt.Sprintf("%s can only connect to a prompt", DisplayName(src)),
		}
	}

	if IsPromptKind(dst.Kind) && !IsSourceKind(src.Kind) && !IsPromptKind(src.Kind) {
		return &ConnectionError{
			Rule:    RulePromptInputs,
			Message: fmt.Sprintf("%s cannot be used as prompt input", DisplayName(src)),
		}
	}

	if IsPromptKind(src.Kind) && dst.Kind == KindCode {
		for _, e := range edges {
			if e.Source != src.ID || e.Target == dst.ID {
				continue
			}
			if other, ok := findNode(nodes, e.Target); ok && other.Kind == KindCode {
				return &ConnectionError{
					Rule:    RuleSingleCodeOutput,
					Message: fmt.Sprintf("%s already has a code output", DisplayName(src)),
				}
			}
		}
	}

	if proposed.Source == proposed.Target {
		return &ConnectionError{
			Rule:    RuleNoSelfLoop,
			Message: fmt.Sprintf("%s cannot connect to itself", DisplayName(src)),
		}
	}

	return nil
}
