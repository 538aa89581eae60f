package generate

import (
	"fmt"
	"strings"
)

// BuildPrompt renders the request as a single prompt for text-only
// providers: the prompt, then labeled text inputs, then the image order
// when images are numbered, then an output instruction.
func BuildPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(req.Prompt))

	if len(req.TextInputs) > 0 {
		sb.WriteString("\n\nInputs:\n")
		for _, in := range req.TextInputs {
			label := strings.TrimSpace(in.Label)
			if label == "" {
				label = "text"
			}
			fmt.Fprintf(&sb, "- %s: %s\n", label, strings.TrimSpace(in.Text))
		}
	}

	if len(req.Images) > 1 {
		sb.WriteString("\n\nThe images are numbered in the order given, top to bottom: ")
		for i, img := range req.Images {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "image %d", img.Sequence)
		}
		sb.WriteString(".")
	}

	if req.Output == OutputCode {
		lang := req.TargetLanguage
		if lang == "" {
			lang = "the most suitable language"
		}
		fmt.Fprintf(&sb, "\n\nRespond with code in %s. "+
			"If the answer needs several files, wrap each one as <file path=\"name\">...</file>.", lang)
	}
	return sb.String()
}
