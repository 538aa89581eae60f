package executor

import (
	"sort"
	"strings"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/generate"
)

// inputs are the resolved inputs of a prompt node.
type inputs struct {
	images []generate.Image
	texts  []generate.TextInput
}

// gatherInputs walks the incoming edges of nodeID. Images are ordered top
// to bottom by canvas position (then left to right) and numbered from 1
// only when there are at least two. Code inputs are passed as labeled text.
func gatherInputs(g flowcanvas.Graph, nodeID string) inputs {
	var images []flowcanvas.Node
	var in inputs

	for _, e := range flowcanvas.IncomingEdges(g.Edges, nodeID) {
		src, ok := flowcanvas.FindNode(g.Nodes, e.Source)
		if !ok {
			continue
		}
		switch src.Kind {
		case flowcanvas.KindImage:
			if strings.TrimSpace(src.Data.ImageURL) != "" {
				images = append(images, src)
			}
		case flowcanvas.KindCode:
			if strings.TrimSpace(src.Data.Content) != "" {
				in.texts = append(in.texts, generate.TextInput{Label: flowcanvas.DisplayName(src), Text: src.Data.Content})
			}
		case flowcanvas.KindTextInput:
			if strings.TrimSpace(src.Data.Text) != "" {
				in.texts = append(in.texts, generate.TextInput{Label: src.Data.Label, Text: src.Data.Text})
			}
		}
	}

	sort.SliceStable(images, func(i, j int) bool {
		a, b := images[i].Position, images[j].Position
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	for i, n := range images {
		img := generate.Image{URL: strings.TrimSpace(n.Data.ImageURL)}
		if len(images) >= 2 {
			img.Sequence = i + 1
		}
		in.images = append(in.images, img)
	}
	return in
}

// targets are the output nodes a prompt writes to.
type targets struct {
	images  []flowcanvas.Node
	code    *flowcanvas.Node
	capture []flowcanvas.Node
}

func (t targets) empty() bool {
	return len(t.images) == 0 && t.code == nil
}

// partitionTargets splits the outgoing edges of nodeID by target kind. Only
// the first code target is used.
func partitionTargets(g flowcanvas.Graph, nodeID string) targets {
	var t targets
	seen := make(map[string]bool)
	for _, e := range flowcanvas.OutgoingEdges(g.Edges, nodeID) {
		dst, ok := flowcanvas.FindNode(g.Nodes, e.Target)
		if !ok || seen[dst.ID] {
			continue
		}
		seen[dst.ID] = true
		switch dst.Kind {
		case flowcanvas.KindImage:
			t.images = append(t.images, dst)
		case flowcanvas.KindCode:
			if t.code == nil {
				n := dst
				t.code = &n
			}
		case flowcanvas.KindCapture:
			t.capture = append(t.capture, dst)
		}
	}
	return t
}
