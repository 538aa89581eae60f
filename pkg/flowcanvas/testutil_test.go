package flowcanvas

func imageNode(id string, y float64) Node {
	return Node{ID: id, Kind: KindImage, Position: Position{Y: y}}
}

func promptNode(id string) Node {
	return Node{ID: id, Kind: KindPrompt, Data: NodeData{Prompt: "draw a cat", Model: "gemini-2.5-flash-image"}}
}

func codeNode(id string) Node {
	return Node{ID: id, Kind: KindCode}
}

func textNode(id, label, text string) Node {
	return Node{ID: id, Kind: KindTextInput, Data: NodeData{Label: label, Text: text}}
}

func edge(src, dst string) Edge {
	return Edge{ID: src + "->" + dst, Source: src, Target: dst}
}

func ids(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func indexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}
