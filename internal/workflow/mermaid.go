package workflow

import (
	"fmt"
	"strings"
)

// Mermaid renders the definition as a Mermaid flowchart for inspection
// endpoints and docs.
func Mermaid(w *Workflow) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	for _, n := range w.Nodes {
		label := n.Label
		if label == "" {
			label = n.NodeType
		}
		switch n.NodeType {
		case TypeStart, TypeEnd:
			fmt.Fprintf(&b, "    %s([%s])\n", mermaidID(n.ID), escapeMermaid(label))
		default:
			fmt.Fprintf(&b, "    %s[%s]\n", mermaidID(n.ID), escapeMermaid(label))
		}
	}
	for _, e := range w.Edges {
		if p := e.Port(); p != DefaultPort {
			fmt.Fprintf(&b, "    %s -->|%s| %s\n", mermaidID(e.Source), escapeMermaid(p), mermaidID(e.Target))
		} else {
			fmt.Fprintf(&b, "    %s --> %s\n", mermaidID(e.Source), mermaidID(e.Target))
		}
	}
	return b.String()
}

func mermaidID(id string) string {
	return strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(id)
}

func escapeMermaid(s string) string {
	return strings.NewReplacer("[", "(", "]", ")", "|", "/").Replace(s)
}
