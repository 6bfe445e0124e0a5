package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a state name.
func statusTag(state string) string {
	switch state {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "executing":
		return "[RUN]"
	case "aborted":
		return "[ABRT]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as an indented tree drawn with
// box-drawing characters. Edge labels prefix each child.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}
	if model.Root == nil {
		return b.String()
	}

	labels := make(map[string]string, len(model.Edges))
	for _, e := range model.Edges {
		labels[e.To] = e.Label
	}

	b.WriteString(asciiLine(model.Root, ""))
	b.WriteByte('\n')
	renderChildren(&b, model.Root, "", labels)
	return b.String()
}

func renderChildren(b *strings.Builder, node *Node, prefix string, labels map[string]string) {
	for i, child := range node.Children {
		last := i == len(node.Children)-1
		branch, indent := "├── ", "│   "
		if last {
			branch, indent = "└── ", "    "
		}
		b.WriteString(prefix)
		b.WriteString(branch)
		b.WriteString(asciiLine(child, labels[child.ID]))
		b.WriteByte('\n')
		renderChildren(b, child, prefix+indent, labels)
	}
}

// asciiLine formats one node: optional edge label, display label and status.
func asciiLine(node *Node, edge string) string {
	var b strings.Builder
	if edge != "" {
		fmt.Fprintf(&b, "%s: ", edge)
	}
	b.WriteString(node.Label())
	if node.Status == nil {
		return b.String()
	}
	if tag := statusTag(node.Status.State); tag != "" {
		b.WriteString(" " + tag)
	}
	if node.Status.State == "executing" || node.Shape != ShapeLeaf {
		fmt.Fprintf(&b, " %d%%", node.Status.Percent)
	}
	if node.Status.ElapsedMs > 0 {
		fmt.Fprintf(&b, " %dms", node.Status.ElapsedMs)
	}
	if node.Status.Error != "" {
		fmt.Fprintf(&b, " %s", node.Status.Error)
	}
	return b.String()
}
