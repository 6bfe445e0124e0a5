package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", edge.From, label, edge.To)
	}

	b.WriteString("\n")
	for _, state := range styledStates {
		st := palette[state]
		fmt.Fprintf(&b, "    classDef %s fill:%s,stroke:%s,color:%s\n", state, st.fill, st.stroke, st.font)
	}

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if _, styled := palette[node.Status.State]; styled {
			fmt.Fprintf(&b, "    class %s %s\n", node.ID, node.Status.State)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its
// command kind.
func mermaidNodeDef(node *Node) string {
	label := mermaidEscapeLabel(displayLabel(node, " "))

	switch node.Shape {
	case ShapeDecision:
		return fmt.Sprintf("%s{%q}", node.ID, label)
	case ShapeLoop:
		return fmt.Sprintf("%s[[%q]]", node.ID, label)
	case ShapeGuard:
		return fmt.Sprintf("%s{{%q}}", node.ID, label)
	case ShapeGroup:
		return fmt.Sprintf("%s([%q])", node.ID, label)
	default:
		return fmt.Sprintf("%s[%q]", node.ID, label)
	}
}

// mermaidEscapeLabel replaces characters Mermaid treats as markup.
func mermaidEscapeLabel(s string) string {
	return strings.NewReplacer(`"`, "#quot;", "<", "#lt;", ">", "#gt;").Replace(s)
}
