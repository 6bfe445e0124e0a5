package diagram

import (
	"fmt"

	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

// Build constructs a DiagramModel from a command tree. Commands that have
// left the idle state carry a status overlay, so the same call draws both
// the static shape of a tree and a snapshot of a run in progress.
func Build(title string, root command.Command) *DiagramModel {
	if title == "" {
		title = root.Name()
	}
	model := &DiagramModel{Title: title}
	model.Root = buildNode(model, root, 0)
	return model
}

func buildNode(model *DiagramModel, c command.Command, depth int) *Node {
	node := &Node{
		ID:    fmt.Sprintf("n%d", len(model.Nodes)),
		Name:  c.Name(),
		Kind:  c.Kind(),
		Shape: kindToShape(c.Kind()),
		Depth: depth,
	}
	overlayStatus(node, c)
	model.Nodes = append(model.Nodes, node)

	children := c.Children()
	for i, child := range children {
		sub := buildNode(model, child, depth+1)
		node.Children = append(node.Children, sub)
		model.Edges = append(model.Edges, Edge{
			From:  node.ID,
			To:    sub.ID,
			Label: edgeLabel(c.Kind(), i, len(children)),
		})
	}
	return node
}

// kindToShape groups command kinds by how they are drawn.
func kindToShape(kind string) Shape {
	switch kind {
	case command.KindLeaf:
		return ShapeLeaf
	case command.KindSequential, command.KindParallel:
		return ShapeGroup
	case command.KindConditional:
		return ShapeDecision
	case command.KindCyclic, command.KindForEach, command.KindWhile, command.KindRetry:
		return ShapeLoop
	case command.KindAbortable, command.KindRecoverable, command.KindTryFinally:
		return ShapeGuard
	default:
		return ShapeLeaf
	}
}

// edgeLabel names the role a child plays in its parent.
func edgeLabel(parentKind string, index, count int) string {
	switch parentKind {
	case command.KindSequential:
		return fmt.Sprintf("%d", index+1)
	case command.KindParallel:
		return ""
	case command.KindConditional:
		if index == 0 {
			return "then"
		}
		return "else"
	case command.KindWhile:
		if count == 2 && index == 0 {
			return "init"
		}
		return "body"
	case command.KindRecoverable:
		if index == 0 {
			return "core"
		}
		return "recovery"
	case command.KindTryFinally:
		if index == 0 {
			return "core"
		}
		return "finally"
	default:
		return "body"
	}
}

func overlayStatus(node *Node, c command.Command) {
	state := c.State()
	if state == schema.StateIdle {
		return
	}
	overlay := &StatusOverlay{
		State:     state.String(),
		Percent:   c.PercentCompleted(),
		ElapsedMs: c.Elapsed().Milliseconds(),
	}
	if ce := c.Err(); ce != nil {
		overlay.Error = fmt.Sprintf("[%d] %s", ce.Code, ce.Text)
	}
	node.Status = overlay
}

// Label is the display text of a node.
func (n *Node) Label() string {
	if n.Name == "" || n.Name == n.Kind {
		return n.Kind
	}
	return fmt.Sprintf("%s (%s)", n.Name, n.Kind)
}
