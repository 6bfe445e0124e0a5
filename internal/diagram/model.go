package diagram

import "fmt"

// Node shapes used by the renderers.
type Shape string

const (
	ShapeLeaf     Shape = "leaf"
	ShapeGroup    Shape = "group"
	ShapeDecision Shape = "decision"
	ShapeLoop     Shape = "loop"
	ShapeGuard    Shape = "guard"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Root  *Node
	Nodes []*Node // pre-order
	Edges []Edge
}

// Node represents one command of the tree.
type Node struct {
	ID       string
	Name     string
	Kind     string
	Shape    Shape
	Depth    int
	Status   *StatusOverlay
	Children []*Node
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	State     string
	Percent   int
	ElapsedMs int64
	Error     string
}

// Edge links a parent command to one of its children.
type Edge struct {
	From  string
	To    string
	Label string
}

// stateStyle colours a node in a given runtime state.
type stateStyle struct {
	fill, stroke, font string
}

// styledStates lists the states that get their own colour, in legend order.
var styledStates = []string{"completed", "failed", "executing", "aborted"}

var palette = map[string]stateStyle{
	"completed": {fill: "#2d6a2d", stroke: "#1a4a1a", font: "#fff"},
	"failed":    {fill: "#8b1a1a", stroke: "#5c0e0e", font: "#fff"},
	"executing": {fill: "#1a5276", stroke: "#0e3a52", font: "#fff"},
	"aborted":   {fill: "#b7791a", stroke: "#8a5c14", font: "#fff"},
}

var idleStyle = stateStyle{fill: "#d3d3d3", stroke: "#999", font: "#000"}

func styleOf(state string) stateStyle {
	if s, ok := palette[state]; ok {
		return s
	}
	return idleStyle
}

// displayLabel appends the progress of a composite node, joined by sep.
func displayLabel(node *Node, sep string) string {
	label := node.Label()
	if node.Status != nil && node.Shape != ShapeLeaf {
		label = fmt.Sprintf("%s%s%d%%", label, sep, node.Status.Percent)
	}
	return label
}
