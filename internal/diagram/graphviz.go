package diagram

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/rendis/cmdengine/pkg/schema"
)

// ImageFormat selects the graphviz output format.
type ImageFormat string

const (
	FormatPNG ImageFormat = "png"
	FormatSVG ImageFormat = "svg"
	FormatJPG ImageFormat = "jpg"
	FormatDOT ImageFormat = "dot"
)

// ParseImageFormat validates a format name. Empty means PNG.
func ParseImageFormat(name string) (ImageFormat, error) {
	switch f := ImageFormat(strings.ToLower(name)); f {
	case "":
		return FormatPNG, nil
	case FormatPNG, FormatSVG, FormatJPG, FormatDOT:
		return f, nil
	default:
		return "", schema.NewOpErrorf(schema.ErrCodeValidation, "unsupported image format: %s", name)
	}
}

func (f ImageFormat) graphviz() graphviz.Format {
	switch f {
	case FormatSVG:
		return graphviz.SVG
	case FormatJPG:
		return graphviz.JPG
	case FormatDOT:
		return graphviz.XDOT
	default:
		return graphviz.PNG
	}
}

// RenderImage renders a DiagramModel with graphviz in the given format.
func RenderImage(ctx context.Context, model *DiagramModel, format ImageFormat) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(displayLabel(node, "\n"))
		styleNode(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, eErr)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, format.graphviz(), &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

var gvShapes = map[Shape]cgraph.Shape{
	ShapeLeaf:     cgraph.BoxShape,
	ShapeDecision: cgraph.DiamondShape,
	ShapeLoop:     cgraph.HexagonShape,
	ShapeGuard:    cgraph.OctagonShape,
	ShapeGroup:    cgraph.EllipseShape,
}

// styleNode sets the shape of the command kind and, with a status overlay,
// the colours of its state.
func styleNode(gvNode *cgraph.Node, node *Node) {
	if shape, ok := gvShapes[node.Shape]; ok {
		gvNode.SetShape(shape)
	}
	if node.Status == nil {
		return
	}
	st := styleOf(node.Status.State)
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	gvNode.SetFillColor(st.fill)
	gvNode.SetColor(st.stroke)
	gvNode.SetFontColor(st.font)
}
