package factory

import (
	"strconv"

	"github.com/ravi-parthasarathy/canvasflow/pkg/canvas"
	"github.com/ravi-parthasarathy/canvasflow/pkg/graph"
)

// Annotate describes every object of g for canvas.RenderDOT. With
// withStatus set, each label also shows the object's current status.
func Annotate(g *graph.Graph, withStatus bool) map[string]canvas.Annotation {
	out := make(map[string]canvas.Annotation, g.Len())
	for _, o := range g.Objects() {
		a := canvas.Annotation{Kind: o.Kind().Short()}
		if v, ok := o.(graph.Vertex); ok {
			if groups := v.Groups(); len(groups) > 0 {
				a.Parent = groups[0]
			}
		}
		if gr, ok := o.(graph.Group); ok && gr.Kind().Iterates() {
			a.Kind += " x" + strconv.Itoa(gr.MaxLoops()+1)
		}
		if withStatus {
			a.Status = o.Status().String()
		}
		out[o.ID()] = a
	}
	return out
}
