package graph

import (
	"fmt"
	"slices"
)

// Vertex is a box or group: anything an edge can attach to.
type Vertex interface {
	Object
	// Groups lists the enclosing groups, innermost first.
	Groups() []string
	Incoming() []string
	Outgoing() []string

	vertexBase() *vertex
}

type vertex struct {
	object
	groups    []string
	incoming  []string
	outgoing  []string
	inherited []string
}

func (v *vertex) initVertex(g *Graph, self Object, kind Kind, s VertexSpec) {
	v.init(g, self, s.ID, s.Text, kind)
	v.groups = slices.Clone(s.Groups)
	v.incoming = slices.Clone(s.Incoming)
	v.outgoing = slices.Clone(s.Outgoing)
	v.inherited = slices.Clone(s.Inherited)
}

func (v *vertex) vertexBase() *vertex { return v }

func (v *vertex) Groups() []string   { return slices.Clone(v.groups) }
func (v *vertex) Incoming() []string { return slices.Clone(v.incoming) }
func (v *vertex) Outgoing() []string { return slices.Clone(v.outgoing) }

// DependencyRejected rejects the vertex when the rejection leaves one of
// its dependency entries impossible to meet this pass, so rejected choice
// branches drain instead of stalling their group.
func (v *vertex) DependencyRejected(dep Object) {
	if v.Status() == Pending && v.g.unsatisfiable(v.Dependencies()) {
		v.reject(fmt.Sprintf("dependency %q rejected", dep.ID()))
		return
	}
	v.tryExecute()
}

// incomingEdges resolves Incoming to edges, skipping unknown ids.
func (v *vertex) incomingEdges() []Edge {
	out := make([]Edge, 0, len(v.incoming))
	for _, id := range v.incoming {
		if e := v.g.Edge(id); e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (v *vertex) outgoingEdges() []Edge {
	out := make([]Edge, 0, len(v.outgoing))
	for _, id := range v.outgoing {
		if e := v.g.Edge(id); e != nil {
			out = append(out, e)
		}
	}
	return out
}
