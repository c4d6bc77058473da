// Package graph is the executable form of a diagram: typed edges, groups
// and nodes that run by dependency propagation. Every object starts
// Pending, claims Executing once its dependencies are met, and finishes
// Complete or Rejected; listeners hear each transition synchronously and
// decide whether they can run in turn.
package graph

import (
	"cmp"
	"fmt"
	"slices"
	"sync/atomic"
)

// Graph owns every object of one diagram. Objects refer to one another by
// id only.
type Graph struct {
	objects  map[string]Object
	order    []string
	floating map[string]string // floating node name -> id
	wired    bool
	run      atomic.Pointer[Run]
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		objects:  make(map[string]Object),
		floating: make(map[string]string),
	}
}

// VertexSpec is the structure the construction pipeline computed for a box
// or group.
type VertexSpec struct {
	ID       string
	Text     string
	Groups   []string // enclosing groups, innermost first
	Incoming []string // edge ids
	Outgoing []string
	// Inherited holds the non-reflexive incoming edges of every enclosing
	// group, which the vertex must also wait for.
	Inherited []string
}

// GroupSpec adds group structure to a VertexSpec.
type GroupSpec struct {
	VertexSpec
	Members  []string // every descendant vertex
	MaxLoops int
	Versions int // list groups
	CopyID   int
}

// EdgeSpec is the structure the construction pipeline computed for an
// arrow.
type EdgeSpec struct {
	ID          string
	Label       string // raw label, prefix included
	Name        string // label with any type prefix removed
	Source      string
	Target      string
	Reflexive   bool
	CrossingIn  []string
	CrossingOut []string
}

func (g *Graph) add(o Object) error {
	if g.wired {
		return fmt.Errorf("graph already wired; cannot add %q", o.ID())
	}
	if _, dup := g.objects[o.ID()]; dup {
		return fmt.Errorf("duplicate object id %q", o.ID())
	}
	g.objects[o.ID()] = o
	g.order = append(g.order, o.ID())
	return nil
}

// Get returns the object with the given id, or nil.
func (g *Graph) Get(id string) Object { return g.objects[id] }

// Len is the number of objects.
func (g *Graph) Len() int { return len(g.order) }

// Objects returns every object in insertion order.
func (g *Graph) Objects() []Object {
	out := make([]Object, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.objects[id])
	}
	return out
}

// Edges returns every edge in insertion order.
func (g *Graph) Edges() []Edge { return collect[Edge](g) }

// Groups returns every group in insertion order.
func (g *Graph) Groups() []Group { return collect[Group](g) }

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []Node { return collect[Node](g) }

func collect[T Object](g *Graph) []T {
	var out []T
	for _, id := range g.order {
		if t, ok := g.objects[id].(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// Edge returns the edge with the given id, or nil.
func (g *Graph) Edge(id string) Edge {
	e, _ := g.objects[id].(Edge)
	return e
}

// Group returns the group with the given id, or nil.
func (g *Graph) Group(id string) Group {
	gr, _ := g.objects[id].(Group)
	return gr
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) Node {
	n, _ := g.objects[id].(Node)
	return n
}

// Floating returns the floating node with the given name.
func (g *Graph) Floating(name string) (Node, bool) {
	id, ok := g.floating[name]
	if !ok {
		return nil, false
	}
	return g.Node(id), true
}

func (g *Graph) activeRun() *Run { return g.run.Load() }

// satisfied evaluates one dependency entry.
func (g *Graph) satisfied(d Dependency) bool {
	if len(d.IDs) == 1 {
		o := g.objects[d.IDs[0]]
		return o != nil && o.Status() == Complete
	}
	allEdges, anyDone := true, false
	for _, id := range d.IDs {
		o := g.objects[id]
		if o == nil {
			return false
		}
		if !o.Kind().IsEdge() {
			allEdges = false
		}
		if o.Status() == Complete {
			anyDone = true
		}
	}
	if allEdges {
		return anyDone
	}
	// A set mixing vertices and edges is treated as plain AND.
	for _, id := range d.IDs {
		if g.objects[id].Status() != Complete {
			return false
		}
	}
	return true
}

// unsatisfiable reports whether some entry of deps can no longer be met in
// this pass: a required object or every member of an OR set is Rejected.
func (g *Graph) unsatisfiable(deps []Dependency) bool {
	for _, d := range deps {
		rejected := 0
		for _, id := range d.IDs {
			if o := g.objects[id]; o != nil && o.Status() == Rejected {
				rejected++
			}
		}
		if rejected == 0 {
			continue
		}
		if !d.Or() || rejected == len(d.IDs) || !g.allEdges(d.IDs) {
			return true
		}
	}
	return false
}

func (g *Graph) allEdges(ids []string) bool {
	for _, id := range ids {
		if o := g.objects[id]; o == nil || !o.Kind().IsEdge() {
			return false
		}
	}
	return true
}

// crossesIteration reports whether e leaves a repeat or for-each group.
func (g *Graph) crossesIteration(e Edge) bool {
	for _, id := range e.CrossingOut() {
		if gr := g.Group(id); gr != nil && gr.Kind().Iterates() {
			return true
		}
	}
	return false
}

// Wire computes every object's dependency list from its kind's rule and
// subscribes dependents to their dependencies and groups to their members.
// It runs once, after every object has been added.
func (g *Graph) Wire() {
	if g.wired {
		return
	}
	g.wired = true
	for _, o := range g.Objects() {
		switch v := o.(type) {
		case Edge:
			for _, id := range dedupe(append([]string{v.Source()}, v.CrossingOut()...)) {
				v.AddDependency(id)
			}
		case Vertex:
			if v.Kind() == KindFloating {
				continue
			}
			g.wireVertex(v)
		}
	}
	for _, o := range g.Objects() {
		var ids []string
		for _, d := range o.Dependencies() {
			ids = append(ids, d.IDs...)
		}
		l := o.base().dependencyListener()
		for _, id := range dedupe(ids) {
			if dep := g.objects[id]; dep != nil {
				dep.Subscribe(l)
			}
		}
	}
	for _, gr := range g.Groups() {
		grp := gr.groupBase()
		for _, id := range grp.members {
			if m := g.objects[id]; m != nil {
				m.Subscribe(grp.memberListener())
			}
		}
		grp.enableOrder = g.enableOrder(grp.members)
	}
}

// wireVertex adds the vertex's incoming non-reflexive edges, merging edges
// that share a name into one OR set, followed by inherited group edges.
func (g *Graph) wireVertex(v Vertex) {
	var order []string
	byName := map[string][]string{}
	seen := map[string]bool{}
	for _, id := range v.Incoming() {
		e := g.Edge(id)
		if e == nil || e.Reflexive() || seen[id] {
			continue
		}
		seen[id] = true
		key := "#" + id
		if e.Name() != "" && namedVariable(e.Kind()) {
			key = e.Name()
		}
		if _, ok := byName[key]; !ok {
			order = append(order, key)
		}
		byName[key] = append(byName[key], id)
	}
	for _, key := range order {
		v.AddDependency(byName[key]...)
	}
	for _, id := range v.vertexBase().inherited {
		if !seen[id] {
			seen[id] = true
			v.AddDependency(id)
		}
	}
}

// enableOrder sorts members so groups come first, outermost to innermost,
// followed by nodes in diagram order.
func (g *Graph) enableOrder(members []string) []string {
	var groups, nodes []string
	for _, id := range members {
		o := g.objects[id]
		switch {
		case o == nil:
		case o.Kind().IsGroup():
			groups = append(groups, id)
		case o.Kind() != KindFloating:
			nodes = append(nodes, id)
		}
	}
	slices.SortStableFunc(groups, func(a, b string) int {
		return cmp.Compare(len(g.Group(a).Groups()), len(g.Group(b).Groups()))
	})
	return append(groups, nodes...)
}

// kickOrder lists groups outermost first, then nodes, then edges.
func (g *Graph) kickOrder() []Object {
	var groups, nodes, edges []Object
	for _, o := range g.Objects() {
		switch {
		case o.Kind().IsGroup():
			groups = append(groups, o)
		case o.Kind().IsNode():
			nodes = append(nodes, o)
		default:
			edges = append(edges, o)
		}
	}
	slices.SortStableFunc(groups, func(a, b Object) int {
		return cmp.Compare(len(a.(Group).Groups()), len(b.(Group).Groups()))
	})
	return append(append(groups, nodes...), edges...)
}

// namedVariable lists edge kinds whose label is a variable name.
func namedVariable(k Kind) bool {
	switch k {
	case KindVariableEdge, KindItemEdge, KindFieldEdge, KindChoiceEdge:
		return true
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
