// Package factory turns a raw diagram into a wired graph. Construction
// runs nine passes in order, each consuming the full output of the one
// before; any error fails the whole build and no graph is returned.
package factory

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/ravi-parthasarathy/canvasflow/pkg/canvas"
	"github.com/ravi-parthasarathy/canvasflow/pkg/graph"
)

// Options tune a build.
type Options struct {
	// Lenient logs structural problems found after wiring instead of
	// failing the build. Typing errors are always fatal.
	Lenient bool
}

// vertex is a box or group on its way to becoming a graph object.
type vertex struct {
	el        canvas.Element
	text      string
	group     bool
	floating  bool
	groups    []string // innermost first
	incoming  []string
	outgoing  []string
	members   []string
	inherited []string

	kind     graph.Kind
	loops    int
	versions int
}

type edge struct {
	el          canvas.EdgeElement
	label       string
	name        string
	reflexive   bool
	crossingIn  []string
	crossingOut []string
	kind        graph.Kind
}

type builder struct {
	opts     Options
	vertices map[string]*vertex
	order    []string // vertex ids in diagram order
	edges    []*edge
	errs     []ConstructionError
}

// Build runs the construction pipeline over doc.
func Build(doc *canvas.Document, opts Options) (*graph.Graph, error) {
	b := &builder{opts: opts, vertices: make(map[string]*vertex)}
	passes := []struct {
		name string
		run  func()
	}{
		{"parse", func() { b.parse(doc) }},
		{"groups", b.assignGroups},
		{"incidence", b.assignIncidence},
		{"coarse typing", b.coarseType},
		{"membership", b.assignMembers},
		{"crossings", b.tagCrossings},
		{"typing", b.decideTypes},
	}
	for _, p := range passes {
		p.run()
		slog.Debug("construction pass done", "pass", p.name, "vertices", len(b.order), "edges", len(b.edges), "errors", len(b.errs))
		if len(b.errs) > 0 {
			return nil, &BuildError{Errors: b.errs}
		}
	}

	g := b.wire()
	if len(b.errs) > 0 {
		return nil, &BuildError{Errors: b.errs}
	}
	b.specialize(g)
	if len(b.errs) > 0 {
		return nil, &BuildError{Errors: b.errs}
	}
	slog.Debug("diagram built", "objects", g.Len())
	return g, nil
}

func (b *builder) fail(id, format string, args ...any) {
	b.errs = append(b.errs, ConstructionError{ElementID: id, Message: fmt.Sprintf(format, args...)})
}

// parse keeps every element not marked disabled. Arrows touching a
// disabled element go with it.
func (b *builder) parse(doc *canvas.Document) {
	disabled := map[string]bool{}
	seen := map[string]bool{}
	for _, el := range doc.Nodes {
		switch {
		case el.ID == "":
			b.fail("", "element with empty id")
			continue
		case seen[el.ID]:
			b.fail(el.ID, "duplicate element id")
			continue
		}
		seen[el.ID] = true
		if el.Color == canvas.DisabledColor {
			disabled[el.ID] = true
			continue
		}
		b.vertices[el.ID] = &vertex{el: el, text: vertexText(el), group: el.Type == canvas.TypeGroup}
		b.order = append(b.order, el.ID)
	}
	for _, el := range doc.Edges {
		switch {
		case el.ID == "":
			b.fail("", "arrow %s->%s has no id", el.FromNode, el.ToNode)
			continue
		case seen[el.ID]:
			b.fail(el.ID, "duplicate element id")
			continue
		}
		seen[el.ID] = true
		if el.Color == canvas.DisabledColor || disabled[el.FromNode] || disabled[el.ToNode] {
			continue
		}
		for _, end := range []string{el.FromNode, el.ToNode} {
			if b.vertices[end] == nil {
				b.fail(el.ID, "arrow end %q does not exist", end)
			}
		}
		b.edges = append(b.edges, &edge{el: el, label: strings.TrimSpace(el.Label)})
	}
}

// vertexText is the text a vertex carries. A file box reads its note.
func vertexText(el canvas.Element) string {
	switch el.Type {
	case canvas.TypeFile:
		name := strings.TrimSuffix(strings.TrimSpace(el.File), ".md")
		if name == "" {
			return ""
		}
		return "{{[[" + name + "]]}}"
	case canvas.TypeGroup:
		return strings.TrimSpace(el.Label)
	}
	return strings.TrimSpace(el.Body())
}

// assignGroups derives every vertex's enclosing groups from geometry,
// smallest first. A group never encloses one of equal size.
func (b *builder) assignGroups() {
	var groups []*vertex
	for _, id := range b.order {
		if v := b.vertices[id]; v.group {
			groups = append(groups, v)
		}
	}
	for _, id := range b.order {
		v := b.vertices[id]
		var chain []*vertex
		for _, gr := range groups {
			if gr == v || !gr.el.Rect().Contains(v.el.Rect()) {
				continue
			}
			if v.group && gr.el.Rect().Area() <= v.el.Rect().Area() {
				continue
			}
			chain = append(chain, gr)
		}
		slices.SortStableFunc(chain, func(a, c *vertex) int {
			return cmp.Compare(a.el.Rect().Area(), c.el.Rect().Area())
		})
		for _, gr := range chain {
			v.groups = append(v.groups, gr.el.ID)
		}
	}
}

// assignIncidence records each vertex's arrows. An arrow into a group that
// encloses its source carries state from one pass to the next.
func (b *builder) assignIncidence() {
	for _, e := range b.edges {
		src, dst := b.vertices[e.el.FromNode], b.vertices[e.el.ToNode]
		src.outgoing = append(src.outgoing, e.el.ID)
		dst.incoming = append(dst.incoming, e.el.ID)
		e.reflexive = dst.group && slices.Contains(src.groups, dst.el.ID)
	}
}

func (b *builder) coarseType() {
	for _, id := range b.order {
		v := b.vertices[id]
		v.floating = !v.group && len(v.incoming) == 0 && len(v.outgoing) == 0
	}
}

// assignMembers gives each group every vertex inside it, and each vertex
// the non-reflexive arrows into its enclosing groups.
func (b *builder) assignMembers() {
	reflexive := map[string]bool{}
	for _, e := range b.edges {
		reflexive[e.el.ID] = e.reflexive
	}
	for _, id := range b.order {
		v := b.vertices[id]
		for _, gid := range v.groups {
			gr := b.vertices[gid]
			gr.members = append(gr.members, id)
			for _, eid := range gr.incoming {
				if !reflexive[eid] && !slices.Contains(v.inherited, eid) {
					v.inherited = append(v.inherited, eid)
				}
			}
		}
	}
}

// span is the set of groups a vertex sits in, itself included for a group.
func (b *builder) span(v *vertex) []string {
	if v.group {
		return append([]string{v.el.ID}, v.groups...)
	}
	return v.groups
}

// tagCrossings records the groups each arrow enters and leaves, innermost
// first.
func (b *builder) tagCrossings() {
	for _, e := range b.edges {
		from := b.span(b.vertices[e.el.FromNode])
		to := b.span(b.vertices[e.el.ToNode])
		e.crossingIn = without(to, from)
		e.crossingOut = without(from, to)
	}
}

func without(a, b []string) []string {
	var out []string
	for _, x := range a {
		if !slices.Contains(b, x) {
			out = append(out, x)
		}
	}
	return out
}

// decideTypes classifies nodes, then groups innermost first, then arrows,
// and drops non-logic groups from the structure.
func (b *builder) decideTypes() {
	decide := func(v *vertex) {
		f := vertexFacts{Element: v.el, Text: v.text, Group: v.group, Floating: v.floating,
			Edges: len(v.incoming) + len(v.outgoing)}
		for _, m := range v.members {
			f.MemberKinds = append(f.MemberKinds, b.vertices[m].kind)
		}
		d, err := classifyVertex(f)
		if err != nil {
			b.fail(v.el.ID, "%v", err)
			return
		}
		v.kind, v.text, v.loops, v.versions = d.Kind, d.Text, d.Loops, d.Versions
	}

	var groups []*vertex
	for _, id := range b.order {
		if v := b.vertices[id]; v.group {
			groups = append(groups, v)
		} else {
			decide(v)
		}
	}
	slices.SortStableFunc(groups, func(a, c *vertex) int {
		return cmp.Compare(len(c.groups), len(a.groups))
	})
	for _, gr := range groups {
		decide(gr)
	}
	if len(b.errs) > 0 {
		return
	}

	for _, e := range b.edges {
		e.kind, e.name = classifyEdge(edgeFacts{
			Element: e.el,
			Label:   e.label,
			Source:  b.vertices[e.el.FromNode].kind,
			Target:  b.vertices[e.el.ToNode].kind,
		})
	}
	b.dropNonLogic()
}

func (b *builder) dropNonLogic() {
	dropped := func(id string) bool {
		v := b.vertices[id]
		return v == nil || v.kind == graph.KindNonLogic
	}
	b.order = slices.DeleteFunc(b.order, func(id string) bool {
		if !dropped(id) {
			return false
		}
		slog.Debug("dropping non-logic group", "group", id)
		return true
	})
	for _, id := range b.order {
		v := b.vertices[id]
		v.groups = slices.DeleteFunc(v.groups, dropped)
		v.members = slices.DeleteFunc(v.members, dropped)
	}
	for _, e := range b.edges {
		e.crossingIn = slices.DeleteFunc(e.crossingIn, dropped)
		e.crossingOut = slices.DeleteFunc(e.crossingOut, dropped)
	}
}

// wire creates the graph objects and computes dependencies and listeners.
func (b *builder) wire() *graph.Graph {
	g := graph.New()
	for _, id := range b.order {
		v := b.vertices[id]
		spec := graph.VertexSpec{
			ID:        id,
			Text:      v.text,
			Groups:    v.groups,
			Incoming:  v.incoming,
			Outgoing:  v.outgoing,
			Inherited: v.inherited,
		}
		var err error
		if v.group {
			_, err = g.AddGroup(v.kind, graph.GroupSpec{VertexSpec: spec, Members: v.members, MaxLoops: v.loops, Versions: v.versions})
		} else {
			_, err = g.AddNode(v.kind, spec)
		}
		if err != nil {
			b.fail(id, "%v", err)
		}
	}
	for _, e := range b.edges {
		_, err := g.AddEdge(e.kind, graph.EdgeSpec{
			ID:          e.el.ID,
			Label:       e.label,
			Name:        e.name,
			Source:      e.el.FromNode,
			Target:      e.el.ToNode,
			Reflexive:   e.reflexive,
			CrossingIn:  e.crossingIn,
			CrossingOut: e.crossingOut,
		})
		if err != nil {
			b.fail(e.el.ID, "%v", err)
		}
	}
	g.Wire()
	return g
}

// specialize runs the kind-specific checks that need the wired graph.
func (b *builder) specialize(g *graph.Graph) {
	for _, p := range g.Validate() {
		if b.opts.Lenient {
			slog.Warn("diagram problem", "element", p.ID, "problem", p.Message)
			continue
		}
		b.fail(p.ID, "%s", p.Message)
	}
}
