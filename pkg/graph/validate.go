package graph

import (
	"fmt"

	"github.com/ravi-parthasarathy/canvasflow/pkg/refs"
)

// Problem is one structural defect found by Validate.
type Problem struct {
	ID      string
	Message string
}

func (p Problem) String() string { return fmt.Sprintf("%s: %s", p.ID, p.Message) }

// Validate checks the kind-specific structure of a wired graph.
func (g *Graph) Validate() []Problem {
	var out []Problem
	add := func(id, format string, args ...any) {
		out = append(out, Problem{ID: id, Message: fmt.Sprintf(format, args...)})
	}
	for _, n := range g.Nodes() {
		b := n.nodeBase()
		switch n.Kind() {
		case KindChoice:
			if len(b.outgoingOf(KindChoiceEdge)) == 0 {
				add(n.ID(), "choice node needs at least one outgoing choice edge")
			}
		case KindForm:
			fields := b.outgoingOf(KindFieldEdge)
			if len(fields) == 0 {
				add(n.ID(), "form node needs at least one outgoing field edge")
			}
			seen := map[string]bool{}
			for _, e := range fields {
				switch {
				case e.Name() == "":
					add(e.ID(), "field edge needs a name")
				case seen[e.Name()]:
					add(e.ID(), "field %q is used twice", e.Name())
				}
				seen[e.Name()] = true
			}
		case KindReference:
			ref, ok := refs.Only(n.Text())
			switch {
			case !ok:
				add(n.ID(), "reference node text must be exactly one reference")
			case ref.Kind == refs.Variable:
				add(n.ID(), "reference node cannot target variable %q", ref.Name)
			}
		}
	}
	for _, e := range g.Edges() {
		src := g.Get(e.Source())
		dst := g.Get(e.Target())
		if src == nil || dst == nil {
			add(e.ID(), "edge endpoint missing")
			continue
		}
		switch e.Kind() {
		case KindItemEdge:
			if !listCapable[src.Kind()] {
				add(e.ID(), "item edge from %s node, which cannot produce a list", src.Kind().Short())
			}
		case KindConfigEdge:
			if !dst.Kind().IsGroup() && dst.Kind() != KindCall && dst.Kind() != KindForm && dst.Kind() != KindChoice {
				add(e.ID(), "config edge into %s node; only call nodes and groups take config", dst.Kind().Short())
			}
		case KindVariableEdge:
			if e.Name() == "" {
				add(e.ID(), "variable edge needs a name")
			}
		}
	}
	return out
}

func (n *node) outgoingOf(kind Kind) []Edge {
	var out []Edge
	for _, e := range n.outgoingEdges() {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}
