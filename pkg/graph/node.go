package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ravi-parthasarathy/canvasflow/pkg/refs"
)

// Node is a box that does work when its dependencies are met.
type Node interface {
	Vertex
	// Content is the node's last result; for a floating node, its body.
	Content() string

	nodeBase() *node
}

// runner is the kind-specific body of a node. It returns what the node
// hands its outgoing edges.
type runner interface {
	run(ctx context.Context, r *Run) (Payload, error)
}

type node struct {
	vertex

	data   sync.Mutex
	result string
}

// AddNode creates a node of the given kind.
func (g *Graph) AddNode(kind Kind, s VertexSpec) (Node, error) {
	var n Node
	switch kind {
	case KindCall, KindForm, KindChoice:
		n = &callNode{}
	case KindContent:
		n = &contentNode{}
	case KindReference:
		n = &referenceNode{}
	case KindHTTP:
		n = &httpNode{}
	case KindFormatter:
		n = &formatterNode{}
	case KindFloating:
		n = &floatingNode{}
	default:
		return nil, fmt.Errorf("node %q: %q is not a node kind", s.ID, kind)
	}
	b := n.nodeBase()
	b.initVertex(g, n, kind, s)
	if kind == KindFloating {
		name, body := splitFloating(s.Text)
		if _, dup := g.floating[name]; dup && name != "" {
			return nil, fmt.Errorf("node %q: floating name %q already used", s.ID, name)
		}
		b.status, b.result = Complete, body
		if name != "" {
			g.floating[name] = s.ID
		}
	}
	if err := g.add(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *node) nodeBase() *node { return n }

func (n *node) Content() string {
	n.data.Lock()
	defer n.data.Unlock()
	return n.result
}

func (n *node) setResult(s string) {
	n.data.Lock()
	defer n.data.Unlock()
	n.result = s
}

// Reset clears the result along with the status.
func (n *node) Reset() {
	n.setResult("")
	n.transition(Pending, "")
}

// execute claims the node and runs its body on its own goroutine; the
// protocol itself never blocks. Failures become a rejection with the error
// text as message.
func (n *node) execute() {
	r := n.g.activeRun()
	if r == nil || !n.claim() {
		return
	}
	if r.Stopped() {
		n.reject("run stopped")
		return
	}
	body, ok := n.self.(runner)
	if !ok {
		n.reject(fmt.Sprintf("node %q: kind %s cannot run", n.id, n.kind.Short()))
		return
	}
	r.begin()
	go func() {
		defer r.end()
		slog.Debug("executing node", "node", n.id, "kind", n.kind)
		p, err := n.protect(r, body)
		if err != nil {
			slog.Warn("node rejected", "node", n.id, "kind", n.kind, "err", err)
			n.reject(err.Error())
			return
		}
		n.setResult(p.Content.String())
		n.loadOutgoing(p)
		n.complete()
	}()
}

func (n *node) protect(r *Run, body runner) (p Payload, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("node %q panicked: %v", n.id, v)
		}
	}()
	return body.run(r.ctx, r)
}

// loadOutgoing hands p to every outgoing edge. Field edges receive their
// own value of a form result. Item edges receive one list element each, in
// order; item edges beyond the list are rejected.
func (n *node) loadOutgoing(p Payload) {
	var items []string
	split := false
	pos := 0
	for _, e := range n.outgoingEdges() {
		if e.Status() == Rejected {
			continue
		}
		switch {
		case e.Kind() == KindChatResponseEdge && p.streamed:
			continue
		case e.Kind() == KindFieldEdge && p.Content.Values != nil:
			e.Load(Payload{Content: TextContent(p.Content.Values[e.Name()]), Request: p.Request})
			continue
		case e.Kind() != KindItemEdge:
			e.Load(p)
			continue
		}
		if !split {
			items, split = SplitList(p.Content.String(), e.Name()), true
		}
		if pos >= len(items) {
			e.edgeBase().reject(fmt.Sprintf("no list element for position %d", pos))
			pos++
			continue
		}
		e.Load(Payload{Content: TextContent(items[pos])})
		pos++
	}
}

// variable looks name up on the direct incoming edges, then on the
// incoming edges of each enclosing group, innermost first. An edge that
// exists but carries nothing resolves to the empty string.
func (n *node) variable(name string) (string, bool) {
	if v, ok := edgeValue(n.incomingEdges(), name, nil); ok {
		return v, true
	}
	for _, gid := range n.groups {
		gr := n.g.Group(gid)
		if gr == nil {
			continue
		}
		if v, ok := edgeValue(gr.vertexBase().incomingEdges(), name, gr); ok {
			return v, true
		}
	}
	return "", false
}

// edgeValue reads the edge labeled name. A reflexive edge that already
// carries something wins, so a loop reads its previous pass before its
// initial input.
func edgeValue(edges []Edge, name string, gr Group) (string, bool) {
	for _, e := range edges {
		if e.Reflexive() && e.Name() == name {
			if c, ok := e.Content(); ok {
				return c.String(), true
			}
		}
	}
	found := false
	for _, e := range edges {
		if e.Name() != name || e.Kind() == KindConfigEdge || e.Status() == Rejected {
			continue
		}
		if gr != nil && !e.Reflexive() {
			if item, ok := gr.Item(e.ID()); ok {
				return item, true
			}
		}
		if c, ok := e.Content(); ok {
			return c.String(), true
		}
		found = true
	}
	return "", found
}

// substitute resolves every reference in text and then expands embeds.
func (n *node) substitute(ctx context.Context, r *Run, text string) (string, error) {
	out, err := refs.Replace(text, func(ref refs.Ref) (string, error) {
		return n.resolve(ctx, r, ref)
	})
	if err != nil {
		return "", err
	}
	if st := r.rc.Store; st != nil && strings.Contains(out, "![[") {
		return st.ReplaceEmbeddedQueries(ctx, out)
	}
	return out, nil
}

var errNoStore = errors.New("no content store configured")

func (n *node) resolve(ctx context.Context, r *Run, ref refs.Ref) (string, error) {
	switch ref.Kind {
	case refs.Variable:
		v, ok := n.variable(ref.Name)
		if !ok {
			return "", fmt.Errorf("variable %q not found", ref.Name)
		}
		return v, nil
	case refs.Floating:
		f, ok := n.g.Floating(ref.Name)
		if !ok {
			return "", fmt.Errorf("floating node %q not found", ref.Name)
		}
		return f.Content(), nil
	case refs.Selection:
		return r.Selection(), nil
	case refs.CurrentNote:
		return n.readNote(ctx, r, r.rc.CurrentNote)
	case refs.Note:
		return n.readNote(ctx, r, ref.Name)
	case refs.NoteProperty:
		if r.rc.Store == nil {
			return "", errNoStore
		}
		v, ok, err := r.rc.Store.GetProperty(ctx, ref.Name, ref.Property)
		if err != nil {
			return "", fmt.Errorf("property %q of %q: %w", ref.Property, ref.Name, err)
		}
		if !ok {
			return "", fmt.Errorf("property %q of %q not found", ref.Property, ref.Name)
		}
		return v, nil
	}
	return "", fmt.Errorf("reference %s cannot be read", ref.Raw)
}

func (n *node) readNote(ctx context.Context, r *Run, name string) (string, error) {
	if r.rc.Store == nil {
		return "", errNoStore
	}
	if name == "" {
		return "", errors.New("no current note")
	}
	body, ok, err := r.rc.Store.GetNote(ctx, name)
	if err != nil {
		return "", fmt.Errorf("note %q: %w", name, err)
	}
	if !ok {
		return "", fmt.Errorf("note %q not found", name)
	}
	return body, nil
}

// floatingNode is named content that other nodes read and write. It is born
// Complete and takes no part in the readiness protocol.
type floatingNode struct{ node }

func (f *floatingNode) DependencyCompleted(Object) {}
func (f *floatingNode) DependencyRejected(Object)  {}
func (f *floatingNode) Reset()                     {}
func (f *floatingNode) execute()                   {}

// Name is the bracketed first line.
func (f *floatingNode) Name() string {
	name, _ := splitFloating(f.text)
	return name
}

func (f *floatingNode) write(body string) { f.setResult(body) }

// splitFloating splits "[Name]\nbody". Text without a bracketed first line
// has no name.
func splitFloating(text string) (name, body string) {
	first, rest, _ := strings.Cut(text, "\n")
	first = strings.TrimSpace(first)
	if len(first) > 2 && first[0] == '[' && first[len(first)-1] == ']' && !strings.HasPrefix(first, "[[") {
		return strings.TrimSpace(first[1 : len(first)-1]), strings.TrimSpace(rest)
	}
	return "", text
}
