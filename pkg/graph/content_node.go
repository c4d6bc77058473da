package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ravi-parthasarathy/canvasflow/pkg/refs"
)

// contentNode shows text: what was written into it, or its own text with
// references resolved. Reference, HTTP and formatter nodes share its
// readiness rules.
type contentNode struct{ node }

func (n *contentNode) run(ctx context.Context, r *Run) (Payload, error) {
	if c, ok := n.written(); ok {
		return Payload{Content: c}, nil
	}
	if !refs.Has(n.text) {
		if c, ok := n.firstIncoming(strings.TrimSpace(n.text) == ""); ok {
			return Payload{Content: c}, nil
		}
		if strings.TrimSpace(n.text) == "" {
			return Payload{}, nil
		}
	}
	out, err := n.substitute(ctx, r, n.text)
	if err != nil {
		return Payload{}, fmt.Errorf("content node %q: %w", n.id, err)
	}
	return Payload{Content: TextContent(out)}, nil
}

// written returns the content of the first incoming write, logging or
// chat-response edge that carries any.
func (n *contentNode) written() (Content, bool) {
	for _, e := range n.incomingEdges() {
		if !writesContent[e.Kind()] || e.Status() == Rejected {
			continue
		}
		if c, ok := e.Content(); ok {
			return c, true
		}
	}
	return Content{}, false
}

// firstIncoming returns the content of the first live incoming variable
// edge. With anyKind set, every edge but a config edge counts.
func (n *contentNode) firstIncoming(anyKind bool) (Content, bool) {
	for _, e := range n.incomingEdges() {
		if e.Status() == Rejected || e.Kind() == KindConfigEdge {
			continue
		}
		if !anyKind && e.Kind() != KindVariableEdge {
			continue
		}
		if c, ok := e.Content(); ok {
			return c, true
		}
	}
	return Content{}, false
}

// DependencyCompleted also fires on a logging or chat-response edge before
// the other dependencies are met, and refreshes a node that already ran.
// Logging edges leaving a repeat or for-each group do not, so the node
// shows the finished log rather than every pass.
func (n *contentNode) DependencyCompleted(dep Object) {
	e, ok := dep.(Edge)
	if !ok || !n.early(e) {
		n.tryExecute()
		return
	}
	switch n.Status() {
	case Pending:
		n.self.execute()
	case Complete:
		n.refresh()
	}
}

func (n *contentNode) early(e Edge) bool {
	switch e.Kind() {
	case KindChatResponseEdge:
		return true
	case KindLoggingEdge:
		return !n.g.crossesIteration(e)
	}
	return false
}

// refresh reruns the body of a node that already completed and hands the
// new result on, without another transition.
func (n *contentNode) refresh() {
	r := n.g.activeRun()
	body, ok := n.self.(runner)
	if r == nil || !ok || r.Stopped() {
		return
	}
	r.begin()
	go func() {
		defer r.end()
		p, err := n.protect(r, body)
		if err != nil {
			slog.Warn("node refresh failed", "node", n.id, "kind", n.kind, "err", err)
			return
		}
		n.setResult(p.Content.String())
		n.loadOutgoing(p)
	}()
}

// referenceNode reads or writes the one note, property, floating node or
// selection its text names.
type referenceNode struct{ contentNode }

func (n *referenceNode) run(ctx context.Context, r *Run) (Payload, error) {
	ref, err := n.target()
	if err != nil {
		return Payload{}, err
	}
	if c, ok := n.written(); ok {
		if err := n.write(ctx, r, ref, c.String()); err != nil {
			return Payload{}, fmt.Errorf("reference node %q: %w", n.id, err)
		}
		return Payload{Content: c}, nil
	}
	if ref.Kind == refs.NewNote {
		return Payload{}, fmt.Errorf("reference node %q: nothing to write to new note %q", n.id, ref.Name)
	}
	v, err := n.resolve(ctx, r, ref)
	if err != nil {
		return Payload{}, fmt.Errorf("reference node %q: %w", n.id, err)
	}
	return Payload{Content: TextContent(v)}, nil
}

func (n *referenceNode) target() (refs.Ref, error) {
	ref, ok := refs.Only(n.text)
	if !ok {
		return refs.Ref{}, fmt.Errorf("reference node %q: text must be exactly one reference", n.id)
	}
	if ref.Kind == refs.Variable {
		return refs.Ref{}, fmt.Errorf("reference node %q: %s is a variable, not a target", n.id, ref.Raw)
	}
	return ref, nil
}

func (n *referenceNode) write(ctx context.Context, r *Run, ref refs.Ref, body string) error {
	switch ref.Kind {
	case refs.Floating:
		f, ok := n.g.Floating(ref.Name)
		if !ok {
			return fmt.Errorf("floating node %q not found", ref.Name)
		}
		f.(*floatingNode).write(body)
		return nil
	case refs.Selection:
		r.setSelection(body)
		return nil
	}

	st := r.rc.Store
	if st == nil {
		return errNoStore
	}
	switch ref.Kind {
	case refs.Note:
		return st.EditNote(ctx, ref.Name, body)
	case refs.CurrentNote:
		if r.rc.CurrentNote == "" {
			return errors.New("no current note")
		}
		return st.EditNote(ctx, r.rc.CurrentNote, body)
	case refs.NoteProperty:
		return st.EditProperty(ctx, ref.Name, ref.Property, strings.TrimSpace(body))
	case refs.NewNote:
		name := ref.Name
		if v, ok := n.variable(ref.Name); ok && strings.TrimSpace(v) != "" {
			name = strings.TrimSpace(v)
		}
		slog.Debug("creating note", "node", n.id, "path", name)
		return st.CreateNoteAtPath(ctx, name, body)
	}
	return fmt.Errorf("reference %s cannot be written", ref.Raw)
}

// formatterNode resolves references and drops a "" wrapper from both ends.
type formatterNode struct{ contentNode }

func (n *formatterNode) run(ctx context.Context, r *Run) (Payload, error) {
	out, err := n.substitute(ctx, r, n.text)
	if err != nil {
		return Payload{}, fmt.Errorf("formatter node %q: %w", n.id, err)
	}
	return Payload{Content: TextContent(Unwrap(out))}, nil
}

// Unwrap trims s and strips a leading and trailing "" pair.
func Unwrap(s string) string {
	t := strings.TrimSpace(s)
	if len(t) >= 4 && strings.HasPrefix(t, `""`) && strings.HasSuffix(t, `""`) {
		return t[2 : len(t)-2]
	}
	return t
}
