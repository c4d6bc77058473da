package graph

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ravi-parthasarathy/canvasflow/pkg/llm"
)

// Edge is an arrow: it carries content, and optionally chat history, from
// its source vertex to its target.
type Edge interface {
	Object
	Source() string
	Target() string
	// Name is the label with any type prefix removed.
	Name() string
	// Reflexive edges run from inside a group back to it; they carry state
	// between passes and never gate execution.
	Reflexive() bool
	CrossingIn() []string
	CrossingOut() []string
	AddMessages() bool
	Content() (Content, bool)
	Messages() []llm.Message
	Load(p Payload)

	edgeBase() *edge
}

type edge struct {
	object
	source      string
	target      string
	name        string
	reflexive   bool
	crossingIn  []string
	crossingOut []string
	addMessages bool

	data     sync.Mutex // guards content and messages
	content  *Content
	messages []llm.Message
}

func (g *Graph) newEdge(kind Kind, s EdgeSpec) Edge {
	var e Edge
	switch kind {
	case KindMessageFormatEdge:
		fe := &formatEdge{template: s.Name}
		if strings.TrimSpace(fe.template) == "" {
			fe.template = defaultMessageFormat
		}
		e = fe
	case KindSystemEdge:
		e = &systemEdge{}
	case KindLoggingEdge:
		e = &loggingEdge{}
	case KindChatResponseEdge:
		e = &streamEdge{}
	default:
		e = &edge{}
	}
	b := e.edgeBase()
	b.init(g, e, s.ID, s.Label, kind)
	b.source, b.target, b.name = s.Source, s.Target, s.Name
	b.reflexive = s.Reflexive
	b.crossingIn = slices.Clone(s.CrossingIn)
	b.crossingOut = slices.Clone(s.CrossingOut)
	b.addMessages = carriesMessages[kind]
	return e
}

// AddEdge creates an edge of the given kind.
func (g *Graph) AddEdge(kind Kind, s EdgeSpec) (Edge, error) {
	if !kind.IsEdge() {
		return nil, fmt.Errorf("edge %q: %q is not an edge kind", s.ID, kind)
	}
	e := g.newEdge(kind, s)
	if err := g.add(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *edge) edgeBase() *edge { return e }

func (e *edge) Source() string        { return e.source }
func (e *edge) Target() string        { return e.target }
func (e *edge) Name() string          { return e.name }
func (e *edge) Reflexive() bool       { return e.reflexive }
func (e *edge) CrossingIn() []string  { return slices.Clone(e.crossingIn) }
func (e *edge) CrossingOut() []string { return slices.Clone(e.crossingOut) }
func (e *edge) AddMessages() bool     { return e.addMessages }

func (e *edge) Content() (Content, bool) {
	e.data.Lock()
	defer e.data.Unlock()
	if e.content == nil {
		return Content{}, false
	}
	return *e.content, true
}

func (e *edge) Messages() []llm.Message {
	e.data.Lock()
	defer e.data.Unlock()
	return slices.Clone(e.messages)
}

// Load stores the payload's content and, for history-carrying kinds, the
// conversation: the producing call's history, or the content as one user
// turn when the source was not a model call.
func (e *edge) Load(p Payload) {
	e.data.Lock()
	defer e.data.Unlock()
	c := p.Content
	e.content = &c
	if !e.addMessages {
		return
	}
	switch {
	case p.Request != nil:
		e.messages = slices.Clone(p.Request.Messages)
	case strings.TrimSpace(c.String()) != "":
		e.messages = []llm.Message{llm.TextMessage(llm.RoleUser, c.String())}
	default:
		e.messages = nil
	}
}

func (e *edge) clear() {
	e.data.Lock()
	defer e.data.Unlock()
	e.content = nil
	e.messages = nil
}

// execute completes immediately: an edge has nothing to do but pass on
// what its source loaded.
func (e *edge) execute() {
	if e.claim() {
		e.complete()
	}
}

// DependencyRejected rejects the edge: with its source or a group it leaves
// rejected, it can never carry anything this pass.
func (e *edge) DependencyRejected(dep Object) {
	if e.Status() == Pending {
		e.reject(fmt.Sprintf("dependency %q rejected", dep.ID()))
	}
}

// Reset clears the payload. Reflexive edges keep everything, status
// included, so the next pass can read the previous one's result.
func (e *edge) Reset() {
	if e.reflexive {
		return
	}
	e.clear()
	e.transition(Pending, "")
}

// systemEdge turns its content into a single system message.
type systemEdge struct{ edge }

func (e *systemEdge) Load(p Payload) {
	e.data.Lock()
	defer e.data.Unlock()
	c := p.Content
	e.content = &c
	e.messages = nil
	if s := strings.TrimSpace(c.String()); s != "" {
		e.messages = []llm.Message{llm.TextMessage(llm.RoleSystem, s)}
	}
}

// formatEdge converts between chat history and text with a template such
// as "{{role}}: {{content}}".
type formatEdge struct {
	edge
	template string
}

// Load renders history to text when the source was a model call, and
// parses text back into history otherwise.
func (e *formatEdge) Load(p Payload) {
	e.data.Lock()
	defer e.data.Unlock()
	if p.Request != nil && len(p.Request.Messages) > 0 {
		c := TextContent(FormatMessages(e.template, p.Request.Messages))
		e.content = &c
		e.messages = slices.Clone(p.Request.Messages)
		return
	}
	c := p.Content
	e.content = &c
	e.messages = ParseMessages(e.template, c.String())
}

// streamEdge accumulates streamed chunks from a call node.
type streamEdge struct{ edge }

func (e *streamEdge) Load(p Payload) {
	e.data.Lock()
	defer e.data.Unlock()
	if e.content == nil {
		e.content = &Content{}
	}
	e.content.Text += p.Content.String()
}

// loggingEdge appends a transcript of every call that passes through it.
type loggingEdge struct{ edge }

func (e *loggingEdge) Load(p Payload) {
	entry := e.g.transcript(e.crossingOut, p)
	e.data.Lock()
	defer e.data.Unlock()
	if e.content == nil || e.content.Text == "" {
		e.content = &Content{Text: entry}
		return
	}
	e.content = &Content{Text: e.content.Text + "\n\n" + entry}
}

// Reset keeps the transcript so it spans every pass of a loop.
func (e *loggingEdge) Reset() {
	if e.reflexive {
		return
	}
	e.transition(Pending, "")
}

// DependencyCompleted fires once the source is Complete and every
// iteration group the edge leaves has finished all its passes; other
// groups it leaves do not hold it back.
func (e *loggingEdge) DependencyCompleted(Object) {
	if e.Status() != Pending {
		return
	}
	if src := e.g.Get(e.source); src == nil || src.Status() != Complete {
		return
	}
	for _, id := range e.crossingOut {
		if gr := e.g.Group(id); gr != nil && gr.Kind().Iterates() && gr.Status() != Complete {
			return
		}
	}
	e.execute()
}
