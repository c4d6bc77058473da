package graph

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/canvasflow/pkg/llm"
)

// diagram assembles small graphs for tests. Group chains are given
// innermost first; incidence, crossings, membership and inheritance are
// derived the way the factory derives them.
type diagram struct {
	vertices []vdef
	edges    []edef
}

type vdef struct {
	id     string
	kind   Kind
	text   string
	loops  int
	groups []string
}

type edef struct {
	id, name, src, dst string
	kind               Kind
}

func (d *diagram) node(id string, kind Kind, text string, groups ...string) *diagram {
	d.vertices = append(d.vertices, vdef{id: id, kind: kind, text: text, groups: groups})
	return d
}

func (d *diagram) group(id string, kind Kind, loops int, groups ...string) *diagram {
	d.vertices = append(d.vertices, vdef{id: id, kind: kind, loops: loops, groups: groups})
	return d
}

func (d *diagram) edge(id string, kind Kind, name, src, dst string) *diagram {
	d.edges = append(d.edges, edef{id: id, kind: kind, name: name, src: src, dst: dst})
	return d
}

// testingT is satisfied by both *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

func (d *diagram) build(t testingT) *Graph {
	t.Helper()
	chain := map[string][]string{}
	isGroup := map[string]bool{}
	for _, v := range d.vertices {
		chain[v.id] = v.groups
		isGroup[v.id] = v.kind.IsGroup()
	}
	span := func(id string) []string {
		if isGroup[id] {
			return append([]string{id}, chain[id]...)
		}
		return chain[id]
	}
	minus := func(a, b []string) []string {
		var out []string
		for _, x := range a {
			if !slices.Contains(b, x) {
				out = append(out, x)
			}
		}
		return out
	}

	in, out := map[string][]string{}, map[string][]string{}
	specs := make([]EdgeSpec, 0, len(d.edges))
	for _, e := range d.edges {
		in[e.dst] = append(in[e.dst], e.id)
		out[e.src] = append(out[e.src], e.id)
		specs = append(specs, EdgeSpec{
			ID: e.id, Label: e.name, Name: e.name, Source: e.src, Target: e.dst,
			Reflexive:   isGroup[e.dst] && slices.Contains(chain[e.src], e.dst),
			CrossingIn:  minus(span(e.dst), span(e.src)),
			CrossingOut: minus(span(e.src), span(e.dst)),
		})
	}
	reflexive := map[string]bool{}
	for _, s := range specs {
		reflexive[s.ID] = s.Reflexive
	}

	g := New()
	for _, v := range d.vertices {
		vs := VertexSpec{ID: v.id, Text: v.text, Groups: v.groups, Incoming: in[v.id], Outgoing: out[v.id]}
		for _, gid := range v.groups {
			for _, eid := range in[gid] {
				if !reflexive[eid] {
					vs.Inherited = append(vs.Inherited, eid)
				}
			}
		}
		var err error
		if v.kind.IsGroup() {
			var members []string
			for _, m := range d.vertices {
				if slices.Contains(m.groups, v.id) {
					members = append(members, m.id)
				}
			}
			_, err = g.AddGroup(v.kind, GroupSpec{VertexSpec: vs, Members: members, MaxLoops: v.loops})
		} else {
			_, err = g.AddNode(v.kind, vs)
		}
		require.NoError(t, err)
	}
	for i, e := range d.edges {
		_, err := g.AddEdge(e.kind, specs[i])
		require.NoError(t, err)
	}
	g.Wire()
	return g
}

func runGraph(t testingT, g *Graph, rc RunContext, obs ...Observer) *Result {
	t.Helper()
	base := context.Background()
	if c, ok := t.(interface{ Context() context.Context }); ok {
		base = c.Context()
	}
	r, err := NewRun(g, rc, obs...)
	require.NoError(t, err)
	require.NoError(t, r.Start(base))
	ctx, cancel := context.WithTimeout(base, 5*time.Second)
	defer cancel()
	res, err := r.Wait(ctx)
	require.NoError(t, err)
	return res
}

// recorder is an Observer that keeps everything it hears.
type recorder struct {
	mu     sync.Mutex
	events []Event
	chunks []string
}

func (r *recorder) ObjectChanged(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) NodeOutput(_, chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
}

func (r *recorder) count(id string, st Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.ID == id && ev.Status == st {
			n++
		}
	}
	return n
}

// fakeClient answers every request with reply and records what it saw.
type fakeClient struct {
	mu     sync.Mutex
	reqs   []llm.GenerateRequest
	reply  func(req llm.GenerateRequest) llm.GenerateResponse
	chunks []string
}

func (c *fakeClient) Complete(_ context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	return c.reply(req), nil
}

func (c *fakeClient) Stream(_ context.Context, req llm.GenerateRequest) (<-chan llm.StreamEvent, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	ch := make(chan llm.StreamEvent, len(c.chunks)+1)
	for _, s := range c.chunks {
		ch <- llm.StreamEvent{Type: llm.StreamEventDelta, Text: s}
	}
	ch <- llm.StreamEvent{Type: llm.StreamEventComplete}
	close(ch)
	return ch, nil
}

func (c *fakeClient) requests() []llm.GenerateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.reqs)
}

func (c *fakeClient) factory(string) (llm.Client, error) { return c, nil }

func textReply(s string) llm.GenerateResponse {
	return llm.GenerateResponse{Content: []llm.ContentBlock{{Type: llm.ContentTypeText, Text: s}}}
}

func toolReply(name, input string) llm.GenerateResponse {
	return llm.GenerateResponse{Content: []llm.ContentBlock{{
		Type:    llm.ContentTypeToolUse,
		ToolUse: &llm.ToolUse{ID: "t1", Name: name, Input: []byte(input)},
	}}}
}

// memStore is an in-memory ContentStore.
type memStore struct {
	mu      sync.Mutex
	notes   map[string]string
	props   map[string]map[string]string
	created []string
}

func newMemStore() *memStore {
	return &memStore{notes: map[string]string{}, props: map[string]map[string]string{}}
}

func (s *memStore) GetNote(_ context.Context, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.notes[name]
	return b, ok, nil
}

func (s *memStore) EditNote(_ context.Context, name, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[name] = body
	return nil
}

func (s *memStore) GetProperty(_ context.Context, note, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.props[note][key]
	return v, ok, nil
}

func (s *memStore) EditProperty(_ context.Context, note, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.props[note] == nil {
		s.props[note] = map[string]string{}
	}
	s.props[note][key] = value
	return nil
}

func (s *memStore) CreateNoteAtPath(_ context.Context, path, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[path] = body
	s.created = append(s.created, path)
	return nil
}

func (s *memStore) ReplaceEmbeddedQueries(_ context.Context, text string) (string, error) {
	return text, nil
}

func (s *memStore) note(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notes[name]
}
