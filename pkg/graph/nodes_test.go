package graph

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/ravi-parthasarathy/canvasflow/pkg/llm"
)

func TestCallNode_ResolvesVariablesInMock(t *testing.T) {
	t.Parallel()
	g := new(diagram).
		node("topic", KindContent, "cats").
		node("call", KindCall, "Write about {{topic}}").
		node("out", KindContent, "").
		edge("t", KindVariableEdge, "topic", "topic", "call").
		edge("w", KindWriteEdge, "", "call", "out").
		build(t)

	res := runGraph(t, g, RunContext{Mock: true})
	require.NoError(t, res.Err(g))
	assert.Equal(t, "mock response to: Write about cats", g.Node("out").Content())
}

func TestCallNode_ChatHistoryAndConfig(t *testing.T) {
	t.Parallel()
	client := &fakeClient{reply: func(req llm.GenerateRequest) llm.GenerateResponse {
		return textReply("reply to " + req.Messages[len(req.Messages)-1].Text())
	}}
	g := new(diagram).
		node("cfg", KindContent, `{"model": "gpt-4o", "temperature": "0.2"}`).
		node("sys", KindContent, "be terse").
		group("grp", KindBasicGroup, 0).
		node("first", KindCall, "hello", "grp").
		node("second", KindCall, "and again", "grp").
		edge("c", KindConfigEdge, "", "cfg", "grp").
		edge("s", KindSystemEdge, "", "sys", "first").
		edge("chat", KindChatEdge, "", "first", "second").
		build(t)

	rc := RunContext{
		Clients:  client.factory,
		Settings: Settings{DefaultModel: "openai:gpt-4o-mini", Defaults: map[string]string{"max_tokens": "64"}},
	}
	res := runGraph(t, g, rc)
	require.NoError(t, res.Err(g))

	reqs := client.requests()
	require.Len(t, reqs, 2)
	first, second := reqs[0], reqs[1]
	assert.Equal(t, "openai:gpt-4o", first.Model, "provider taken from the default model")
	require.NotNil(t, first.Temperature)
	assert.InDelta(t, 0.2, *first.Temperature, 1e-9)
	assert.Equal(t, 64, first.MaxTokens)
	require.Len(t, first.Messages, 2)
	assert.Equal(t, llm.RoleSystem, first.Messages[0].Role)

	var roles []llm.Role
	for _, m := range second.Messages {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleUser}, roles)
	assert.Equal(t, "reply to hello", second.Messages[2].Text())
	assert.Equal(t, "reply to and again", g.Node("second").Content())
}

func TestCallNode_NoMessagesRejects(t *testing.T) {
	t.Parallel()
	g := new(diagram).node("call", KindCall, "   ").build(t)
	res := runGraph(t, g, RunContext{Mock: true})
	assert.Contains(t, res.Messages["call"], "no messages to send")
}

func TestChoiceNode_RejectsUnselectedBranches(t *testing.T) {
	t.Parallel()
	client := &fakeClient{reply: func(req llm.GenerateRequest) llm.GenerateResponse {
		return toolReply(req.ToolChoice, `{"choice":"B"}`)
	}}
	g := new(diagram).
		node("q", KindChoice, "Pick one").
		node("ta", KindContent, "").
		node("tb", KindContent, "").
		node("tc", KindContent, "").
		edge("a", KindChoiceEdge, "A", "q", "ta").
		edge("b", KindChoiceEdge, "B", "q", "tb").
		edge("c", KindChoiceEdge, "C", "q", "tc").
		build(t)

	res := runGraph(t, g, RunContext{Clients: client.factory, Settings: Settings{DefaultModel: "test:m"}})
	assert.Equal(t, Rejected, res.Statuses["a"])
	assert.Equal(t, Rejected, res.Statuses["c"])
	assert.Equal(t, Complete, res.Statuses["b"])
	assert.Equal(t, "B", g.Node("tb").Content())
	assert.Equal(t, Rejected, res.Statuses["ta"])
	assert.Equal(t, Rejected, res.Statuses["tc"])
	assert.Empty(t, res.Unreached)
	assert.NoError(t, res.Err(g))

	reqs := client.requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Tools, 1)
	enum := gjson.GetBytes(reqs[0].Tools[0].InputSchema, "properties.choice.enum").Array()
	require.Len(t, enum, 3)
	assert.Equal(t, "A", enum[0].String())
}

func TestChoiceNode_BranchesJoinThroughOrSet(t *testing.T) {
	t.Parallel()
	g := new(diagram).
		node("q", KindChoice, "Pick one").
		node("left", KindFormatter, `""left""`).
		node("right", KindFormatter, `""right""`).
		node("join", KindContent, "{{result}}").
		edge("l", KindChoiceEdge, "left", "q", "left").
		edge("r", KindChoiceEdge, "right", "q", "right").
		edge("lj", KindVariableEdge, "result", "left", "join").
		edge("rj", KindVariableEdge, "result", "right", "join").
		build(t)

	res := runGraph(t, g, RunContext{Mock: true})
	assert.Equal(t, Rejected, res.Statuses["right"])
	assert.Equal(t, Complete, res.Statuses["join"])
	assert.Equal(t, "left", g.Node("join").Content())
}

func TestFormNode_FieldsGetTheirOwnValue(t *testing.T) {
	t.Parallel()
	client := &fakeClient{reply: func(req llm.GenerateRequest) llm.GenerateResponse {
		return toolReply(toolForm, `{"title":"Hello","body":"World"}`)
	}}
	g := new(diagram).
		node("form", KindForm, "Draft a post").
		node("t", KindContent, "").
		node("b", KindContent, "").
		edge("ft", KindFieldEdge, "title", "form", "t").
		edge("fb", KindFieldEdge, "body", "form", "b").
		build(t)

	res := runGraph(t, g, RunContext{Clients: client.factory, Settings: Settings{DefaultModel: "test:m"}})
	require.NoError(t, res.Err(g))
	assert.Equal(t, "Hello", g.Node("t").Content())
	assert.Equal(t, "World", g.Node("b").Content())

	req := client.requests()[0]
	assert.Equal(t, toolForm, req.ToolChoice)
	assert.Equal(t, []string{"title", "body"}, stringsOf(gjson.GetBytes(req.Tools[0].InputSchema, "required")))
}

func stringsOf(r gjson.Result) []string {
	var out []string
	for _, v := range r.Array() {
		out = append(out, v.String())
	}
	return out
}

func TestCallNode_StreamsToChatResponseEdges(t *testing.T) {
	t.Parallel()
	client := &fakeClient{chunks: []string{"Hel", "lo"}}
	g := new(diagram).
		node("call", KindCall, "greet").
		node("live", KindContent, "").
		edge("s", KindChatResponseEdge, "", "call", "live").
		build(t)

	rec := &recorder{}
	res := runGraph(t, g, RunContext{Clients: client.factory, Settings: Settings{DefaultModel: "test:m"}}, rec)
	require.NoError(t, res.Err(g))
	assert.Equal(t, "Hello", g.Node("live").Content())
	assert.Equal(t, []string{"Hel", "lo"}, rec.chunks)
	assert.Equal(t, "Hello", g.Node("call").Content())
}

func TestCallNode_NoteSelectWrapsResult(t *testing.T) {
	t.Parallel()
	client := &fakeClient{reply: func(req llm.GenerateRequest) llm.GenerateResponse {
		return toolReply(toolNoteSelect, `{"note":"Recipes"}`)
	}}
	g := new(diagram).
		node("cfg", KindContent, "Recipes, Travel").
		node("call", KindCall, "Which note?").
		edge("c", KindConfigEdge, "note_select", "cfg", "call").
		build(t)

	res := runGraph(t, g, RunContext{Clients: client.factory, Settings: Settings{DefaultModel: "test:m"}})
	require.NoError(t, res.Err(g))
	assert.Equal(t, "[[Recipes]]", g.Node("call").Content())
}

func TestItemEdges_DistributePositionally(t *testing.T) {
	t.Parallel()
	d := new(diagram).node("list", KindContent, `["a","b","c"]`)
	for _, id := range []string{"1", "2", "3", "4"} {
		d.node("t"+id, KindContent, "").edge("i"+id, KindItemEdge, "", "list", "t"+id)
	}
	g := d.build(t)

	res := runGraph(t, g, RunContext{})
	assert.Equal(t, "a", g.Node("t1").Content())
	assert.Equal(t, "b", g.Node("t2").Content())
	assert.Equal(t, "c", g.Node("t3").Content())
	assert.Equal(t, Rejected, res.Statuses["i4"])
	assert.Contains(t, res.Messages["i4"], "no list element")
	assert.Equal(t, Rejected, res.Statuses["t4"])
}

func TestLoggingEdge_TranscriptSpansLoop(t *testing.T) {
	t.Parallel()
	g := new(diagram).
		group("loop", KindRepeatGroup, 2).
		node("call", KindCall, "hello", "loop").
		node("log", KindContent, "").
		edge("l", KindLoggingEdge, "", "call", "log").
		build(t)

	rec := &recorder{}
	res := runGraph(t, g, RunContext{Mock: true}, rec)
	require.NoError(t, res.Err(g))

	text := g.Node("log").Content()
	assert.Equal(t, 3, strings.Count(text, "**user**: hello"))
	assert.Contains(t, text, "### Loop 1 of 3")
	assert.Contains(t, text, "### Loop 3 of 3")
	assert.Less(t, strings.Index(text, "Loop 1 of 3"), strings.Index(text, "Loop 2 of 3"))
	assert.Equal(t, 1, rec.count("log", Complete), "log waits for the loop to finish")
}

func TestForEachGroup_ExposesOneItemPerPass(t *testing.T) {
	t.Parallel()
	g := new(diagram).
		node("src", KindContent, "- x\n- y\n- z").
		group("each", KindForEachGroup, 2).
		node("m", KindContent, "got {{item}}", "each").
		node("out", KindContent, "").
		edge("in", KindVariableEdge, "item", "src", "each").
		edge("l", KindLoggingEdge, "", "m", "out").
		build(t)

	res := runGraph(t, g, RunContext{})
	require.NoError(t, res.Err(g))
	text := g.Node("out").Content()
	ix, iy, iz := strings.Index(text, "got x"), strings.Index(text, "got y"), strings.Index(text, "got z")
	require.True(t, ix >= 0 && iy > ix && iz > iy, text)
	assert.Contains(t, text, "#### Version 2")
}

func TestContentNode_FiresEarlyOnLogging(t *testing.T) {
	t.Parallel()
	// "view" also waits on an edge out of a cycle that never runs; the
	// logging edge alone makes it run.
	g := new(diagram).
		node("a", KindContent, "status: ok").
		node("c1", KindContent, "one").
		node("c2", KindContent, "two").
		node("view", KindContent, "").
		edge("l", KindLoggingEdge, "", "a", "view").
		edge("x1", KindBasicEdge, "", "c1", "c2").
		edge("x2", KindBasicEdge, "", "c2", "c1").
		edge("n", KindBasicEdge, "", "c1", "view").
		build(t)

	res := runGraph(t, g, RunContext{})
	assert.Equal(t, Complete, res.Statuses["view"])
	assert.ElementsMatch(t, []string{"c1", "c2", "x1", "x2", "n"}, res.Unreached)
	assert.Equal(t, "status: ok", g.Node("view").Content())
}

func TestContentNode_PlainTextShowsVariable(t *testing.T) {
	t.Parallel()
	g := new(diagram).
		node("src", KindFormatter, `""val""`).
		node("plain", KindContent, "hello").
		node("templ", KindContent, "say {{x}}").
		node("other", KindContent, "own text").
		edge("x", KindVariableEdge, "x", "src", "plain").
		edge("y", KindVariableEdge, "x", "src", "templ").
		edge("b", KindBasicEdge, "", "src", "other").
		build(t)

	res := runGraph(t, g, RunContext{})
	require.NoError(t, res.Err(g))
	assert.Equal(t, "val", g.Node("plain").Content())
	assert.Equal(t, "say val", g.Node("templ").Content())
	assert.Equal(t, "own text", g.Node("other").Content(), "only variable edges replace plain text")
}

func TestReferenceNode_ReadsAndWritesNotes(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.notes["Inbox"] = "old"
	store.notes["Source"] = "from source"
	g := new(diagram).
		node("body", KindContent, "new body").
		node("inbox", KindReference, "{{[[Inbox]]}}").
		node("src", KindReference, "{{[[Source]]}}").
		node("copy", KindContent, "copied: {{s}}").
		node("title", KindContent, "Fresh Note").
		node("text", KindContent, "contents").
		node("fresh", KindReference, "{{+[[name]]}}").
		node("float", KindFloating, "[Scratch]\n").
		node("toFloat", KindReference, "{{[Scratch]}}").
		edge("w", KindWriteEdge, "", "body", "inbox").
		edge("s", KindVariableEdge, "s", "src", "copy").
		edge("n", KindVariableEdge, "name", "title", "fresh").
		edge("t", KindWriteEdge, "", "text", "fresh").
		edge("f", KindWriteEdge, "", "copy", "toFloat").
		build(t)

	res := runGraph(t, g, RunContext{Store: store})
	require.NoError(t, res.Err(g))
	assert.Equal(t, "new body", store.note("Inbox"))
	assert.Equal(t, "copied: from source", g.Node("copy").Content())
	assert.Equal(t, "contents", store.note("Fresh Note"))
	assert.Equal(t, []string{"Fresh Note"}, store.created)
	f, _ := g.Floating("Scratch")
	assert.Equal(t, "copied: from source", f.Content())
}

func TestReferenceNode_WithoutStoreRejects(t *testing.T) {
	t.Parallel()
	g := new(diagram).node("r", KindReference, "{{[[Missing]]}}").build(t)
	res := runGraph(t, g, RunContext{})
	assert.Contains(t, res.Messages["r"], "no content store")
}

type fakeDoer struct {
	mu   sync.Mutex
	reqs []HTTPRequest
	body string
}

func (d *fakeDoer) Do(_ context.Context, req HTTPRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return d.body, nil
}

type fakeReceiver struct{ resp string }

func (r *fakeReceiver) CreateHook(context.Context) (string, error) { return "h1", nil }

func (r *fakeReceiver) GetHookResponse(_ context.Context, id string, keepGoing func() bool) (string, error) {
	if !keepGoing() {
		return "", context.Canceled
	}
	return r.resp + " for " + id, nil
}

func TestHTTPNode_TemplateFromFloatingNode(t *testing.T) {
	t.Parallel()
	doer := &fakeDoer{body: `{"ok":true}`}
	g := new(diagram).
		node("tpl", KindFloating, "[Search]\n"+`{"url":"https://api.test/search","method":"POST","body":{"q":"","n":3},"vars":{"query":"q"}}`).
		node("q", KindContent, "golang").
		node("h", KindHTTP, "Search").
		edge("e", KindVariableEdge, "query", "q", "h").
		build(t)

	res := runGraph(t, g, RunContext{HTTP: doer})
	require.NoError(t, res.Err(g))
	require.Len(t, doer.reqs, 1)
	req := doer.reqs[0]
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "https://api.test/search", req.URL)
	assert.JSONEq(t, `{"q":"golang","n":3}`, req.Body)
	assert.Equal(t, `{"ok":true}`, g.Node("h").Content())
}

func TestHTTPNode_ConfiguredTemplateAndURL(t *testing.T) {
	t.Parallel()
	doer := &fakeDoer{body: "pong"}
	g := new(diagram).
		node("h1", KindHTTP, `{"template":"notify","vars":{"msg":"hi"}}`).
		node("h2", KindHTTP, "https://example.test/ping").
		build(t)

	rc := RunContext{HTTP: doer, Templates: map[string]HTTPTemplate{
		"notify": {HTTPRequest: HTTPRequest{URL: "https://hooks.test/n", Body: `{"text":""}`}, Vars: map[string]string{"msg": "text"}},
	}}
	res := runGraph(t, g, rc)
	require.NoError(t, res.Err(g))
	require.Len(t, doer.reqs, 2)
	byURL := map[string]HTTPRequest{}
	for _, r := range doer.reqs {
		byURL[r.URL] = r
	}
	assert.JSONEq(t, `{"text":"hi"}`, byURL["https://hooks.test/n"].Body)
	assert.Equal(t, "POST", byURL["https://hooks.test/n"].Method)
	assert.Equal(t, "GET", byURL["https://example.test/ping"].Method)
}

func TestHTTPNode_HookWaitsForReceiver(t *testing.T) {
	t.Parallel()
	doer := &fakeDoer{}
	g := new(diagram).
		node("h", KindHTTP, `{"url":"https://svc.test/start?cb={{hook_id}}","method":"post","hook":true}`).
		build(t)

	res := runGraph(t, g, RunContext{HTTP: doer, Receiver: &fakeReceiver{resp: "done"}})
	require.NoError(t, res.Err(g))
	require.Len(t, doer.reqs, 1)
	assert.Equal(t, "https://svc.test/start?cb=h1", doer.reqs[0].URL)
	assert.Equal(t, "done for h1", g.Node("h").Content())
}

func TestHTTPNode_MockReturnsDescriptor(t *testing.T) {
	t.Parallel()
	g := new(diagram).node("h", KindHTTP, "https://example.test/x").build(t)
	res := runGraph(t, g, RunContext{Mock: true})
	require.NoError(t, res.Err(g))
	assert.JSONEq(t, `{"method":"GET","url":"https://example.test/x"}`, g.Node("h").Content())
}

func TestHTTPNode_UnknownTemplateRejects(t *testing.T) {
	t.Parallel()
	g := new(diagram).node("h", KindHTTP, "Nope").build(t)
	res := runGraph(t, g, RunContext{HTTP: &fakeDoer{}})
	assert.Contains(t, res.Messages["h"], "neither a URL")
}
