package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ravi-parthasarathy/canvasflow/pkg/llm"
)

// Config keys a call node understands. Everything else is passed through
// to the logging transcript untouched.
const (
	cfgProvider    = "provider"
	cfgModel       = "model"
	cfgTemperature = "temperature"
	cfgMaxTokens   = "max_tokens"
	cfgSystem      = "system"
	cfgNoteSelect  = "note_select"

	toolChoice     = "choice"
	toolForm       = "form"
	toolNoteSelect = "note_select"
)

// callNode asks a model for a reply. Form and choice nodes are call nodes
// that force a structured reply through a tool.
type callNode struct{ node }

func (n *callNode) run(ctx context.Context, r *Run) (Payload, error) {
	cfg := n.config(r)
	req, err := n.request(ctx, r, cfg)
	if err != nil {
		return Payload{}, fmt.Errorf("call node %q: %w", n.id, err)
	}

	var resp llm.GenerateResponse
	var streamed bool
	if r.rc.Mock {
		resp = n.mock(req)
	} else {
		resp, streamed, err = n.generate(ctx, r, req)
		if err != nil {
			return Payload{}, fmt.Errorf("call node %q: %w", n.id, err)
		}
	}

	out, args, err := n.reply(resp, cfg)
	if err != nil {
		return Payload{}, fmt.Errorf("call node %q: %w", n.id, err)
	}
	history := append(slices.Clone(req.Messages), resp.Message())
	if len(resp.Content) == 0 {
		history[len(history)-1] = llm.TextMessage(llm.RoleAssistant, out.String())
	}
	return Payload{
		Content:  out,
		Request:  &Request{Messages: history, Config: cfg, FunctionArgs: args},
		streamed: streamed,
	}, nil
}

// config merges the run defaults, then the config edges of every enclosing
// group from the outermost in, then the node's own config edges.
func (n *callNode) config(r *Run) map[string]string {
	cfg := map[string]string{}
	maps.Copy(cfg, r.rc.Settings.Defaults)
	for _, gid := range slices.Backward(n.groups) {
		if gr := n.g.Group(gid); gr != nil {
			mergeConfig(cfg, gr.vertexBase().incomingEdges())
		}
	}
	mergeConfig(cfg, n.incomingEdges())
	return cfg
}

func mergeConfig(dst map[string]string, edges []Edge) {
	for _, e := range edges {
		if e.Kind() != KindConfigEdge || e.Status() == Rejected {
			continue
		}
		c, ok := e.Content()
		if !ok {
			continue
		}
		maps.Copy(dst, configValues(e.Name(), c))
	}
}

// configValues reads a config edge: a named edge sets one key, otherwise
// the content is a value map, a JSON object, or "key: value" lines.
func configValues(name string, c Content) map[string]string {
	if name != "" {
		return map[string]string{name: strings.TrimSpace(c.String())}
	}
	if c.Values != nil {
		return c.Values
	}
	out := map[string]string{}
	text := strings.TrimSpace(c.Text)
	if gjson.Valid(text) && gjson.Parse(text).IsObject() {
		gjson.Parse(text).ForEach(func(k, v gjson.Result) bool {
			out[k.String()] = v.String()
			return true
		})
		return out
	}
	for _, line := range strings.Split(text, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if k = strings.TrimSpace(k); ok && k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

// history collects the messages of incoming history edges. Direct edges
// win; the enclosing groups' edges are used only when no direct edge
// carries any, innermost group first.
func (n *callNode) history() []llm.Message {
	if msgs := edgeMessages(n.incomingEdges()); len(msgs) > 0 {
		return msgs
	}
	for _, gid := range n.groups {
		if gr := n.g.Group(gid); gr != nil {
			if msgs := edgeMessages(gr.vertexBase().incomingEdges()); len(msgs) > 0 {
				return msgs
			}
		}
	}
	return nil
}

func edgeMessages(edges []Edge) []llm.Message {
	var out []llm.Message
	for _, e := range edges {
		if !e.AddMessages() || e.Status() == Rejected {
			continue
		}
		out = append(out, e.Messages()...)
	}
	return out
}

func (n *callNode) request(ctx context.Context, r *Run, cfg map[string]string) (llm.GenerateRequest, error) {
	msgs := n.history()
	text, err := n.substitute(ctx, r, n.text)
	if err != nil {
		return llm.GenerateRequest{}, err
	}
	if text = strings.TrimSpace(text); text != "" {
		msgs = append(msgs, llm.TextMessage(llm.RoleUser, text))
	}
	if len(msgs) == 0 {
		return llm.GenerateRequest{}, errors.New("no messages to send")
	}

	req := llm.GenerateRequest{
		Model:    n.model(r, cfg),
		Messages: msgs,
		System:   cfg[cfgSystem],
	}
	if s := cfg[cfgTemperature]; s != "" {
		t, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return req, fmt.Errorf("temperature %q: %w", s, err)
		}
		req.Temperature = &t
	}
	if s := cfg[cfgMaxTokens]; s != "" {
		mt, err := strconv.Atoi(s)
		if err != nil {
			return req, fmt.Errorf("max_tokens %q: %w", s, err)
		}
		req.MaxTokens = mt
	}

	switch n.kind {
	case KindChoice:
		choices := n.choices()
		if len(choices) == 0 {
			return req, errors.New("no choice edges")
		}
		schema, err := enumSchema(toolChoice, choices)
		if err != nil {
			return req, err
		}
		req.Tools = []llm.ToolDefinition{{Name: toolChoice, Description: "Pick exactly one option.", InputSchema: schema}}
		req.ToolChoice = toolChoice
	case KindForm:
		fields := n.fields()
		if len(fields) == 0 {
			return req, errors.New("no field edges")
		}
		schema, err := objectSchema(fields)
		if err != nil {
			return req, err
		}
		req.Tools = []llm.ToolDefinition{{Name: toolForm, Description: "Fill in every field.", InputSchema: schema}}
		req.ToolChoice = toolForm
	default:
		if notes := splitComma(cfg[cfgNoteSelect]); len(notes) > 0 {
			schema, err := enumSchema("note", notes)
			if err != nil {
				return req, err
			}
			req.Tools = []llm.ToolDefinition{{Name: toolNoteSelect, Description: "Select the most relevant note.", InputSchema: schema}}
		}
	}
	return req, nil
}

// model resolves the model id. A model without a provider prefix takes the
// configured provider; with neither, the run default applies.
func (n *callNode) model(r *Run, cfg map[string]string) string {
	m := cfg[cfgModel]
	switch {
	case m == "":
		return r.rc.Settings.DefaultModel
	case strings.Contains(m, ":"):
		return m
	case cfg[cfgProvider] != "":
		return cfg[cfgProvider] + ":" + m
	}
	if p, _, err := llm.ParseModelID(r.rc.Settings.DefaultModel); err == nil {
		return p + ":" + m
	}
	return m
}

// generate streams when any outgoing edge wants the reply as it arrives,
// and reports whether it did.
func (n *callNode) generate(ctx context.Context, r *Run, req llm.GenerateRequest) (llm.GenerateResponse, bool, error) {
	c, err := r.client(req.Model)
	if err != nil {
		return llm.GenerateResponse{}, false, err
	}
	streams := n.outgoingOf(KindChatResponseEdge)
	if len(streams) == 0 || len(req.Tools) > 0 {
		resp, err := c.Complete(ctx, req)
		return resp, false, err
	}
	ch, err := c.Stream(ctx, req)
	if err != nil {
		return llm.GenerateResponse{}, false, err
	}
	resp, err := llm.CollectStream(ch, func(chunk string) {
		for _, e := range streams {
			e.Load(Payload{Content: TextContent(chunk)})
		}
		r.output(n.id, chunk)
	})
	return resp, true, err
}

// reply extracts the node's result from the response. Choice nodes reject
// every choice edge that was not picked before returning.
func (n *callNode) reply(resp llm.GenerateResponse, cfg map[string]string) (Content, string, error) {
	switch n.kind {
	case KindChoice:
		tu := resp.ToolCall(toolChoice)
		pick := strings.TrimSpace(resp.Text())
		if tu != nil {
			pick = gjson.GetBytes(tu.Input, toolChoice).String()
		}
		if pick == "" {
			return Content{}, "", errors.New("model made no choice")
		}
		if err := n.choose(pick); err != nil {
			return Content{}, "", err
		}
		return TextContent(pick), toolArgs(tu), nil
	case KindForm:
		tu := resp.ToolCall(toolForm)
		if tu == nil {
			return Content{}, "", errors.New("model did not fill in the form")
		}
		values := map[string]string{}
		for _, f := range n.fields() {
			values[f] = gjson.GetBytes(tu.Input, escapePath(f)).String()
		}
		return Content{Values: values}, toolArgs(tu), nil
	}
	if tu := resp.ToolCall(toolNoteSelect); tu != nil && cfg[cfgNoteSelect] != "" {
		note := gjson.GetBytes(tu.Input, "note").String()
		return TextContent("[[" + note + "]]"), toolArgs(tu), nil
	}
	return TextContent(resp.Text()), "", nil
}

// choose rejects the choice edges whose label differs from pick. Labels
// compare without regard to case or surrounding space.
func (n *callNode) choose(pick string) error {
	var matched bool
	for _, e := range n.outgoingEdges() {
		if e.Kind() == KindChoiceEdge && strings.EqualFold(strings.TrimSpace(e.Name()), pick) {
			matched = true
		}
	}
	if !matched {
		return fmt.Errorf("choice %q matches no option", pick)
	}
	for _, e := range n.outgoingEdges() {
		if e.Kind() == KindChoiceEdge && !strings.EqualFold(strings.TrimSpace(e.Name()), pick) {
			slog.Debug("choice not taken", "node", n.id, "edge", e.ID(), "option", e.Name())
			e.edgeBase().reject(fmt.Sprintf("choice %q not selected", e.Name()))
		}
	}
	return nil
}

// choices lists the distinct choice labels in edge order.
func (n *callNode) choices() []string {
	return n.labels(KindChoiceEdge)
}

func (n *callNode) fields() []string {
	return n.labels(KindFieldEdge)
}

func (n *callNode) labels(kind Kind) []string {
	var out []string
	for _, e := range n.outgoingEdges() {
		if e.Kind() == kind && e.Name() != "" && !slices.Contains(out, e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out
}

// mock produces a deterministic reply without calling a model.
func (n *callNode) mock(req llm.GenerateRequest) llm.GenerateResponse {
	var input []byte
	switch n.kind {
	case KindChoice:
		input, _ = sjson.SetBytes([]byte(`{}`), toolChoice, n.choices()[0])
	case KindForm:
		input = []byte(`{}`)
		for _, f := range n.fields() {
			input, _ = sjson.SetBytes(input, escapePath(f), "mock "+f)
		}
	default:
		last := req.Messages[len(req.Messages)-1].Text()
		return llm.GenerateResponse{
			Content:    []llm.ContentBlock{{Type: llm.ContentTypeText, Text: "mock response to: " + last}},
			StopReason: llm.StopReasonEndTurn,
		}
	}
	return llm.GenerateResponse{
		Content: []llm.ContentBlock{{
			Type:    llm.ContentTypeToolUse,
			ToolUse: &llm.ToolUse{ID: "mock", Name: req.ToolChoice, Input: input},
		}},
		StopReason: llm.StopReasonToolUse,
	}
}

func toolArgs(tu *llm.ToolUse) string {
	if tu == nil {
		return ""
	}
	return string(tu.Input)
}

// enumSchema is an object schema with one required string property limited
// to values.
func enumSchema(prop string, values []string) ([]byte, error) {
	schema := []byte(`{"type":"object"}`)
	var err error
	p := "properties." + escapePath(prop)
	if schema, err = sjson.SetBytes(schema, p+".type", "string"); err != nil {
		return nil, err
	}
	if schema, err = sjson.SetBytes(schema, p+".enum", values); err != nil {
		return nil, err
	}
	return sjson.SetBytes(schema, "required", []string{prop})
}

// objectSchema is an object schema with one required string property per
// field.
func objectSchema(fields []string) ([]byte, error) {
	schema := []byte(`{"type":"object"}`)
	var err error
	for _, f := range fields {
		if schema, err = sjson.SetBytes(schema, "properties."+escapePath(f)+".type", "string"); err != nil {
			return nil, err
		}
	}
	return sjson.SetBytes(schema, "required", fields)
}

// escapePath quotes the characters gjson and sjson treat as path syntax.
func escapePath(s string) string {
	r := strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)
	return r.Replace(s)
}

func splitComma(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
