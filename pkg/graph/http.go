package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ravi-parthasarathy/canvasflow/pkg/refs"
)

const hookIDVar = "hook_id"

// httpNode sends a request described by its resolved text: a URL, a JSON
// request object, or the name of a request template.
type httpNode struct{ contentNode }

func (n *httpNode) run(ctx context.Context, r *Run) (Payload, error) {
	text, err := refs.Replace(n.text, func(ref refs.Ref) (string, error) {
		if ref.Kind == refs.Variable && ref.Name == hookIDVar {
			return ref.Raw, nil
		}
		return n.resolve(ctx, r, ref)
	})
	if err != nil {
		return Payload{}, fmt.Errorf("http node %q: %w", n.id, err)
	}
	req, err := n.parseRequest(r, text)
	if err != nil {
		return Payload{}, fmt.Errorf("http node %q: %w", n.id, err)
	}

	if r.rc.Mock {
		b, err := json.Marshal(req)
		if err != nil {
			return Payload{}, fmt.Errorf("http node %q: %w", n.id, err)
		}
		return Payload{Content: TextContent(string(b))}, nil
	}
	if r.rc.HTTP == nil {
		return Payload{}, fmt.Errorf("http node %q: no HTTP client configured", n.id)
	}
	if !req.Hook {
		body, err := r.rc.HTTP.Do(ctx, req)
		if err != nil {
			return Payload{}, fmt.Errorf("http node %q: %w", n.id, err)
		}
		return Payload{Content: TextContent(body)}, nil
	}

	body, err := n.hook(ctx, r, req)
	if err != nil {
		return Payload{}, fmt.Errorf("http node %q: %w", n.id, err)
	}
	return Payload{Content: TextContent(body)}, nil
}

// hook registers a webhook, sends the request with the hook id filled in,
// and waits for the receiver to see a response or the run to stop.
func (n *httpNode) hook(ctx context.Context, r *Run, req HTTPRequest) (string, error) {
	if r.rc.Receiver == nil {
		return "", errors.New("no webhook receiver configured")
	}
	id, err := r.rc.Receiver.CreateHook(ctx)
	if err != nil {
		return "", fmt.Errorf("create hook: %w", err)
	}
	slog.Debug("webhook registered", "node", n.id, "hook", id)
	fill := func(s string) string { return strings.ReplaceAll(s, "{{"+hookIDVar+"}}", id) }
	req.URL, req.Body = fill(req.URL), fill(req.Body)
	for k, v := range req.Headers {
		req.Headers[k] = fill(v)
	}
	if _, err := r.rc.HTTP.Do(ctx, req); err != nil {
		return "", err
	}
	resp, err := r.rc.Receiver.GetHookResponse(ctx, id, func() bool { return !r.Stopped() })
	if err != nil {
		return "", fmt.Errorf("hook %s: %w", id, err)
	}
	return resp, nil
}

// parseRequest reads text as a URL, a JSON request or template call, or a
// template name.
func (n *httpNode) parseRequest(r *Run, text string) (HTTPRequest, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return HTTPRequest{}, errors.New("empty request")
	}
	if gjson.Valid(t) && gjson.Parse(t).IsObject() {
		obj := gjson.Parse(t)
		if name := obj.Get("template"); name.Exists() {
			return n.fromTemplate(r, name.String(), obj.Get("vars"))
		}
		req := requestFromJSON(obj)
		if req.URL == "" {
			return HTTPRequest{}, errors.New("request has no url")
		}
		if req.Method == "" {
			req.Method = http.MethodGet
		}
		return req, nil
	}
	if strings.HasPrefix(t, "http://") || strings.HasPrefix(t, "https://") {
		return HTTPRequest{Method: http.MethodGet, URL: strings.Fields(t)[0]}, nil
	}
	first, _, _ := strings.Cut(t, "\n")
	return n.fromTemplate(r, strings.Trim(strings.TrimSpace(first), "[]"), gjson.Result{})
}

func requestFromJSON(obj gjson.Result) HTTPRequest {
	req := HTTPRequest{
		Method: strings.ToUpper(obj.Get("method").String()),
		URL:    obj.Get("url").String(),
		Hook:   obj.Get("hook").Bool(),
	}
	if h := obj.Get("headers"); h.IsObject() {
		req.Headers = map[string]string{}
		h.ForEach(func(k, v gjson.Result) bool {
			req.Headers[k.String()] = v.String()
			return true
		})
	}
	if b := obj.Get("body"); b.Exists() {
		req.Body = resultString(b)
	}
	return req
}

// fromTemplate looks name up among the floating nodes first, then the
// configured templates, and sets every template variable into the body at
// its path. Values come from explicit, then from the node's variables.
func (n *httpNode) fromTemplate(r *Run, name string, explicit gjson.Result) (HTTPRequest, error) {
	tpl, ok, err := n.template(r, name)
	if err != nil {
		return HTTPRequest{}, err
	}
	if !ok {
		return HTTPRequest{}, fmt.Errorf("%q is neither a URL, a JSON request, nor a known template", name)
	}
	req := tpl.HTTPRequest
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	req.Headers = maps.Clone(tpl.Headers)
	body := req.Body
	if strings.TrimSpace(body) == "" {
		body = "{}"
	}
	for v, path := range tpl.Vars {
		val := explicit.Get(escapePath(v))
		var s string
		switch {
		case val.Exists():
			s = val.String()
		default:
			got, ok := n.variable(v)
			if !ok {
				return HTTPRequest{}, fmt.Errorf("template %q: variable %q not found", name, v)
			}
			s = got
		}
		if body, err = sjson.Set(body, path, s); err != nil {
			return HTTPRequest{}, fmt.Errorf("template %q: set %q at %q: %w", name, v, path, err)
		}
	}
	req.Body = body
	return req, nil
}

func (n *httpNode) template(r *Run, name string) (HTTPTemplate, bool, error) {
	if f, ok := n.g.Floating(name); ok {
		body := strings.TrimSpace(f.Content())
		if !gjson.Valid(body) || !gjson.Parse(body).IsObject() {
			return HTTPTemplate{}, false, fmt.Errorf("template %q is not a JSON object", name)
		}
		obj := gjson.Parse(body)
		tpl := HTTPTemplate{Name: name, HTTPRequest: requestFromJSON(obj), Vars: map[string]string{}}
		obj.Get("vars").ForEach(func(k, v gjson.Result) bool {
			tpl.Vars[k.String()] = v.String()
			return true
		})
		return tpl, true, nil
	}
	tpl, ok := r.rc.Templates[name]
	return tpl, ok, nil
}
