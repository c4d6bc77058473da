package graph

import (
	"context"

	"github.com/ravi-parthasarathy/canvasflow/pkg/llm"
)

// ContentStore reads and writes the notes that reference nodes address.
type ContentStore interface {
	// GetNote returns the note body; ok is false when the note does not exist.
	GetNote(ctx context.Context, name string) (body string, ok bool, err error)
	EditNote(ctx context.Context, name, body string) error
	GetProperty(ctx context.Context, note, key string) (value string, ok bool, err error)
	EditProperty(ctx context.Context, note, key, value string) error
	CreateNoteAtPath(ctx context.Context, path, body string) error
	// ReplaceEmbeddedQueries expands embeds such as ![[Note]] in text.
	ReplaceEmbeddedQueries(ctx context.Context, text string) (string, error)
}

// HTTPRequest describes one outgoing request.
type HTTPRequest struct {
	Method  string            `json:"method,omitempty" yaml:"method"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`
	Body    string            `json:"body,omitempty" yaml:"body"`
	// Hook asks the node to register a webhook and wait for its response.
	Hook bool `json:"hook,omitempty" yaml:"hook"`
}

// HTTPTemplate is a named request whose body receives variables at
// path-addressed locations. Vars maps a variable name to a JSON path in Body.
type HTTPTemplate struct {
	Name        string `json:"name,omitempty" yaml:"name"`
	HTTPRequest `yaml:",inline"`
	Vars        map[string]string `json:"vars,omitempty" yaml:"vars"`
}

// HTTPDoer executes a request and returns the response body.
type HTTPDoer interface {
	Do(ctx context.Context, req HTTPRequest) (string, error)
}

// Receiver registers webhooks and waits for what is posted to them.
type Receiver interface {
	CreateHook(ctx context.Context) (string, error)
	// GetHookResponse polls until a response arrives, keepGoing returns
	// false, or ctx is done.
	GetHookResponse(ctx context.Context, id string, keepGoing func() bool) (string, error)
}

// ClientFactory returns a model client for a "provider:model" id.
type ClientFactory func(modelID string) (llm.Client, error)

// Settings are the run-wide defaults a call node starts from.
type Settings struct {
	DefaultModel string
	// Defaults are merged under every call node's config.
	Defaults map[string]string
}

// RunContext is the read-only state a run hands its nodes.
type RunContext struct {
	Settings    Settings
	Mock        bool
	CurrentNote string
	Selection   string

	Store     ContentStore
	Clients   ClientFactory
	HTTP      HTTPDoer
	Receiver  Receiver
	Templates map[string]HTTPTemplate
}
