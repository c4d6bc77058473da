package graph

import (
	"maps"
	"slices"
	"strings"

	"github.com/ravi-parthasarathy/canvasflow/pkg/llm"
)

// Content is what an edge carries: plain text, or a set of named values.
type Content struct {
	Text   string
	Values map[string]string
}

// TextContent wraps s.
func TextContent(s string) Content { return Content{Text: s} }

// String renders values as sorted "key: value" lines.
func (c Content) String() string {
	if c.Values == nil {
		return c.Text
	}
	lines := make([]string, 0, len(c.Values))
	for _, k := range slices.Sorted(maps.Keys(c.Values)) {
		lines = append(lines, k+": "+c.Values[k])
	}
	return strings.Join(lines, "\n")
}

// Request records the model call that produced a payload.
type Request struct {
	Messages     []llm.Message // history including the reply
	Config       map[string]string
	FunctionArgs string // raw JSON of a function-call reply
}

// Payload is what a node hands its outgoing edges.
type Payload struct {
	Content Content
	Request *Request

	streamed bool // chat-response edges already hold the text
}
