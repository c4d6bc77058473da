package llm

import (
	"fmt"
	"strings"
)

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole maps a transcript role name onto a Role. Unknown names map to
// RoleUser so hand-written histories never lose a turn.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "assistant", "ai", "model":
		return RoleAssistant
	case "system":
		return RoleSystem
	default:
		return RoleUser
	}
}

// ContentType identifies what kind of content a block holds.
type ContentType string

const (
	ContentTypeText    ContentType = "text"
	ContentTypeToolUse ContentType = "tool_use"
)

// ContentBlock is one element in a message's content array.
type ContentBlock struct {
	Type    ContentType `json:"type"`
	Text    string      `json:"text,omitempty"`
	ToolUse *ToolUse    `json:"tool_use,omitempty"`
}

// ToolUse is a function call requested by the model.
type ToolUse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input []byte `json:"input"` // raw JSON arguments
}

// Message is one turn in a conversation.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextMessage is a convenience constructor for a plain-text message.
func TextMessage(role Role, text string) Message {
	return Message{
		Role:    role,
		Content: []ContentBlock{{Type: ContentTypeText, Text: text}},
	}
}

// Text concatenates the text blocks of m.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == ContentTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns every function call carried by m.
func (m Message) ToolUses() []*ToolUse {
	var out []*ToolUse
	for _, b := range m.Content {
		if b.Type == ContentTypeToolUse && b.ToolUse != nil {
			out = append(out, b.ToolUse)
		}
	}
	return out
}

// ToolDefinition describes a function the model may call.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema []byte `json:"input_schema"` // JSON Schema object bytes
}

// GenerateRequest is the unified input to the LLM client.
type GenerateRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"` // force a call to this tool
	System      string           `json:"system,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

// SystemPrompt joins System with any system-role messages in the history.
// Providers that take the system prompt out of band use this and skip
// system-role messages when converting the history.
func (r GenerateRequest) SystemPrompt() string {
	var parts []string
	if s := strings.TrimSpace(r.System); s != "" {
		parts = append(parts, s)
	}
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			if s := strings.TrimSpace(m.Text()); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// StopReason explains why generation stopped.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonMaxTokens StopReason = "max_tokens"
)

// Usage reports token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// GenerateResponse is the unified output from the LLM client.
type GenerateResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Text concatenates the text blocks of the response.
func (r GenerateResponse) Text() string {
	return Message{Content: r.Content}.Text()
}

// ToolCall returns the first call of the named tool, or nil.
func (r GenerateResponse) ToolCall(name string) *ToolUse {
	for _, tu := range (Message{Content: r.Content}).ToolUses() {
		if tu.Name == name {
			return tu
		}
	}
	return nil
}

// Message converts the response into an assistant turn for history.
func (r GenerateResponse) Message() Message {
	return Message{Role: RoleAssistant, Content: r.Content}
}

// StreamEventType identifies a streaming event.
type StreamEventType string

const (
	StreamEventDelta    StreamEventType = "delta"
	StreamEventComplete StreamEventType = "complete"
	StreamEventError    StreamEventType = "error"
)

// StreamEvent is one chunk emitted during streaming generation.
type StreamEvent struct {
	Type     StreamEventType   `json:"type"`
	Text     string            `json:"text,omitempty"`
	Response *GenerateResponse `json:"response,omitempty"`
	Err      error             `json:"-"`
}

// ParseModelID splits "provider:model-name" into (provider, modelName, nil).
// Both parts must be non-empty and the colon separator is required.
func ParseModelID(id string) (provider, modelName string, err error) {
	p, m, ok := strings.Cut(id, ":")
	if !ok {
		return "", "", fmt.Errorf("model ID %q: missing 'provider:model-name' format", id)
	}
	if p == "" {
		return "", "", fmt.Errorf("model ID %q: empty provider name", id)
	}
	if m == "" {
		return "", "", fmt.Errorf("model ID %q: empty model name", id)
	}
	return p, m, nil
}
