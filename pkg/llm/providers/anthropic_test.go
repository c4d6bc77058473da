package providers

import (
	"testing"

	"github.com/ravi-parthasarathy/canvasflow/pkg/llm"
)

func TestAnthropicParams(t *testing.T) {
	t.Parallel()
	params := anthropicParams("claude-sonnet-4-6", llm.GenerateRequest{
		Messages: []llm.Message{
			llm.TextMessage(llm.RoleSystem, "be terse"),
			llm.TextMessage(llm.RoleUser, "which?"),
			llm.TextMessage(llm.RoleAssistant, ""),
		},
		Tools: []llm.ToolDefinition{{
			Name:        "choice",
			InputSchema: []byte(`{"type":"object","properties":{"choice":{"type":"string"}},"required":["choice"]}`),
		}},
		ToolChoice: "choice",
		MaxTokens:  256,
	})

	if len(params.Messages) != 1 {
		t.Errorf("messages = %d, want 1 (system folded, empty turn dropped)", len(params.Messages))
	}
	if len(params.System) != 1 || params.System[0].Text != "be terse" {
		t.Errorf("system = %+v", params.System)
	}
	if params.MaxTokens != 256 {
		t.Errorf("max tokens = %d", params.MaxTokens)
	}
	if params.ToolChoice.OfTool == nil || params.ToolChoice.OfTool.Name != "choice" {
		t.Errorf("tool choice = %+v", params.ToolChoice)
	}
	if len(params.Tools) != 1 || params.Tools[0].OfTool.InputSchema.Required[0] != "choice" {
		t.Errorf("tools = %+v", params.Tools)
	}
}

func TestAnthropicInputSchema_Invalid(t *testing.T) {
	t.Parallel()
	s := anthropicInputSchema([]byte("not json"))
	if s.Properties != nil || len(s.Required) != 0 {
		t.Errorf("schema = %+v, want empty", s)
	}
}
