package providers

import (
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"

	"github.com/ravi-parthasarathy/canvasflow/pkg/llm"
)

func TestBuildContents_RolesAndSystemStripped(t *testing.T) {
	t.Parallel()
	contents, err := buildContents([]llm.Message{
		llm.TextMessage(llm.RoleSystem, "ignored here"),
		llm.TextMessage(llm.RoleUser, "hello"),
		llm.TextMessage(llm.RoleAssistant, "hi there"),
		llm.TextMessage(llm.RoleUser, "again"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(contents) != 3 {
		t.Fatalf("want 3 contents, got %d", len(contents))
	}
	wantRoles := []string{"user", "model", "user"}
	for i, c := range contents {
		if c.Role != wantRoles[i] {
			t.Errorf("contents[%d].Role = %q, want %q", i, c.Role, wantRoles[i])
		}
	}
}

func TestBuildContents_FunctionCall(t *testing.T) {
	t.Parallel()
	contents, err := buildContents([]llm.Message{{
		Role: llm.RoleAssistant,
		Content: []llm.ContentBlock{{
			Type:    llm.ContentTypeToolUse,
			ToolUse: &llm.ToolUse{ID: "choice", Name: "choice", Input: []byte(`{"choice":"A"}`)},
		}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	fc, ok := contents[0].Parts[0].(genai.FunctionCall)
	if !ok {
		t.Fatalf("part type = %T", contents[0].Parts[0])
	}
	if fc.Name != "choice" || fc.Args["choice"] != "A" {
		t.Errorf("function call = %+v", fc)
	}
}

func TestBuildContents_BadToolInput(t *testing.T) {
	t.Parallel()
	_, err := buildContents([]llm.Message{{
		Role:    llm.RoleAssistant,
		Content: []llm.ContentBlock{{Type: llm.ContentTypeToolUse, ToolUse: &llm.ToolUse{Name: "x", Input: []byte(`{`)}}},
	}})
	if err == nil {
		t.Fatal("expected unmarshal error")
	}
}

func TestGenaiSchema_Enum(t *testing.T) {
	t.Parallel()
	s := genaiSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"choice": map[string]any{"type": "string", "enum": []any{"A", "B"}},
		},
		"required": []any{"choice"},
	})
	if s.Type != genai.TypeObject {
		t.Errorf("type = %v", s.Type)
	}
	prop := s.Properties["choice"]
	if prop == nil || prop.Type != genai.TypeString || len(prop.Enum) != 2 {
		t.Errorf("choice property = %+v", prop)
	}
	if len(s.Required) != 1 || s.Required[0] != "choice" {
		t.Errorf("required = %v", s.Required)
	}
}

func TestConvertGeminiResponse_FunctionCall(t *testing.T) {
	t.Parallel()
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Parts: []genai.Part{genai.FunctionCall{Name: "form", Args: map[string]any{"city": "Oslo"}}}},
			FinishReason: genai.FinishReasonStop,
		}},
	}
	got := convertGeminiResponse(resp)
	if got.StopReason != llm.StopReasonToolUse {
		t.Errorf("stop reason = %q", got.StopReason)
	}
	if tu := got.ToolCall("form"); tu == nil || string(tu.Input) != `{"city":"Oslo"}` {
		t.Errorf("tool call = %+v", tu)
	}
}

func TestMergeGemini_JoinsText(t *testing.T) {
	t.Parallel()
	text := func(s string) llm.GenerateResponse {
		return llm.GenerateResponse{
			Content:    []llm.ContentBlock{{Type: llm.ContentTypeText, Text: s}},
			StopReason: llm.StopReasonEndTurn,
		}
	}
	var acc llm.GenerateResponse
	acc = mergeGemini(acc, text("foo"))
	acc = mergeGemini(acc, text("bar"))
	if len(acc.Content) != 1 || acc.Text() != "foobar" {
		t.Errorf("merged = %+v", acc.Content)
	}
}

func TestMapGeminiError(t *testing.T) {
	t.Parallel()
	var se *llm.ServerError
	if !errors.As(mapGeminiError(&googleapi.Error{Code: 503, Message: "unavailable"}), &se) {
		t.Error("503 should map to ServerError")
	}
	var auth *llm.AuthError
	if !errors.As(mapGeminiError(&googleapi.Error{Code: 401}), &auth) {
		t.Error("401 should map to AuthError")
	}
}
