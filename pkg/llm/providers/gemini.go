package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ravi-parthasarathy/canvasflow/pkg/llm"
)

func init() {
	llm.RegisterProvider("gemini", func(modelName string) (llm.Client, error) {
		return newGeminiClient(modelName)
	})
}

type geminiClient struct {
	sdk       *genai.Client
	modelName string
}

func newGeminiClient(modelName string) (*geminiClient, error) {
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("gemini: GEMINI_API_KEY environment variable not set")
	}
	sdk, err := genai.NewClient(context.Background(), option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &geminiClient{sdk: sdk, modelName: modelName}, nil
}

// Complete performs a blocking generation with automatic retry on transient errors.
func (c *geminiClient) Complete(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	cs, last, err := c.session(req)
	if err != nil {
		return llm.GenerateResponse{}, err
	}
	var resp llm.GenerateResponse
	err = llm.WithRetry(ctx, 4, func() error {
		out, err := cs.SendMessage(ctx, last.Parts...)
		if err != nil {
			return mapGeminiError(err)
		}
		resp = convertGeminiResponse(out)
		return nil
	})
	return resp, err
}

// Stream forwards text parts of each streamed candidate and merges all
// parts into the final response.
func (c *geminiClient) Stream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.StreamEvent, error) {
	cs, last, err := c.session(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(ch)
		it := cs.SendMessageStream(ctx, last.Parts...)
		var merged llm.GenerateResponse
		for {
			chunk, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				ch <- llm.StreamEvent{Type: llm.StreamEventError, Err: mapGeminiError(err)}
				return
			}
			part := convertGeminiResponse(chunk)
			for _, b := range part.Content {
				if b.Type == llm.ContentTypeText {
					ch <- llm.StreamEvent{Type: llm.StreamEventDelta, Text: b.Text}
				}
			}
			merged = mergeGemini(merged, part)
		}
		ch <- llm.StreamEvent{Type: llm.StreamEventComplete, Response: &merged}
	}()
	return ch, nil
}

// session configures a model for req and returns a chat primed with every
// turn but the last, which is returned separately for sending.
func (c *geminiClient) session(req llm.GenerateRequest) (*genai.ChatSession, *genai.Content, error) {
	model := c.sdk.GenerativeModel(c.modelName)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Temperature != nil {
		model.SetTemperature(float32(*req.Temperature))
	}
	if sys := req.SystemPrompt(); sys != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(sys))
	}
	if len(req.Tools) > 0 {
		model.Tools = buildGeminiTools(req.Tools)
	}
	if req.ToolChoice != "" {
		model.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingAny,
				AllowedFunctionNames: []string{req.ToolChoice},
			},
		}
	}

	contents, err := buildContents(req.Messages)
	if err != nil {
		return nil, nil, fmt.Errorf("gemini: build contents: %w", err)
	}
	if len(contents) == 0 {
		return nil, nil, fmt.Errorf("gemini: no message to send")
	}
	cs := model.StartChat()
	cs.History = contents[:len(contents)-1]
	return cs, contents[len(contents)-1], nil
}

// buildContents translates unified messages into Gemini contents. System
// messages are carried by SystemInstruction.
func buildContents(msgs []llm.Message) ([]*genai.Content, error) {
	var contents []*genai.Content
	for _, m := range msgs {
		var parts []genai.Part
		role := "user"
		switch m.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleAssistant:
			role = "model"
			for _, tu := range m.ToolUses() {
				var args map[string]any
				if len(tu.Input) > 0 {
					if err := json.Unmarshal(tu.Input, &args); err != nil {
						return nil, fmt.Errorf("tool_use %q: unmarshal input: %w", tu.Name, err)
					}
				}
				parts = append(parts, genai.FunctionCall{Name: tu.Name, Args: args})
			}
		}
		if text := m.Text(); text != "" {
			parts = append([]genai.Part{genai.Text(text)}, parts...)
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}
	return contents, nil
}

func buildGeminiTools(defs []llm.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		fd := &genai.FunctionDeclaration{Name: d.Name, Description: d.Description}
		if len(d.InputSchema) > 0 {
			var m map[string]any
			if err := json.Unmarshal(d.InputSchema, &m); err == nil {
				fd.Parameters = genaiSchema(m)
			}
		}
		decls = append(decls, fd)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

var genaiTypes = map[string]genai.Type{
	"object":  genai.TypeObject,
	"string":  genai.TypeString,
	"integer": genai.TypeInteger,
	"number":  genai.TypeNumber,
	"boolean": genai.TypeBoolean,
	"array":   genai.TypeArray,
}

// genaiSchema converts a decoded JSON Schema object into a *genai.Schema.
func genaiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{Type: genai.TypeUnspecified}
	if t, ok := m["type"].(string); ok {
		if gt, ok := genaiTypes[t]; ok {
			s.Type = gt
		}
	}
	s.Description, _ = m["description"].(string)
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for k, v := range props {
			if vm, ok := v.(map[string]any); ok {
				s.Properties[k] = genaiSchema(vm)
			}
		}
	}
	s.Required = stringList(m["required"])
	s.Enum = stringList(m["enum"])
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = genaiSchema(items)
	}
	return s
}

func stringList(v any) []string {
	raw, _ := v.([]any)
	var out []string
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func convertGeminiResponse(resp *genai.GenerateContentResponse) llm.GenerateResponse {
	out := llm.GenerateResponse{StopReason: llm.StopReasonEndTurn}
	if resp == nil {
		return out
	}
	if resp.UsageMetadata != nil {
		out.Usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.Usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 {
		return out
	}
	cand := resp.Candidates[0]
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				if v != "" {
					out.Content = append(out.Content, llm.ContentBlock{Type: llm.ContentTypeText, Text: string(v)})
				}
			case genai.FunctionCall:
				input, _ := json.Marshal(v.Args)
				out.Content = append(out.Content, llm.ContentBlock{
					Type: llm.ContentTypeToolUse,
					// Gemini has no call IDs; the function name stands in.
					ToolUse: &llm.ToolUse{ID: v.Name, Name: v.Name, Input: input},
				})
				out.StopReason = llm.StopReasonToolUse
			}
		}
	}
	if out.StopReason != llm.StopReasonToolUse && cand.FinishReason == genai.FinishReasonMaxTokens {
		out.StopReason = llm.StopReasonMaxTokens
	}
	return out
}

// mergeGemini appends the parts of next onto acc, joining adjacent text.
func mergeGemini(acc, next llm.GenerateResponse) llm.GenerateResponse {
	for _, b := range next.Content {
		n := len(acc.Content)
		if b.Type == llm.ContentTypeText && n > 0 && acc.Content[n-1].Type == llm.ContentTypeText {
			acc.Content[n-1].Text += b.Text
			continue
		}
		acc.Content = append(acc.Content, b)
	}
	if next.StopReason != llm.StopReasonEndTurn || acc.StopReason == "" {
		acc.StopReason = next.StopReason
	}
	if next.Usage.OutputTokens > 0 {
		acc.Usage = next.Usage
	}
	return acc
}

func mapGeminiError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return llm.FromStatus(apiErr.Code, apiErr.Message, err)
	}
	return fmt.Errorf("gemini: %w", err)
}
