package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ravi-parthasarathy/canvasflow/pkg/llm"
)

func init() {
	llm.RegisterProvider("openai", func(modelName string) (llm.Client, error) {
		return newOpenAIClient(modelName)
	})
}

type openaiClient struct {
	sdk       *openai.Client
	modelName string
}

func newOpenAIClient(modelName string) (*openaiClient, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("openai: OPENAI_API_KEY environment variable not set")
	}
	cfg := openai.DefaultConfig(key)
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		cfg.BaseURL = base
	}
	return &openaiClient{sdk: openai.NewClientWithConfig(cfg), modelName: modelName}, nil
}

// Complete performs a blocking generation with automatic retry on transient errors.
func (c *openaiClient) Complete(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	params := openaiParams(c.modelName, req)
	var resp llm.GenerateResponse
	err := llm.WithRetry(ctx, 4, func() error {
		out, err := c.sdk.CreateChatCompletion(ctx, params)
		if err != nil {
			return mapOpenAIError(err)
		}
		resp = convertOpenAIResponse(out)
		return nil
	})
	return resp, err
}

// Stream forwards content deltas and assembles tool call fragments by index
// so the final response carries complete function arguments.
func (c *openaiClient) Stream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.StreamEvent, error) {
	params := openaiParams(c.modelName, req)
	params.Stream = true
	stream, err := c.sdk.CreateChatCompletionStream(ctx, params)
	if err != nil {
		return nil, mapOpenAIError(err)
	}

	ch := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()

		acc := &openaiAccumulator{}
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ch <- llm.StreamEvent{Type: llm.StreamEventError, Err: mapOpenAIError(err)}
				return
			}
			if text := acc.add(chunk); text != "" {
				ch <- llm.StreamEvent{Type: llm.StreamEventDelta, Text: text}
			}
		}
		resp := acc.response()
		ch <- llm.StreamEvent{Type: llm.StreamEventComplete, Response: &resp}
	}()
	return ch, nil
}

type openaiAccumulator struct {
	text   strings.Builder
	calls  []openai.ToolCall
	finish openai.FinishReason
}

// add folds one chunk into the accumulator and returns its text delta.
func (a *openaiAccumulator) add(chunk openai.ChatCompletionStreamResponse) string {
	if len(chunk.Choices) == 0 {
		return ""
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		a.finish = choice.FinishReason
	}
	for _, tc := range choice.Delta.ToolCalls {
		idx := len(a.calls)
		if tc.Index != nil {
			idx = *tc.Index
		}
		for len(a.calls) <= idx {
			a.calls = append(a.calls, openai.ToolCall{Type: openai.ToolTypeFunction})
		}
		if tc.ID != "" {
			a.calls[idx].ID = tc.ID
		}
		if tc.Function.Name != "" {
			a.calls[idx].Function.Name = tc.Function.Name
		}
		a.calls[idx].Function.Arguments += tc.Function.Arguments
	}
	a.text.WriteString(choice.Delta.Content)
	return choice.Delta.Content
}

func (a *openaiAccumulator) response() llm.GenerateResponse {
	return convertOpenAIResponse(openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   a.text.String(),
				ToolCalls: a.calls,
			},
			FinishReason: a.finish,
		}},
	})
}

func openaiParams(model string, req llm.GenerateRequest) openai.ChatCompletionRequest {
	maxTokens := defaultMaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	params := openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  buildMessages(req.Messages, req.SystemPrompt()),
	}
	if req.Temperature != nil {
		params.Temperature = float32(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	if req.ToolChoice != "" {
		params.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.ToolChoice},
		}
	}
	return params
}

// buildMessages converts unified messages to OpenAI's chat format. Inline
// system messages are already folded into system.
func buildMessages(msgs []llm.Message, system string) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Text(),
			})
		case llm.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Text()}
			for _, tu := range m.ToolUses() {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tu.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tu.Name,
						Arguments: string(tu.Input),
					},
				})
			}
			out = append(out, msg)
		}
	}
	return out
}

// buildTools converts unified tool definitions to OpenAI's tool format.
func buildTools(defs []llm.ToolDefinition) []openai.Tool {
	tools := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		var params any
		if len(d.InputSchema) > 0 {
			params = json.RawMessage(d.InputSchema)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// convertOpenAIResponse maps an OpenAI response to the unified GenerateResponse.
func convertOpenAIResponse(resp openai.ChatCompletionResponse) llm.GenerateResponse {
	out := llm.GenerateResponse{
		StopReason: llm.StopReasonEndTurn,
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "" {
		out.Content = append(out.Content, llm.ContentBlock{Type: llm.ContentTypeText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Content = append(out.Content, llm.ContentBlock{
			Type: llm.ContentTypeToolUse,
			ToolUse: &llm.ToolUse{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: []byte(tc.Function.Arguments),
			},
		})
	}
	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		out.StopReason = llm.StopReasonToolUse
	case openai.FinishReasonLength:
		out.StopReason = llm.StopReasonMaxTokens
	}
	return out
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return llm.FromStatus(apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return llm.FromStatus(reqErr.HTTPStatusCode, reqErr.Error(), err)
	}
	return fmt.Errorf("openai: %w", err)
}
