// Package providers registers LLM provider adapters.
// Import this package with a blank identifier to activate all providers:
//
//	import _ "github.com/ravi-parthasarathy/canvasflow/pkg/llm/providers"
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/ravi-parthasarathy/canvasflow/pkg/llm"
)

const defaultMaxTokens = 4096

func init() {
	llm.RegisterProvider("anthropic", func(modelName string) (llm.Client, error) {
		return newAnthropicClient(modelName)
	})
}

type anthropicClient struct {
	sdk       anthropicsdk.Client
	modelName string
}

func newAnthropicClient(modelName string) (*anthropicClient, error) {
	sdk := anthropicsdk.NewClient(option.WithAPIKey("")) // reads ANTHROPIC_API_KEY automatically
	return &anthropicClient{sdk: sdk, modelName: modelName}, nil
}

// Complete performs a blocking generation with automatic retry on transient errors.
func (a *anthropicClient) Complete(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	params := anthropicParams(a.modelName, req)
	var resp llm.GenerateResponse
	err := llm.WithRetry(ctx, 4, func() error {
		msg, err := a.sdk.Messages.New(ctx, params)
		if err != nil {
			return mapAnthropicError(err)
		}
		resp = convertAnthropicResponse(msg)
		return nil
	})
	return resp, err
}

// Stream forwards text deltas as they arrive and accumulates the full
// message for the final Complete event.
func (a *anthropicClient) Stream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.StreamEvent, error) {
	params := anthropicParams(a.modelName, req)
	ch := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(ch)
		stream := a.sdk.Messages.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()

		msg := anthropicsdk.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := msg.Accumulate(event); err != nil {
				ch <- llm.StreamEvent{Type: llm.StreamEventError, Err: fmt.Errorf("anthropic: accumulate: %w", err)}
				return
			}
			if ev, ok := event.AsAny().(anthropicsdk.ContentBlockDeltaEvent); ok {
				if d, ok := ev.Delta.AsAny().(anthropicsdk.TextDelta); ok && d.Text != "" {
					ch <- llm.StreamEvent{Type: llm.StreamEventDelta, Text: d.Text}
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- llm.StreamEvent{Type: llm.StreamEventError, Err: mapAnthropicError(err)}
			return
		}
		resp := convertAnthropicResponse(&msg)
		ch <- llm.StreamEvent{Type: llm.StreamEventComplete, Response: &resp}
	}()
	return ch, nil
}

func anthropicParams(model string, req llm.GenerateRequest) anthropicsdk.MessageNewParams {
	// System-role messages travel in the System param.
	msgs := make([]anthropicsdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case llm.ContentTypeText:
				if b.Text != "" {
					blocks = append(blocks, anthropicsdk.NewTextBlock(b.Text))
				}
			case llm.ContentTypeToolUse:
				if b.ToolUse != nil {
					var input any
					_ = json.Unmarshal(b.ToolUse.Input, &input)
					blocks = append(blocks, anthropicsdk.NewToolUseBlock(b.ToolUse.ID, input, b.ToolUse.Name))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case llm.RoleUser:
			msgs = append(msgs, anthropicsdk.NewUserMessage(blocks...))
		case llm.RoleAssistant:
			msgs = append(msgs, anthropicsdk.NewAssistantMessage(blocks...))
		}
	}

	maxTokens := int64(defaultMaxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if sys := req.SystemPrompt(); sys != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: sys}}
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	for _, t := range req.Tools {
		tp := anthropicsdk.ToolParam{
			Name:        t.Name,
			InputSchema: anthropicInputSchema(t.InputSchema),
			Description: param.NewOpt(t.Description),
		}
		params.Tools = append(params.Tools, anthropicsdk.ToolUnionParam{OfTool: &tp})
	}
	if req.ToolChoice != "" {
		params.ToolChoice = anthropicsdk.ToolChoiceUnionParam{
			OfTool: &anthropicsdk.ToolChoiceToolParam{Name: req.ToolChoice},
		}
	}
	return params
}

// anthropicInputSchema converts raw JSON Schema bytes into a ToolInputSchemaParam.
func anthropicInputSchema(raw []byte) anthropicsdk.ToolInputSchemaParam {
	schema := anthropicsdk.ToolInputSchemaParam{}
	var m struct {
		Properties any      `json:"properties"`
		Required   []string `json:"required"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return schema
	}
	schema.Properties = m.Properties
	schema.Required = m.Required
	return schema
}

func convertAnthropicResponse(msg *anthropicsdk.Message) llm.GenerateResponse {
	blocks := make([]llm.ContentBlock, 0, len(msg.Content))
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			blocks = append(blocks, llm.ContentBlock{Type: llm.ContentTypeText, Text: b.Text})
		case "tool_use":
			raw := []byte(b.Input)
			if len(raw) == 0 {
				raw = []byte("{}")
			}
			blocks = append(blocks, llm.ContentBlock{
				Type:    llm.ContentTypeToolUse,
				ToolUse: &llm.ToolUse{ID: b.ID, Name: b.Name, Input: raw},
			})
		}
	}

	stop := llm.StopReasonEndTurn
	switch msg.StopReason {
	case anthropicsdk.StopReasonToolUse:
		stop = llm.StopReasonToolUse
	case anthropicsdk.StopReasonMaxTokens:
		stop = llm.StopReasonMaxTokens
	}

	return llm.GenerateResponse{
		Content:    blocks,
		StopReason: stop,
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

func mapAnthropicError(err error) error {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return llm.FromStatus(apiErr.StatusCode, apiErr.Error(), err)
	}
	return fmt.Errorf("anthropic: %w", err)
}
