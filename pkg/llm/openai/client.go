package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"

	"github.com/user/towdyouso/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config *llm.Config
	client openai.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config, opts ...option.RequestOption) *Client {
	var clientOpts []option.RequestOption
	if config.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(config.APIKey))
	}
	if config.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(config.BaseURL))
	}
	clientOpts = append(clientOpts, opts...)

	return &Client{
		config: config,
		client: openai.NewClient(clientOpts...),
	}
}

// buildMessages converts provider-neutral messages into chat completion params.
func buildMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case llm.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case llm.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: toToolCallParams(msg.ToolCalls),
			}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		default:
			if len(msg.Images) == 0 {
				out = append(out, openai.UserMessage(msg.Content))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(msg.Content)}
			for _, url := range msg.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}

func toToolCallParams(calls []llm.ToolCall) []openai.ChatCompletionMessageToolCallParam {
	params := make([]openai.ChatCompletionMessageToolCallParam, len(calls))
	for i, tc := range calls {
		args := string(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		params[i] = openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: args,
			},
		}
	}
	return params
}

// buildParams assembles the request parameters including tool definitions.
func (c *Client) buildParams(messages []llm.Message, tools []llm.Tool) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Messages: buildMessages(messages),
		Model:    c.config.Model,
	}
	if c.config.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.config.MaxTokens))
	}
	if c.config.Temperature != 0 {
		params.Temperature = openai.Float(float64(c.config.Temperature))
	}
	if len(tools) == 0 {
		return params, nil
	}

	params.Tools = make([]openai.ChatCompletionToolParam, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if len(tool.Function.Parameters) > 0 {
			if err := json.Unmarshal(tool.Function.Parameters, &schema); err != nil {
				return params, fmt.Errorf("tool %s parameters: %w", tool.Function.Name, err)
			}
		}
		params.Tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Function.Name,
				Description: openai.String(tool.Function.Description),
				Parameters:  schema,
			},
		}
	}
	return params, nil
}

// Complete sends a chat completion request and returns the full response.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	params, err := c.buildParams(messages, tools)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: llm.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		})
	}
	return out, nil
}

// Stream sends a streaming chat completion request. Reasoning text is read
// from the non-standard reasoning_content delta field that reasoning models
// served behind OpenAI-compatible endpoints emit.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.StreamEvent, error) {
	params, err := c.buildParams(messages, tools)
	if err != nil {
		return nil, err
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	out := make(chan llm.StreamEvent, 64)

	go func() {
		defer close(out)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			for _, ch := range chunk.Choices {
				if reasoning := gjson.Get(ch.Delta.RawJSON(), "reasoning_content").String(); reasoning != "" {
					if !llm.Emit(ctx, out, llm.StreamEvent{Type: llm.EventReasoning, Text: reasoning}) {
						return
					}
				}
				if ch.Delta.Content != "" {
					if !llm.Emit(ctx, out, llm.StreamEvent{Type: llm.EventContent, Text: ch.Delta.Content}) {
						return
					}
				}
				for _, tc := range ch.Delta.ToolCalls {
					ev := llm.StreamEvent{
						Type:      llm.EventToolCall,
						Index:     int(tc.Index),
						CallID:    tc.ID,
						ToolName:  tc.Function.Name,
						Arguments: tc.Function.Arguments,
					}
					if !llm.Emit(ctx, out, ev) {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			llm.Emit(ctx, out, llm.StreamEvent{Type: llm.EventError, Err: fmt.Errorf("openai streaming error: %w", err)})
			return
		}
		llm.Emit(ctx, out, llm.StreamEvent{Type: llm.EventDone})
	}()

	return out, nil
}
