// Package anthropic implements llm.Provider on the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/user/towdyouso/pkg/llm"
)

const defaultMaxTokens = 4096

// Client implements the llm.Provider interface for Anthropic models.
type Client struct {
	config *llm.Config
	client anthropic.Client
}

// New creates a new Anthropic client with the given configuration.
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
		client: anthropic.NewClient(clientOpts...),
	}
}

// buildParams converts provider-neutral messages and tools into a request.
// System messages become the system prompt; consecutive tool results are
// folded into a single user message as the API requires.
func (c *Client) buildParams(messages []llm.Message, tools []llm.Tool) (anthropic.MessageNewParams, error) {
	maxTokens := int64(c.config.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.config.Model),
		MaxTokens: maxTokens,
	}
	if c.config.Temperature != 0 {
		params.Temperature = anthropic.Float(float64(c.config.Temperature))
	}

	var pendingResults []anthropic.ContentBlockParamUnion
	flushResults := func() {
		if len(pendingResults) > 0 {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
		case llm.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		case llm.RoleAssistant:
			flushResults()
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				input := map[string]any{}
				if len(tc.Function.Arguments) > 0 {
					if err := json.Unmarshal(tc.Function.Arguments, &input); err != nil {
						return params, fmt.Errorf("invalid tool call input: %w", err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			if len(content) > 0 {
				params.Messages = append(params.Messages, anthropic.NewAssistantMessage(content...))
			}
		default:
			flushResults()
			var content []anthropic.ContentBlockParamUnion
			for _, url := range msg.Images {
				if img := imageBlock(url); img != nil {
					content = append(content, anthropic.ContentBlockParamUnion{OfImage: img})
				}
			}
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			if len(content) > 0 {
				params.Messages = append(params.Messages, anthropic.NewUserMessage(content...))
			}
		}
	}
	flushResults()

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Function.Parameters) > 0 {
			if err := json.Unmarshal(tool.Function.Parameters, &schema); err != nil {
				return params, fmt.Errorf("invalid tool schema for %s: %w", tool.Function.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Function.Name)
		if param.OfTool == nil {
			return params, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Function.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Function.Description)
		params.Tools = append(params.Tools, param)
	}
	return params, nil
}

func imageBlock(url string) *anthropic.ImageBlockParam {
	if mediaType, data, ok := parseDataURL(url); ok {
		mt, ok := imageMediaType(mediaType)
		if !ok {
			return nil
		}
		return &anthropic.ImageBlockParam{
			Source: anthropic.ImageBlockParamSourceUnion{
				OfBase64: &anthropic.Base64ImageSourceParam{Data: data, MediaType: mt},
			},
		}
	}
	if url == "" {
		return nil
	}
	return &anthropic.ImageBlockParam{
		Source: anthropic.ImageBlockParamSourceUnion{
			OfURL: &anthropic.URLImageSourceParam{URL: url},
		},
	}
}

func parseDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	header, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(header, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(header, ";base64"), payload, true
}

func imageMediaType(mediaType string) (anthropic.Base64ImageSourceMediaType, bool) {
	switch mediaType {
	case "image/jpeg", "image/jpg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, true
	}
	return "", false
}

// Complete sends a message request and returns the full response.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	params, err := c.buildParams(messages, tools)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	out := &llm.Response{
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
			TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			args := json.RawMessage(toolUse.Input)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:       toolUse.ID,
				Type:     "function",
				Function: llm.FunctionCall{Name: toolUse.Name, Arguments: args},
			})
		}
	}
	out.Content = text.String()
	return out, nil
}

// Stream sends a streaming message request. Thinking deltas are reported as
// reasoning; each tool_use block gets its own index in order of appearance.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.StreamEvent, error) {
	params, err := c.buildParams(messages, tools)
	if err != nil {
		return nil, err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	out := make(chan llm.StreamEvent, 64)

	go func() {
		defer close(out)
		defer stream.Close()

		toolIndex := -1
		inToolUse := false
		for stream.Next() {
			event := stream.Current()
			var ev llm.StreamEvent

			switch event.Type {
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				inToolUse = block.Type == "tool_use"
				if !inToolUse {
					continue
				}
				toolIndex++
				toolUse := block.AsToolUse()
				ev = llm.StreamEvent{Type: llm.EventToolCall, Index: toolIndex, CallID: toolUse.ID, ToolName: toolUse.Name}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					ev = llm.StreamEvent{Type: llm.EventContent, Text: delta.Text}
				case "thinking_delta":
					ev = llm.StreamEvent{Type: llm.EventReasoning, Text: delta.Thinking}
				case "input_json_delta":
					if !inToolUse {
						continue
					}
					ev = llm.StreamEvent{Type: llm.EventToolCall, Index: toolIndex, Arguments: delta.PartialJSON}
				default:
					continue
				}
				if ev.Text == "" && ev.Arguments == "" {
					continue
				}

			case "content_block_stop":
				inToolUse = false
				continue

			case "message_stop":
				llm.Emit(ctx, out, llm.StreamEvent{Type: llm.EventDone})
				return

			default:
				continue
			}

			if !llm.Emit(ctx, out, ev) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			llm.Emit(ctx, out, llm.StreamEvent{Type: llm.EventError, Err: fmt.Errorf("anthropic streaming error: %w", err)})
		}
		// A stream ending without message_stop is left without a terminal
		// event so the consumer reports it as truncated.
	}()

	return out, nil
}
