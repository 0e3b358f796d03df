// internal/context/engine.go
package context

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/towdyouso/internal/types"
	"github.com/user/towdyouso/pkg/llm"
)

// Per-message framing overhead and a flat charge for an attached image.
const (
	messageOverhead = 4
	imageTokens     = 85
)

// PromptData is passed to the system prompt template.
type PromptData struct {
	SessionID string
	Tools     string
	ToolList  []string
	Memory    string
}

// Engine rebuilds model input from a session's entries. The output depends
// only on the entries and the stored memories, so rebuilding the same log
// twice yields the same messages.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	tmpl      *template.Template
	memories  types.MemoryStore
	files     types.FileStore
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4o").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
// promptPath optionally points to a text/template file replacing DefaultPrompt.
func New(model string, maxTokens, reserve int, promptPath string) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokenizer unavailable, estimating token counts", "model", model, "error", err)
			enc = nil
		}
	}

	text := DefaultPrompt
	if promptPath != "" {
		raw, err := os.ReadFile(promptPath)
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		text = string(raw)
	}
	tmpl, err := template.New("system").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}

	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		tmpl:      tmpl,
	}, nil
}

// SetMemoryStore makes stored memories part of the system prompt.
func (e *Engine) SetMemoryStore(m types.MemoryStore) { e.memories = m }

// SetFileStore lets user messages carrying a file id show the image inline.
func (e *Engine) SetFileStore(f types.FileStore) { e.files = f }

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	if e.tokenizer == nil {
		return (len(text) + 3) / 4
	}
	return len(e.tokenizer.Encode(text, nil, nil))
}

func (e *Engine) messageTokens(msg llm.Message) int {
	n := messageOverhead + e.countTokens(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += e.countTokens(tc.Function.Name)
		n += e.countTokens(string(tc.Function.Arguments))
	}
	n += imageTokens * len(msg.Images)
	return n
}

// BuildPrompt assembles a token-budgeted prompt from a session's entries.
// toolNames lists the tools the model may call.
func (e *Engine) BuildPrompt(
	ctx context.Context,
	sessionID types.SessionID,
	entries []*types.Entry,
	toolNames []string,
) ([]llm.Message, error) {
	sysPrompt, err := e.systemPrompt(ctx, sessionID, toolNames)
	if err != nil {
		return nil, err
	}

	history, err := e.entriesToMessages(ctx, entries)
	if err != nil {
		return nil, err
	}

	budget := e.maxTokens - e.reserve - e.countTokens(sysPrompt) - messageOverhead
	history = e.trim(history, budget)

	messages := make([]llm.Message, 0, 1+len(history))
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: sysPrompt})
	messages = append(messages, history...)
	return messages, nil
}

func (e *Engine) systemPrompt(ctx context.Context, sessionID types.SessionID, toolNames []string) (string, error) {
	data := PromptData{
		SessionID: string(sessionID),
		Tools:     strings.Join(toolNames, ", "),
		ToolList:  toolNames,
	}
	if e.memories != nil {
		mems, err := e.memories.List(ctx)
		if err != nil {
			return "", fmt.Errorf("list memories: %w", err)
		}
		var sb strings.Builder
		for i, m := range mems {
			if i > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString("- " + m.Content)
		}
		data.Memory = sb.String()
	}

	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// entriesToMessages maps the top-level conversation to model messages.
// Reasoning, sub-agent bookkeeping and nested sub-agent calls are not part
// of the main model's input. Consecutive tool calls become one assistant
// message.
func (e *Engine) entriesToMessages(ctx context.Context, entries []*types.Entry) ([]llm.Message, error) {
	var out []llm.Message
	grouping := false

	for _, entry := range entries {
		switch entry.Kind {
		case types.KindUserMessage:
			var d types.MessageData
			if err := entry.Decode(&d); err != nil {
				return nil, fmt.Errorf("decode entry %s: %w", entry.ID, err)
			}
			out = append(out, e.userMessage(ctx, entry, d))
			grouping = false

		case types.KindAssistantMessage:
			var d types.MessageData
			if err := entry.Decode(&d); err != nil {
				return nil, fmt.Errorf("decode entry %s: %w", entry.ID, err)
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: d.Content})
			grouping = false

		case types.KindToolCall:
			var d types.ToolCallData
			if err := entry.Decode(&d); err != nil {
				return nil, fmt.Errorf("decode entry %s: %w", entry.ID, err)
			}
			if d.AgentName != "" {
				continue
			}
			args := d.Arguments
			if len(args) == 0 {
				args = []byte("{}")
			}
			call := llm.ToolCall{
				ID:       d.CallID,
				Type:     "function",
				Function: llm.FunctionCall{Name: d.ToolName, Arguments: args},
			}
			if grouping {
				last := &out[len(out)-1]
				last.ToolCalls = append(last.ToolCalls, call)
				continue
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}})
			grouping = true

		case types.KindToolResult:
			var d types.ToolResultData
			if err := entry.Decode(&d); err != nil {
				return nil, fmt.Errorf("decode entry %s: %w", entry.ID, err)
			}
			if d.AgentName != "" {
				continue
			}
			out = append(out, llm.Message{Role: llm.RoleTool, Content: string(d.Result), ToolCallID: d.CallID})
			grouping = false
		}
	}
	return out, nil
}

func (e *Engine) userMessage(ctx context.Context, entry *types.Entry, d types.MessageData) llm.Message {
	msg := llm.Message{Role: llm.RoleUser, Content: d.Content}

	fileID := d.FileID
	if fileID == "" {
		fileID = entry.AttachmentID
	}
	if fileID != "" {
		msg.Content += fmt.Sprintf("\n[User attached an image (file_id: %s)]", fileID)
	}

	image := d.ImageURL
	if fileID != "" && e.files != nil {
		if dataURL, err := e.files.DataURL(ctx, fileID); err == nil {
			image = dataURL
		} else {
			slog.Warn("inline attachment failed", "file_id", string(fileID), "error", err)
		}
	}
	if image != "" {
		msg.Images = []string{image}
	}
	return msg
}

// trim drops whole exchanges, oldest first, until the history fits budget.
// An exchange starts at a user message, so tool calls are never separated
// from their results. The newest exchange is always kept.
func (e *Engine) trim(history []llm.Message, budget int) []llm.Message {
	var starts []int
	total := 0
	for i, msg := range history {
		if msg.Role == llm.RoleUser || i == 0 {
			starts = append(starts, i)
		}
		total += e.messageTokens(msg)
	}
	if total <= budget {
		return history
	}

	for k := 1; k < len(starts); k++ {
		for _, msg := range history[starts[k-1]:starts[k]] {
			total -= e.messageTokens(msg)
		}
		if total <= budget {
			slog.Debug("context trimmed", "dropped_messages", starts[k], "kept_messages", len(history)-starts[k])
			return history[starts[k]:]
		}
	}
	if len(starts) > 0 {
		return history[starts[len(starts)-1]:]
	}
	return history
}
