// Package stream reduces a model's streamed response into durable pieces:
// reasoning text, assistant content and complete tool-call requests.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/user/towdyouso/internal/types"
	"github.com/user/towdyouso/pkg/llm"
)

var (
	// ErrMalformedToolCall is returned when a tool call's accumulated
	// arguments are not valid JSON.
	ErrMalformedToolCall = errors.New("malformed tool call arguments")
	// ErrStreamTruncated is returned when the event channel closes before a
	// done or error event.
	ErrStreamTruncated = errors.New("model stream ended without completion")
)

// ToolCallRequest is one complete tool invocation requested by the model.
type ToolCallRequest struct {
	Index     int
	CallID    string
	ToolName  string
	Arguments json.RawMessage
}

// Result is the accumulated outcome of one model call.
type Result struct {
	Reasoning string
	Content   string
	ToolCalls []ToolCallRequest
}

type partialCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// Accumulate drains events until the stream completes. Reasoning and content
// fragments are passed to forward as they arrive; forward may be nil.
func Accumulate(ctx context.Context, events <-chan llm.StreamEvent, forward func(types.LiveEvent)) (*Result, error) {
	if forward == nil {
		forward = func(types.LiveEvent) {}
	}

	var reasoning, content strings.Builder
	calls := make(map[int]*partialCall)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, ErrStreamTruncated
			}
			switch ev.Type {
			case llm.EventReasoning:
				if ev.Text == "" {
					continue
				}
				reasoning.WriteString(ev.Text)
				forward(types.ReasoningDelta(ev.Text))
			case llm.EventContent:
				if ev.Text == "" {
					continue
				}
				content.WriteString(ev.Text)
				forward(types.ContentDelta(ev.Text))
			case llm.EventToolCall:
				pc, ok := calls[ev.Index]
				if !ok {
					pc = &partialCall{index: ev.Index}
					calls[ev.Index] = pc
				}
				if pc.id == "" && ev.CallID != "" {
					pc.id = ev.CallID
				}
				if pc.name == "" && ev.ToolName != "" {
					pc.name = ev.ToolName
				}
				pc.args.WriteString(ev.Arguments)
			case llm.EventError:
				if ev.Err == nil {
					return nil, errors.New("model stream error")
				}
				return nil, ev.Err
			case llm.EventDone:
				toolCalls, err := finalize(calls)
				if err != nil {
					return nil, err
				}
				return &Result{
					Reasoning: reasoning.String(),
					Content:   content.String(),
					ToolCalls: toolCalls,
				}, nil
			}
		}
	}
}

// finalize orders partial calls by index and parses their arguments.
func finalize(calls map[int]*partialCall) ([]ToolCallRequest, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	ordered := make([]*partialCall, 0, len(calls))
	for _, pc := range calls {
		ordered = append(ordered, pc)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })

	out := make([]ToolCallRequest, 0, len(ordered))
	for _, pc := range ordered {
		raw := strings.TrimSpace(pc.args.String())
		if raw == "" {
			raw = "{}"
		}
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("%w: call %d (%s)", ErrMalformedToolCall, pc.index, pc.name)
		}
		if pc.name == "" {
			return nil, fmt.Errorf("%w: call %d has no tool name", ErrMalformedToolCall, pc.index)
		}
		out = append(out, ToolCallRequest{
			Index:     pc.index,
			CallID:    pc.id,
			ToolName:  pc.name,
			Arguments: json.RawMessage(raw),
		})
	}
	return out, nil
}
