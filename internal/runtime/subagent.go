package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/towdyouso/pkg/llm"
)

// AgentConfig describes a sub-agent: a bounded model loop over a subset of
// the tool registry, exposed to the main model as a single tool.
type AgentConfig struct {
	// Name is the agent name recorded on nested entries.
	Name string
	// Tool is what the main model sees. Its Agent field is set from Name.
	Tool         ToolSpec
	SystemPrompt string
	MaxRounds    int
	Provider     llm.Provider
	Tools        *Registry
	// Prompt builds the agent's first user message from the tool arguments.
	Prompt func(ctx context.Context, args json.RawMessage) (llm.Message, error)
	// Fallback is the summary used when the model ends with no text.
	Fallback string
}

// AgentResult is the value returned by a sub-agent tool.
type AgentResult struct {
	Summary string   `json:"summary"`
	Actions []string `json:"actions"`
	Rounds  int      `json:"rounds"`
}

// Agent runs an AgentConfig as a Tool.
type Agent struct {
	cfg AgentConfig
}

// NewAgent creates a sub-agent tool.
func NewAgent(cfg AgentConfig) *Agent {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	if cfg.Tools == nil {
		cfg.Tools = NewRegistry()
	}
	if cfg.Fallback == "" {
		cfg.Fallback = "No changes made."
	}
	return &Agent{cfg: cfg}
}

func (a *Agent) Describe() ToolSpec {
	spec := a.cfg.Tool
	spec.Agent = a.cfg.Name
	return spec
}

// Run loops model calls and nested tool executions until the model answers
// in text or the round cap is hit. Hitting the cap is not an error.
func (a *Agent) Run(ctx context.Context, args json.RawMessage, tc ToolContext) Result {
	user, err := a.cfg.Prompt(ctx, args)
	if err != nil {
		return Fail(CodeInvalidArguments, "%v", err)
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: a.cfg.SystemPrompt},
		user,
	}
	tools := a.cfg.Tools.AsLLMTools()
	actions := []string{}

	for round := 0; round < a.cfg.MaxRounds; round++ {
		resp, err := a.cfg.Provider.Complete(ctx, messages, tools)
		if err != nil {
			if ctx.Err() != nil {
				return Fail(CodeInterrupted, "%s was interrupted", a.cfg.Name)
			}
			return Fail(CodeExecutionFailed, "%s model call: %v", a.cfg.Name, err)
		}

		if len(resp.ToolCalls) == 0 {
			summary := strings.TrimSpace(resp.Content)
			if summary == "" {
				summary = a.cfg.Fallback
			}
			return OK(AgentResult{Summary: summary, Actions: actions, Rounds: round + 1})
		}

		// Tool messages must answer the ids the assistant message carries.
		calls := make([]llm.ToolCall, len(resp.ToolCalls))
		copy(calls, resp.ToolCalls)
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = fmt.Sprintf("%s-%d-%d", a.cfg.Name, round, i)
			}
		}
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
		})
		for _, call := range calls {
			callID := call.ID
			callArgs := normalizeArgs(call.Function.Arguments)

			if tc.Recorder != nil {
				tc.Recorder.RecordCall(ctx, a.cfg.Name, callID, call.Function.Name, callArgs)
			}
			res := a.cfg.Tools.Execute(ctx, call.Function.Name, callArgs, ToolContext{
				SessionID: tc.SessionID,
				CallID:    callID,
			})
			if tc.Recorder != nil {
				tc.Recorder.RecordResult(ctx, a.cfg.Name, callID, res)
			}

			out := res.JSON()
			actions = append(actions, call.Function.Name+": "+string(out))
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    string(out),
				ToolCallID: callID,
			})
		}
		if ctx.Err() != nil {
			return Fail(CodeInterrupted, "%s was interrupted", a.cfg.Name)
		}
	}

	slog.Warn("sub-agent hit round limit", "agent", a.cfg.Name, "rounds", a.cfg.MaxRounds, "session_id", string(tc.SessionID))
	return OK(AgentResult{
		Summary: fmt.Sprintf("%s completed (max rounds reached).", a.cfg.Name),
		Actions: actions,
		Rounds:  a.cfg.MaxRounds,
	})
}

// normalizeArgs makes model-supplied arguments safe to store: empty becomes
// {} and invalid JSON is kept as a JSON string.
func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	if json.Valid(args) {
		return args
	}
	quoted, _ := json.Marshal(string(args))
	return quoted
}
