package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/towdyouso/pkg/llm"
)

type memoRecorder struct {
	mu      sync.Mutex
	calls   []string
	results []Result
}

func (m *memoRecorder) RecordCall(_ context.Context, agent, callID, toolName string, _ json.RawMessage) {
	m.mu.Lock()
	m.calls = append(m.calls, agent+"/"+toolName+"/"+callID)
	m.mu.Unlock()
}

func (m *memoRecorder) RecordResult(_ context.Context, _, _ string, res Result) {
	m.mu.Lock()
	m.results = append(m.results, res)
	m.mu.Unlock()
}

type errProvider struct{}

func (errProvider) Complete(context.Context, []llm.Message, []llm.Tool) (*llm.Response, error) {
	return nil, errors.New("upstream 500")
}

func (errProvider) Stream(context.Context, []llm.Message, []llm.Tool) (<-chan llm.StreamEvent, error) {
	return nil, errors.New("upstream 500")
}

func loopingAgent(t *testing.T, provider llm.Provider, rounds int) *Agent {
	t.Helper()
	tools := NewRegistry()
	require.NoError(t, tools.Register(&echoTool{}))
	return NewAgent(AgentConfig{
		Name:         "location_agent",
		Tool:         ToolSpec{Name: "task_location"},
		SystemPrompt: "locate things",
		MaxRounds:    rounds,
		Provider:     provider,
		Tools:        tools,
		Prompt: func(_ context.Context, args json.RawMessage) (llm.Message, error) {
			return llm.Message{Role: llm.RoleUser, Content: "Task: " + string(args)}, nil
		},
	})
}

func echoCall(id string) *llm.Response {
	return &llm.Response{ToolCalls: []llm.ToolCall{{
		ID:       id,
		Type:     "function",
		Function: llm.FunctionCall{Name: "echo", Arguments: json.RawMessage(`{"text":"` + id + `"}`)},
	}}}
}

func TestAgentDescribeMarksAgent(t *testing.T) {
	agent := loopingAgent(t, &scriptedProvider{}, 5)
	spec := agent.Describe()
	assert.Equal(t, "task_location", spec.Name)
	assert.Equal(t, "location_agent", spec.Agent)
}

func TestAgentMaxRoundsIsSuccess(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{echoCall("a"), echoCall("b"), echoCall("c")}}
	agent := loopingAgent(t, provider, 2)
	rec := &memoRecorder{}

	res := agent.Run(context.Background(), json.RawMessage(`{}`), ToolContext{Recorder: rec})
	require.False(t, res.Failed())

	out, ok := res.Value.(AgentResult)
	require.True(t, ok)
	assert.Contains(t, out.Summary, "max rounds reached")
	assert.Equal(t, 2, out.Rounds)
	assert.Len(t, out.Actions, 2)
	assert.Len(t, provider.calls, 2)
	assert.Equal(t, []string{"location_agent/echo/a", "location_agent/echo/b"}, rec.calls)
	assert.Len(t, rec.results, 2)
}

func TestAgentFeedsToolResultsBack(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{echoCall("a"), {Content: "Saved sign at 20th St."}}}
	agent := loopingAgent(t, provider, 5)

	res := agent.Run(context.Background(), json.RawMessage(`{"task_description":"save"}`), ToolContext{})
	require.False(t, res.Failed())
	assert.Equal(t, "Saved sign at 20th St.", res.Value.(AgentResult).Summary)

	require.Len(t, provider.calls, 2)
	second := provider.calls[1]
	require.Len(t, second, 4)
	assert.Equal(t, llm.RoleSystem, second[0].Role)
	assert.True(t, strings.HasPrefix(second[1].Content, "Task: "))
	assert.Equal(t, llm.RoleAssistant, second[2].Role)
	assert.Equal(t, llm.RoleTool, second[3].Role)
	assert.Equal(t, "a", second[3].ToolCallID)
	assert.JSONEq(t, `{"text":"a"}`, second[3].Content)
}

func TestAgentSynthesizedCallIDsMatch(t *testing.T) {
	first := echoCall("")
	provider := &scriptedProvider{responses: []*llm.Response{first, {Content: "done"}}}
	agent := loopingAgent(t, provider, 5)
	rec := &memoRecorder{}

	res := agent.Run(context.Background(), json.RawMessage(`{}`), ToolContext{Recorder: rec})
	require.False(t, res.Failed())

	require.Len(t, provider.calls, 2)
	second := provider.calls[1]
	require.Len(t, second, 4)
	require.Len(t, second[2].ToolCalls, 1)
	assert.Equal(t, "location_agent-0-0", second[2].ToolCalls[0].ID)
	assert.Equal(t, second[2].ToolCalls[0].ID, second[3].ToolCallID)
	assert.Equal(t, []string{"location_agent/echo/location_agent-0-0"}, rec.calls)
	assert.Empty(t, first.ToolCalls[0].ID, "provider response must not be mutated")
}

func TestAgentProviderErrorFails(t *testing.T) {
	agent := loopingAgent(t, errProvider{}, 3)
	res := agent.Run(context.Background(), json.RawMessage(`{}`), ToolContext{})
	require.True(t, res.Failed())
	assert.Equal(t, CodeExecutionFailed, res.Err.Code)
}

func TestAgentEmptyAnswerUsesFallback(t *testing.T) {
	agent := loopingAgent(t, &scriptedProvider{responses: []*llm.Response{{}}}, 3)
	res := agent.Run(context.Background(), json.RawMessage(`{}`), ToolContext{})
	require.False(t, res.Failed())
	assert.Equal(t, "No changes made.", res.Value.(AgentResult).Summary)
}

func TestNormalizeArgs(t *testing.T) {
	assert.JSONEq(t, `{}`, string(normalizeArgs(nil)))
	assert.JSONEq(t, `{"a":1}`, string(normalizeArgs(json.RawMessage(`{"a":1}`))))
	assert.JSONEq(t, `"{broken"`, string(normalizeArgs(json.RawMessage(`{broken`))))
}
