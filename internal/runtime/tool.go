package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/user/towdyouso/internal/types"
	"github.com/user/towdyouso/pkg/llm"
)

// Error codes carried by failed Results.
const (
	CodeToolNotFound     = "tool_not_found"
	CodeInvalidArguments = "invalid_arguments"
	CodeToolPanic        = "tool_panic"
	CodeExecutionFailed  = "execution_failed"
	CodeInterrupted      = "interrupted"
)

// ToolSpec describes a tool to the model. A non-empty Agent marks a tool
// backed by a sub-agent, which the session runtime executes with the
// sub-agent protocol.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Agent       string
}

// ToolError is the failure half of a Result.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the outcome of a tool execution. Exactly one of Value and Err is
// meaningful.
type Result struct {
	Value any
	Err   *ToolError
}

// OK wraps a successful tool value.
func OK(v any) Result {
	return Result{Value: v}
}

// Fail builds a failed result.
func Fail(code, format string, args ...any) Result {
	return Result{Err: &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Failed reports whether the result is an error.
func (r Result) Failed() bool {
	return r.Err != nil
}

// JSON renders the result as stored in a tool_result entry: the value on
// success, {"error": message, "code": code} on failure.
func (r Result) JSON() json.RawMessage {
	if r.Err != nil {
		data, _ := json.Marshal(r.Err)
		return data
	}
	if raw, ok := r.Value.(json.RawMessage); ok && json.Valid(raw) {
		return raw
	}
	data, err := json.Marshal(r.Value)
	if err != nil {
		data, _ = json.Marshal(&ToolError{Code: CodeExecutionFailed, Message: "unserializable tool result"})
	}
	return data
}

// Recorder receives the internal tool activity of a sub-agent so that it is
// logged against the parent session.
type Recorder interface {
	RecordCall(ctx context.Context, agent, callID, toolName string, args json.RawMessage)
	RecordResult(ctx context.Context, agent, callID string, res Result)
}

// ToolContext identifies the call being executed.
type ToolContext struct {
	SessionID types.SessionID
	CallID    string
	EntryID   types.EntryID
	// Recorder is set for sub-agent tools.
	Recorder Recorder
}

// Tool is an executable capability offered to the model.
type Tool interface {
	Describe() ToolSpec
	Run(ctx context.Context, args json.RawMessage, tc ToolContext) Result
}

type registered struct {
	tool   Tool
	spec   ToolSpec
	schema *jsonschema.Schema
}

// Registry maps tool names to tools. It is built once at startup and
// passed to whatever needs it.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registered)}
}

// Register adds a tool to the registry, compiling its parameter schema.
func (r *Registry) Register(t Tool) error {
	spec := t.Describe()
	if spec.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	params := spec.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
		spec.Parameters = params
	}
	schema, err := jsonschema.CompileString(spec.Name+".schema.json", string(params))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	r.tools[spec.Name] = &registered{tool: t, spec: spec, schema: schema}
	return nil
}

// Lookup returns a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// Spec returns the spec of a registered tool.
func (r *Registry) Spec(name string) (ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return ToolSpec{}, false
	}
	return reg.spec, true
}

// Specs returns all tool specs sorted by name.
func (r *Registry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSpec, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all tool names sorted.
func (r *Registry) Names() []string {
	specs := r.Specs()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// Subset returns a new registry holding only the named tools.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub := NewRegistry()
	for _, name := range names {
		reg, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("tool %s: %w", name, types.ErrNotFound)
		}
		sub.tools[name] = reg
	}
	return sub, nil
}

// AsLLMTools converts registered tools to the LLM provider format.
func (r *Registry) AsLLMTools() []llm.Tool {
	specs := r.Specs()
	out := make([]llm.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}

// Execute validates args and runs the named tool. Every failure, including a
// panicking tool, comes back as a failed Result.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, tc ToolContext) (res Result) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Fail(CodeToolNotFound, "unknown tool %q", name)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return Fail(CodeInvalidArguments, "arguments are not valid JSON: %v", err)
	}
	if err := reg.schema.Validate(decoded); err != nil {
		return Fail(CodeInvalidArguments, "%v", err)
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("tool panicked", "tool", name, "session_id", string(tc.SessionID), "panic", p)
			res = Fail(CodeToolPanic, "tool %s panicked", name)
		}
	}()
	return reg.tool.Run(ctx, args, tc)
}

// FuncTool adapts a function into a Tool.
type FuncTool struct {
	Spec ToolSpec
	Fn   func(ctx context.Context, args json.RawMessage, tc ToolContext) Result
}

func (f *FuncTool) Describe() ToolSpec { return f.Spec }

func (f *FuncTool) Run(ctx context.Context, args json.RawMessage, tc ToolContext) Result {
	return f.Fn(ctx, args, tc)
}
