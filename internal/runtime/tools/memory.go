package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/user/towdyouso/internal/runtime"
	"github.com/user/towdyouso/internal/types"
)

// MemoryTools returns the memory CRUD tools over store.
func MemoryTools(store types.MemoryStore) []runtime.Tool {
	return []runtime.Tool{
		&MemoryCreate{store: store},
		&MemoryUpdate{store: store},
		&MemoryDelete{store: store},
		&MemoryList{store: store},
	}
}

type memoryView struct {
	ID      types.MemoryID `json:"id"`
	Content string         `json:"content"`
}

// MemoryCreate stores a new user fact.
type MemoryCreate struct{ store types.MemoryStore }

func (m *MemoryCreate) Describe() runtime.ToolSpec {
	return runtime.ToolSpec{
		Name:        "memory_create",
		Description: "Create a new user memory.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string", "description": "Human-readable memory text, e.g. 'User lives in San Francisco'."}
			},
			"required": ["content"]
		}`),
	}
}

func (m *MemoryCreate) Run(ctx context.Context, args json.RawMessage, _ runtime.ToolContext) runtime.Result {
	var params struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return runtime.Fail(runtime.CodeInvalidArguments, "parse args: %v", err)
	}
	content := strings.TrimSpace(params.Content)
	if content == "" {
		return runtime.Fail(runtime.CodeInvalidArguments, "content is required")
	}
	mem, err := m.store.Create(ctx, content)
	if err != nil {
		return runtime.Fail(runtime.CodeExecutionFailed, "create memory: %v", err)
	}
	return runtime.OK(memoryView{ID: mem.ID, Content: mem.Content})
}

// MemoryUpdate replaces the content of an existing memory.
type MemoryUpdate struct{ store types.MemoryStore }

func (m *MemoryUpdate) Describe() runtime.ToolSpec {
	return runtime.ToolSpec{
		Name:        "memory_update",
		Description: "Update the content of an existing user memory.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"memory_id": {"type": "string", "description": "The ID of the memory to update."},
				"content": {"type": "string", "description": "The new memory text."}
			},
			"required": ["memory_id", "content"]
		}`),
	}
}

func (m *MemoryUpdate) Run(ctx context.Context, args json.RawMessage, _ runtime.ToolContext) runtime.Result {
	var params struct {
		MemoryID string `json:"memory_id"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return runtime.Fail(runtime.CodeInvalidArguments, "parse args: %v", err)
	}
	mem, err := m.store.Update(ctx, types.MemoryID(params.MemoryID), strings.TrimSpace(params.Content))
	if errors.Is(err, types.ErrNotFound) {
		return runtime.Fail(runtime.CodeExecutionFailed, "Memory %s not found", params.MemoryID)
	}
	if err != nil {
		return runtime.Fail(runtime.CodeExecutionFailed, "update memory: %v", err)
	}
	return runtime.OK(memoryView{ID: mem.ID, Content: mem.Content})
}

// MemoryDelete removes a memory.
type MemoryDelete struct{ store types.MemoryStore }

func (m *MemoryDelete) Describe() runtime.ToolSpec {
	return runtime.ToolSpec{
		Name:        "memory_delete",
		Description: "Delete an existing user memory.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"memory_id": {"type": "string", "description": "The ID of the memory to delete."}
			},
			"required": ["memory_id"]
		}`),
	}
}

func (m *MemoryDelete) Run(ctx context.Context, args json.RawMessage, _ runtime.ToolContext) runtime.Result {
	var params struct {
		MemoryID string `json:"memory_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return runtime.Fail(runtime.CodeInvalidArguments, "parse args: %v", err)
	}
	err := m.store.Delete(ctx, types.MemoryID(params.MemoryID))
	if errors.Is(err, types.ErrNotFound) {
		return runtime.Fail(runtime.CodeExecutionFailed, "Memory %s not found", params.MemoryID)
	}
	if err != nil {
		return runtime.Fail(runtime.CodeExecutionFailed, "delete memory: %v", err)
	}
	return runtime.OK(map[string]string{"deleted": params.MemoryID})
}

// MemoryList returns every stored memory with its ID.
type MemoryList struct{ store types.MemoryStore }

func (m *MemoryList) Describe() runtime.ToolSpec {
	return runtime.ToolSpec{
		Name:        "memory_list",
		Description: "List all existing user memories with their IDs.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

func (m *MemoryList) Run(ctx context.Context, _ json.RawMessage, _ runtime.ToolContext) runtime.Result {
	memories, err := m.store.List(ctx)
	if err != nil {
		return runtime.Fail(runtime.CodeExecutionFailed, "list memories: %v", err)
	}
	views := make([]memoryView, 0, len(memories))
	for _, mem := range memories {
		views = append(views, memoryView{ID: mem.ID, Content: mem.Content})
	}
	return runtime.OK(map[string]any{"memories": views})
}
