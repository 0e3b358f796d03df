// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

type Session struct {
	ID        SessionID  `json:"id"`
	ParentID  SessionID  `json:"parent_id,omitempty"`
	Key       SessionKey `json:"key,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Kind identifies what an entry records in the conversation log.
type Kind string

const (
	KindUserMessage      Kind = "user_message"
	KindAssistantMessage Kind = "assistant_message"
	KindToolCall         Kind = "tool_call"
	KindToolResult       Kind = "tool_result"
	KindReasoning        Kind = "reasoning"
	KindSubAgentCall     Kind = "sub_agent_call"
	KindSubAgentResult   Kind = "sub_agent_result"
)

// Executable reports whether entries of this kind carry a status and are
// processed by a session worker.
func (k Kind) Executable() bool {
	return k == KindToolCall || k == KindSubAgentCall
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUserMessage, KindAssistantMessage, KindToolCall, KindToolResult,
		KindReasoning, KindSubAgentCall, KindSubAgentResult:
		return true
	}
	return false
}

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusDone, StatusFailed:
		return 2
	}
	return -1
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// CanTransition reports whether an entry in status from may move to status to.
// Transitions only move forward: pending -> running -> done|failed, where
// skipping running is allowed.
func CanTransition(from, to Status) bool {
	if from.rank() < 0 || to.rank() < 0 {
		return false
	}
	return to.rank() > from.rank()
}

// Entry is one record in a session's append-only conversation log. Only
// Status ever changes after the entry is written.
type Entry struct {
	ID           EntryID         `json:"id"`
	SessionID    SessionID       `json:"session_id"`
	Seq          int64           `json:"seq"`
	Kind         Kind            `json:"kind"`
	Data         json.RawMessage `json:"data"`
	Status       *Status         `json:"status"`
	AttachmentID FileID          `json:"attachment_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// StatusOrEmpty returns the entry status, or "" for non-executable entries.
func (e *Entry) StatusOrEmpty() Status {
	if e.Status == nil {
		return ""
	}
	return *e.Status
}

// Clone returns a copy that does not share the status pointer.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Status != nil {
		s := *e.Status
		c.Status = &s
	}
	return &c
}

// Decode unmarshals the entry data into v.
func (e *Entry) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type MessageData struct {
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
	FileID   FileID `json:"file_id,omitempty"`
}

type ToolCallData struct {
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	AgentName string          `json:"agent_name,omitempty"`
}

type ToolResultData struct {
	CallID    string          `json:"call_id"`
	Result    json.RawMessage `json:"result"`
	AgentName string          `json:"agent_name,omitempty"`
}

type SubAgentCallData struct {
	CallID    string `json:"call_id"`
	AgentName string `json:"agent_name"`
}

type SubAgentResultData struct {
	CallID string          `json:"call_id"`
	Result json.RawMessage `json:"result"`
}

type UploadedFile struct {
	ID         FileID    `json:"id"`
	StorageKey string    `json:"storage_key"`
	Filename   string    `json:"filename"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

type Memory struct {
	ID        MemoryID  `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SignLocation struct {
	ID             SignID    `json:"id"`
	UploadedFileID FileID    `json:"uploaded_file_id"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Description    string    `json:"description"`
	SignText       string    `json:"sign_text"`
	CreatedAt      time.Time `json:"created_at"`
}
