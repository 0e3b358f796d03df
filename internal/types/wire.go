package types

import (
	"encoding/json"
	"time"
)

// Live event types pushed to an attached client.
const (
	EventReasoningDelta = "reasoning_delta"
	EventContentDelta   = "content_delta"
	EventStatus         = "status"
	EventEntry          = "entry"
	EventTurnComplete   = "turn_complete"
)

// WireEntry is the client-facing representation of an Entry, used both for
// live pushes and history fetches.
type WireEntry struct {
	ID        EntryID         `json:"id"`
	SessionID SessionID       `json:"session_id"`
	Kind      Kind            `json:"kind"`
	Data      json.RawMessage `json:"data"`
	Status    *Status         `json:"status"`
	CreatedAt string          `json:"created_at"`
}

func ToWire(e *Entry) WireEntry {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	var status *Status
	if e.Status != nil {
		s := *e.Status
		status = &s
	}
	return WireEntry{
		ID:        e.ID,
		SessionID: e.SessionID,
		Kind:      e.Kind,
		Data:      data,
		Status:    status,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// LiveEvent is one message on a session's live connection.
type LiveEvent struct {
	Type    string     `json:"type"`
	Text    string     `json:"text,omitempty"`
	EntryID EntryID    `json:"entry_id,omitempty"`
	Status  Status     `json:"status,omitempty"`
	Entry   *WireEntry `json:"entry,omitempty"`
}

func ReasoningDelta(text string) LiveEvent {
	return LiveEvent{Type: EventReasoningDelta, Text: text}
}

func ContentDelta(text string) LiveEvent {
	return LiveEvent{Type: EventContentDelta, Text: text}
}

func StatusEvent(id EntryID, status Status) LiveEvent {
	return LiveEvent{Type: EventStatus, EntryID: id, Status: status}
}

func EntryEvent(e *Entry) LiveEvent {
	w := ToWire(e)
	return LiveEvent{Type: EventEntry, Entry: &w}
}

func TurnComplete() LiveEvent {
	return LiveEvent{Type: EventTurnComplete}
}
