package session

import (
	"encoding/json"
	"time"
)

// EventKind classifies a transcript event.
type EventKind string

const (
	KindUser       EventKind = "user"
	KindAssistant  EventKind = "assistant"
	KindToolCall   EventKind = "tool_call"
	KindToolResult EventKind = "tool_result"
	KindError      EventKind = "error"
)

// Event is one normalized transcript entry.
type Event struct {
	Index     int             `json:"index"`
	Kind      EventKind       `json:"kind"`
	Role      string          `json:"role,omitempty"`
	Text      string          `json:"text,omitempty"`
	Tools     []string        `json:"tools,omitempty"` // tool or command invocations in this record
	Model     string          `json:"model,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"` // original record, unknown fields included
}

// CountCommands returns the number of tool invocations in events.
func CountCommands(events []Event) int {
	n := 0
	for _, e := range events {
		n += len(e.Tools)
	}
	return n
}
