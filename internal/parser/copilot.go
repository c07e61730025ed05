package parser

import (
	"encoding/json"
	"time"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

var (
	copilotUser      = field("type", "user.message")
	copilotAssistant = field("type", "assistant.message")
	copilotToolStart = field("type", "tool.execution_start")
	copilotToolDone  = field("type", "tool.execution_complete")
	copilotError     = field("type", "session.error")
)

// copilotRecord is one line of ~/.copilot/session-state/<id>.jsonl or <id>/events.jsonl.
type copilotRecord struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Data      copilotData `json:"data"`
}

type copilotData struct {
	SessionID     string `json:"sessionId"`
	StartTime     string `json:"startTime"`
	SelectedModel string `json:"selectedModel"`
	NewModel      string `json:"newModel"`
	Content       string `json:"content"`
	Message       string `json:"message"`
	ToolName      string `json:"toolName"`
	Context       struct {
		CWD string `json:"cwd"`
	} `json:"context"`
	Result struct {
		Content string `json:"content"`
	} `json:"result"`
}

// NewCopilotParser parses Copilot CLI event logs.
func NewCopilotParser() Parser {
	return &jsonlParser{d: dialect{
		source:  session.SourceCopilot,
		probe:   probeCopilot,
		tally:   tallyCopilot,
		inspect: inspectCopilot,
		decode:  decodeCopilot,
	}}
}

func probeCopilot(line []byte) bool {
	return copilotToolStart.in(line) || copilotUser.in(line) || copilotAssistant.in(line) ||
		copilotToolDone.in(line) || copilotError.in(line)
}

func tallyCopilot(line []byte) (int, int, bool) {
	var rec copilotRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return 0, 0, false
	}
	switch rec.Type {
	case "tool.execution_start":
		return 1, 1, true
	case "user.message", "assistant.message", "tool.execution_complete", "session.error":
		return 1, 0, true
	}
	return 0, 0, true
}

func inspectCopilot(line []byte, md *Metadata) (time.Time, bool) {
	var rec copilotRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return time.Time{}, false
	}
	switch rec.Type {
	case "session.start":
		if md.NativeID == "" {
			md.NativeID = rec.Data.SessionID
		}
		if md.CWD == "" {
			md.CWD = rec.Data.Context.CWD
		}
		if md.Model == "" {
			md.Model = rec.Data.SelectedModel
		}
		if md.Header == nil {
			md.Header = copyBytes(line)
		}
		if ts := parseTime(rec.Data.StartTime); !ts.IsZero() {
			return ts, true
		}
	case "session.model_change":
		if md.Model == "" {
			md.Model = rec.Data.NewModel
		}
	case "user.message":
		if md.Title == "" {
			md.Title = promptTitle(rec.Data.Content)
		}
	}
	return parseTime(rec.Timestamp), true
}

func decodeCopilot(line []byte) ([]session.Event, bool) {
	var rec copilotRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, false
	}

	ev := session.Event{
		Timestamp: parseTime(rec.Timestamp),
		Raw:       copyBytes(line),
	}
	switch rec.Type {
	case "user.message":
		ev.Kind, ev.Role, ev.Text = session.KindUser, "user", rec.Data.Content
	case "assistant.message":
		ev.Kind, ev.Role, ev.Text = session.KindAssistant, "assistant", rec.Data.Content
	case "tool.execution_start":
		ev.Kind, ev.Role = session.KindToolCall, "assistant"
		ev.Tools = []string{rec.Data.ToolName}
	case "tool.execution_complete":
		ev.Kind, ev.Role, ev.Text = session.KindToolResult, "tool", rec.Data.Result.Content
	case "session.error":
		ev.Kind, ev.Role, ev.Text = session.KindError, "system", rec.Data.Message
	default:
		return nil, true
	}
	return []session.Event{ev}, true
}
