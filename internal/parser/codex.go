package parser

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

var (
	codexResponseItem = field("type", "response_item")
	codexMessage      = field("type", "message")
	codexRoleUser     = field("role", "user")
	codexRoleAsst     = field("role", "assistant")

	codexToolCalls = []fieldPattern{
		field("type", "function_call"),
		field("type", "custom_tool_call"),
		field("type", "local_shell_call"),
	}
	codexToolOutputs = []fieldPattern{
		field("type", "function_call_output"),
		field("type", "custom_tool_call_output"),
	}
)

// codexRecord is one line of a Codex rollout file.
type codexRecord struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type codexPayload struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	CWD     string          `json:"cwd"`
	Model   string          `json:"model"`
	Role    string          `json:"role"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
	Output  json.RawMessage `json:"output"`
}

// NewCodexParser parses ~/.codex/sessions/YYYY/MM/DD/rollout-*.jsonl logs.
func NewCodexParser() Parser {
	return &jsonlParser{d: dialect{
		source:  session.SourceCodex,
		probe:   probeCodex,
		tally:   tallyCodex,
		inspect: inspectCodex,
		decode:  decodeCodex,
	}}
}

func probeCodex(line []byte) bool {
	if !codexResponseItem.in(line) {
		return false
	}
	if codexMessage.in(line) && (codexRoleUser.in(line) || codexRoleAsst.in(line)) {
		return true
	}
	for _, p := range codexToolCalls {
		if p.in(line) {
			return true
		}
	}
	for _, p := range codexToolOutputs {
		if p.in(line) {
			return true
		}
	}
	return false
}

func tallyCodex(line []byte) (int, int, bool) {
	rec, p, ok := decodeCodexRecord(line)
	if !ok {
		return 0, 0, false
	}
	if rec.Type != "response_item" {
		return 0, 0, true
	}
	switch p.Type {
	case "message":
		if p.Role == "user" || p.Role == "assistant" {
			return 1, 0, true
		}
	case "function_call", "custom_tool_call", "local_shell_call":
		return 1, 1, true
	case "function_call_output", "custom_tool_call_output":
		return 1, 0, true
	}
	return 0, 0, true
}

func decodeCodexRecord(line []byte) (codexRecord, codexPayload, bool) {
	var rec codexRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return rec, codexPayload{}, false
	}
	var p codexPayload
	if len(rec.Payload) > 0 && rec.Payload[0] == '{' {
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return rec, p, false
		}
	}
	return rec, p, true
}

func inspectCodex(line []byte, md *Metadata) (time.Time, bool) {
	rec, p, ok := decodeCodexRecord(line)
	if !ok {
		return time.Time{}, false
	}
	switch rec.Type {
	case "session_meta":
		if md.NativeID == "" {
			md.NativeID = p.ID
		}
		if md.CWD == "" {
			md.CWD = p.CWD
		}
		if md.Header == nil {
			md.Header = copyBytes(line)
		}
	case "turn_context":
		if md.Model == "" {
			md.Model = p.Model
		}
		if md.CWD == "" {
			md.CWD = p.CWD
		}
	case "response_item":
		if md.Title == "" && p.Type == "message" && p.Role == "user" {
			_, blocks := decodeContent(p.Content)
			md.Title = promptTitle(blockText(blocks, "input_text", "text"))
		}
	}
	return parseTime(rec.Timestamp), true
}

func decodeCodex(line []byte) ([]session.Event, bool) {
	rec, p, ok := decodeCodexRecord(line)
	if !ok {
		return nil, false
	}
	if rec.Type != "response_item" {
		return nil, true
	}

	ev := session.Event{
		Timestamp: parseTime(rec.Timestamp),
		Raw:       copyBytes(line),
	}
	switch p.Type {
	case "message":
		if p.Role != "user" && p.Role != "assistant" {
			return nil, true
		}
		_, blocks := decodeContent(p.Content)
		ev.Role = p.Role
		ev.Kind = session.KindUser
		if p.Role == "assistant" {
			ev.Kind = session.KindAssistant
		}
		ev.Text = blockText(blocks, "input_text", "output_text", "text")
	case "function_call", "custom_tool_call", "local_shell_call":
		name := p.Name
		if name == "" {
			name = "shell"
		}
		ev.Role = "assistant"
		ev.Kind = session.KindToolCall
		ev.Tools = []string{name}
	case "function_call_output", "custom_tool_call_output":
		ev.Role = "tool"
		ev.Kind = session.KindToolResult
		ev.Text = codexOutputText(p.Output)
	default:
		return nil, true
	}
	return []session.Event{ev}, true
}

// codexOutputText unwraps outputs that are either plain text or JSON-encoded {"output": ...}.
func codexOutputText(raw json.RawMessage) string {
	var wrapped struct {
		Output string `json:"output"`
	}
	text, _ := decodeContent(raw)
	if text == "" {
		if err := json.Unmarshal(raw, &wrapped); err == nil {
			return wrapped.Output
		}
		return ""
	}
	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		if err := json.Unmarshal([]byte(text), &wrapped); err == nil && wrapped.Output != "" {
			return wrapped.Output
		}
	}
	return text
}
