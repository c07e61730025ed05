package parser

import (
	"encoding/json"
	"time"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

var (
	claudeUserType      = field("type", "user")
	claudeAssistantType = field("type", "assistant")
)

// claudeRecord is one line of a Claude Code project log.
type claudeRecord struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	CWD       string         `json:"cwd"`
	Timestamp string         `json:"timestamp"`
	IsMeta    bool           `json:"isMeta"`
	Message   *claudeMessage `json:"message"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
}

// NewClaudeParser parses ~/.claude/projects/<project>/<session>.jsonl logs.
func NewClaudeParser() Parser {
	return &jsonlParser{d: dialect{
		source:  session.SourceClaude,
		probe:   probeClaude,
		tally:   tallyClaude,
		inspect: inspectClaude,
		decode:  decodeClaude,
	}}
}

func probeClaude(line []byte) bool {
	return claudeUserType.in(line) || claudeAssistantType.in(line)
}

func tallyClaude(line []byte) (int, int, bool) {
	var rec claudeRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return 0, 0, false
	}
	switch rec.Type {
	case "user":
		return 1, 0, true
	case "assistant":
		var content json.RawMessage
		if rec.Message != nil {
			content = rec.Message.Content
		}
		return 1, toolUses(content), true
	}
	return 0, 0, true
}

// toolUses counts tool_use blocks the way messageEvent collects them.
func toolUses(content json.RawMessage) int {
	_, blocks := decodeContent(content)
	n := 0
	for _, b := range blocks {
		if b.Type == "tool_use" {
			n++
		}
	}
	return n
}

func inspectClaude(line []byte, md *Metadata) (time.Time, bool) {
	var rec claudeRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return time.Time{}, false
	}
	if md.NativeID == "" {
		md.NativeID = rec.SessionID
	}
	if md.CWD == "" {
		md.CWD = rec.CWD
	}
	if rec.Message != nil {
		if md.Model == "" && rec.Type == "assistant" && rec.Message.Model != "<synthetic>" {
			md.Model = rec.Message.Model
		}
		if md.Title == "" && rec.Type == "user" && !rec.IsMeta {
			text, blocks := decodeContent(rec.Message.Content)
			if text == "" {
				text = blockText(blocks, "text")
			}
			md.Title = promptTitle(text)
		}
	}
	return parseTime(rec.Timestamp), true
}

func decodeClaude(line []byte) ([]session.Event, bool) {
	var rec claudeRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, false
	}
	if rec.Type != "user" && rec.Type != "assistant" {
		return nil, true
	}

	ev := session.Event{
		Role:      rec.Type,
		Timestamp: parseTime(rec.Timestamp),
		Raw:       copyBytes(line),
	}
	var content json.RawMessage
	if rec.Message != nil {
		content = rec.Message.Content
		if rec.Message.Role != "" {
			ev.Role = rec.Message.Role
		}
		if rec.Message.Model != "<synthetic>" {
			ev.Model = rec.Message.Model
		}
	}
	messageEvent(&ev, rec.Type, content)
	return []session.Event{ev}, true
}

// messageEvent fills kind, text and tools from a Claude-style content payload.
// Droid logs share the same block vocabulary.
func messageEvent(ev *session.Event, role string, content json.RawMessage) {
	text, blocks := decodeContent(content)

	if role == "assistant" {
		ev.Kind = session.KindAssistant
		if text == "" {
			text = blockText(blocks, "text")
		}
		for _, b := range blocks {
			if b.Type == "tool_use" {
				ev.Tools = append(ev.Tools, b.Name)
			}
		}
		if text == "" && len(ev.Tools) > 0 {
			ev.Kind = session.KindToolCall
		}
		ev.Text = text
		return
	}

	ev.Kind = session.KindUser
	if text != "" || len(blocks) == 0 {
		ev.Text = text
		return
	}
	ev.Text = blockText(blocks, "text")
	if ev.Text != "" {
		return
	}
	var results []string
	for _, b := range blocks {
		if b.Type == "tool_result" {
			results = append(results, toolResultText(b))
		}
	}
	if len(results) > 0 {
		ev.Kind = session.KindToolResult
		ev.Text = joinNonEmpty(results)
	}
}
