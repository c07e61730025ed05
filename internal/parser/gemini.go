package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

// geminiChat is a Gemini CLI checkpoint file (~/.gemini/tmp/<hash>/chats/session-*.json).
type geminiChat struct {
	SessionID   string          `json:"sessionId"`
	ProjectHash string          `json:"projectHash"`
	StartTime   string          `json:"startTime"`
	LastUpdated string          `json:"lastUpdated"`
	Messages    []geminiMessage `json:"messages"`
}

type geminiMessage struct {
	ID        string           `json:"id"`
	Timestamp string           `json:"timestamp"`
	Type      string           `json:"type"`
	Content   json.RawMessage  `json:"content"`
	Model     string           `json:"model"`
	ToolCalls []geminiToolCall `json:"toolCalls"`
}

type geminiToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type geminiParser struct{}

// NewGeminiParser parses Gemini CLI chat checkpoints.
func NewGeminiParser() Parser {
	return geminiParser{}
}

func (geminiParser) Source() session.Source {
	return session.SourceGemini
}

// load decodes the document twice: once typed and once as raw fields, so the
// header keeps every top-level field except the transcript.
func (g geminiParser) load(path string) (*geminiChat, []json.RawMessage, json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read session log: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &geminiChat{}, nil, nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, nil, nil, &FormatError{Source: session.SourceGemini, Path: path, Reason: "not a JSON object", Err: err}
	}
	rawMessages, ok := fields["messages"]
	if !ok {
		return nil, nil, nil, &FormatError{Source: session.SourceGemini, Path: path, Reason: "missing messages array"}
	}

	var chat geminiChat
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, nil, nil, &FormatError{Source: session.SourceGemini, Path: path, Reason: "unexpected document shape", Err: err}
	}
	var raws []json.RawMessage
	_ = json.Unmarshal(rawMessages, &raws)

	delete(fields, "messages")
	header, err := json.Marshal(fields)
	if err != nil {
		header = nil
	}
	return &chat, raws, header, nil
}

func (g geminiParser) ParseLightweight(path string) (*Metadata, error) {
	chat, _, header, err := g.load(path)
	if err != nil {
		return nil, err
	}

	md := &Metadata{
		NativeID:  chat.SessionID,
		StartTime: parseTime(chat.StartTime),
		EndTime:   parseTime(chat.LastUpdated),
		Header:    header,
	}
	for _, m := range chat.Messages {
		kind, ok := geminiKind(m.Type)
		if !ok {
			continue
		}
		md.EventCount++
		md.CommandCount += len(m.ToolCalls)
		if md.Model == "" {
			md.Model = m.Model
		}
		if md.Title == "" && kind == session.KindUser {
			md.Title = promptTitle(geminiText(m.Content))
		}
		ts := parseTime(m.Timestamp)
		if md.StartTime.IsZero() {
			md.StartTime = ts
		}
		if ts.After(md.EndTime) {
			md.EndTime = ts
		}
	}
	md.finish()
	return md, nil
}

func (g geminiParser) ParseFull(path string) ([]session.Event, error) {
	chat, raws, _, err := g.load(path)
	if err != nil {
		return nil, err
	}

	var events []session.Event
	for i, m := range chat.Messages {
		kind, ok := geminiKind(m.Type)
		if !ok {
			continue
		}
		ev := session.Event{
			Kind:      kind,
			Role:      m.Type,
			Text:      geminiText(m.Content),
			Model:     m.Model,
			Timestamp: parseTime(m.Timestamp),
		}
		if kind == session.KindAssistant {
			ev.Role = "assistant"
			for _, tc := range m.ToolCalls {
				ev.Tools = append(ev.Tools, tc.Name)
			}
		}
		if i < len(raws) {
			ev.Raw = raws[i]
		}
		events = append(events, ev)
	}
	return numberEvents(events), nil
}

func geminiKind(msgType string) (session.EventKind, bool) {
	switch msgType {
	case "user":
		return session.KindUser, true
	case "gemini", "model", "assistant":
		return session.KindAssistant, true
	case "error":
		return session.KindError, true
	}
	return "", false
}

// geminiText accepts a plain string or a list of {"text": ...} parts.
func geminiText(raw json.RawMessage) string {
	text, blocks := decodeContent(raw)
	if text != "" {
		return text
	}
	var parts []string
	for _, b := range blocks {
		if strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
