package parser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

var openCodeToolPart = field("type", "tool")

// OpenCode splits a session across storage/session, storage/message and storage/part.
type openCodeSession struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"projectID"`
	Directory string       `json:"directory"`
	Title     string       `json:"title"`
	Time      openCodeTime `json:"time"`
}

type openCodeTime struct {
	Created   int64 `json:"created"`
	Updated   int64 `json:"updated"`
	Completed int64 `json:"completed"`
}

type openCodeMessage struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionID"`
	Role      string       `json:"role"`
	ModelID   string       `json:"modelID"`
	Time      openCodeTime `json:"time"`

	raw json.RawMessage
}

type openCodePart struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text"`
	Tool string `json:"tool"`
}

type openCodeParser struct{}

// NewOpenCodeParser parses ~/.local/share/opencode/storage/session/<project>/ses_*.json.
func NewOpenCodeParser() Parser {
	return openCodeParser{}
}

func (openCodeParser) Source() session.Source {
	return session.SourceOpenCode
}

// storageRoot maps storage/session/<project>/ses_x.json to storage/.
func storageRoot(path string) string {
	return filepath.Dir(filepath.Dir(filepath.Dir(path)))
}

func (openCodeParser) readSession(path string) (*openCodeSession, json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read session file: %w", err)
	}
	var s openCodeSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, nil, &FormatError{Source: session.SourceOpenCode, Path: path, Reason: "not a JSON object", Err: err}
	}
	if s.ID == "" {
		return nil, nil, &FormatError{Source: session.SourceOpenCode, Path: path, Reason: "missing session id"}
	}
	return &s, data, nil
}

// readMessages loads every message of a session ordered by creation time.
// Unreadable message files are skipped.
func (openCodeParser) readMessages(root, sessionID string) []openCodeMessage {
	dir := filepath.Join(root, "message", sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var msgs []openCodeMessage
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var m openCodeMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if m.ID == "" {
			m.ID = strings.TrimSuffix(e.Name(), ".json")
		}
		m.raw = data
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Time.Created != msgs[j].Time.Created {
			return msgs[i].Time.Created < msgs[j].Time.Created
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}

// partFiles returns the raw part files of a message ordered by part id.
func (openCodeParser) partFiles(root, messageID string) [][]byte {
	dir := filepath.Join(root, "part", messageID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out [][]byte
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

// isToolPart reports whether a part file decodes as a tool invocation.
func isToolPart(data []byte) bool {
	if !openCodeToolPart.in(data) {
		return false
	}
	var part openCodePart
	return json.Unmarshal(data, &part) == nil && part.Type == "tool"
}

func (p openCodeParser) ParseLightweight(path string) (*Metadata, error) {
	s, raw, err := p.readSession(path)
	if err != nil {
		return nil, err
	}
	root := storageRoot(path)

	md := &Metadata{
		NativeID:  s.ID,
		CWD:       s.Directory,
		StartTime: parseMillis(s.Time.Created),
		EndTime:   parseMillis(s.Time.Updated),
		Header:    copyBytes(raw),
	}
	if !strings.HasPrefix(s.Title, "New session - ") {
		md.titleHint = cleanTitle(s.Title)
	}

	for _, m := range p.readMessages(root, s.ID) {
		md.EventCount++
		if md.Model == "" {
			md.Model = m.ModelID
		}
		for _, part := range p.partFiles(root, m.ID) {
			if isToolPart(part) {
				md.CommandCount++
			}
		}
		if t := parseMillis(m.Time.Completed); t.After(md.EndTime) {
			md.EndTime = t
		}
	}
	md.finish()
	return md, nil
}

func (p openCodeParser) ParseFull(path string) ([]session.Event, error) {
	s, _, err := p.readSession(path)
	if err != nil {
		return nil, err
	}
	root := storageRoot(path)

	var events []session.Event
	for _, m := range p.readMessages(root, s.ID) {
		ev := session.Event{
			Role:      m.Role,
			Kind:      session.KindUser,
			Model:     m.ModelID,
			Timestamp: parseMillis(m.Time.Created),
			Raw:       m.raw,
		}
		if m.Role == "assistant" {
			ev.Kind = session.KindAssistant
		}

		var texts []string
		for _, data := range p.partFiles(root, m.ID) {
			var part openCodePart
			if err := json.Unmarshal(data, &part); err != nil {
				continue
			}
			switch part.Type {
			case "text":
				texts = append(texts, part.Text)
			case "tool":
				ev.Tools = append(ev.Tools, part.Tool)
			}
		}
		ev.Text = joinNonEmpty(texts)
		if ev.Kind == session.KindAssistant && ev.Text == "" && len(ev.Tools) > 0 {
			ev.Kind = session.KindToolCall
		}
		events = append(events, ev)
	}
	return numberEvents(events), nil
}
