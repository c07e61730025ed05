package parser

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

var (
	droidMessage  = field("type", "message")
	droidRoleUser = field("role", "user")
	droidRoleAsst = field("role", "assistant")
)

// droidRecord is one line of ~/.factory/sessions/<encoded-cwd>/<id>.jsonl.
type droidRecord struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	CWD       string         `json:"cwd"`
	Timestamp string         `json:"timestamp"`
	Message   *claudeMessage `json:"message"`
}

// NewDroidParser parses Factory Droid session logs.
func NewDroidParser() Parser {
	return &jsonlParser{d: dialect{
		source:  session.SourceDroid,
		probe:   probeDroid,
		tally:   tallyDroid,
		inspect: inspectDroid,
		decode:  decodeDroid,
		finish:  droidSettings,
	}}
}

func probeDroid(line []byte) bool {
	return droidMessage.in(line) && (droidRoleUser.in(line) || droidRoleAsst.in(line))
}

func tallyDroid(line []byte) (int, int, bool) {
	var rec droidRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return 0, 0, false
	}
	if rec.Type != "message" || rec.Message == nil {
		return 0, 0, true
	}
	switch rec.Message.Role {
	case "user":
		return 1, 0, true
	case "assistant":
		return 1, toolUses(rec.Message.Content), true
	}
	return 0, 0, true
}

func inspectDroid(line []byte, md *Metadata) (time.Time, bool) {
	var rec droidRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return time.Time{}, false
	}
	switch rec.Type {
	case "session_start":
		if md.NativeID == "" {
			md.NativeID = rec.ID
		}
		if md.CWD == "" {
			md.CWD = rec.CWD
		}
		if md.titleHint == "" {
			md.titleHint = cleanTitle(rec.Title)
		}
		if md.Header == nil {
			md.Header = copyBytes(line)
		}
	case "message":
		if md.Title == "" && rec.Message != nil && rec.Message.Role == "user" {
			text, blocks := decodeContent(rec.Message.Content)
			if text == "" {
				text = blockText(blocks, "text")
			}
			md.Title = promptTitle(text)
		}
		if md.Model == "" && rec.Message != nil {
			md.Model = rec.Message.Model
		}
	}
	return parseTime(rec.Timestamp), true
}

func decodeDroid(line []byte) ([]session.Event, bool) {
	var rec droidRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, false
	}
	if rec.Type != "message" || rec.Message == nil {
		return nil, true
	}
	role := rec.Message.Role
	if role != "user" && role != "assistant" {
		return nil, true
	}

	ev := session.Event{
		Role:      role,
		Model:     rec.Message.Model,
		Timestamp: parseTime(rec.Timestamp),
		Raw:       copyBytes(line),
	}
	messageEvent(&ev, role, rec.Message.Content)
	return []session.Event{ev}, true
}

// droidSettings reads the model from the <id>.settings.json sidecar when present.
func droidSettings(path string, md *Metadata) {
	if md.Model != "" {
		return
	}
	data, err := os.ReadFile(strings.TrimSuffix(path, ".jsonl") + ".settings.json")
	if err != nil {
		return
	}
	var settings struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(data, &settings); err == nil {
		md.Model = settings.Model
	}
}
