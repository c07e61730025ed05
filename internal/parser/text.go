package parser

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const maxTitleRunes = 120

// syntheticPrefixes mark user records injected by the agent rather than typed by a person.
var syntheticPrefixes = []string{
	"<environment_context>",
	"<user_instructions>",
	"<command-name>",
	"<command-message>",
	"<local-command-stdout>",
	"Caveat:",
	"# AGENTS.md",
}

func isSyntheticPrompt(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	for _, p := range syntheticPrefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// cleanTitle collapses whitespace and truncates to a display-sized title.
func cleanTitle(text string) string {
	t := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(t) <= maxTitleRunes {
		return t
	}
	runes := []rune(t)
	return string(runes[:maxTitleRunes-3]) + "..."
}

// promptTitle returns a title for a user prompt, or "" when the prompt is synthetic.
func promptTitle(text string) string {
	if isSyntheticPrompt(text) {
		return ""
	}
	return cleanTitle(text)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseMillis converts an epoch-milliseconds value, as written by OpenCode.
func parseMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// fieldPattern matches a `"key":"value"` pair in raw JSON without decoding it.
// Values inside JSON strings are escaped, so only structural keys match, but a
// nested object matches as well as the top level. A hit is a hint, not a count.
type fieldPattern struct {
	compact []byte
	spaced  []byte
}

func field(key, value string) fieldPattern {
	k := strconv.Quote(key)
	v := strconv.Quote(value)
	return fieldPattern{
		compact: []byte(k + ":" + v),
		spaced:  []byte(k + ": " + v),
	}
}

func (p fieldPattern) in(line []byte) bool {
	return bytes.Contains(line, p.compact) || bytes.Contains(line, p.spaced)
}

// contentBlock is the union of block shapes used by Claude, Droid and Codex messages.
type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
}

// decodeContent accepts either a plain string or an array of blocks.
func decodeContent(raw json.RawMessage) (string, []contentBlock) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, nil
		}
		return "", nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil
	}
	return "", blocks
}

// blockText joins the text of text-like blocks.
func blockText(blocks []contentBlock, types ...string) string {
	var parts []string
	for _, b := range blocks {
		for _, t := range types {
			if b.Type == t && strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
				break
			}
		}
	}
	return strings.Join(parts, "\n")
}

// toolResultText flattens a tool_result block's content.
func toolResultText(b contentBlock) string {
	text, blocks := decodeContent(b.Content)
	if text != "" {
		return text
	}
	return blockText(blocks, "text")
}

func copyBytes(b []byte) json.RawMessage {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func joinNonEmpty(parts []string) string {
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}
