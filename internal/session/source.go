package session

import (
	"fmt"
	"sort"
	"strings"
)

// Source identifies the agent CLI that produced a session log.
type Source string

const (
	SourceClaude   Source = "claude"   // Claude Code (~/.claude/projects)
	SourceCodex    Source = "codex"    // OpenAI Codex CLI (~/.codex/sessions)
	SourceGemini   Source = "gemini"   // Gemini CLI (~/.gemini/tmp)
	SourceOpenCode Source = "opencode" // OpenCode (~/.local/share/opencode/storage)
	SourceCopilot  Source = "copilot"  // GitHub Copilot CLI (~/.copilot/session-state)
	SourceDroid    Source = "droid"    // Factory Droid (~/.factory/sessions)
)

// AllSources lists every supported source in display order.
var AllSources = []Source{
	SourceClaude,
	SourceCodex,
	SourceGemini,
	SourceOpenCode,
	SourceCopilot,
	SourceDroid,
}

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	for _, known := range AllSources {
		if s == known {
			return true
		}
	}
	return false
}

// ParseSource converts a user-supplied name into a Source.
func ParseSource(name string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(name)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown source %q", name)
	}
	return s, nil
}

// SortSources returns a sorted copy of sources with duplicates removed.
func SortSources(sources []Source) []Source {
	seen := make(map[Source]bool, len(sources))
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
