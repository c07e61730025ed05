// Package parser turns agent session logs into normalized sessions.
//
// Every source implements the same two operations: a cheap lightweight pass that
// extracts metadata and counts from a bounded head/tail scan, and a full pass that
// materializes the ordered transcript.
package parser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

// Metadata is the result of a lightweight parse.
type Metadata struct {
	NativeID     string
	CWD          string
	Model        string
	Title        string
	StartTime    time.Time
	EndTime      time.Time
	EventCount   int
	CommandCount int
	Header       json.RawMessage // raw header record, unknown fields included

	titleHint string // source-provided title used when no user prompt exists
}

// Parser is the capability set every source format implements.
type Parser interface {
	Source() session.Source
	ParseLightweight(path string) (*Metadata, error)
	ParseFull(path string) ([]session.Event, error)
}

// FormatError reports a file that is not valid for its source format at all.
type FormatError struct {
	Source session.Source
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: invalid %s session log: %s: %v", e.Path, e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: invalid %s session log: %s", e.Path, e.Source, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Registry dispatches parsing by source.
type Registry map[session.Source]Parser

// DefaultRegistry returns a registry holding every supported format.
func DefaultRegistry() Registry {
	r := Registry{}
	for _, p := range []Parser{
		NewClaudeParser(),
		NewCodexParser(),
		NewGeminiParser(),
		NewOpenCodeParser(),
		NewCopilotParser(),
		NewDroidParser(),
	} {
		r[p.Source()] = p
	}
	return r
}

// Get returns the parser registered for src.
func (r Registry) Get(src session.Source) (Parser, error) {
	p, ok := r[src]
	if !ok {
		return nil, fmt.Errorf("no parser registered for source %q", src)
	}
	return p, nil
}

// finish applies the defaults every parser shares.
func (m *Metadata) finish() {
	if m.Title == "" {
		m.Title = m.titleHint
	}
	if m.Title == "" {
		m.Title = session.NoPromptTitle
	}
	if !m.StartTime.IsZero() && m.EndTime.Before(m.StartTime) {
		m.EndTime = m.StartTime
	}
}

// numberEvents assigns sequential indexes in transcript order.
func numberEvents(events []session.Event) []session.Event {
	for i := range events {
		events[i].Index = i
	}
	return events
}
