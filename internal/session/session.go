package session

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"time"
)

// NoPromptTitle is the display title for sessions without a user prompt.
const NoPromptTitle = "No prompt"

// Fingerprint identifies a file version without reading its content.
type Fingerprint struct {
	Size      int64
	ModTimeNs int64
}

// FingerprintOf builds a fingerprint from a size and modification time.
func FingerprintOf(size int64, modTime time.Time) Fingerprint {
	return Fingerprint{Size: size, ModTimeNs: modTime.UnixNano()}
}

// ModTime returns the fingerprint's modification time.
func (f Fingerprint) ModTime() time.Time {
	return time.Unix(0, f.ModTimeNs)
}

// State is the hydration state of a session.
type State int

const (
	StateUnknown State = iota
	StateLightweight
	StateHydrated
)

func (s State) String() string {
	switch s {
	case StateLightweight:
		return "lightweight"
	case StateHydrated:
		return "hydrated"
	default:
		return "unknown"
	}
}

// Session is the normalized, immutable view of one agent session log.
// A session is lightweight when Events is empty and hydrated otherwise.
// Use With to derive modified copies.
type Session struct {
	ID       string `json:"id"`
	Source   Source `json:"source"`
	NativeID string `json:"native_id,omitempty"`

	StartTime time.Time `json:"start_time,omitempty"` // zero when the log has no time anchor
	EndTime   time.Time `json:"end_time,omitempty"`

	Model         string      `json:"model,omitempty"`
	FilePath      string      `json:"file_path"`
	FileSizeBytes int64       `json:"file_size_bytes"`
	Fingerprint   Fingerprint `json:"-"`
	CWD           string      `json:"cwd,omitempty"`
	RepoName      string      `json:"repo_name,omitempty"`

	Title        string  `json:"title"`
	EventCount   int     `json:"event_count"`
	CommandCount int     `json:"command_count"`
	Events       []Event `json:"events,omitempty"`
}

// NewID derives the stable session id for a source file.
func NewID(source Source, path string) string {
	hash := sha256.Sum256([]byte(filepath.Clean(path)))
	return string(source) + ":" + hex.EncodeToString(hash[:])[:16]
}

// State reports whether the session is lightweight or hydrated.
func (s Session) State() State {
	if s.ID == "" {
		return StateUnknown
	}
	if len(s.Events) == 0 {
		return StateLightweight
	}
	return StateHydrated
}

// IsHydrated reports whether transcript events are materialized.
func (s Session) IsHydrated() bool {
	return len(s.Events) > 0
}

// Duration returns EndTime-StartTime, or zero if either anchor is missing.
func (s Session) Duration() time.Duration {
	if s.StartTime.IsZero() || s.EndTime.IsZero() || s.EndTime.Before(s.StartTime) {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Option overrides one field of a Session.
type Option func(*Session)

// With returns a copy of s with opts applied. The receiver is never modified.
func (s Session) With(opts ...Option) Session {
	out := s
	if s.Events != nil {
		out.Events = append([]Event(nil), s.Events...)
	}
	for _, opt := range opts {
		opt(&out)
	}
	return out
}

// WithEvents materializes events and keeps EventCount and CommandCount in sync.
// Passing no events demotes the copy back to lightweight without touching the counts.
func WithEvents(events []Event) Option {
	return func(s *Session) {
		if len(events) == 0 {
			s.Events = nil
			return
		}
		s.Events = append([]Event(nil), events...)
		s.EventCount = len(events)
		s.CommandCount = CountCommands(events)
	}
}

func WithTitle(title string) Option {
	return func(s *Session) { s.Title = title }
}

func WithModel(model string) Option {
	return func(s *Session) { s.Model = model }
}

func WithStartTime(t time.Time) Option {
	return func(s *Session) { s.StartTime = t }
}

func WithEndTime(t time.Time) Option {
	return func(s *Session) { s.EndTime = t }
}

func WithRepoName(name string) Option {
	return func(s *Session) { s.RepoName = name }
}

// WithCounts sets the authoritative counts of a lightweight session.
func WithCounts(events, commands int) Option {
	return func(s *Session) {
		s.EventCount = events
		s.CommandCount = commands
	}
}

// WithFile sets the backing file location and fingerprint.
func WithFile(path string, fp Fingerprint) Option {
	return func(s *Session) {
		s.FilePath = path
		s.FileSizeBytes = fp.Size
		s.Fingerprint = fp
	}
}
