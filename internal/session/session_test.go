package session

import (
	"testing"
	"time"
)

func TestWithEventsHydratesCopy(t *testing.T) {
	base := Session{ID: NewID(SourceClaude, "/tmp/a.jsonl"), Source: SourceClaude, EventCount: 7, CommandCount: 2}

	events := []Event{
		{Index: 0, Kind: KindUser, Text: "fix the build"},
		{Index: 1, Kind: KindToolCall, Tools: []string{"Bash"}},
		{Index: 2, Kind: KindAssistant, Text: "done"},
	}
	hydrated := base.With(WithEvents(events))

	if base.IsHydrated() {
		t.Errorf("Expected receiver to stay lightweight")
	}
	if base.EventCount != 7 {
		t.Errorf("Expected receiver EventCount 7, got %d", base.EventCount)
	}
	if hydrated.State() != StateHydrated {
		t.Errorf("Expected hydrated state, got %s", hydrated.State())
	}
	if hydrated.EventCount != len(hydrated.Events) {
		t.Errorf("Expected EventCount %d to match events, got %d", len(hydrated.Events), hydrated.EventCount)
	}
	if hydrated.CommandCount != 1 {
		t.Errorf("Expected 1 command, got %d", hydrated.CommandCount)
	}

	// Mutating the caller's slice must not leak into the session.
	events[0].Text = "changed"
	if hydrated.Events[0].Text != "fix the build" {
		t.Errorf("Expected events to be copied, got %q", hydrated.Events[0].Text)
	}
}

func TestWithNamedOverrides(t *testing.T) {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s := Session{ID: "codex:1", Source: SourceCodex}.With(
		WithTitle("refactor parser"),
		WithStartTime(start),
		WithEndTime(start.Add(90*time.Minute)),
		WithCounts(12, 4),
	)

	if s.Title != "refactor parser" {
		t.Errorf("Expected title override, got %q", s.Title)
	}
	if s.Duration() != 90*time.Minute {
		t.Errorf("Expected 90m duration, got %v", s.Duration())
	}
	if s.State() != StateLightweight {
		t.Errorf("Expected lightweight state, got %s", s.State())
	}
	if s.EventCount != 12 || s.CommandCount != 4 {
		t.Errorf("Expected counts 12/4, got %d/%d", s.EventCount, s.CommandCount)
	}
}

func TestNewIDStable(t *testing.T) {
	a := NewID(SourceCodex, "/home/u/.codex/sessions/2025/01/02/rollout-x.jsonl")
	b := NewID(SourceCodex, "/home/u/.codex/sessions/2025/01/02/../02/rollout-x.jsonl")
	if a != b {
		t.Errorf("Expected cleaned paths to share an id, got %s and %s", a, b)
	}
	if c := NewID(SourceClaude, "/home/u/.codex/sessions/2025/01/02/rollout-x.jsonl"); c == a {
		t.Errorf("Expected source to be part of the id")
	}
}

func TestVisibilityPolicyMinMessages(t *testing.T) {
	tests := []struct {
		name   string
		policy VisibilityPolicy
		want   int
	}{
		{"both", VisibilityPolicy{HideZeroMessages: true, HideLowMessages: true}, 3},
		{"low only", VisibilityPolicy{HideLowMessages: true}, 3},
		{"zero only", VisibilityPolicy{HideZeroMessages: true}, 1},
		{"none", VisibilityPolicy{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.MinMessages(); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}

	if DefaultVisibilityPolicy().MinMessages() != 3 {
		t.Errorf("Expected default policy to hide low-message sessions")
	}
}

func TestParseSource(t *testing.T) {
	if s, err := ParseSource(" Codex "); err != nil || s != SourceCodex {
		t.Errorf("Expected codex, got %q (%v)", s, err)
	}
	if _, err := ParseSource("cursor"); err == nil {
		t.Errorf("Expected error for unknown source")
	}
}
