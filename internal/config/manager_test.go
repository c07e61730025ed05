package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

func TestLoadMissingFileDefaults(t *testing.T) {
	m := NewManagerAt(t.TempDir())
	if m.Exists() {
		t.Fatal("Expected no config file")
	}

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	p := cfg.Policy()
	if !p.HideZeroMessages || !p.HideLowMessages {
		t.Errorf("Expected both visibility preferences to default to true, got %+v", p)
	}
	if cfg.RecentDays() != 3 {
		t.Errorf("Expected 3 recent days, got %d", cfg.RecentDays())
	}
	if cfg.Interval() != 5*time.Minute {
		t.Errorf("Expected 5m interval, got %v", cfg.Interval())
	}
	if !cfg.SourceEnabled(session.SourceGemini) {
		t.Error("Expected sources to be enabled by default")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := NewManagerAt(filepath.Join(t.TempDir(), "agentsessions"))
	off := false
	cfg := &Config{
		HideLowMessageSessions: &off,
		RecentWindowDays:       7,
		RefreshInterval:        "90s",
		Sources: map[string]SourceSettings{
			"codex": {Root: "/data/codex", Exclude: []string{"archive/"}},
			"droid": {Enabled: &off},
		},
	}
	if err := m.Save(cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(m.GetConfigPath())
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	p := loaded.Policy()
	if !p.HideZeroMessages || p.HideLowMessages {
		t.Errorf("Expected hide-zero only, got %+v", p)
	}
	if p.MinMessages() != 1 {
		t.Errorf("Expected threshold 1, got %d", p.MinMessages())
	}
	if loaded.Interval() != 90*time.Second {
		t.Errorf("Expected 90s, got %v", loaded.Interval())
	}
	if loaded.SourceEnabled(session.SourceDroid) {
		t.Error("Expected droid to be disabled")
	}
	if got := loaded.SourceRoot(session.SourceCodex, "/home/u"); got != "/data/codex" {
		t.Errorf("Expected configured codex root, got %q", got)
	}
	if got := loaded.SourceExclude(session.SourceCodex); len(got) != 1 || got[0] != "archive/" {
		t.Errorf("Expected codex exclude patterns, got %v", got)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", `{"hide_everything": true}`},
		{"wrong type", `{"hide_zero_message_sessions": "yes"}`},
		{"window out of range", `{"recent_window_days": 0}`},
		{"bad interval", `{"refresh_interval": "soon"}`},
		{"unknown source", `{"sources": {"vim": {"root": "/x"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(tt.doc), 0600); err != nil {
				t.Fatalf("write failed: %v", err)
			}
			_, err := NewManagerAt(dir).Load()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if len(verr.Errors) == 0 {
				t.Error("Expected at least one violation")
			}
		})
	}
}

func TestSourceRootDefaults(t *testing.T) {
	cfg := &Config{}
	home := "/home/u"
	tests := map[session.Source]string{
		session.SourceClaude:  "/home/u/.claude/projects",
		session.SourceCodex:   "/home/u/.codex/sessions",
		session.SourceGemini:  "/home/u/.gemini/tmp",
		session.SourceCopilot: "/home/u/.copilot/session-state",
		session.SourceDroid:   "/home/u/.factory/sessions",
	}
	for src, want := range tests {
		if got := cfg.SourceRoot(src, home); got != filepath.FromSlash(want) {
			t.Errorf("%s: expected %s, got %s", src, want, got)
		}
	}

	cfg.SetSourceRoot(session.SourceClaude, "~/logs/claude")
	if got := cfg.SourceRoot(session.SourceClaude, home); got != filepath.Join(home, "logs", "claude") {
		t.Errorf("Expected ~ to expand, got %s", got)
	}
}
