package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

const (
	defaultRecentDays      = 3
	defaultRefreshInterval = 5 * time.Minute
)

// SourceSettings overrides the defaults of one source.
type SourceSettings struct {
	Root    string   `json:"root,omitempty"`    // Session root; empty uses the agent's default location
	Enabled *bool    `json:"enabled,omitempty"` // Nil means enabled
	Exclude []string `json:"exclude,omitempty"` // Extra gitignore-style patterns
}

// Config holds the user's persistent preferences.
type Config struct {
	HideZeroMessageSessions *bool                     `json:"hide_zero_message_sessions,omitempty"` // Nil means true
	HideLowMessageSessions  *bool                     `json:"hide_low_message_sessions,omitempty"`  // Nil means true
	RecentWindowDays        int                       `json:"recent_window_days,omitempty"`
	RefreshInterval         string                    `json:"refresh_interval,omitempty"` // Go duration, e.g. "5m"
	DBPath                  string                    `json:"db_path,omitempty"`
	EnableFileWatcher       bool                      `json:"enable_file_watcher"`
	Sources                 map[string]SourceSettings `json:"sources,omitempty"`
}

// Policy resolves the visibility preferences. Unset preferences default to hidden.
func (c *Config) Policy() session.VisibilityPolicy {
	p := session.DefaultVisibilityPolicy()
	if c.HideZeroMessageSessions != nil {
		p.HideZeroMessages = *c.HideZeroMessageSessions
	}
	if c.HideLowMessageSessions != nil {
		p.HideLowMessages = *c.HideLowMessageSessions
	}
	return p
}

// RecentDays returns the recent refresh window in days.
func (c *Config) RecentDays() int {
	if c.RecentWindowDays <= 0 {
		return defaultRecentDays
	}
	return c.RecentWindowDays
}

// Interval returns the scheduled refresh interval.
func (c *Config) Interval() time.Duration {
	if c.RefreshInterval == "" {
		return defaultRefreshInterval
	}
	d, err := time.ParseDuration(c.RefreshInterval)
	if err != nil || d <= 0 {
		log.Printf("⚠️  Invalid refresh_interval %q, using %v", c.RefreshInterval, defaultRefreshInterval)
		return defaultRefreshInterval
	}
	return d
}

// SourceEnabled reports whether src should be indexed.
func (c *Config) SourceEnabled(src session.Source) bool {
	s, ok := c.Sources[string(src)]
	return !ok || s.Enabled == nil || *s.Enabled
}

// SourceRoot returns the configured root of src, or its default under home.
func (c *Config) SourceRoot(src session.Source, home string) string {
	if s, ok := c.Sources[string(src)]; ok && s.Root != "" {
		return expandHome(s.Root, home)
	}
	return DefaultRoot(src, home)
}

// SourceExclude returns the user's extra ignore patterns for src.
func (c *Config) SourceExclude(src session.Source) []string {
	return c.Sources[string(src)].Exclude
}

// SetSourceRoot overrides the root of src.
func (c *Config) SetSourceRoot(src session.Source, root string) {
	if c.Sources == nil {
		c.Sources = make(map[string]SourceSettings)
	}
	s := c.Sources[string(src)]
	s.Root = root
	c.Sources[string(src)] = s
}

// DefaultRoot is where each agent writes its session logs.
func DefaultRoot(src session.Source, home string) string {
	switch src {
	case session.SourceClaude:
		return filepath.Join(home, ".claude", "projects")
	case session.SourceCodex:
		return filepath.Join(home, ".codex", "sessions")
	case session.SourceGemini:
		return filepath.Join(home, ".gemini", "tmp")
	case session.SourceOpenCode:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "opencode", "storage")
		}
		return filepath.Join(home, ".local", "share", "opencode", "storage")
	case session.SourceCopilot:
		return filepath.Join(home, ".copilot", "session-state")
	case session.SourceDroid:
		return filepath.Join(home, ".factory", "sessions")
	}
	return ""
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if len(path) > 1 && path[0] == '~' && (path[1] == '/' || path[1] == filepath.Separator) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Manager handles loading and saving the configuration.
type Manager struct {
	configDir string
}

// NewManager creates a configuration manager under the user config directory.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return NewManagerAt(filepath.Join(configDir, "agentsessions")), nil
}

// NewManagerAt creates a configuration manager rooted at dir.
func NewManagerAt(dir string) *Manager {
	return &Manager{configDir: dir}
}

// GetConfigPath returns the absolute path to the config.json file.
func (m *Manager) GetConfigPath() string {
	return filepath.Join(m.configDir, "config.json")
}

// DefaultDBPath returns the index location used when db_path is unset.
func DefaultDBPath() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache dir: %w", err)
	}
	return filepath.Join(cacheDir, "agentsessions", "index.db"), nil
}

// Load reads the configuration from disk.
// If the file does not exist, it returns an empty Config and no error.
func (m *Manager) Load() (*Config, error) {
	path := m.GetConfigPath()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := Validate(data); err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config json: %w", err)
	}

	return &cfg, nil
}

// Save validates and writes the configuration to disk with restricted permissions (0600).
func (m *Manager) Save(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := Validate(data); err != nil {
		return err
	}

	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	if err := os.WriteFile(m.GetConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Exists checks if the configuration file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.GetConfigPath())
	return !os.IsNotExist(err)
}
