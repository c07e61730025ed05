package store

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds database configuration settings.
type Config struct {
	Path        string
	ReadConns   int
	BusyTimeout time.Duration
	CacheSizeKB int
	Location    *time.Location // calendar used for rollup days; defaults to time.Local
}

// DefaultConfig returns the default configuration for the database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		ReadConns:   4,
		BusyTimeout: 5 * time.Second,
		CacheSizeKB: 16000,
		Location:    time.Local,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.Path)
	if c.ReadConns <= 0 {
		c.ReadConns = def.ReadConns
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = def.BusyTimeout
	}
	if c.CacheSizeKB <= 0 {
		c.CacheSizeKB = def.CacheSizeKB
	}
	if c.Location == nil {
		c.Location = def.Location
	}
}

// dsn sets per-connection pragmas through the modernc driver's _pragma parameter,
// so every pooled reader gets the busy timeout too.
func (c *Config) dsn() string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	return c.Path + "?" + q.Encode()
}

// pragmas returns the database-wide settings applied once on the writer.
func (c *Config) pragmas() []string {
	return []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = memory",
		fmt.Sprintf("PRAGMA cache_size = -%d", c.CacheSizeKB),
	}
}
