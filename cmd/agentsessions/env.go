package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ChamsBouzaiene/agentsessions/internal/analytics"
	"github.com/ChamsBouzaiene/agentsessions/internal/config"
	"github.com/ChamsBouzaiene/agentsessions/internal/indexer"
	"github.com/ChamsBouzaiene/agentsessions/internal/session"
	"github.com/ChamsBouzaiene/agentsessions/internal/store"
)

type runtimeEnv struct {
	Config    *config.Config
	Store     *store.DB
	Manager   *indexer.Manager
	Analytics *analytics.Service
}

func (r *runtimeEnv) Close() {
	if r.Manager != nil {
		r.Manager.Stop()
	}
	if r.Store != nil {
		r.Store.Close()
	}
}

type envOptions struct {
	dbPath      string
	configDir   string
	fileWatcher bool
}

func prepareRuntimeEnv(ctx context.Context, opts envOptions) (*runtimeEnv, error) {
	cfg := loadUserConfig(opts.configDir)
	applyEnvOverrides(cfg)

	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	if cfg.DBPath == "" {
		path, err := config.DefaultDBPath()
		if err != nil {
			return nil, err
		}
		cfg.DBPath = path
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := store.Open(ctx, store.DefaultConfig(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	var sources []indexer.SourceConfig
	for _, src := range session.AllSources {
		if !cfg.SourceEnabled(src) {
			continue
		}
		sources = append(sources, indexer.SourceConfig{
			Source:  src,
			Root:    cfg.SourceRoot(src, home),
			Exclude: cfg.SourceExclude(src),
		})
	}

	manager, err := indexer.NewManager(indexer.ManagerConfig{
		Store:             db,
		Sources:           sources,
		RecentDays:        cfg.RecentDays(),
		RefreshInterval:   cfg.Interval(),
		EnableFileWatcher: cfg.EnableFileWatcher || opts.fileWatcher,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create indexer: %w", err)
	}

	return &runtimeEnv{
		Config:    cfg,
		Store:     db,
		Manager:   manager,
		Analytics: analytics.NewService(db, 0),
	}, nil
}

func loadUserConfig(dir string) *config.Config {
	var cfgManager *config.Manager
	if dir != "" {
		cfgManager = config.NewManagerAt(dir)
	} else {
		m, err := config.NewManager()
		if err != nil {
			log.Printf("⚠️  Failed to initialize config manager: %v", err)
			return &config.Config{}
		}
		cfgManager = m
	}

	cfg, err := cfgManager.Load()
	if err != nil {
		log.Printf("⚠️  Failed to load user config: %v", err)
		return &config.Config{}
	}
	if cfgManager.Exists() {
		log.Printf("User config loaded from: %s", cfgManager.GetConfigPath())
	}
	return cfg
}

// applyEnvOverrides lets the environment override config.json.
func applyEnvOverrides(cfg *config.Config) {
	if db := os.Getenv("AGENTSESSIONS_DB"); db != "" {
		cfg.DBPath = db
	}

	if daysStr := os.Getenv("AGENTSESSIONS_RECENT_DAYS"); daysStr != "" {
		if days, err := strconv.Atoi(daysStr); err == nil {
			if days >= 1 && days <= 90 {
				cfg.RecentWindowDays = days
			} else {
				log.Printf("WARNING: AGENTSESSIONS_RECENT_DAYS value %d is outside valid range [1, 90], using %d", days, cfg.RecentDays())
			}
		} else {
			log.Printf("WARNING: Invalid AGENTSESSIONS_RECENT_DAYS value '%s', using %d: %v", daysStr, cfg.RecentDays(), err)
		}
	}

	if intervalStr := os.Getenv("AGENTSESSIONS_REFRESH_INTERVAL"); intervalStr != "" {
		if d, err := time.ParseDuration(intervalStr); err == nil {
			if d >= 30*time.Second && d <= 24*time.Hour {
				cfg.RefreshInterval = intervalStr
			} else {
				log.Printf("WARNING: AGENTSESSIONS_REFRESH_INTERVAL value %v is outside valid range [30s, 24h], using %v", d, cfg.Interval())
			}
		} else {
			log.Printf("WARNING: Invalid AGENTSESSIONS_REFRESH_INTERVAL value '%s', using %v: %v", intervalStr, cfg.Interval(), err)
		}
	}

	// Codex relocates its whole state directory with CODEX_HOME; an explicit root wins.
	if codexHome := os.Getenv("CODEX_HOME"); codexHome != "" {
		if s, ok := cfg.Sources[string(session.SourceCodex)]; !ok || s.Root == "" {
			cfg.SetSourceRoot(session.SourceCodex, filepath.Join(codexHome, "sessions"))
		}
	}
}
