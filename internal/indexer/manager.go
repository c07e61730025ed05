package indexer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ChamsBouzaiene/agentsessions/internal/parser"
	"github.com/ChamsBouzaiene/agentsessions/internal/session"
	"github.com/ChamsBouzaiene/agentsessions/internal/store"
)

// Trigger identifies what started a refresh.
type Trigger string

const (
	TriggerStartup   Trigger = "startup"
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// IndexStore is the part of the store the manager writes through.
type IndexStore interface {
	store.Reader
	Ping(ctx context.Context) error
	UpsertMeta(ctx context.Context, row store.IndexRow) error
	DeleteMeta(ctx context.Context, sessionID string) error
	ReconcileRollups(ctx context.Context, sources []session.Source) error
}

// SourceResult summarizes one source within a refresh.
type SourceResult struct {
	Source       session.Source
	Considered   int
	ChangedOrNew int
	Removed      int
	Unchanged    int
	Failed       int
	Races        int
	Errors       []error
	Degraded     bool
	Duration     time.Duration
}

// RefreshResult summarizes one refresh run.
type RefreshResult struct {
	RunID        string
	Trigger      Trigger
	Mode         ScanMode
	Considered   int
	ChangedOrNew int
	Removed      int
	Unchanged    int
	Failed       int
	Sources      []SourceResult
	Degraded     bool
	Duration     time.Duration
}

// ListOptions filters List and Search results.
type ListOptions struct {
	Sources     []session.Source
	Range       store.DayRange
	MinMessages int
	MinCommands int
	Limit       int
}

func (o ListOptions) key() string {
	names := make([]string, len(o.Sources))
	for i, s := range session.SortSources(o.Sources) {
		names[i] = string(s)
	}
	return fmt.Sprintf("%s|%s|%s|%d|%d|%d", strings.Join(names, ","), o.Range.Start, o.Range.End, o.MinMessages, o.MinCommands, o.Limit)
}

// ManagerConfig configures the manager behavior.
type ManagerConfig struct {
	// Store is required.
	Store IndexStore

	// Enabled sources and their roots.
	Sources []SourceConfig

	// Parsers defaults to parser.DefaultRegistry().
	Parsers parser.Registry

	// Recent window used by scheduled refreshes (default: 3 days).
	RecentDays int

	// Scheduled refresh interval (default: 5 minutes).
	RefreshInterval time.Duration

	// File watching nudges the scheduler between ticks.
	EnableFileWatcher bool
	WatchDebounce     time.Duration

	// Timeout for list reads before falling back to the last known good page (default: 5 seconds).
	ReadTimeout time.Duration
}

// Manager orchestrates discovery, parsing and persistence of agent sessions, and keeps
// the process-local hydrated transcripts.
type Manager struct {
	config     ManagerConfig
	store      IndexStore
	parsers    parser.Registry
	discoverer *Discoverer
	repos      *RepoResolver
	transcript *TranscriptIndex

	sourceMu map[session.Source]*sync.Mutex
	// rejected holds the fingerprints of files that failed with a FormatError, by
	// source and path. Guarded by the source's mutex.
	rejected map[session.Source]map[string]session.Fingerprint

	flight   singleflight.Group
	hydMu    sync.RWMutex
	hydrated map[string]session.Session

	listMu   sync.Mutex
	lastList map[string][]session.Session

	scheduler *Scheduler
	watcher   *SourceWatcher

	mu      sync.Mutex
	started bool
}

// NewManager creates a manager. It does not touch the filesystem until Refresh or Start.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	if config.Parsers == nil {
		config.Parsers = parser.DefaultRegistry()
	}
	if config.RecentDays <= 0 {
		config.RecentDays = DefaultRecentDays
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 5 * time.Second
	}

	transcript, err := NewTranscriptIndex()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		config:     config,
		store:      config.Store,
		parsers:    config.Parsers,
		discoverer: NewDiscoverer(),
		repos:      NewRepoResolver(),
		transcript: transcript,
		sourceMu:   make(map[session.Source]*sync.Mutex),
		rejected:   make(map[session.Source]map[string]session.Fingerprint),
		hydrated:   make(map[string]session.Session),
		lastList:   make(map[string][]session.Session),
	}
	for _, src := range config.Sources {
		m.sourceMu[src.Source] = &sync.Mutex{}
		m.rejected[src.Source] = make(map[string]session.Fingerprint)
	}
	return m, nil
}

// Sources returns the configured source kinds.
func (m *Manager) Sources() []session.Source {
	out := make([]session.Source, 0, len(m.config.Sources))
	for _, src := range m.config.Sources {
		out = append(out, src.Source)
	}
	return out
}

// Mode returns the scan mode a trigger runs in.
func (m *Manager) Mode(trigger Trigger) ScanMode {
	if trigger == TriggerScheduled {
		return ModeRecent(m.config.RecentDays)
	}
	return ModeFull
}

// Refresh brings the index up to date with the source trees. Source-scoped failures
// never fail the refresh; they mark the result degraded. The returned error is non-nil
// only when ctx is done.
func (m *Manager) Refresh(ctx context.Context, trigger Trigger) (*RefreshResult, error) {
	return m.refresh(ctx, trigger, m.Mode(trigger))
}

// RefreshMode runs a refresh with an explicit scan mode, as requested from the CLI.
func (m *Manager) RefreshMode(ctx context.Context, mode ScanMode) (*RefreshResult, error) {
	return m.refresh(ctx, TriggerManual, mode)
}

func (m *Manager) refresh(ctx context.Context, trigger Trigger, mode ScanMode) (*RefreshResult, error) {
	start := time.Now()
	result := &RefreshResult{
		RunID:   uuid.NewString(),
		Trigger: trigger,
		Mode:    mode,
		Sources: make([]SourceResult, len(m.config.Sources)),
	}

	log.Printf("🔄 Refresh %s started (trigger: %s, mode: %s)", shortID(result.RunID), trigger, mode)

	if err := m.store.Ping(ctx); err != nil {
		log.Printf("⚠️  Index store unavailable, skipping refresh: %v", err)
		for i, src := range m.config.Sources {
			result.Sources[i] = SourceResult{Source: src.Source, Errors: []error{err}, Degraded: true}
		}
		result.Degraded = true
		result.Duration = time.Since(start)
		return result, ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range m.config.Sources {
		i, src := i, src
		g.Go(func() error {
			result.Sources[i] = m.refreshSource(gctx, src, mode)
			return nil
		})
	}
	_ = g.Wait()

	if !mode.Recent && ctx.Err() == nil {
		if err := m.store.ReconcileRollups(ctx, m.Sources()); err != nil {
			log.Printf("⚠️  Failed to reconcile rollups: %v", err)
			result.Degraded = true
		}
	}

	for _, sr := range result.Sources {
		result.Considered += sr.Considered
		result.ChangedOrNew += sr.ChangedOrNew
		result.Removed += sr.Removed
		result.Unchanged += sr.Unchanged
		result.Failed += sr.Failed
		result.Degraded = result.Degraded || sr.Degraded
	}
	result.Duration = time.Since(start)

	if result.Degraded {
		log.Printf("⚠️  Refresh %s degraded: %d changed/new, %d removed, %d unchanged, %d failed (%v)",
			shortID(result.RunID), result.ChangedOrNew, result.Removed, result.Unchanged, result.Failed, result.Duration.Round(time.Millisecond))
	} else {
		log.Printf("✅ Refresh %s complete: %d changed/new, %d removed, %d unchanged (%v)",
			shortID(result.RunID), result.ChangedOrNew, result.Removed, result.Unchanged, result.Duration.Round(time.Millisecond))
	}

	return result, ctx.Err()
}

// refreshSource runs discovery and indexing for one source. Refreshes of the same
// source are serialized; a second caller waits for the first.
func (m *Manager) refreshSource(ctx context.Context, src SourceConfig, mode ScanMode) (res SourceResult) {
	mu := m.sourceMu[src.Source]
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	res = SourceResult{Source: src.Source}
	defer func() { res.Duration = time.Since(start) }()

	p, err := m.parsers.Get(src.Source)
	if err != nil {
		res.Errors = append(res.Errors, err)
		res.Degraded = true
		return res
	}

	rows := m.store.FetchSessionMeta(ctx, src.Source)
	known := make(map[string]store.IndexRow, len(rows))
	for _, row := range rows {
		known[row.Path] = row
	}

	disc := m.discoverer.Discover(ctx, src, mode, known)
	res.Considered = disc.Considered
	res.Unchanged = disc.Unchanged
	res.Degraded = disc.Degraded
	for i := range disc.Errors {
		res.Errors = append(res.Errors, &disc.Errors[i])
	}

	if len(disc.Changed) > 0 || len(disc.Removed) > 0 {
		log.Printf("🔍 %s: %d changed/new, %d removed, %d unchanged", src.Source, len(disc.Changed), len(disc.Removed), disc.Unchanged)
	}

	rejected := m.rejected[src.Source]
	stillRejected := make(map[string]bool)
	for _, c := range disc.Changed {
		if ctx.Err() != nil {
			break
		}
		if fp, ok := rejected[c.Path]; ok && fp == c.Fingerprint {
			stillRejected[c.Path] = true
			res.Unchanged++
			continue
		}
		id := session.NewID(c.Source, c.Path)
		err := m.indexCandidate(ctx, p, c, id)
		switch {
		case err == nil:
			delete(rejected, c.Path)
			res.ChangedOrNew++
		case errors.Is(err, ErrFingerprintRace):
			log.Printf("🔄 %s changed during indexing, will retry next refresh", c.Path)
			delete(rejected, c.Path)
			res.ChangedOrNew++
			res.Races++
		default:
			res.Failed++
			var fe *parser.FormatError
			if errors.As(err, &fe) {
				log.Printf("⚠️  Skipping %s: %v", c.Path, err)
				rejected[c.Path] = c.Fingerprint
				stillRejected[c.Path] = true
				if prev, ok := known[c.Path]; ok {
					m.deleteRow(ctx, prev, &res)
				}
			} else {
				log.Printf("❌ Failed to index %s: %v", c.Path, err)
				res.Errors = append(res.Errors, err)
				if errors.Is(err, store.ErrStoreUnavailable) {
					res.Degraded = true
				}
			}
		}
		m.invalidate(id)
	}

	// A full scan lists every rejected file that is still on disk.
	if !mode.Recent && ctx.Err() == nil {
		for path := range rejected {
			if !stillRejected[path] {
				delete(rejected, path)
			}
		}
	}

	for _, row := range disc.Removed {
		if ctx.Err() != nil {
			break
		}
		if m.deleteRow(ctx, row, &res) {
			res.Removed++
		}
	}

	return res
}

// indexCandidate parses one file and persists its row. It returns ErrFingerprintRace
// after a successful write when the file moved during the parse.
func (m *Manager) indexCandidate(ctx context.Context, p parser.Parser, c Candidate, id string) error {
	meta, err := p.ParseLightweight(c.Path)
	if err != nil {
		return err
	}

	race := false
	if info, statErr := os.Stat(c.Path); statErr != nil || session.FingerprintOf(info.Size(), info.ModTime()) != c.Fingerprint {
		race = true
	}

	row := store.IndexRow{
		SessionID: id,
		Source:    c.Source,
		NativeID:  meta.NativeID,
		StartUnix: unixOrZero(meta.StartTime),
		EndUnix:   unixOrZero(meta.EndTime),
		Model:     meta.Model,
		Path:      c.Path,
		SizeBytes: c.Fingerprint.Size,
		ModTimeNs: c.Fingerprint.ModTimeNs,
		Messages:  meta.EventCount,
		Commands:  meta.CommandCount,
		CWD:       meta.CWD,
		Repo:      m.repos.Resolve(meta.CWD),
		Title:     meta.Title,
		Extra:     string(meta.Header),
		IndexedAt: time.Now().Unix(),
	}
	if err := m.store.UpsertMeta(ctx, row); err != nil {
		return err
	}
	if race {
		return fmt.Errorf("%s: %w", c.Path, ErrFingerprintRace)
	}
	return nil
}

func (m *Manager) deleteRow(ctx context.Context, row store.IndexRow, res *SourceResult) bool {
	defer m.invalidate(row.SessionID)
	if err := m.store.DeleteMeta(ctx, row.SessionID); err != nil {
		log.Printf("❌ Failed to remove %s: %v", row.Path, err)
		res.Errors = append(res.Errors, err)
		res.Degraded = true
		return false
	}
	log.Printf("🗑️  Removed %s session %s", row.Source, row.Path)
	return true
}

// invalidate drops any hydrated copy of id.
func (m *Manager) invalidate(id string) {
	m.hydMu.Lock()
	_, ok := m.hydrated[id]
	delete(m.hydrated, id)
	m.hydMu.Unlock()
	if ok {
		if err := m.transcript.Remove(id); err != nil {
			log.Printf("⚠️  Failed to drop %s from transcript index: %v", id, err)
		}
	}
}

// current returns the hydrated copy of row when it still matches the row's fingerprint.
func (m *Manager) current(row store.IndexRow) (session.Session, bool) {
	m.hydMu.RLock()
	s, ok := m.hydrated[row.SessionID]
	m.hydMu.RUnlock()
	if !ok || s.Fingerprint != row.Fingerprint() {
		return session.Session{}, false
	}
	return s, true
}

// Hydrate returns the full transcript of a session. Concurrent calls for the same id
// share one parse. A session already hydrated at its current fingerprint is returned
// from memory unless force is set.
func (m *Manager) Hydrate(ctx context.Context, id string, force bool) (session.Session, error) {
	row, ok := m.store.FetchSessionMetaByID(ctx, id)
	if !ok {
		return session.Session{}, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	if !force {
		if s, ok := m.current(row); ok {
			return s, nil
		}
	}

	v, err, _ := m.flight.Do(id, func() (interface{}, error) {
		if !force {
			if s, ok := m.current(row); ok {
				return s, nil
			}
		}

		p, err := m.parsers.Get(row.Source)
		if err != nil {
			return nil, err
		}
		events, err := p.ParseFull(row.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to hydrate %s: %w", id, err)
		}

		s := row.Session().With(session.WithEvents(events))

		m.hydMu.Lock()
		m.hydrated[id] = s
		m.hydMu.Unlock()

		if err := m.transcript.IndexSession(s); err != nil {
			log.Printf("⚠️  Failed to index transcript of %s: %v", id, err)
		}
		return s, nil
	})
	if err != nil {
		return session.Session{}, err
	}
	return v.(session.Session), nil
}

// State reports the hydration state of a session id.
func (m *Manager) State(ctx context.Context, id string) session.State {
	row, ok := m.store.FetchSessionMetaByID(ctx, id)
	if !ok {
		return session.StateUnknown
	}
	if s, ok := m.current(row); ok {
		return s.State()
	}
	return session.StateLightweight
}

// List returns indexed sessions, most recent first. Hydrated copies replace their
// lightweight rows. When the store cannot be read the last successful page for the
// same options is returned.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]session.Session, error) {
	rctx, cancel := context.WithTimeout(ctx, m.config.ReadTimeout)
	defer cancel()

	rows, err := m.store.ListSessionMeta(rctx, store.ListFilter{
		Sources:     opts.Sources,
		Range:       opts.Range,
		MinMessages: opts.MinMessages,
		MinCommands: opts.MinCommands,
		Limit:       opts.Limit,
	})
	key := opts.key()
	if err != nil {
		m.listMu.Lock()
		cached, ok := m.lastList[key]
		m.listMu.Unlock()
		if ok {
			log.Printf("⚠️  Session list unavailable, serving last known good: %v", err)
			return cached, nil
		}
		return nil, err
	}

	sessions := make([]session.Session, 0, len(rows))
	for _, row := range rows {
		if s, ok := m.current(row); ok {
			sessions = append(sessions, s)
			continue
		}
		sessions = append(sessions, row.Session())
	}

	m.listMu.Lock()
	m.lastList[key] = sessions
	m.listMu.Unlock()

	return sessions, nil
}

// Search matches query against hydrated transcripts. An empty query lists sessions
// instead. Lightweight sessions never match a non-empty query.
func (m *Manager) Search(ctx context.Context, query string, opts ListOptions) ([]session.Session, error) {
	if strings.TrimSpace(query) == "" {
		return m.List(ctx, opts)
	}

	hits, err := m.transcript.Search(query, opts.Sources, opts.Limit)
	if err != nil {
		return nil, err
	}

	out := make([]session.Session, 0, len(hits))
	m.hydMu.RLock()
	defer m.hydMu.RUnlock()
	for _, hit := range hits {
		s, ok := m.hydrated[hit.SessionID]
		if !ok || !s.IsHydrated() || s.EventCount < opts.MinMessages || s.CommandCount < opts.MinCommands {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// HydratedCount returns the number of transcripts held in memory.
func (m *Manager) HydratedCount() int {
	m.hydMu.RLock()
	defer m.hydMu.RUnlock()
	return len(m.hydrated)
}

// Start launches the refresh scheduler and, when enabled, the file watcher.
// The scheduler begins with a startup refresh.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("manager already started")
	}

	log.Println("🚀 Starting session indexer")

	m.scheduler = NewScheduler(m.config.RefreshInterval, true, func(ctx context.Context, trigger Trigger) {
		if _, err := m.Refresh(ctx, trigger); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("⚠️  Refresh failed: %v", err)
		}
	})

	if m.config.EnableFileWatcher {
		watcher, err := NewSourceWatcher(m.config.Sources, m.config.WatchDebounce)
		if err != nil {
			log.Printf("⚠️  Failed to create file watcher: %v", err)
		} else {
			watcher.OnChange(func(int) { m.scheduler.Nudge() })
			if err := watcher.Start(); err != nil {
				log.Printf("⚠️  Failed to start file watcher: %v", err)
				watcher.Stop()
			} else {
				m.watcher = watcher
			}
		}
	}

	m.scheduler.Start()

	m.started = true
	log.Println("✅ Session indexer started")
	return nil
}

// Stop stops background work and releases the transcript index. The store is owned
// by the caller and stays open.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		log.Println("🛑 Stopping session indexer")
		if m.watcher != nil {
			m.watcher.Stop()
			m.watcher = nil
		}
		m.scheduler.Stop()
		m.started = false
	}

	return m.transcript.Close()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
