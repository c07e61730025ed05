package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/agentsessions/internal/parser"
	"github.com/ChamsBouzaiene/agentsessions/internal/session"
	"github.com/ChamsBouzaiene/agentsessions/internal/store"
)

func openStore(t *testing.T) *store.DB {
	t.Helper()
	cfg := store.DefaultConfig(filepath.Join(t.TempDir(), "index.db"))
	cfg.Location = time.UTC
	db, err := store.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func claudeLines(prompt string, replies int) string {
	lines := []string{
		fmt.Sprintf(`{"type":"user","sessionId":"s","cwd":"/work/api","timestamp":"2025-06-01T10:00:00Z","message":{"role":"user","content":%q}}`, prompt),
	}
	for i := 0; i < replies; i++ {
		lines = append(lines, fmt.Sprintf(`{"type":"assistant","timestamp":"2025-06-01T10:%02d:00Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"step %d"},{"type":"tool_use","id":"t%d","name":"Bash","input":{}}]}}`, i+1, i, i))
	}
	return strings.Join(lines, "\n") + "\n"
}

func newTestManager(t *testing.T, db IndexStore, root string, parsers parser.Registry) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Store:   db,
		Sources: []SourceConfig{{Source: session.SourceClaude, Root: root}},
		Parsers: parsers,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Stop() })
	return m
}

func totalMessages(t *testing.T, db *store.DB) (rollup int, rows int) {
	t.Helper()
	ctx := context.Background()
	rollup = db.SumRollups(ctx, nil, store.DayRange{}).Messages
	list, err := db.ListSessionMeta(ctx, store.ListFilter{})
	if err != nil {
		t.Fatalf("ListSessionMeta failed: %v", err)
	}
	for _, r := range list {
		rows += r.Messages
	}
	return rollup, rows
}

func TestRefreshModifyOneOfTen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	db := openStore(t)

	for i := 0; i < 10; i++ {
		writeFile(t, filepath.Join(root, "proj", fmt.Sprintf("s%02d.jsonl", i)), claudeLines(fmt.Sprintf("task %d", i), 2))
	}

	m := newTestManager(t, db, root, nil)

	first, err := m.Refresh(ctx, TriggerStartup)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if first.ChangedOrNew != 10 || first.Degraded {
		t.Fatalf("Expected 10 new sessions and a clean run, got %+v", first)
	}
	if first.Mode != ModeFull {
		t.Errorf("Expected startup refresh to be full, got %s", first.Mode)
	}
	before := db.SumRollups(ctx, nil, store.DayRange{})

	target := filepath.Join(root, "proj", "s03.jsonl")
	f, err := os.OpenFile(target, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	padding := strings.Repeat("x", 420)
	fmt.Fprintf(f, `{"type":"user","timestamp":"2025-06-01T10:30:00Z","message":{"role":"user","content":"%s"}}`+"\n", padding)
	f.Close()
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(target, later, later); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	second, err := m.Refresh(ctx, TriggerScheduled)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !second.Mode.Recent {
		t.Errorf("Expected scheduled refresh to be recent, got %s", second.Mode)
	}
	if second.ChangedOrNew != 1 {
		t.Errorf("Expected 1 changed session, got %d", second.ChangedOrNew)
	}
	if second.Removed != 0 {
		t.Errorf("Expected 0 removed, got %d", second.Removed)
	}
	if second.Unchanged != 9 {
		t.Errorf("Expected 9 unchanged, got %d", second.Unchanged)
	}

	after := db.SumRollups(ctx, nil, store.DayRange{})
	if after.Messages-before.Messages != 1 {
		t.Errorf("Expected rollup messages to grow by 1, got %d -> %d", before.Messages, after.Messages)
	}
	if after.Commands != before.Commands {
		t.Errorf("Expected commands unchanged, got %d -> %d", before.Commands, after.Commands)
	}

	if rollup, rows := totalMessages(t, db); rollup != rows {
		t.Errorf("Expected rollups to equal row totals, got %d vs %d", rollup, rows)
	}
}

func TestRefreshRemovedAndReconciled(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	db := openStore(t)

	a := filepath.Join(root, "proj", "a.jsonl")
	b := filepath.Join(root, "proj", "b.jsonl")
	writeFile(t, a, claudeLines("alpha", 1))
	writeFile(t, b, claudeLines("beta", 3))

	m := newTestManager(t, db, root, nil)
	if _, err := m.Refresh(ctx, TriggerManual); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if err := os.Remove(b); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	res, err := m.Refresh(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if res.Removed != 1 {
		t.Errorf("Expected 1 removed, got %d", res.Removed)
	}

	rollup, rows := totalMessages(t, db)
	if rollup != rows || rows != 2 {
		t.Errorf("Expected 2 messages in both rollups and rows, got %d and %d", rollup, rows)
	}
	if m.State(ctx, session.NewID(session.SourceClaude, b)) != session.StateUnknown {
		t.Error("Expected removed session to be unknown")
	}
}

func TestRefreshFormatErrorExcludesSession(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	db := openStore(t)

	good := filepath.Join(root, "proj", "good.jsonl")
	bad := filepath.Join(root, "proj", "bad.jsonl")
	writeFile(t, good, claudeLines("ok", 1))
	writeFile(t, bad, claudeLines("soon broken", 1))

	m := newTestManager(t, db, root, nil)
	if _, err := m.Refresh(ctx, TriggerManual); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	writeFile(t, bad, "not json at all\nstill not json\n")
	later := time.Now().Add(time.Minute)
	os.Chtimes(bad, later, later)

	res, err := m.Refresh(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("Expected 1 failed session, got %d", res.Failed)
	}
	if _, ok := db.FetchSessionMetaByID(ctx, session.NewID(session.SourceClaude, bad)); ok {
		t.Error("Expected stale row of the invalid log to be deleted")
	}
	if _, ok := db.FetchSessionMetaByID(ctx, session.NewID(session.SourceClaude, good)); !ok {
		t.Error("Expected the valid session to stay indexed")
	}
}

// lightCounter counts lightweight parses per path.
type lightCounter struct {
	parser.Parser
	mu    sync.Mutex
	calls map[string]int
}

func (c *lightCounter) ParseLightweight(path string) (*parser.Metadata, error) {
	c.mu.Lock()
	c.calls[path]++
	c.mu.Unlock()
	return c.Parser.ParseLightweight(path)
}

func (c *lightCounter) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[path]
}

func TestRefreshSkipsUnchangedInvalidLog(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	db := openStore(t)

	bad := filepath.Join(root, "proj", "bad.jsonl")
	writeFile(t, bad, "not json at all\n")
	writeFile(t, filepath.Join(root, "proj", "good.jsonl"), claudeLines("ok", 1))

	counter := &lightCounter{Parser: parser.NewClaudeParser(), calls: make(map[string]int)}
	m := newTestManager(t, db, root, parser.Registry{session.SourceClaude: counter})

	first, err := m.Refresh(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if first.Failed != 1 {
		t.Fatalf("Expected 1 failed session, got %d", first.Failed)
	}

	second, err := m.Refresh(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if second.Failed != 0 || second.Unchanged != 2 {
		t.Errorf("Expected the invalid log to count as unchanged, got %+v", second)
	}
	if n := counter.count(bad); n != 1 {
		t.Errorf("Expected the invalid log to be parsed once, got %d", n)
	}

	writeFile(t, bad, claudeLines("fixed", 1))
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(bad, later, later); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}
	third, err := m.Refresh(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if third.ChangedOrNew != 1 {
		t.Errorf("Expected the repaired log to be indexed, got %+v", third)
	}
	if _, ok := db.FetchSessionMetaByID(ctx, session.NewID(session.SourceClaude, bad)); !ok {
		t.Error("Expected the repaired log to have a row")
	}
}

// appendingParser appends a record to target the first time it parses it, as an
// agent still writing the log would.
type appendingParser struct {
	parser.Parser
	target string
	once   sync.Once
}

func (a *appendingParser) ParseLightweight(path string) (*parser.Metadata, error) {
	md, err := a.Parser.ParseLightweight(path)
	if path == a.target {
		a.once.Do(func() {
			f, ferr := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
			if ferr != nil {
				return
			}
			fmt.Fprintln(f, `{"type":"user","timestamp":"2025-06-01T10:40:00Z","message":{"role":"user","content":"one more thing"}}`)
			f.Close()
		})
	}
	return md, err
}

func TestRefreshFingerprintRaceRetried(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	db := openStore(t)

	path := filepath.Join(root, "proj", "live.jsonl")
	writeFile(t, path, claudeLines("still typing", 2))
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	m := newTestManager(t, db, root, parser.Registry{
		session.SourceClaude: &appendingParser{Parser: parser.NewClaudeParser(), target: path},
	})
	id := session.NewID(session.SourceClaude, path)

	first, err := m.Refresh(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if first.ChangedOrNew != 1 || first.Sources[0].Races != 1 || first.Failed != 0 {
		t.Fatalf("Expected one indexed session with a race, got %+v", first.Sources[0])
	}
	row, ok := db.FetchSessionMetaByID(ctx, id)
	if !ok {
		t.Fatal("Expected the racing session to be indexed")
	}
	if row.SizeBytes != before.Size() || row.Messages != 3 {
		t.Errorf("Expected row with the discovered size %d and 3 messages, got %d and %d", before.Size(), row.SizeBytes, row.Messages)
	}

	second, err := m.Refresh(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if second.ChangedOrNew != 1 || second.Sources[0].Races != 0 {
		t.Errorf("Expected the racing file to be re-indexed once, got %+v", second.Sources[0])
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	row, _ = db.FetchSessionMetaByID(ctx, id)
	if row.SizeBytes != after.Size() || row.Messages != 4 {
		t.Errorf("Expected row to catch up to size %d and 4 messages, got %d and %d", after.Size(), row.SizeBytes, row.Messages)
	}

	third, err := m.Refresh(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if third.ChangedOrNew != 0 || third.Unchanged != 1 {
		t.Errorf("Expected the session to settle as unchanged, got %+v", third)
	}
}

func TestOverlappingRefreshesDoNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	db := openStore(t)

	for i := 0; i < 20; i++ {
		writeFile(t, filepath.Join(root, "proj", fmt.Sprintf("s%02d.jsonl", i)), claudeLines(fmt.Sprintf("task %d", i), 3))
	}
	m := newTestManager(t, db, root, nil)

	var wg sync.WaitGroup
	results := make([]*RefreshResult, 6)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Refresh(ctx, TriggerManual)
			if err != nil {
				t.Errorf("Refresh failed: %v", err)
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()

	changed := 0
	for _, res := range results {
		if res != nil {
			changed += res.ChangedOrNew
		}
	}
	if changed != 20 {
		t.Errorf("Expected 20 sessions indexed across all refreshes, got %d", changed)
	}

	rollup, rows := totalMessages(t, db)
	if rollup != 80 || rows != 80 {
		t.Errorf("Expected 80 messages in rollups and rows, got %d and %d", rollup, rows)
	}
	if n := db.CountDistinctSessions(ctx, nil, store.DayRange{}); n != 20 {
		t.Errorf("Expected 20 distinct sessions, got %d", n)
	}
}

type countingParser struct {
	parser.Parser
	full atomic.Int32
}

func (c *countingParser) ParseFull(path string) ([]session.Event, error) {
	c.full.Add(1)
	time.Sleep(20 * time.Millisecond)
	return c.Parser.ParseFull(path)
}

func TestHydrateConcurrentParsesOnce(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	db := openStore(t)
	path := filepath.Join(root, "proj", "a.jsonl")
	writeFile(t, path, claudeLines("hydrate me", 2))

	counter := &countingParser{Parser: parser.NewClaudeParser()}
	m := newTestManager(t, db, root, parser.Registry{session.SourceClaude: counter})
	if _, err := m.Refresh(ctx, TriggerManual); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	id := session.NewID(session.SourceClaude, path)
	if m.State(ctx, id) != session.StateLightweight {
		t.Fatalf("Expected lightweight state, got %s", m.State(ctx, id))
	}

	var wg sync.WaitGroup
	results := make([]session.Session, 8)
	errs := make([]error, 8)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.Hydrate(ctx, id, false)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Hydrate %d failed: %v", i, err)
		}
		if len(results[i].Events) != 3 {
			t.Errorf("Expected 3 events, got %d", len(results[i].Events))
		}
	}
	if n := counter.full.Load(); n != 1 {
		t.Errorf("Expected exactly 1 full parse, got %d", n)
	}
	if m.State(ctx, id) != session.StateHydrated {
		t.Errorf("Expected hydrated state, got %s", m.State(ctx, id))
	}

	if _, err := m.Hydrate(ctx, id, true); err != nil {
		t.Fatalf("forced Hydrate failed: %v", err)
	}
	if n := counter.full.Load(); n != 2 {
		t.Errorf("Expected forced hydrate to parse again, got %d parses", n)
	}
}

func TestHydrateInvalidatedByChange(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	db := openStore(t)
	path := filepath.Join(root, "proj", "a.jsonl")
	writeFile(t, path, claudeLines("first", 1))

	m := newTestManager(t, db, root, nil)
	m.Refresh(ctx, TriggerManual)
	id := session.NewID(session.SourceClaude, path)

	if _, err := m.Hydrate(ctx, id, false); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}

	writeFile(t, path, claudeLines("first", 4))
	later := time.Now().Add(time.Minute)
	os.Chtimes(path, later, later)
	m.Refresh(ctx, TriggerManual)

	if m.State(ctx, id) != session.StateLightweight {
		t.Errorf("Expected changed session to fall back to lightweight, got %s", m.State(ctx, id))
	}
	s, err := m.Hydrate(ctx, id, false)
	if err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	if s.EventCount != 5 {
		t.Errorf("Expected 5 events after re-hydrate, got %d", s.EventCount)
	}
}

func TestHydrateUnknownSession(t *testing.T) {
	m := newTestManager(t, openStore(t), t.TempDir(), nil)
	_, err := m.Hydrate(context.Background(), "claude:missing", false)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestSearchMatchesOnlyHydrated(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	db := openStore(t)
	a := filepath.Join(root, "proj", "a.jsonl")
	b := filepath.Join(root, "proj", "b.jsonl")
	writeFile(t, a, claudeLines("fix the flaky websocket test", 1))
	writeFile(t, b, claudeLines("another flaky websocket failure", 1))

	m := newTestManager(t, db, root, nil)
	m.Refresh(ctx, TriggerManual)

	hits, err := m.Search(ctx, "websocket", ListOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Expected lightweight sessions not to match, got %d hits", len(hits))
	}

	idA := session.NewID(session.SourceClaude, a)
	if _, err := m.Hydrate(ctx, idA, false); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}

	hits, err = m.Search(ctx, "websocket", ListOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != idA {
		t.Errorf("Expected only the hydrated session to match, got %+v", hits)
	}

	all, err := m.Search(ctx, "  ", ListOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected empty query to list 2 sessions, got %d", len(all))
	}
}

type flakyStore struct {
	*store.DB
	failList bool
}

func (f *flakyStore) ListSessionMeta(ctx context.Context, lf store.ListFilter) ([]store.IndexRow, error) {
	if f.failList {
		return nil, fmt.Errorf("%w: disk I/O error", store.ErrStoreUnavailable)
	}
	return f.DB.ListSessionMeta(ctx, lf)
}

func TestListFallsBackToLastKnownGood(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	flaky := &flakyStore{DB: openStore(t)}
	writeFile(t, filepath.Join(root, "proj", "a.jsonl"), claudeLines("one", 1))
	writeFile(t, filepath.Join(root, "proj", "b.jsonl"), claudeLines("two", 1))

	m := newTestManager(t, flaky, root, nil)
	m.Refresh(ctx, TriggerManual)

	opts := ListOptions{MinMessages: 1}
	good, err := m.List(ctx, opts)
	if err != nil || len(good) != 2 {
		t.Fatalf("Expected 2 sessions, got %d (%v)", len(good), err)
	}

	flaky.failList = true
	cached, err := m.List(ctx, opts)
	if err != nil {
		t.Fatalf("Expected fallback, got error: %v", err)
	}
	if len(cached) != 2 {
		t.Errorf("Expected 2 cached sessions, got %d", len(cached))
	}

	if _, err := m.List(ctx, ListOptions{Limit: 1}); !errors.Is(err, store.ErrStoreUnavailable) {
		t.Errorf("Expected error without a cached page, got %v", err)
	}
}

func TestRepoResolver(t *testing.T) {
	root := t.TempDir()
	repo := filepath.Join(root, "myrepo")
	nested := filepath.Join(repo, "internal", "pkg")
	if err := os.MkdirAll(filepath.Join(repo, ".git"), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	os.MkdirAll(nested, 0755)

	r := NewRepoResolver()
	if got := r.Resolve(nested); got != "myrepo" {
		t.Errorf("Expected myrepo, got %q", got)
	}
	plain := filepath.Join(root, "scratch")
	os.MkdirAll(plain, 0755)
	if got := r.Resolve(plain); got != "scratch" {
		t.Errorf("Expected basename fallback, got %q", got)
	}
	if got := r.Resolve(""); got != "" {
		t.Errorf("Expected empty name for empty cwd, got %q", got)
	}
}

func TestSchedulerCoalescesNudges(t *testing.T) {
	var mu sync.Mutex
	var triggers []Trigger
	release := make(chan struct{})
	started := make(chan struct{}, 8)

	s := NewScheduler(time.Hour, true, func(ctx context.Context, trigger Trigger) {
		mu.Lock()
		triggers = append(triggers, trigger)
		mu.Unlock()
		started <- struct{}{}
		if trigger == TriggerStartup {
			<-release
		}
	})
	s.Start()

	<-started
	for i := 0; i < 5; i++ {
		s.Nudge()
	}
	close(release)
	<-started

	time.Sleep(50 * time.Millisecond)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(triggers) != 2 {
		t.Fatalf("Expected startup plus one coalesced refresh, got %v", triggers)
	}
	if triggers[0] != TriggerStartup || triggers[1] != TriggerScheduled {
		t.Errorf("Expected [startup scheduled], got %v", triggers)
	}
}
