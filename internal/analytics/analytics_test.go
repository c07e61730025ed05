package analytics

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
	"github.com/ChamsBouzaiene/agentsessions/internal/store"
)

// fakeReader records the thresholds it is queried with.
type fakeReader struct {
	mu         sync.Mutex
	thresholds []int
	unfiltered int
	pingErr    error
	delay      time.Duration
	failing    bool
	failures   uint64
}

func (f *fakeReader) QueryFailures() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

func (f *fakeReader) record(minMessages int) {
	f.mu.Lock()
	f.thresholds = append(f.thresholds, minMessages)
	f.mu.Unlock()
}

func (f *fakeReader) plain() {
	f.mu.Lock()
	f.unfiltered++
	f.mu.Unlock()
}

func (f *fakeReader) Ping(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.pingErr
}

func (f *fakeReader) FetchSessionMeta(context.Context, session.Source) []store.IndexRow { return nil }
func (f *fakeReader) FetchSessionMetaByID(context.Context, string) (store.IndexRow, bool) {
	return store.IndexRow{}, false
}
func (f *fakeReader) ListSessionMeta(context.Context, store.ListFilter) ([]store.IndexRow, error) {
	return nil, nil
}
func (f *fakeReader) CountDistinctSessions(context.Context, []session.Source, store.DayRange) int {
	f.plain()
	return 10
}
func (f *fakeReader) CountDistinctSessionsFiltered(_ context.Context, _ []session.Source, _ store.DayRange, minMessages int) int {
	f.record(minMessages)
	return 4
}
func (f *fakeReader) SumRollups(context.Context, []session.Source, store.DayRange) store.Totals {
	return store.Totals{Messages: 100, Commands: 7, DurationSeconds: 3600}
}
func (f *fakeReader) SumMessagesFiltered(_ context.Context, _ []session.Source, _ store.DayRange, minMessages int) int {
	f.record(minMessages)
	return 80
}
func (f *fakeReader) DistinctSessionsBySource(_ context.Context, _ []session.Source, _ store.DayRange, minMessages int) map[session.Source]int {
	f.record(minMessages)
	return map[session.Source]int{session.SourceClaude: 3, session.SourceCodex: 1}
}
func (f *fakeReader) DurationBySource(context.Context, []session.Source, store.DayRange) map[session.Source]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		f.failures++
		return map[session.Source]int64{}
	}
	return map[session.Source]int64{session.SourceClaude: 1200, session.SourceGemini: 60}
}
func (f *fakeReader) AvgSessionDuration(context.Context, []session.Source, store.DayRange) float64 {
	f.plain()
	return 90
}
func (f *fakeReader) AvgSessionDurationFiltered(_ context.Context, _ []session.Source, _ store.DayRange, minMessages int) float64 {
	f.record(minMessages)
	return 120
}
func (f *fakeReader) IsEmpty(context.Context) bool { return false }

func TestSummaryUsesPolicyThreshold(t *testing.T) {
	f := &fakeReader{}
	svc := NewService(f, 0)
	q := Query{Policy: session.DefaultVisibilityPolicy()}

	sum := svc.Summary(context.Background(), q)
	if sum.Sessions != 4 || sum.Messages != 80 {
		t.Errorf("Expected filtered sessions/messages 4/80, got %d/%d", sum.Sessions, sum.Messages)
	}
	if sum.Commands != 7 || sum.DurationSeconds != 3600 {
		t.Errorf("Expected unfiltered commands/duration 7/3600, got %d/%d", sum.Commands, sum.DurationSeconds)
	}
	svc.Breakdown(context.Background(), q)
	svc.AvgSessionLength(context.Background(), q)

	for _, got := range f.thresholds {
		if got != 3 {
			t.Errorf("Expected every filtered read to use threshold 3, got %v", f.thresholds)
			break
		}
	}
	if f.unfiltered != 0 {
		t.Errorf("Expected no unfiltered count reads, got %d", f.unfiltered)
	}
}

func TestSummaryWithoutPolicy(t *testing.T) {
	f := &fakeReader{}
	svc := NewService(f, 0)
	q := Query{Policy: session.VisibilityPolicy{}}

	sum := svc.Summary(context.Background(), q)
	if sum.Sessions != 10 || sum.Messages != 100 {
		t.Errorf("Expected unfiltered 10/100, got %d/%d", sum.Sessions, sum.Messages)
	}
	if avg := svc.AvgSessionLength(context.Background(), q); avg != 90*time.Second {
		t.Errorf("Expected 90s average, got %v", avg)
	}
	if len(f.thresholds) != 0 {
		t.Errorf("Expected no filtered reads, got %v", f.thresholds)
	}
}

func TestMergeBreakdownCompleteness(t *testing.T) {
	counts := map[session.Source]int{session.SourceClaude: 3, session.SourceCodex: 3, session.SourceDroid: 1}
	durations := map[session.Source]int64{session.SourceClaude: 100, session.SourceGemini: 50}

	slices := MergeBreakdown(counts, durations)
	if len(slices) != 4 {
		t.Fatalf("Expected 4 slices, got %d: %+v", len(slices), slices)
	}

	want := []AgentSlice{
		{Source: session.SourceClaude, Sessions: 3, DurationSeconds: 100},
		{Source: session.SourceCodex, Sessions: 3, DurationSeconds: 0},
		{Source: session.SourceDroid, Sessions: 1, DurationSeconds: 0},
		{Source: session.SourceGemini, Sessions: 0, DurationSeconds: 50},
	}
	for i, w := range want {
		if slices[i] != w {
			t.Errorf("Slice %d: expected %+v, got %+v", i, w, slices[i])
		}
	}

	if got := MergeBreakdown(nil, nil); len(got) != 0 {
		t.Errorf("Expected empty breakdown, got %+v", got)
	}
}

func TestSnapshotStaleFallback(t *testing.T) {
	f := &fakeReader{}
	svc := NewService(f, 50*time.Millisecond)
	q := Query{Policy: session.DefaultVisibilityPolicy()}

	fresh := svc.Snapshot(context.Background(), q)
	if fresh.Stale {
		t.Fatal("Expected a fresh snapshot")
	}
	if len(fresh.Breakdown) != 3 {
		t.Errorf("Expected 3 breakdown slices, got %d", len(fresh.Breakdown))
	}

	f.pingErr = errors.New("database is locked")
	stale := svc.Snapshot(context.Background(), q)
	if !stale.Stale {
		t.Fatal("Expected stale snapshot after failure")
	}
	if stale.Summary != fresh.Summary {
		t.Errorf("Expected last known good summary %+v, got %+v", fresh.Summary, stale.Summary)
	}

	f.pingErr = nil
	f.delay = time.Second
	slow := svc.Snapshot(context.Background(), q)
	if !slow.Stale || slow.Summary != fresh.Summary {
		t.Errorf("Expected stale snapshot on timeout, got %+v", slow)
	}

	other := svc.Snapshot(context.Background(), Query{Sources: []session.Source{session.SourceCodex}})
	if !other.Stale || other.Summary != (Summary{}) {
		t.Errorf("Expected empty stale snapshot for an unseen query, got %+v", other)
	}
}

func TestSnapshotKeepsLastGoodOnDegradedRead(t *testing.T) {
	f := &fakeReader{}
	svc := NewService(f, time.Second)
	q := Query{Policy: session.DefaultVisibilityPolicy()}

	fresh := svc.Snapshot(context.Background(), q)
	if fresh.Stale || len(fresh.Breakdown) != 3 {
		t.Fatalf("Expected a fresh snapshot with 3 slices, got %+v", fresh)
	}

	f.mu.Lock()
	f.failing = true
	f.mu.Unlock()
	degraded := svc.Snapshot(context.Background(), q)
	if !degraded.Stale {
		t.Fatal("Expected stale snapshot when a read degrades")
	}
	if len(degraded.Breakdown) != 3 || !degraded.GeneratedAt.Equal(fresh.GeneratedAt) {
		t.Errorf("Expected the last good snapshot, got %+v", degraded)
	}

	f.mu.Lock()
	f.failing = false
	f.mu.Unlock()
	again := svc.Snapshot(context.Background(), q)
	if again.Stale || len(again.Breakdown) != 3 {
		t.Errorf("Expected a fresh snapshot after recovery, got %+v", again)
	}
}

func TestThresholdScenarioAgainstStore(t *testing.T) {
	ctx := context.Background()
	cfg := store.DefaultConfig(filepath.Join(t.TempDir(), "index.db"))
	cfg.Location = time.UTC
	db, err := store.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	defer db.Close()

	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC).Unix()
	for i, msgs := range []int{0, 1, 2, 5} {
		row := store.IndexRow{
			SessionID: session.NewID(session.SourceClaude, filepath.Join("/logs", string(rune('a'+i))+".jsonl")),
			Source:    session.SourceClaude,
			StartUnix: start,
			EndUnix:   start + 60,
			Path:      filepath.Join("/logs", string(rune('a'+i))+".jsonl"),
			Messages:  msgs,
		}
		if err := db.UpsertMeta(ctx, row); err != nil {
			t.Fatalf("UpsertMeta failed: %v", err)
		}
	}

	svc := NewService(db, time.Second)
	tests := []struct {
		policy   session.VisibilityPolicy
		sessions int
		messages int
	}{
		{session.VisibilityPolicy{}, 4, 8},
		{session.VisibilityPolicy{HideZeroMessages: true}, 3, 8},
		{session.VisibilityPolicy{HideZeroMessages: true, HideLowMessages: true}, 1, 5},
	}
	prev := 1 << 30
	for _, tt := range tests {
		snap := svc.Snapshot(ctx, Query{Policy: tt.policy})
		if snap.Stale {
			t.Fatalf("Expected fresh snapshot for %+v", tt.policy)
		}
		if snap.Summary.Sessions != tt.sessions || snap.Summary.Messages != tt.messages {
			t.Errorf("Policy %+v: expected %d sessions/%d messages, got %d/%d",
				tt.policy, tt.sessions, tt.messages, snap.Summary.Sessions, snap.Summary.Messages)
		}
		if snap.Summary.Sessions > prev {
			t.Errorf("Expected session count to be monotone in the threshold")
		}
		prev = snap.Summary.Sessions
		if len(snap.Breakdown) != 1 || snap.Breakdown[0].Sessions != tt.sessions {
			t.Errorf("Expected breakdown to agree with summary, got %+v", snap.Breakdown)
		}
	}
}
