package store

import (
	"context"
	"errors"
	"time"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

// ErrStoreUnavailable wraps every failed open, write and list read. Aggregate reads
// degrade to zero values instead.
var ErrStoreUnavailable = errors.New("index store unavailable")

// DayLayout is the format of rollup day keys.
const DayLayout = "2006-01-02"

// DayRange is an inclusive range of local calendar days. An empty bound is unbounded.
type DayRange struct {
	Start string
	End   string
}

// IndexRow is the persisted metadata of one session.
type IndexRow struct {
	SessionID string
	Source    session.Source
	NativeID  string
	StartUnix int64 // 0 when absent
	EndUnix   int64 // 0 when absent
	Model     string
	Path      string
	SizeBytes int64
	ModTimeNs int64
	Messages  int
	Commands  int
	CWD       string
	Repo      string
	Title     string
	Extra     string // raw header record
	IndexedAt int64
}

// Fingerprint returns the change-detection key of the row.
func (r IndexRow) Fingerprint() session.Fingerprint {
	return session.Fingerprint{Size: r.SizeBytes, ModTimeNs: r.ModTimeNs}
}

// Session converts the row into a lightweight session.
func (r IndexRow) Session() session.Session {
	s := session.Session{
		ID:           r.SessionID,
		Source:       r.Source,
		NativeID:     r.NativeID,
		Model:        r.Model,
		CWD:          r.CWD,
		RepoName:     r.Repo,
		Title:        r.Title,
		EventCount:   r.Messages,
		CommandCount: r.Commands,
	}
	s = s.With(session.WithFile(r.Path, r.Fingerprint()))
	if r.StartUnix > 0 {
		s.StartTime = time.Unix(r.StartUnix, 0)
	}
	if r.EndUnix > 0 {
		s.EndTime = time.Unix(r.EndUnix, 0)
	}
	return s
}

// RollupRow is the precomputed aggregate for one source and day.
type RollupRow struct {
	Source          session.Source
	Day             string
	Messages        int
	Commands        int
	DurationSeconds int64
}

// RollupDelta is an additive adjustment to a rollup row.
type RollupDelta struct {
	Messages        int
	Commands        int
	DurationSeconds int64
}

func (d RollupDelta) negate() RollupDelta {
	return RollupDelta{Messages: -d.Messages, Commands: -d.Commands, DurationSeconds: -d.DurationSeconds}
}

// Totals is the result of summing rollups.
type Totals struct {
	Messages        int
	Commands        int
	DurationSeconds int64
}

// ListFilter selects rows for list views.
type ListFilter struct {
	Sources     []session.Source // empty means all
	Range       DayRange
	MinMessages int
	MinCommands int // 1 keeps only sessions that ran a tool or command
	Limit       int // 0 means no limit
}

// Reader is the read-only view of the index handed to everything except the orchestrator.
// ListSessionMeta is the only read that reports errors, so list consumers can fall
// back to a cached page.
type Reader interface {
	FetchSessionMeta(ctx context.Context, source session.Source) []IndexRow
	FetchSessionMetaByID(ctx context.Context, id string) (IndexRow, bool)
	ListSessionMeta(ctx context.Context, f ListFilter) ([]IndexRow, error)
	CountDistinctSessions(ctx context.Context, sources []session.Source, r DayRange) int
	CountDistinctSessionsFiltered(ctx context.Context, sources []session.Source, r DayRange, minMessages int) int
	SumRollups(ctx context.Context, sources []session.Source, r DayRange) Totals
	SumMessagesFiltered(ctx context.Context, sources []session.Source, r DayRange, minMessages int) int
	DistinctSessionsBySource(ctx context.Context, sources []session.Source, r DayRange, minMessages int) map[session.Source]int
	DurationBySource(ctx context.Context, sources []session.Source, r DayRange) map[session.Source]int64
	AvgSessionDuration(ctx context.Context, sources []session.Source, r DayRange) float64
	AvgSessionDurationFiltered(ctx context.Context, sources []session.Source, r DayRange, minMessages int) float64
	IsEmpty(ctx context.Context) bool
}
