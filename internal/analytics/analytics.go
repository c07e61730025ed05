// Package analytics answers aggregate questions over the session index.
//
// The visibility policy is resolved once per query into a minimum message count and
// threaded into every store call, so summary, breakdown and averages agree on which
// sessions count. Session and message totals honor the threshold; command and
// duration totals come from unfiltered rollups.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
	"github.com/ChamsBouzaiene/agentsessions/internal/store"
)

// DefaultTimeout bounds one snapshot.
const DefaultTimeout = 3 * time.Second

// Query selects the sessions an aggregate covers.
type Query struct {
	Sources []session.Source // empty means all
	Range   store.DayRange
	Policy  session.VisibilityPolicy
}

func (q Query) key() string {
	names := make([]string, len(q.Sources))
	for i, s := range session.SortSources(q.Sources) {
		names[i] = string(s)
	}
	return fmt.Sprintf("%s|%s|%s|%d", strings.Join(names, ","), q.Range.Start, q.Range.End, q.Policy.MinMessages())
}

// Summary holds headline totals.
type Summary struct {
	Sessions        int
	Messages        int
	Commands        int
	DurationSeconds int64
}

// AgentSlice is one source's share of activity.
type AgentSlice struct {
	Source          session.Source
	Sessions        int
	DurationSeconds int64
}

// Snapshot bundles every aggregate for a query.
type Snapshot struct {
	Query       Query
	Summary     Summary
	Breakdown   []AgentSlice
	AvgSession  time.Duration
	GeneratedAt time.Time
	Stale       bool // served from the last successful snapshot
}

type pinger interface {
	Ping(ctx context.Context) error
}

// failureCounter is implemented by readers that count reads degraded to zero values.
type failureCounter interface {
	QueryFailures() uint64
}

var errDegradedRead = errors.New("index query failed")

// Service computes aggregates from a store reader.
type Service struct {
	reader  store.Reader
	timeout time.Duration

	mu       sync.Mutex
	lastGood map[string]Snapshot
}

// NewService creates a service. A non-positive timeout uses DefaultTimeout.
func NewService(reader store.Reader, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		reader:   reader,
		timeout:  timeout,
		lastGood: make(map[string]Snapshot),
	}
}

// Summary returns headline totals for q.
func (s *Service) Summary(ctx context.Context, q Query) Summary {
	minMsgs := q.Policy.MinMessages()
	totals := s.reader.SumRollups(ctx, q.Sources, q.Range)

	out := Summary{
		Commands:        totals.Commands,
		DurationSeconds: totals.DurationSeconds,
	}
	if minMsgs > 0 {
		out.Sessions = s.reader.CountDistinctSessionsFiltered(ctx, q.Sources, q.Range, minMsgs)
		out.Messages = s.reader.SumMessagesFiltered(ctx, q.Sources, q.Range, minMsgs)
	} else {
		out.Sessions = s.reader.CountDistinctSessions(ctx, q.Sources, q.Range)
		out.Messages = totals.Messages
	}
	return out
}

// Breakdown returns per-source activity, largest first.
func (s *Service) Breakdown(ctx context.Context, q Query) []AgentSlice {
	counts := s.reader.DistinctSessionsBySource(ctx, q.Sources, q.Range, q.Policy.MinMessages())
	durations := s.reader.DurationBySource(ctx, q.Sources, q.Range)
	return MergeBreakdown(counts, durations)
}

// AvgSessionLength returns the mean session duration for q.
func (s *Service) AvgSessionLength(ctx context.Context, q Query) time.Duration {
	var secs float64
	if minMsgs := q.Policy.MinMessages(); minMsgs > 0 {
		secs = s.reader.AvgSessionDurationFiltered(ctx, q.Sources, q.Range, minMsgs)
	} else {
		secs = s.reader.AvgSessionDuration(ctx, q.Sources, q.Range)
	}
	return time.Duration(secs * float64(time.Second))
}

// MergeBreakdown joins session counts and durations over the union of their sources.
// A source missing from either map contributes 0 for that value. Slices are ordered by
// sessions descending, then source name.
func MergeBreakdown(counts map[session.Source]int, durations map[session.Source]int64) []AgentSlice {
	keys := make(map[session.Source]bool, len(counts)+len(durations))
	for src := range counts {
		keys[src] = true
	}
	for src := range durations {
		keys[src] = true
	}

	out := make([]AgentSlice, 0, len(keys))
	for src := range keys {
		out = append(out, AgentSlice{
			Source:          src,
			Sessions:        counts[src],
			DurationSeconds: durations[src],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sessions != out[j].Sessions {
			return out[i].Sessions > out[j].Sessions
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// Snapshot computes every aggregate for q under the service timeout. When the store
// cannot be reached in time the last successful snapshot for the same query is
// returned with Stale set, or an empty stale snapshot when there is none.
func (s *Service) Snapshot(ctx context.Context, q Query) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan Snapshot, 1)
	errc := make(chan error, 1)
	go func() {
		if p, ok := s.reader.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				errc <- err
				return
			}
		}
		fc, counted := s.reader.(failureCounter)
		var failures uint64
		if counted {
			failures = fc.QueryFailures()
		}
		snap := Snapshot{
			Query:      q,
			Summary:    s.Summary(ctx, q),
			Breakdown:  s.Breakdown(ctx, q),
			AvgSession: s.AvgSessionLength(ctx, q),
		}
		if err := ctx.Err(); err != nil {
			errc <- err
			return
		}
		// Any read that degraded to zero makes the snapshot unfit to replace lastGood.
		if counted && fc.QueryFailures() != failures {
			errc <- errDegradedRead
			return
		}
		snap.GeneratedAt = time.Now()
		done <- snap
	}()

	select {
	case snap := <-done:
		s.mu.Lock()
		s.lastGood[q.key()] = snap
		s.mu.Unlock()
		return snap
	case err := <-errc:
		return s.stale(q, err)
	case <-ctx.Done():
		return s.stale(q, ctx.Err())
	}
}

func (s *Service) stale(q Query, cause error) Snapshot {
	log.Printf("⚠️  Analytics unavailable, serving last known good: %v", cause)
	s.mu.Lock()
	snap, ok := s.lastGood[q.key()]
	s.mu.Unlock()
	if !ok {
		snap = Snapshot{Query: q, Breakdown: []AgentSlice{}}
	}
	snap.Stale = true
	return snap
}
