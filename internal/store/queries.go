package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

const metaColumns = `m.session_id, m.source, m.native_id, m.start_ts, m.end_ts, m.model, m.path,
	m.size_bytes, m.mtime_ns, m.messages, m.commands, m.cwd, m.repo, m.title, m.extra, m.indexed_at`

// conditions builds the source and day predicates shared by every read.
// alias is the table alias whose source and day columns are filtered.
func conditions(alias string, sources []session.Source, r DayRange) ([]string, []any) {
	var conds []string
	var args []any
	if len(sources) > 0 {
		placeholders := make([]string, len(sources))
		for i, s := range sources {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		conds = append(conds, fmt.Sprintf("%ssource IN (%s)", alias, strings.Join(placeholders, ", ")))
	}
	if r.Start != "" {
		conds = append(conds, alias+"day >= ?")
		args = append(args, r.Start)
	}
	if r.End != "" {
		conds = append(conds, alias+"day <= ?")
		args = append(args, r.End)
	}
	return conds, args
}

func filterClause(alias string, sources []session.Source, r DayRange) (string, []any) {
	conds, args := conditions(alias, sources, r)
	return where(conds), args
}

func where(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// queryFailed logs a degraded read and counts it for QueryFailures.
func (d *DB) queryFailed(name string, err error) {
	d.failures.Add(1)
	log.Printf("⚠️  Index query %s failed: %v", name, err)
}

// QueryFailures returns how many reads have degraded to a zero value since Open.
func (d *DB) QueryFailures() uint64 {
	return d.failures.Load()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(sc rowScanner) (IndexRow, error) {
	var r IndexRow
	var src string
	var nativeID, model, cwd, repo, title, extra sql.NullString
	err := sc.Scan(&r.SessionID, &src, &nativeID, &r.StartUnix, &r.EndUnix, &model, &r.Path,
		&r.SizeBytes, &r.ModTimeNs, &r.Messages, &r.Commands, &cwd, &repo, &title, &extra, &r.IndexedAt)
	if err != nil {
		return r, err
	}
	r.Source = session.Source(src)
	r.NativeID = nativeID.String
	r.Model = model.String
	r.CWD = cwd.String
	r.Repo = repo.String
	r.Title = title.String
	r.Extra = extra.String
	return r, nil
}

func (d *DB) queryRows(ctx context.Context, query string, args ...any) ([]IndexRow, error) {
	rows, err := d.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IndexRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FetchSessionMeta returns every row of a source.
func (d *DB) FetchSessionMeta(ctx context.Context, source session.Source) []IndexRow {
	rows, err := d.queryRows(ctx,
		`SELECT `+metaColumns+` FROM session_meta m WHERE m.source = ? ORDER BY m.path`, string(source))
	if err != nil {
		d.queryFailed("fetchSessionMeta", err)
		return nil
	}
	return rows
}

// FetchSessionMetaByID returns one row.
func (d *DB) FetchSessionMetaByID(ctx context.Context, id string) (IndexRow, bool) {
	row := d.readDB.QueryRowContext(ctx, `SELECT `+metaColumns+` FROM session_meta m WHERE m.session_id = ?`, id)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return IndexRow{}, false
	}
	if err != nil {
		d.queryFailed("fetchSessionMetaByID", err)
		return IndexRow{}, false
	}
	return r, true
}

// ListSessionMeta returns the rows visible under f, most recent first. A session
// matches a day range when it contributed to any day inside it.
func (d *DB) ListSessionMeta(ctx context.Context, f ListFilter) ([]IndexRow, error) {
	conds, args := conditions("m.", f.Sources, DayRange{})
	conds = append(conds, "m.messages >= ?")
	args = append(args, f.MinMessages)
	if f.MinCommands > 0 {
		conds = append(conds, "m.commands >= ?")
		args = append(args, f.MinCommands)
	}

	if f.Range.Start != "" || f.Range.End != "" {
		dayConds, dayArgs := conditions("d.", nil, f.Range)
		dayConds = append([]string{"d.session_id = m.session_id"}, dayConds...)
		conds = append(conds, "EXISTS (SELECT 1 FROM session_days d"+where(dayConds)+")")
		args = append(args, dayArgs...)
	}

	query := `SELECT ` + metaColumns + ` FROM session_meta m` + where(conds) +
		` ORDER BY CASE WHEN m.end_ts > 0 THEN m.end_ts ELSE m.mtime_ns / 1000000000 END DESC, m.session_id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := d.queryRows(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list sessions: %v", ErrStoreUnavailable, err)
	}
	return rows, nil
}

// CountDistinctSessions counts sessions active in the range.
func (d *DB) CountDistinctSessions(ctx context.Context, sources []session.Source, r DayRange) int {
	clause, args := filterClause("d.", sources, r)
	var n int
	err := d.readDB.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT d.session_id) FROM session_days d`+clause, args...).Scan(&n)
	if err != nil {
		d.queryFailed("countDistinctSessions", err)
		return 0
	}
	return n
}

// filteredDays returns the join and predicates restricting session_days to sessions
// with at least minMessages messages.
func filteredDays(sources []session.Source, r DayRange, minMessages int) (string, []any) {
	conds, args := conditions("d.", sources, r)
	conds = append(conds, "m.messages >= ?")
	args = append(args, minMessages)
	return ` FROM session_days d JOIN session_meta m ON m.session_id = d.session_id` + where(conds), args
}

// CountDistinctSessionsFiltered counts sessions active in the range with at least
// minMessages messages.
func (d *DB) CountDistinctSessionsFiltered(ctx context.Context, sources []session.Source, r DayRange, minMessages int) int {
	from, args := filteredDays(sources, r, minMessages)
	var n int
	if err := d.readDB.QueryRowContext(ctx, `SELECT COUNT(DISTINCT d.session_id)`+from, args...).Scan(&n); err != nil {
		d.queryFailed("countDistinctSessionsFiltered", err)
		return 0
	}
	return n
}

// SumRollups totals the unfiltered rollups in the range.
func (d *DB) SumRollups(ctx context.Context, sources []session.Source, r DayRange) Totals {
	clause, args := filterClause("r.", sources, r)
	var t Totals
	err := d.readDB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(r.messages), 0), COALESCE(SUM(r.commands), 0), COALESCE(SUM(r.duration_seconds), 0)
		FROM rollups r`+clause, args...).Scan(&t.Messages, &t.Commands, &t.DurationSeconds)
	if err != nil {
		d.queryFailed("sumRollups", err)
		return Totals{}
	}
	return t
}

// SumMessagesFiltered sums messages in the range from sessions with at least minMessages.
func (d *DB) SumMessagesFiltered(ctx context.Context, sources []session.Source, r DayRange, minMessages int) int {
	from, args := filteredDays(sources, r, minMessages)
	var n int
	if err := d.readDB.QueryRowContext(ctx, `SELECT COALESCE(SUM(d.messages), 0)`+from, args...).Scan(&n); err != nil {
		d.queryFailed("sumMessagesFiltered", err)
		return 0
	}
	return n
}

// DistinctSessionsBySource counts sessions per source, filtered by minMessages.
func (d *DB) DistinctSessionsBySource(ctx context.Context, sources []session.Source, r DayRange, minMessages int) map[session.Source]int {
	from, args := filteredDays(sources, r, minMessages)
	rows, err := d.readDB.QueryContext(ctx,
		`SELECT d.source, COUNT(DISTINCT d.session_id)`+from+` GROUP BY d.source`, args...)
	if err != nil {
		d.queryFailed("distinctSessionsBySource", err)
		return map[session.Source]int{}
	}
	defer rows.Close()

	out := map[session.Source]int{}
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			d.queryFailed("distinctSessionsBySource", err)
			return map[session.Source]int{}
		}
		out[session.Source(src)] = n
	}
	if err := rows.Err(); err != nil {
		d.queryFailed("distinctSessionsBySource", err)
		return map[session.Source]int{}
	}
	return out
}

// DurationBySource sums unfiltered rollup durations per source.
func (d *DB) DurationBySource(ctx context.Context, sources []session.Source, r DayRange) map[session.Source]int64 {
	clause, args := filterClause("r.", sources, r)
	rows, err := d.readDB.QueryContext(ctx,
		`SELECT r.source, COALESCE(SUM(r.duration_seconds), 0) FROM rollups r`+clause+` GROUP BY r.source`, args...)
	if err != nil {
		d.queryFailed("durationBySource", err)
		return map[session.Source]int64{}
	}
	defer rows.Close()

	out := map[session.Source]int64{}
	for rows.Next() {
		var src string
		var secs int64
		if err := rows.Scan(&src, &secs); err != nil {
			d.queryFailed("durationBySource", err)
			return map[session.Source]int64{}
		}
		out[session.Source(src)] = secs
	}
	if err := rows.Err(); err != nil {
		d.queryFailed("durationBySource", err)
		return map[session.Source]int64{}
	}
	return out
}

// AvgSessionDuration is the mean end-start in seconds of sessions active in the range.
// Sessions without both time anchors are ignored.
func (d *DB) AvgSessionDuration(ctx context.Context, sources []session.Source, r DayRange) float64 {
	return d.avgDuration(ctx, "avgSessionDuration", sources, r, -1)
}

// AvgSessionDurationFiltered is AvgSessionDuration restricted to sessions with at least
// minMessages messages.
func (d *DB) AvgSessionDurationFiltered(ctx context.Context, sources []session.Source, r DayRange, minMessages int) float64 {
	return d.avgDuration(ctx, "avgSessionDurationFiltered", sources, r, minMessages)
}

func (d *DB) avgDuration(ctx context.Context, name string, sources []session.Source, r DayRange, minMessages int) float64 {
	dayClause, args := filterClause("d.", sources, r)
	conds := []string{
		"m.start_ts > 0",
		"m.end_ts >= m.start_ts",
		"m.session_id IN (SELECT d.session_id FROM session_days d" + dayClause + ")",
	}
	if minMessages >= 0 {
		conds = append(conds, "m.messages >= ?")
		args = append(args, minMessages)
	}

	var avg float64
	err := d.readDB.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(m.end_ts - m.start_ts), 0) FROM session_meta m`+where(conds), args...).Scan(&avg)
	if err != nil {
		d.queryFailed(name, err)
		return 0
	}
	return avg
}

// IsEmpty reports whether no session has been indexed. Failures read as empty.
func (d *DB) IsEmpty(ctx context.Context) bool {
	var empty bool
	if err := d.readDB.QueryRowContext(ctx, `SELECT NOT EXISTS (SELECT 1 FROM session_meta)`).Scan(&empty); err != nil {
		d.queryFailed("isEmpty", err)
		return true
	}
	return empty
}

// Rollups returns raw rollup rows ordered by source and day.
func (d *DB) Rollups(ctx context.Context, sources []session.Source, r DayRange) []RollupRow {
	clause, args := filterClause("r.", sources, r)
	rows, err := d.readDB.QueryContext(ctx, `
		SELECT r.source, r.day, r.messages, r.commands, r.duration_seconds
		FROM rollups r`+clause+` ORDER BY r.source, r.day`, args...)
	if err != nil {
		d.queryFailed("rollups", err)
		return nil
	}
	defer rows.Close()

	var out []RollupRow
	for rows.Next() {
		var rr RollupRow
		var src string
		if err := rows.Scan(&src, &rr.Day, &rr.Messages, &rr.Commands, &rr.DurationSeconds); err != nil {
			d.queryFailed("rollups", err)
			return nil
		}
		rr.Source = session.Source(src)
		out = append(out, rr)
	}
	return out
}
