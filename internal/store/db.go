// Package store persists session metadata and per-day rollups in an embedded sqlite file.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

// DB is the index store. Writes go through a single connection; reads use a pool
// and only observe committed transactions (WAL).
type DB struct {
	writeDB *sql.DB
	readDB  *sql.DB
	loc     *time.Location
	path    string

	failures atomic.Uint64
}

// Open creates the database file if needed and initializes the schema.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrStoreUnavailable)
	}
	cfg.applyDefaults()

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create database directory: %v", ErrStoreUnavailable, err)
	}

	writeDB, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open write database: %v", ErrStoreUnavailable, err)
	}
	writeDB.SetMaxOpenConns(1) // single writer
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("%w: failed to open read database: %v", ErrStoreUnavailable, err)
	}
	readDB.SetMaxOpenConns(cfg.ReadConns)
	readDB.SetMaxIdleConns(cfg.ReadConns)

	d := &DB{writeDB: writeDB, readDB: readDB, loc: cfg.Location, path: cfg.Path}

	for _, pragma := range cfg.pragmas() {
		if _, err := writeDB.ExecContext(ctx, pragma); err != nil {
			d.Close()
			return nil, fmt.Errorf("%w: failed to set %s: %v", ErrStoreUnavailable, pragma, err)
		}
	}
	if err := d.initSchema(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %v", ErrStoreUnavailable, err)
	}
	return d, nil
}

// Close runs PRAGMA optimize and closes both pools.
func (d *DB) Close() error {
	if _, err := d.writeDB.Exec("PRAGMA optimize"); err != nil {
		log.Printf("⚠️  PRAGMA optimize failed: %v", err)
	}
	rerr := d.readDB.Close()
	if err := d.writeDB.Close(); err != nil {
		return err
	}
	return rerr
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Location returns the calendar used for rollup days.
func (d *DB) Location() *time.Location {
	return d.loc
}

// Ping checks that the store can serve queries.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.readDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (d *DB) initSchema(ctx context.Context) error {
	schema := `
	-- One row per live session
	CREATE TABLE IF NOT EXISTS session_meta (
		session_id TEXT PRIMARY KEY,
		source     TEXT NOT NULL,
		native_id  TEXT,
		start_ts   INTEGER NOT NULL DEFAULT 0,
		end_ts     INTEGER NOT NULL DEFAULT 0,
		model      TEXT,
		path       TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		mtime_ns   INTEGER NOT NULL,
		messages   INTEGER NOT NULL DEFAULT 0,
		commands   INTEGER NOT NULL DEFAULT 0,
		cwd        TEXT,
		repo       TEXT,
		title      TEXT,
		extra      TEXT,
		indexed_at INTEGER NOT NULL
	);

	-- What each session contributed to each day's rollup
	CREATE TABLE IF NOT EXISTS session_days (
		session_id       TEXT NOT NULL,
		source           TEXT NOT NULL,
		day              TEXT NOT NULL,
		messages         INTEGER NOT NULL DEFAULT 0,
		commands         INTEGER NOT NULL DEFAULT 0,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, day)
	);

	-- Per-source, per-day aggregates
	CREATE TABLE IF NOT EXISTS rollups (
		source           TEXT NOT NULL,
		day              TEXT NOT NULL,
		messages         INTEGER NOT NULL DEFAULT 0,
		commands         INTEGER NOT NULL DEFAULT 0,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (source, day)
	);

	CREATE INDEX IF NOT EXISTS idx_meta_source ON session_meta(source);
	CREATE INDEX IF NOT EXISTS idx_meta_path ON session_meta(path);
	CREATE INDEX IF NOT EXISTS idx_meta_messages ON session_meta(messages);
	CREATE INDEX IF NOT EXISTS idx_days_source_day ON session_days(source, day);
	`
	_, err := d.writeDB.ExecContext(ctx, schema)
	return err
}

// UpsertMeta writes a row and moves its rollup contributions in one transaction:
// the previous contributions are subtracted and the new ones added.
func (d *DB) UpsertMeta(ctx context.Context, row IndexRow) error {
	if row.IndexedAt == 0 {
		row.IndexedAt = time.Now().Unix()
	}

	tx, err := d.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if err := d.retractTx(ctx, tx, row.SessionID); err != nil {
		return err
	}

	query := `
	INSERT INTO session_meta (session_id, source, native_id, start_ts, end_ts, model, path,
		size_bytes, mtime_ns, messages, commands, cwd, repo, title, extra, indexed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		source = excluded.source,
		native_id = excluded.native_id,
		start_ts = excluded.start_ts,
		end_ts = excluded.end_ts,
		model = excluded.model,
		path = excluded.path,
		size_bytes = excluded.size_bytes,
		mtime_ns = excluded.mtime_ns,
		messages = excluded.messages,
		commands = excluded.commands,
		cwd = excluded.cwd,
		repo = excluded.repo,
		title = excluded.title,
		extra = excluded.extra,
		indexed_at = excluded.indexed_at
	`
	_, err = tx.ExecContext(ctx, query,
		row.SessionID, string(row.Source), row.NativeID, row.StartUnix, row.EndUnix, row.Model, row.Path,
		row.SizeBytes, row.ModTimeNs, row.Messages, row.Commands, row.CWD, row.Repo, row.Title, row.Extra, row.IndexedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert session %s: %v", ErrStoreUnavailable, row.SessionID, err)
	}

	for _, c := range contributions(row, d.loc) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_days (session_id, source, day, messages, commands, duration_seconds)
			VALUES (?, ?, ?, ?, ?, ?)`,
			row.SessionID, string(c.Source), c.Day, c.Delta.Messages, c.Delta.Commands, c.Delta.DurationSeconds)
		if err != nil {
			return fmt.Errorf("%w: failed to record day contribution: %v", ErrStoreUnavailable, err)
		}
		if err := applyRollupTx(ctx, tx, c.Source, c.Day, c.Delta); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit upsert: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// DeleteMeta removes a row and subtracts its contributions from the rollups.
func (d *DB) DeleteMeta(ctx context.Context, sessionID string) error {
	tx, err := d.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if err := d.retractTx(ctx, tx, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_meta WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("%w: failed to delete session %s: %v", ErrStoreUnavailable, sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit delete: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// UpsertRollup applies an additive delta to one (source, day) rollup.
func (d *DB) UpsertRollup(ctx context.Context, source session.Source, day string, delta RollupDelta) error {
	tx, err := d.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if err := applyRollupTx(ctx, tx, source, day, delta); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit rollup: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ReconcileRollups rebuilds the rollups of sources from the per-session contributions.
// An empty source list reconciles every source.
func (d *DB) ReconcileRollups(ctx context.Context, sources []session.Source) error {
	tx, err := d.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_days WHERE session_id NOT IN (SELECT session_id FROM session_meta)`); err != nil {
		return fmt.Errorf("%w: failed to prune orphaned contributions: %v", ErrStoreUnavailable, err)
	}

	clause, args := filterClause("", sources, DayRange{})
	if _, err := tx.ExecContext(ctx, `DELETE FROM rollups`+clause, args...); err != nil {
		return fmt.Errorf("%w: failed to clear rollups: %v", ErrStoreUnavailable, err)
	}
	rebuild := `
	INSERT INTO rollups (source, day, messages, commands, duration_seconds)
	SELECT source, day, SUM(messages), SUM(commands), SUM(duration_seconds)
	FROM session_days` + clause + `
	GROUP BY source, day
	HAVING SUM(messages) != 0 OR SUM(commands) != 0 OR SUM(duration_seconds) != 0`
	if _, err := tx.ExecContext(ctx, rebuild, args...); err != nil {
		return fmt.Errorf("%w: failed to rebuild rollups: %v", ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit reconcile: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// retractTx subtracts a session's recorded contributions and forgets them.
func (d *DB) retractTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT source, day, messages, commands, duration_seconds
		FROM session_days WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("%w: failed to load day contributions: %v", ErrStoreUnavailable, err)
	}
	var old []dayContribution
	for rows.Next() {
		var c dayContribution
		var src string
		if err := rows.Scan(&src, &c.Day, &c.Delta.Messages, &c.Delta.Commands, &c.Delta.DurationSeconds); err != nil {
			rows.Close()
			return fmt.Errorf("%w: failed to scan day contribution: %v", ErrStoreUnavailable, err)
		}
		c.Source = session.Source(src)
		old = append(old, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: failed to read day contributions: %v", ErrStoreUnavailable, err)
	}

	for _, c := range old {
		if err := applyRollupTx(ctx, tx, c.Source, c.Day, c.Delta.negate()); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_days WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("%w: failed to clear day contributions: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// applyRollupTx adds delta to a rollup row and drops rows that fall back to zero.
func applyRollupTx(ctx context.Context, tx *sql.Tx, source session.Source, day string, delta RollupDelta) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rollups (source, day, messages, commands, duration_seconds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source, day) DO UPDATE SET
			messages = messages + excluded.messages,
			commands = commands + excluded.commands,
			duration_seconds = duration_seconds + excluded.duration_seconds`,
		string(source), day, delta.Messages, delta.Commands, delta.DurationSeconds)
	if err != nil {
		return fmt.Errorf("%w: failed to adjust rollup %s/%s: %v", ErrStoreUnavailable, source, day, err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM rollups
		WHERE source = ? AND day = ? AND messages = 0 AND commands = 0 AND duration_seconds = 0`,
		string(source), day)
	if err != nil {
		return fmt.Errorf("%w: failed to prune rollup %s/%s: %v", ErrStoreUnavailable, source, day, err)
	}
	return nil
}
