// Package db stores closed windows, actuator events and actuator sessions
// in SQLite.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/pear-sorter/internal/actuator"
	"github.com/banshee-data/pear-sorter/internal/decision"
)

type DB struct {
	*sql.DB
	path string
}

// OpenDB opens the database at path without touching the schema.
func OpenDB(path string) (*DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database at path and applies every pending migration.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// WindowRecord is a stored window result.
type WindowRecord struct {
	ID       int64            `json:"id"`
	Start    time.Time        `json:"start"`
	End      time.Time        `json:"end"`
	Normal   int              `json:"normal"`
	Abnormal int              `json:"abnormal"`
	Command  decision.Command `json:"-"`
	Trigger  string           `json:"trigger"`
	Final    bool             `json:"final"`
}

// RecordWindow stores a closed window. trigger is the decision class that
// drives ON, kept so old rows stay interpretable after a polarity change.
func (db *DB) RecordWindow(ctx context.Context, res decision.Result, trigger decision.Decision) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO windows (start_unix, end_unix, normal_count, abnormal_count, command, final, trigger_class)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		unixSeconds(res.Start), unixSeconds(res.End), res.Normal, res.Abnormal,
		res.Command.String(), res.Final, trigger.String())
	if err != nil {
		return fmt.Errorf("insert window: %w", err)
	}
	return nil
}

// RecentWindows returns up to limit windows, newest first.
func (db *DB) RecentWindows(ctx context.Context, limit int) ([]WindowRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT window_id, start_unix, end_unix, normal_count, abnormal_count, command, final, trigger_class
		 FROM windows ORDER BY end_unix DESC, window_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WindowRecord
	for rows.Next() {
		var (
			w          WindowRecord
			start, end float64
			cmd        string
		)
		if err := rows.Scan(&w.ID, &start, &end, &w.Normal, &w.Abnormal, &cmd, &w.Final, &w.Trigger); err != nil {
			return nil, err
		}
		if w.Command, err = decision.ParseCommand(cmd); err != nil {
			return nil, fmt.Errorf("window %d: %w", w.ID, err)
		}
		w.Start, w.End = fromUnixSeconds(start), fromUnixSeconds(end)
		out = append(out, w)
	}
	return out, rows.Err()
}

// RecordEvent stores one actuator event.
func (db *DB) RecordEvent(ctx context.Context, ev actuator.Event) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO actuator_events (session_id, event_unix, kind, command, attempt, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, unixSeconds(ev.Time), string(ev.Kind),
		nullString(ev.CommandName), nullInt(ev.Attempt), nullString(ev.Err))
	if err != nil {
		return fmt.Errorf("insert actuator event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit actuator events, newest first. An empty
// sessionID matches every session.
func (db *DB) RecentEvents(ctx context.Context, sessionID string, limit int) ([]actuator.Event, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, event_unix, kind, command, attempt, error
		 FROM actuator_events
		 WHERE ? = '' OR session_id = ?
		 ORDER BY event_unix DESC, event_id DESC LIMIT ?`, sessionID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []actuator.Event
	for rows.Next() {
		var (
			ev       actuator.Event
			at       float64
			kind     string
			cmd, msg sql.NullString
			attempt  sql.NullInt64
		)
		if err := rows.Scan(&ev.SessionID, &at, &kind, &cmd, &attempt, &msg); err != nil {
			return nil, err
		}
		ev.Time = fromUnixSeconds(at)
		ev.Kind = actuator.EventKind(kind)
		ev.CommandName = cmd.String
		if cmd.Valid {
			if c, err := decision.ParseCommand(cmd.String); err == nil {
				ev.Command = c
			}
		}
		ev.Attempt = int(attempt.Int64)
		ev.Err = msg.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpsertSession stores the latest counters of a controller session.
func (db *DB) UpsertSession(ctx context.Context, s actuator.Session) error {
	var last sql.NullFloat64
	if !s.LastCommandTime.IsZero() {
		last = sql.NullFloat64{Float64: unixSeconds(s.LastCommandTime), Valid: true}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, port, started_unix, last_command_unix,
			on_count, off_count, failures, coalesced, reconnects, updated_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			last_command_unix = excluded.last_command_unix,
			on_count = excluded.on_count,
			off_count = excluded.off_count,
			failures = excluded.failures,
			coalesced = excluded.coalesced,
			reconnects = excluded.reconnects,
			updated_unix = excluded.updated_unix`,
		s.ID, s.Port, unixSeconds(s.StartedAt), last,
		s.OnCount, s.OffCount, s.Failures, s.Coalesced, s.Reconnects,
		unixSeconds(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", s.ID, err)
	}
	return nil
}

// Sessions returns up to limit sessions, most recently started first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]actuator.Session, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, port, started_unix, last_command_unix,
			on_count, off_count, failures, coalesced, reconnects
		 FROM sessions ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []actuator.Session
	for rows.Next() {
		var (
			s       actuator.Session
			started float64
			last    sql.NullFloat64
		)
		if err := rows.Scan(&s.ID, &s.Port, &started, &last,
			&s.OnCount, &s.OffCount, &s.Failures, &s.Coalesced, &s.Reconnects); err != nil {
			return nil, err
		}
		s.StartedAt = fromUnixSeconds(started)
		if last.Valid {
			s.LastCommandTime = fromUnixSeconds(last.Float64)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
