// Package journal keeps a small SQLite history of hold sessions and
// autofill outcomes so the MCP history tool can answer "what happened
// today" across restarts.
package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS hold_sessions (
	id             TEXT PRIMARY KEY,
	source         TEXT NOT NULL,
	started_at     INTEGER NOT NULL,
	first_alert_at INTEGER,
	acks           INTEGER NOT NULL DEFAULT 0,
	max_elapsed_ms INTEGER NOT NULL DEFAULT 0,
	ended_at       INTEGER,
	end_reason     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_hold_sessions_started ON hold_sessions(started_at);

CREATE TABLE IF NOT EXISTS autofill_outcomes (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      INTEGER NOT NULL,
	target  TEXT NOT NULL,
	channel TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	detail  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_autofill_outcomes_at ON autofill_outcomes(at);
`

// ErrUnknownSession is returned when a hold id is not in the journal.
var ErrUnknownSession = eris.New("journal: unknown hold session")

// Hold is one hold session, open until Ended is set.
type Hold struct {
	ID         string        `json:"id"`
	Source     string        `json:"source"`
	StartedAt  time.Time     `json:"started_at"`
	FirstAlert *time.Time    `json:"first_alert,omitempty"`
	Acks       int           `json:"acks"`
	MaxElapsed time.Duration `json:"max_elapsed"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	EndReason  string        `json:"end_reason,omitempty"`
}

// Outcome is one recorded autofill result.
type Outcome struct {
	At      time.Time `json:"at"`
	Target  string    `json:"target"`
	Channel string    `json:"channel,omitempty"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
}

// Journal wraps the history database. A nil Journal records nothing.
type Journal struct {
	db *sql.DB
}

// Open opens (and creates) the journal at path. ":memory:" is accepted
// for tests.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, eris.Wrap(err, "journal: mkdir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "journal: open")
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "journal: %s", p)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "journal: schema")
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

// BeginHold opens a session and returns its id.
func (j *Journal) BeginHold(ctx context.Context, at time.Time, source string) (string, error) {
	if j == nil {
		return "", nil
	}
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO hold_sessions (id, source, started_at) VALUES (?, ?, ?)`,
		id, source, at.UnixMilli())
	if err != nil {
		return "", eris.Wrap(err, "journal: begin hold")
	}
	return id, nil
}

// Progress raises the session's maximum elapsed time.
func (j *Journal) Progress(ctx context.Context, id string, elapsed time.Duration) error {
	return j.update(ctx, id,
		`UPDATE hold_sessions SET max_elapsed_ms = MAX(max_elapsed_ms, ?) WHERE id = ?`,
		elapsed.Milliseconds(), id)
}

// Alerted stamps the first alert; later alerts keep the first timestamp.
func (j *Journal) Alerted(ctx context.Context, id string, at time.Time) error {
	return j.update(ctx, id,
		`UPDATE hold_sessions SET first_alert_at = COALESCE(first_alert_at, ?) WHERE id = ?`,
		at.UnixMilli(), id)
}

// Acked counts an acknowledgement.
func (j *Journal) Acked(ctx context.Context, id string) error {
	return j.update(ctx, id, `UPDATE hold_sessions SET acks = acks + 1 WHERE id = ?`, id)
}

// EndHold closes the session.
func (j *Journal) EndHold(ctx context.Context, id string, at time.Time, reason string) error {
	return j.update(ctx, id,
		`UPDATE hold_sessions
		 SET end_reason = CASE WHEN ended_at IS NULL THEN ? ELSE end_reason END,
		     ended_at = COALESCE(ended_at, ?)
		 WHERE id = ?`,
		reason, at.UnixMilli(), id)
}

func (j *Journal) update(ctx context.Context, id, query string, args ...interface{}) error {
	if j == nil || id == "" {
		return nil
	}
	res, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrap(err, "journal: update hold")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return eris.Wrap(ErrUnknownSession, id)
	}
	return nil
}

// RecordOutcome appends one autofill result.
func (j *Journal) RecordOutcome(ctx context.Context, o Outcome) error {
	if j == nil {
		return nil
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO autofill_outcomes (at, target, channel, outcome, detail) VALUES (?, ?, ?, ?, ?)`,
		o.At.UnixMilli(), o.Target, o.Channel, o.Outcome, o.Detail)
	return eris.Wrap(err, "journal: record outcome")
}

// Holds returns sessions started at or after since, newest first.
func (j *Journal) Holds(ctx context.Context, since time.Time, limit int) ([]Hold, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, source, started_at, first_alert_at, acks, max_elapsed_ms, ended_at, end_reason
		FROM hold_sessions WHERE started_at >= ?
		ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		since.UnixMilli(), limit)
	if err != nil {
		return nil, eris.Wrap(err, "journal: query holds")
	}
	defer rows.Close()

	var out []Hold
	for rows.Next() {
		var (
			h             Hold
			started, maxE int64
			alert, ended  sql.NullInt64
		)
		if err := rows.Scan(&h.ID, &h.Source, &started, &alert, &h.Acks, &maxE, &ended, &h.EndReason); err != nil {
			return nil, eris.Wrap(err, "journal: scan hold")
		}
		h.StartedAt = time.UnixMilli(started)
		h.MaxElapsed = time.Duration(maxE) * time.Millisecond
		h.FirstAlert = nullTime(alert)
		h.EndedAt = nullTime(ended)
		out = append(out, h)
	}
	return out, eris.Wrap(rows.Err(), "journal: iterate holds")
}

// Outcomes returns autofill results recorded at or after since, newest first.
func (j *Journal) Outcomes(ctx context.Context, since time.Time, limit int) ([]Outcome, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT at, target, channel, outcome, detail
		FROM autofill_outcomes WHERE at >= ?
		ORDER BY at DESC, id DESC LIMIT ?`,
		since.UnixMilli(), limit)
	if err != nil {
		return nil, eris.Wrap(err, "journal: query outcomes")
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o  Outcome
			at int64
		)
		if err := rows.Scan(&at, &o.Target, &o.Channel, &o.Outcome, &o.Detail); err != nil {
			return nil, eris.Wrap(err, "journal: scan outcome")
		}
		o.At = time.UnixMilli(at)
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "journal: iterate outcomes")
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
