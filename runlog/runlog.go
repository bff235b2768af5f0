// Package runlog records per-file import outcomes to a local SQLite journal,
// kept separate from the document store so a post-run investigation can
// correlate decisions with store state without touching it. The journal is
// strictly observational: convergence never depends on it, and a failing
// journal never blocks an import.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dpdash/dpimport/idgen"
)

// Event is one import decision and its outcome.
type Event struct {
	Path       string
	Study      string
	Subject    string
	Assessment string
	Decision   string
	Success    bool
	DurationMS int64
	Detail     string
}

// Logger writes import events to the journal database.
type Logger struct {
	db    *sql.DB
	newID idgen.Generator
}

// Option configures a Logger.
type Option func(*Logger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) Option {
	return func(l *Logger) { l.newID = gen }
}

// Open opens (or creates) the journal database at path and applies the
// schema. Use ":memory:" in tests.
func Open(path string, opts ...Option) (*Logger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("run log %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run log schema: %w", err)
	}

	l := &Logger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS import_events (
    event_id    TEXT PRIMARY KEY,
    path        TEXT NOT NULL,
    study       TEXT,
    subject     TEXT,
    assessment  TEXT,
    decision    TEXT NOT NULL,
    success     INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    detail      TEXT,
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_import_events_path  ON import_events(path);
CREATE INDEX IF NOT EXISTS idx_import_events_study ON import_events(study);
`

// Record writes one event. Non-blocking semantics: errors are logged via
// slog but never propagate, so a failing journal cannot fail an import.
func (l *Logger) Record(ctx context.Context, ev Event) {
	success := 0
	if ev.Success {
		success = 1
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO import_events (
			event_id, path, study, subject, assessment,
			decision, success, duration_ms, detail, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.newID(), ev.Path, ev.Study, ev.Subject, ev.Assessment,
		ev.Decision, success, ev.DurationMS, ev.Detail, time.Now().Unix())
	if err != nil {
		slog.Error("run log write failed", "path", ev.Path, "error", err)
	}
}

// Count returns the number of recorded events, optionally filtered by
// decision. Used by reporting and tests.
func (l *Logger) Count(ctx context.Context, decision string) (int, error) {
	var n int
	var err error
	if decision == "" {
		err = l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM import_events`).Scan(&n)
	} else {
		err = l.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM import_events WHERE decision = ?`, decision).Scan(&n)
	}
	return n, err
}

// Close closes the journal database.
func (l *Logger) Close() error { return l.db.Close() }
