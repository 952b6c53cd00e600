// Package journal stores an append-only audit trail of chat lifecycle events.
//
// SQLite runs in WAL mode so the engine's single writer never blocks readers
// serving History queries.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/chatroute/types"

	_ "modernc.org/sqlite"
)

// DefaultHistoryLimit caps History when limit <= 0.
const DefaultHistoryLimit = 100

// SQLite is a types.Journal backed by a SQLite file.
type SQLite struct {
	db    *sql.DB
	retry retryConfig
}

var _ types.Journal = (*SQLite)(nil)

// Open opens (or creates) the journal database at path and migrates the schema.
func Open(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: journal path is empty", types.ErrInvalidArgument)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	j := &SQLite{db: db, retry: defaultRetryConfig}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	return j, nil
}

// Close closes the database.
func (j *SQLite) Close() error { return j.db.Close() }

func (j *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_events (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		type          TEXT NOT NULL,
		customer_id   TEXT NOT NULL,
		request_id    TEXT NOT NULL DEFAULT '',
		assignment_id TEXT NOT NULL DEFAULT '',
		operator_id   TEXT NOT NULL DEFAULT '',
		detail        TEXT NOT NULL DEFAULT '',
		at            TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chat_events_customer ON chat_events(customer_id, id);
	CREATE INDEX IF NOT EXISTS idx_chat_events_assignment ON chat_events(assignment_id);
	`
	_, err := j.db.Exec(schema)

	return err
}

// Append writes one event. A zero At is stamped with the current time.
func (j *SQLite) Append(ctx context.Context, event types.JournalEvent) error {
	if event.CustomerID == "" || event.Type == "" {
		return fmt.Errorf("%w: journal event needs type and customer", types.ErrInvalidArgument)
	}
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}

	return retryOp(ctx, j.retry, func() error {
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO chat_events (type, customer_id, request_id, assignment_id, operator_id, detail, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(event.Type), event.CustomerID, event.RequestID, event.AssignmentID,
			event.OperatorID, event.Detail, at.UTC().Format(time.RFC3339Nano),
		)

		return err
	})
}

// History returns a customer's events, newest first.
func (j *SQLite) History(ctx context.Context, customerID string, limit int) ([]types.JournalEvent, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT type, customer_id, request_id, assignment_id, operator_id, detail, at
		 FROM chat_events WHERE customer_id = ? ORDER BY id DESC LIMIT ?`,
		customerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []types.JournalEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// ForAssignment returns the events of one assignment, oldest first.
func (j *SQLite) ForAssignment(ctx context.Context, assignmentID string) ([]types.JournalEvent, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT type, customer_id, request_id, assignment_id, operator_id, detail, at
		 FROM chat_events WHERE assignment_id = ? ORDER BY id`,
		assignmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query assignment events: %w", err)
	}
	defer rows.Close()

	var events []types.JournalEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (types.JournalEvent, error) {
	var (
		ev  types.JournalEvent
		typ string
		at  string
	)
	if err := s.Scan(&typ, &ev.CustomerID, &ev.RequestID, &ev.AssignmentID, &ev.OperatorID, &ev.Detail, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ev, types.ErrNotFound
		}

		return ev, fmt.Errorf("scan event: %w", err)
	}
	ev.Type = types.JournalEventType(typ)

	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return ev, fmt.Errorf("parse event time %q: %w", at, err)
	}
	ev.At = t

	return ev, nil
}

// Nop discards events.
type Nop struct{}

var _ types.Journal = Nop{}

// Append does nothing.
func (Nop) Append(context.Context, types.JournalEvent) error { return nil }

// History returns nothing.
func (Nop) History(context.Context, string, int) ([]types.JournalEvent, error) { return nil, nil }
