// Package sqlite stores the saga audit trail in a local SQLite file using the
// pure-Go modernc driver (no CGO). WAL mode lets status queries read while a
// saga goroutine appends.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jcmexdev/canteen-integration/internal/coordinator/sagalog"
)

// ErrNotFound is returned when a saga has no entries.
var ErrNotFound = errors.New("sqlite: saga not found")

const schema = `
CREATE TABLE IF NOT EXISTS saga_audit (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    saga_id         TEXT NOT NULL,
    saga_type       TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    current_step    TEXT NOT NULL DEFAULT '',
    payload         TEXT,
    error_messages  TEXT NOT NULL DEFAULT '[]',
    trace_id        TEXT NOT NULL DEFAULT '',
    span_id         TEXT NOT NULL DEFAULT '',
    updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_audit_saga_id ON saga_audit(saga_id, id);
CREATE INDEX IF NOT EXISTS idx_saga_audit_trace_id ON saga_audit(trace_id);
`

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

var (
	_ sagalog.Repository = (*Repository)(nil)
	_ sagalog.Reader     = (*Repository)(nil)
)

// Repository is the SQLite implementation of sagalog.Repository.
type Repository struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
//
//	repo, err := sqlite.Open("./data/saga-audit.db")
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// single writer; SQLite serialises writes anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close releases the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Save appends entry. Safe for concurrent use.
func (r *Repository) Save(ctx context.Context, entry *sagalog.SagaLog) error {
	const q = `
		INSERT INTO saga_audit
			(saga_id, saga_type, status, current_step, payload, error_messages, trace_id, span_id, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?)`

	errs := entry.ErrorMessages
	if errs == "" {
		errs = "[]"
	}
	_, err := r.db.ExecContext(ctx, q,
		entry.SagaID,
		entry.SagaType,
		string(entry.Status),
		entry.CurrentStep,
		nullableString(entry.Payload),
		errs,
		entry.TraceID,
		entry.SpanID,
		entry.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save entry for %q: %w", entry.SagaID, err)
	}
	return nil
}

// GetLatest returns the last entry written for sagaID.
func (r *Repository) GetLatest(ctx context.Context, sagaID string) (*sagalog.SagaLog, error) {
	const q = selectColumns + `
		FROM   saga_audit
		WHERE  saga_id = ?
		ORDER  BY id DESC
		LIMIT  1`

	entry, err := scanEntry(r.db.QueryRowContext(ctx, q, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get latest for %q: %w", sagaID, err)
	}
	return entry, nil
}

// List returns every entry for sagaID in write order.
func (r *Repository) List(ctx context.Context, sagaID string) ([]*sagalog.SagaLog, error) {
	const q = selectColumns + `
		FROM   saga_audit
		WHERE  saga_id = ?
		ORDER  BY id ASC`

	rows, err := r.db.QueryContext(ctx, q, sagaID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %q: %w", sagaID, err)
	}
	defer rows.Close()

	var out []*sagalog.SagaLog
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list %q: %w", sagaID, err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list %q: %w", sagaID, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, sagaID)
	}
	return out, nil
}

const selectColumns = `
		SELECT saga_id, saga_type, status, current_step, COALESCE(payload, ''),
		       error_messages, trace_id, span_id, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*sagalog.SagaLog, error) {
	var entry sagalog.SagaLog
	var updatedAt string
	if err := s.Scan(
		&entry.SagaID,
		&entry.SagaType,
		&entry.Status,
		&entry.CurrentStep,
		&entry.Payload,
		&entry.ErrorMessages,
		&entry.TraceID,
		&entry.SpanID,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", updatedAt, err)
	}
	entry.UpdatedAt = t
	return &entry, nil
}

// nullableString stores NULL instead of empty TEXT for the payload column.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
