// Package eventlog implements the append-only, strictly ordered event log
// backing the whole pipeline. Appends are serialized internally so sequence
// numbers are gap-free and strictly increasing even under concurrent
// callers; reads of committed entries run without synchronization.
package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfwarden/wolfwarden/pkg/core"
	"github.com/wolfwarden/wolfwarden/pkg/db"
	"github.com/wolfwarden/wolfwarden/pkg/log"
)

var logger = log.ForService("eventlog")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// readAllPageSize bounds memory during full-log folds.
const readAllPageSize = 500

// Log is a SQLite-backed append-only event log.
type Log struct {
	sqlDB *sql.DB

	// appendMu serializes the assign-sequence-and-insert step. Readers do
	// not take it; they see either the pre- or post-append state.
	appendMu sync.Mutex
}

// Open opens (or creates) the log database at dbPath and applies pending
// schema migrations.
func Open(dbPath string) (*Log, error) {
	sqlDB, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	mgr := db.NewMigrationManager(sqlDB, migrationsFS, "migrations")
	if err := mgr.ApplyPendingMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrating event log: %w", err)
	}

	return &Log{sqlDB: sqlDB}, nil
}

// Close releases the underlying database.
func (l *Log) Close() error {
	return l.sqlDB.Close()
}

// Append durably records evt with the next sequence number and returns the
// completed event. A zero ID or OccurredAt is stamped here. On error nothing
// is persisted and the sequence counter is unchanged.
func (l *Log) Append(ctx context.Context, evt core.Event) (core.Event, error) {
	if !evt.Kind.Valid() {
		return core.Event{}, fmt.Errorf("appending event: unknown kind %q", evt.Kind)
	}
	if evt.UserScope == "" {
		return core.Event{}, fmt.Errorf("appending event: empty user scope")
	}
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	evt.OccurredAt = evt.OccurredAt.UTC()

	var payloadJSON []byte
	if evt.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(evt.Payload)
		if err != nil {
			return core.Event{}, fmt.Errorf("marshaling payload for event %s: %w", evt.ID, err)
		}
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	tx, err := l.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return core.Event{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (seq, id, kind, user_scope, payload, occurred_at, raw)
		VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM events), ?, ?, ?, ?, ?, ?)
	`, evt.ID, string(evt.Kind), evt.UserScope, nullableString(payloadJSON),
		evt.OccurredAt.Format(time.RFC3339Nano), nullableBytes(evt.Raw))
	if err != nil {
		return core.Event{}, fmt.Errorf("inserting event %s: %w", evt.ID, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return core.Event{}, fmt.Errorf("reading assigned sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return core.Event{}, fmt.Errorf("committing event %s: %w", evt.ID, err)
	}
	committed = true

	evt.Seq = uint64(seq)
	return evt, nil
}

// ReadAfter returns up to limit events with sequence strictly greater than
// cursor, in ascending order. It never blocks waiting for future appends.
// A limit <= 0 means no limit.
func (l *Log) ReadAfter(ctx context.Context, cursor uint64, limit int) ([]core.Event, error) {
	query := `
		SELECT seq, id, kind, user_scope, payload, occurred_at, raw
		FROM events WHERE seq > ? ORDER BY seq ASC`
	args := []any{int64(cursor)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading events after %d: %w", cursor, err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// ReadAll folds fn over every event in sequence order, paging internally.
// Used by the projector to rebuild materialized state from scratch.
func (l *Log) ReadAll(ctx context.Context, fn func(core.Event) error) error {
	cursor := uint64(0)
	for {
		page, err := l.ReadAfter(ctx, cursor, readAllPageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, evt := range page {
			if err := fn(evt); err != nil {
				return err
			}
		}
		cursor = page[len(page)-1].Seq
	}
}

// Tail returns the highest assigned sequence, or 0 for an empty log.
func (l *Log) Tail(ctx context.Context) (uint64, error) {
	var tail sql.NullInt64
	err := l.sqlDB.QueryRowContext(ctx, "SELECT MAX(seq) FROM events").Scan(&tail)
	if err != nil {
		return 0, fmt.Errorf("reading log tail: %w", err)
	}
	if !tail.Valid {
		return 0, nil
	}
	return uint64(tail.Int64), nil
}

// Oldest returns the lowest retained sequence, or 0 for an empty log. A
// cursor below Oldest()-1 cannot be replayed without gaps (the log was
// trimmed externally).
func (l *Log) Oldest(ctx context.Context) (uint64, error) {
	var oldest sql.NullInt64
	err := l.sqlDB.QueryRowContext(ctx, "SELECT MIN(seq) FROM events").Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("reading oldest sequence: %w", err)
	}
	if !oldest.Valid {
		return 0, nil
	}
	return uint64(oldest.Int64), nil
}

// ValidateCursor reports whether replay from cursor can be served without
// gaps. Returns core.ErrCursorTrimmed when the log no longer retains the
// entry following the cursor.
func (l *Log) ValidateCursor(ctx context.Context, cursor uint64) error {
	oldest, err := l.Oldest(ctx)
	if err != nil {
		return err
	}
	if oldest == 0 {
		// Empty log: any cursor at or above 0 replays nothing, never a gap.
		return nil
	}
	if cursor+1 < oldest {
		return core.ErrCursorTrimmed
	}
	return nil
}

// TrimBefore deletes events with sequence lower than seq and returns how
// many were removed. Sequences are never reassigned: the remaining range
// keeps its numbering, and cursors below the new floor fail validation
// with ErrCursorTrimmed.
func (l *Log) TrimBefore(ctx context.Context, seq uint64) (int64, error) {
	res, err := l.sqlDB.ExecContext(ctx, "DELETE FROM events WHERE seq < ?", int64(seq))
	if err != nil {
		return 0, fmt.Errorf("trimming events before %d: %w", seq, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting trimmed events: %w", err)
	}
	if removed > 0 {
		logger.Infof("trimmed %d events below sequence %d", removed, seq)
	}
	return removed, nil
}

// Stats summarizes the log for the stats endpoint and CLI.
type Stats struct {
	TotalEvents int64            `json:"total_events"`
	Oldest      uint64           `json:"oldest_seq"`
	Tail        uint64           `json:"tail_seq"`
	ByKind      map[string]int64 `json:"by_kind"`
}

// Stats returns per-kind counts and the retained sequence range.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByKind: make(map[string]int64)}

	rows, err := l.sqlDB.QueryContext(ctx, "SELECT kind, COUNT(*) FROM events GROUP BY kind")
	if err != nil {
		return Stats{}, fmt.Errorf("reading event counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return Stats{}, fmt.Errorf("scanning count row: %w", err)
		}
		stats.ByKind[kind] = count
		stats.TotalEvents += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if stats.Oldest, err = l.Oldest(ctx); err != nil {
		return Stats{}, err
	}
	if stats.Tail, err = l.Tail(ctx); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (core.Event, error) {
	var (
		seq        int64
		id         string
		kind       string
		userScope  string
		payload    sql.NullString
		occurredAt string
		raw        []byte
	)
	if err := row.Scan(&seq, &id, &kind, &userScope, &payload, &occurredAt, &raw); err != nil {
		return core.Event{}, fmt.Errorf("scanning event row: %w", err)
	}

	evt := core.Event{
		Seq:       uint64(seq),
		ID:        id,
		Kind:      core.EventKind(kind),
		UserScope: userScope,
		Raw:       raw,
	}

	ts, err := time.Parse(time.RFC3339Nano, occurredAt)
	if err != nil {
		return core.Event{}, fmt.Errorf("parsing occurred_at for event %s: %w", id, err)
	}
	evt.OccurredAt = ts

	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &evt.Payload); err != nil {
			return core.Event{}, fmt.Errorf("unmarshaling payload for event %s: %w", id, err)
		}
	}
	return evt, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
