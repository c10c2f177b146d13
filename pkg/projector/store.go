package projector

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/wolfwarden/wolfwarden/pkg/core"
	"github.com/wolfwarden/wolfwarden/pkg/db"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store holds the materialized current-state tables. It is a derived cache
// of the event log: only the Projector writes to it, and it can always be
// rebuilt from scratch by replaying the log.
type Store struct {
	sqlDB *sql.DB
}

// OpenStore opens (or creates) the state database and applies migrations.
func OpenStore(dbPath string) (*Store, error) {
	sqlDB, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	mgr := db.NewMigrationManager(sqlDB, migrationsFS, "migrations")
	if err := mgr.ApplyPendingMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrating state store: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// LastSeq returns the projection watermark: the highest log sequence whose
// effects are reflected in the materialized tables.
func (s *Store) LastSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := s.sqlDB.QueryRowContext(ctx, "SELECT last_seq FROM projection_state WHERE id = 1").Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading projection watermark: %w", err)
	}
	return uint64(seq.Int64), nil
}

// Reset truncates every materialized table and clears the watermark.
func (s *Store) Reset(ctx context.Context) error {
	for _, stmt := range []string{
		"DELETE FROM clients",
		"DELETE FROM pairings",
		"DELETE FROM sessions",
		"DELETE FROM projection_state",
	} {
		if _, err := s.sqlDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("resetting materialized state: %w", err)
		}
	}
	return nil
}

// SnapshotFor assembles the current-state view visible to userID. The
// snapshot's Seq is the projection watermark at capture time.
func (s *Store) SnapshotFor(ctx context.Context, userID string) (core.Snapshot, error) {
	snap := core.Snapshot{
		Clients:  []core.Client{},
		Pairings: []core.Pairing{},
		Sessions: []core.Session{},
	}

	seq, err := s.LastSeq(ctx)
	if err != nil {
		return core.Snapshot{}, err
	}
	snap.Seq = seq

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, user_id, connected_at, disconnected_at
		FROM clients WHERE user_id = ? ORDER BY connected_at`, userID)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("reading clients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c core.Client
		var connectedAt string
		var disconnectedAt sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &connectedAt, &disconnectedAt); err != nil {
			return core.Snapshot{}, fmt.Errorf("scanning client: %w", err)
		}
		if c.ConnectedAt, err = parseTime(connectedAt); err != nil {
			return core.Snapshot{}, err
		}
		if c.DisconnectedAt, err = parseNullTime(disconnectedAt); err != nil {
			return core.Snapshot{}, err
		}
		snap.Clients = append(snap.Clients, c)
	}
	if err := rows.Err(); err != nil {
		return core.Snapshot{}, err
	}

	pairingRows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, user_id, client_id, pin, requested_at, completed_at
		FROM pairings WHERE user_id = ? ORDER BY requested_at`, userID)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("reading pairings: %w", err)
	}
	defer pairingRows.Close()
	for pairingRows.Next() {
		var p core.Pairing
		var clientID, pin sql.NullString
		var requestedAt string
		var completedAt sql.NullString
		if err := pairingRows.Scan(&p.ID, &p.UserID, &clientID, &pin, &requestedAt, &completedAt); err != nil {
			return core.Snapshot{}, fmt.Errorf("scanning pairing: %w", err)
		}
		p.ClientID = clientID.String
		p.PIN = pin.String
		if p.RequestedAt, err = parseTime(requestedAt); err != nil {
			return core.Snapshot{}, err
		}
		if p.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return core.Snapshot{}, err
		}
		snap.Pairings = append(snap.Pairings, p)
	}
	if err := pairingRows.Err(); err != nil {
		return core.Snapshot{}, err
	}

	sessionRows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, user_id, client_id, app_id, started_at, ended_at
		FROM sessions WHERE user_id = ? ORDER BY started_at`, userID)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("reading sessions: %w", err)
	}
	defer sessionRows.Close()
	for sessionRows.Next() {
		var sess core.Session
		var clientID, appID sql.NullString
		var startedAt string
		var endedAt sql.NullString
		if err := sessionRows.Scan(&sess.ID, &sess.UserID, &clientID, &appID, &startedAt, &endedAt); err != nil {
			return core.Snapshot{}, fmt.Errorf("scanning session: %w", err)
		}
		sess.ClientID = clientID.String
		sess.AppID = appID.String
		if sess.StartedAt, err = parseTime(startedAt); err != nil {
			return core.Snapshot{}, err
		}
		if sess.EndedAt, err = parseNullTime(endedAt); err != nil {
			return core.Snapshot{}, err
		}
		snap.Sessions = append(snap.Sessions, sess)
	}
	return snap, sessionRows.Err()
}

// CountRows returns per-table row counts for the stats endpoint.
func (s *Store) CountRows(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, 3)
	for _, table := range []string{"clients", "pairings", "sessions"} {
		var n int64
		if err := s.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

func parseTime(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp: %w", err)
	}
	return ts, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	ts, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
