// Package projector folds the ordered event log into materialized
// current-state tables (clients, pairings, sessions). Projection is a pure
// function of the event sequence: replaying any prefix from an empty store
// always yields the same state.
package projector

import (
	"context"
	"fmt"

	"github.com/wolfwarden/wolfwarden/pkg/core"
	"github.com/wolfwarden/wolfwarden/pkg/eventlog"
	"github.com/wolfwarden/wolfwarden/pkg/log"
)

var logger = log.ForService("projector")

// Projector applies events to the materialized state store. Callers must
// deliver events in log order; the watermark makes re-delivery of an
// already-applied prefix a no-op, so crash-restart replay is safe.
type Projector struct {
	store *Store
}

// New creates a projector writing to store.
func New(store *Store) *Projector {
	return &Projector{store: store}
}

// Apply projects one event. Events at or below the watermark are skipped;
// anything else advances the watermark in the same transaction as the state
// mutation, so the two can never diverge.
func (p *Projector) Apply(ctx context.Context, evt core.Event) error {
	lastSeq, err := p.store.LastSeq(ctx)
	if err != nil {
		return err
	}
	if evt.Seq <= lastSeq {
		logger.Debugf("skipping already-applied event seq=%d (watermark %d)", evt.Seq, lastSeq)
		return nil
	}
	// A zero watermark accepts any starting sequence so a rebuild over an
	// externally trimmed log can establish its baseline.
	if lastSeq != 0 && evt.Seq != lastSeq+1 {
		return fmt.Errorf("projecting event: out-of-order sequence %d (watermark %d)", evt.Seq, lastSeq)
	}

	tx, err := p.store.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning projection transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	exec := func(query string, args ...any) error {
		_, execErr := tx.ExecContext(ctx, query, args...)
		return execErr
	}

	switch evt.Kind {
	case core.KindClientConnected:
		err = exec(`
			INSERT INTO clients (id, user_id, connected_at, disconnected_at)
			VALUES (?, ?, ?, NULL)
			ON CONFLICT(id) DO UPDATE SET
				user_id = excluded.user_id,
				connected_at = excluded.connected_at,
				disconnected_at = NULL`,
			evt.PayloadString("client_id"), evt.UserScope, formatTime(evt.OccurredAt))

	case core.KindClientDisconnected:
		err = exec("UPDATE clients SET disconnected_at = ? WHERE id = ?",
			formatTime(evt.OccurredAt), evt.PayloadString("client_id"))

	case core.KindPairingRequested:
		err = exec(`
			INSERT INTO pairings (id, user_id, client_id, pin, requested_at, completed_at)
			VALUES (?, ?, ?, ?, ?, NULL)
			ON CONFLICT(id) DO UPDATE SET
				user_id = excluded.user_id,
				client_id = excluded.client_id,
				pin = excluded.pin,
				requested_at = excluded.requested_at,
				completed_at = NULL`,
			evt.PayloadString("pairing_id"), evt.UserScope,
			evt.PayloadString("client_id"), evt.PayloadString("pin"),
			formatTime(evt.OccurredAt))

	case core.KindPairingCompleted:
		err = exec("UPDATE pairings SET completed_at = ?, pin = NULL WHERE id = ?",
			formatTime(evt.OccurredAt), evt.PayloadString("pairing_id"))

	case core.KindSessionStarted:
		err = exec(`
			INSERT INTO sessions (id, user_id, client_id, app_id, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, NULL)
			ON CONFLICT(id) DO UPDATE SET
				user_id = excluded.user_id,
				client_id = excluded.client_id,
				app_id = excluded.app_id,
				started_at = excluded.started_at,
				ended_at = NULL`,
			evt.PayloadString("session_id"), evt.UserScope,
			evt.PayloadString("client_id"), evt.PayloadString("app_id"),
			formatTime(evt.OccurredAt))

	case core.KindSessionEnded:
		err = exec("UPDATE sessions SET ended_at = ? WHERE id = ?",
			formatTime(evt.OccurredAt), evt.PayloadString("session_id"))

	case core.KindPassthrough:
		// Opaque upstream payload: retained in the log, no state effect.

	default:
		return fmt.Errorf("projecting event %s: unknown kind %q", evt.ID, evt.Kind)
	}
	if err != nil {
		return fmt.Errorf("projecting %s event %s: %w", evt.Kind, evt.ID, err)
	}

	if err := exec(`
		INSERT INTO projection_state (id, last_seq) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_seq = excluded.last_seq`, int64(evt.Seq)); err != nil {
		return fmt.Errorf("advancing projection watermark to %d: %w", evt.Seq, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing projection of event %s: %w", evt.ID, err)
	}
	committed = true
	return nil
}

// Rebuild discards the materialized tables and replays the entire log from
// sequence zero. This is the canonical recovery path: the tables are a
// derived cache, the log is the source of truth.
func (p *Projector) Rebuild(ctx context.Context, eventLog *eventlog.Log) error {
	if err := p.store.Reset(ctx); err != nil {
		return err
	}

	applied := 0
	err := eventLog.ReadAll(ctx, func(evt core.Event) error {
		if applyErr := p.Apply(ctx, evt); applyErr != nil {
			return applyErr
		}
		applied++
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuilding materialized state: %w", err)
	}

	logger.Infof("rebuilt materialized state from %d events", applied)
	return nil
}
