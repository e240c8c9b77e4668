package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/hostwell/event-platform/services/request-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

// The events table is a local snapshot fed by the MQ consumer; this service
// only reads capacity_total, status and host_id from it.

func (r *Repository) UpsertEventSnapshot(ctx context.Context, snap domain.EventSnapshot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO events (id, host_id, capacity_total, status, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET host_id = EXCLUDED.host_id,
		    capacity_total = EXCLUDED.capacity_total,
		    status = EXCLUDED.status,
		    updated_at = NOW()
	`, snap.ID, snap.HostID, snap.CapacityTotal, snap.Status)
	return err
}

// UpsertEventSnapshotTx is used by the MQ consumer inside a ProcessOnce
// transaction.
func (r *Repository) UpsertEventSnapshotTx(ctx context.Context, tx pgx.Tx, snap domain.EventSnapshot) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO events (id, host_id, capacity_total, status, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET host_id = EXCLUDED.host_id,
		    capacity_total = EXCLUDED.capacity_total,
		    status = EXCLUDED.status,
		    updated_at = NOW()
	`, snap.ID, snap.HostID, snap.CapacityTotal, snap.Status)
	return err
}

func (r *Repository) GetEventHostID(ctx context.Context, eventID uuid.UUID) (uuid.UUID, error) {
	var host uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT host_id FROM events WHERE id = $1`, eventID).Scan(&host)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.UUID{}, domain.ErrEventNotFound
		}
		return uuid.UUID{}, err
	}
	return host, nil
}

// HandleEventCanceledTx is called from the consumer inside ProcessOnce(...):
// mark the event canceled, expire every open request (pending and waitlisted),
// and queue a notification per affected guest. Caller owns the transaction.
func (r *Repository) HandleEventCanceledTx(ctx context.Context, tx pgx.Tx, traceID string, eventID uuid.UUID) error {
	traceID = strings.TrimSpace(traceID)

	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM events WHERE id = $1 FOR UPDATE`, eventID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		// Cancellation can outrun the published snapshot; record a closed
		// tombstone so later creates fail on status.
		_, err = tx.Exec(ctx, `
			INSERT INTO events (id, host_id, capacity_total, status, updated_at)
			VALUES ($1, $2, 1, 'canceled', NOW())
			ON CONFLICT (id) DO NOTHING
		`, eventID, uuid.UUID{})
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `SELECT 1 FROM events WHERE id = $1 FOR UPDATE`, eventID).Scan(&one)
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE events SET status = 'canceled', updated_at = NOW() WHERE id = $1`, eventID); err != nil {
		return err
	}

	rows, err := tx.Query(ctx, `
		UPDATE join_requests
		SET status = 'expired', hold_expires_at = NULL, waitlist_pos = NULL, updated_at = NOW()
		WHERE event_id = $1 AND status IN ('pending', 'waitlisted')
		RETURNING `+requestColumns, eventID)
	if err != nil {
		return err
	}
	var affected []domain.JoinRequest
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return err
		}
		affected = append(affected, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, rec := range affected {
		if err := insertOutboxTx(ctx, tx, traceID, "request.event_canceled", outboxPayload(rec)); err != nil {
			return err
		}
	}
	return nil
}
