package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hostwell/event-platform/services/request-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

// ExpireStaleHolds transitions every pending request whose hold elapsed at or
// before now to expired. Each row gets its own small transaction whose UPDATE
// predicate re-checks status and deadline, so it is a no-op against rows a
// concurrent sweeper or foreground call already moved — safe to run on
// multiple instances.
//
// Returns the number of rows expired and the distinct events they freed
// capacity on, so the caller can kick the waitlist promoter per event.
func (r *Repository) ExpireStaleHolds(ctx context.Context, traceID string, now time.Time) (int, []uuid.UUID, error) {
	traceID = strings.TrimSpace(traceID)

	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM join_requests
		WHERE status = 'pending' AND hold_expires_at <= $1
		ORDER BY hold_expires_at ASC
	`, now)
	if err != nil {
		return 0, nil, err
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}

	count := 0
	seen := make(map[uuid.UUID]struct{})
	var events []uuid.UUID

	for _, id := range ids {
		rec, err := r.expireOne(ctx, traceID, id, now)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue // already transitioned by someone else
			}
			return count, events, err
		}
		count++
		if _, ok := seen[rec.EventID]; !ok {
			seen[rec.EventID] = struct{}{}
			events = append(events, rec.EventID)
		}
	}
	return count, events, nil
}

func (r *Repository) expireOne(ctx context.Context, traceID string, requestID uuid.UUID, now time.Time) (domain.JoinRequest, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := scanRequest(tx.QueryRow(ctx, `
		UPDATE join_requests
		SET status = 'expired', hold_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND hold_expires_at <= $2
		RETURNING `+requestColumns,
		requestID, now))
	if err != nil {
		return domain.JoinRequest{}, err
	}

	if err := insertOutboxTx(ctx, tx, traceID, "request.expired", outboxPayload(rec)); err != nil {
		return domain.JoinRequest{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.JoinRequest{}, err
	}
	return rec, nil
}
