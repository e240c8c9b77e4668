package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/hostwell/event-platform/services/request-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

// ReorderWaitlist moves a waitlisted request to newPos (clamped to [1, queue
// length]) and shifts the rows in between, keeping positions dense and unique.
// Uniqueness is kept by the event-row lock serializing all waitlist writes,
// not by an index: the shift UPDATE would trip a unique index mid-statement.
func (r *Repository) ReorderWaitlist(ctx context.Context, requestID uuid.UUID, newPos int) (domain.JoinRequest, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var eventID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT event_id FROM join_requests WHERE id = $1`, requestID).Scan(&eventID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JoinRequest{}, domain.ErrRequestNotFound
		}
		return domain.JoinRequest{}, err
	}

	if _, err := tx.Exec(ctx, `SELECT 1 FROM events WHERE id = $1 FOR UPDATE`, eventID); err != nil {
		return domain.JoinRequest{}, err
	}

	cur, err := scanRequest(tx.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM join_requests
		WHERE id = $1
		FOR UPDATE
	`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JoinRequest{}, domain.ErrRequestNotFound
		}
		return domain.JoinRequest{}, err
	}
	if cur.Status != domain.StatusWaitlisted || cur.WaitlistPos == nil {
		return domain.JoinRequest{}, domain.ErrInvalidTransition
	}
	oldPos := *cur.WaitlistPos

	var count int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM join_requests
		WHERE event_id = $1 AND status = 'waitlisted'
	`, eventID).Scan(&count)
	if err != nil {
		return domain.JoinRequest{}, err
	}

	if newPos < 1 {
		newPos = 1
	}
	if newPos > count {
		newPos = count
	}
	if newPos == oldPos {
		return cur, tx.Commit(ctx)
	}

	if newPos < oldPos {
		_, err = tx.Exec(ctx, `
			UPDATE join_requests
			SET waitlist_pos = waitlist_pos + 1, updated_at = NOW()
			WHERE event_id = $1 AND status = 'waitlisted'
			  AND waitlist_pos >= $2 AND waitlist_pos < $3
		`, eventID, newPos, oldPos)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE join_requests
			SET waitlist_pos = waitlist_pos - 1, updated_at = NOW()
			WHERE event_id = $1 AND status = 'waitlisted'
			  AND waitlist_pos > $2 AND waitlist_pos <= $3
		`, eventID, oldPos, newPos)
	}
	if err != nil {
		return domain.JoinRequest{}, err
	}

	rec, err := scanRequest(tx.QueryRow(ctx, `
		UPDATE join_requests
		SET waitlist_pos = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+requestColumns,
		requestID, newPos))
	if err != nil {
		return domain.JoinRequest{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.JoinRequest{}, err
	}
	return rec, nil
}
