package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/hostwell/event-platform/services/request-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// availabilityTx derives {total, confirmed, held, available} from the rows
// visible to q. Capacity-dependent mutation paths call this AFTER taking the
// event-row lock so the sums cannot move under them.
//
// excludeRequestID drops that request's own hold from the held sum; the
// approve path passes the row being converted so its hold never counts
// against itself. Hold freshness is judged by the database clock only, the
// same NOW() every other capacity predicate uses. uuid.Nil excludes nothing.
func availabilityTx(ctx context.Context, q querier, eventID uuid.UUID, capacityTotal int, excludeRequestID uuid.UUID) (domain.Availability, error) {
	var confirmed, held int
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(party_size), 0)
		FROM participants
		WHERE event_id = $1 AND status = 'accepted'
	`, eventID).Scan(&confirmed)
	if err != nil {
		return domain.Availability{}, err
	}

	err = q.QueryRow(ctx, `
		SELECT COALESCE(SUM(party_size), 0)
		FROM join_requests
		WHERE event_id = $1 AND status = 'pending' AND hold_expires_at > NOW() AND id <> $2
	`, eventID, excludeRequestID).Scan(&held)
	if err != nil {
		return domain.Availability{}, err
	}

	available := capacityTotal - confirmed - held
	if available < 0 {
		available = 0
	}
	return domain.Availability{
		Total:     capacityTotal,
		Confirmed: confirmed,
		Held:      held,
		Available: available,
	}, nil
}

// GetAvailability is the advisory read. It runs in its own transaction for a
// consistent snapshot but takes no lock; the authoritative check stays inside
// CreateRequest / TransitionStatus.
func (r *Repository) GetAvailability(ctx context.Context, eventID uuid.UUID) (domain.Availability, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Availability{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var capacityTotal int
	err = tx.QueryRow(ctx, `SELECT capacity_total FROM events WHERE id = $1`, eventID).Scan(&capacityTotal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Availability{}, domain.ErrEventNotFound
		}
		return domain.Availability{}, err
	}

	avail, err := availabilityTx(ctx, tx, eventID, capacityTotal, uuid.Nil)
	if err != nil {
		return domain.Availability{}, err
	}
	return avail, tx.Commit(ctx)
}
