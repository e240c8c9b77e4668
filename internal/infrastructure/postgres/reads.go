package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hostwell/event-platform/services/request-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func (r *Repository) GetRequest(ctx context.Context, requestID uuid.UUID) (domain.JoinRequest, error) {
	rec, err := scanRequest(r.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM join_requests
		WHERE id = $1
	`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JoinRequest{}, domain.ErrRequestNotFound
		}
		return domain.JoinRequest{}, err
	}
	return rec, nil
}

// GetByEventAndUser returns the caller's most recent request for an event.
func (r *Repository) GetByEventAndUser(ctx context.Context, eventID, userID uuid.UUID) (domain.JoinRequest, error) {
	rec, err := scanRequest(r.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM join_requests
		WHERE event_id = $1 AND user_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, eventID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JoinRequest{}, domain.ErrRequestNotFound
		}
		return domain.JoinRequest{}, err
	}
	return rec, nil
}

// HasActiveRequest is the read-only pre-flight check. The authoritative dedupe
// still happens inside CreateRequest's transaction.
func (r *Repository) HasActiveRequest(ctx context.Context, eventID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM join_requests
			WHERE event_id = $1 AND user_id = $2 AND status IN ('pending', 'waitlisted')
		)
	`, eventID, userID).Scan(&exists)
	return exists, err
}

// ListRequests pages an event's requests newest-first with an optional status
// filter. Offset pagination: the host view is small and wants a total count.
func (r *Repository) ListRequests(ctx context.Context, eventID uuid.UUID, q domain.ListQuery) (domain.RequestPage, error) {
	limit := clampLimit(q.Limit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args := []any{eventID}
	where := "WHERE event_id = $1"
	if q.Status != nil {
		where += " AND status = $2"
		args = append(args, string(*q.Status))
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM join_requests "+where, args...).Scan(&total); err != nil {
		return domain.RequestPage{}, err
	}

	query := fmt.Sprintf(`
		SELECT `+requestColumns+`
		FROM join_requests
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT %d OFFSET %d
	`, where, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return domain.RequestPage{}, err
	}
	defer rows.Close()

	var items []domain.JoinRequest
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return domain.RequestPage{}, err
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return domain.RequestPage{}, err
	}

	page := domain.RequestPage{Items: items, TotalCount: total}
	if next := offset + limit; next < total {
		page.NextOffset = &next
	}
	return page, nil
}

// ListWaitlisted returns an event's waitlist in promotion order.
func (r *Repository) ListWaitlisted(ctx context.Context, eventID uuid.UUID) ([]domain.JoinRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM join_requests
		WHERE event_id = $1 AND status = 'waitlisted'
		ORDER BY waitlist_pos ASC
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JoinRequest
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
