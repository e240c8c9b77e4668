package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hostwell/event-platform/services/request-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// -------------------------
// Deadlock policy:
// Always lock in this order (for the same event_id):
//   1) events row (FOR UPDATE) — serializes all capacity arithmetic per event
//   2) join_requests row (FOR UPDATE) if needed
// Operations that never touch capacity (ExtendHold) take only the request-row
// lock and never acquire the event lock afterwards, so no cycle is possible.
// Availability sums are always computed AFTER the event lock is held; there is
// no cached or precomputed available count anywhere.
// -------------------------

const requestColumns = `id, event_id, user_id, party_size, note, status, hold_expires_at, waitlist_pos, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.JoinRequest, error) {
	var rec domain.JoinRequest
	var status string
	err := row.Scan(
		&rec.ID, &rec.EventID, &rec.UserID,
		&rec.PartySize, &rec.Note, &status,
		&rec.HoldExpiresAt, &rec.WaitlistPos,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	rec.Status = domain.RequestStatus(status)
	return rec, nil
}

// idempotencyFence inserts (key, user, event, action) once. On key reuse it
// verifies the payload matches and lets the caller fall through, so a retried
// call lands on the duplicate-active / already-terminal checks instead of
// double-applying.
func idempotencyFence(ctx context.Context, tx pgx.Tx, key string, userID, eventID uuid.UUID, action string) error {
	if key == "" {
		return nil
	}
	var insertedKey string
	err := tx.QueryRow(ctx, `
		INSERT INTO idempotency_keys (key, user_id, event_id, action, created_at, expires_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW() + INTERVAL '24 hours')
		ON CONFLICT (key) DO NOTHING
		RETURNING key
	`, key, userID, eventID, action).Scan(&insertedKey)

	if errors.Is(err, pgx.ErrNoRows) {
		var existUser, existEvent uuid.UUID
		var existAction string
		err := tx.QueryRow(ctx, `SELECT user_id, event_id, action FROM idempotency_keys WHERE key = $1`, key).Scan(&existUser, &existEvent, &existAction)
		if err != nil {
			return err
		}
		if existUser != userID || existEvent != eventID || existAction != action {
			return domain.ErrIdempotencyKeyMismatch
		}
		return nil
	}
	return err
}

func (r *Repository) CreateRequest(ctx context.Context, traceID, idempotencyKey string, eventID, userID uuid.UUID, partySize int, note *string, holdTTL time.Duration) (domain.JoinRequest, error) {
	traceID = strings.TrimSpace(traceID)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	holdTTL = domain.ClampHoldTTL(holdTTL)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := idempotencyFence(ctx, tx, idempotencyKey, userID, eventID, "create"); err != nil {
		return domain.JoinRequest{}, err
	}

	// 1) Lock the event row FIRST.
	var capacityTotal int
	var eventStatus string
	err = tx.QueryRow(ctx, `
		SELECT capacity_total, status
		FROM events
		WHERE id = $1
		FOR UPDATE
	`, eventID).Scan(&capacityTotal, &eventStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JoinRequest{}, domain.ErrEventNotFound
		}
		return domain.JoinRequest{}, err
	}
	if eventStatus != "published" {
		return domain.JoinRequest{}, domain.ErrEventClosed
	}

	// 2) At most one live request per (event, user). Pending and waitlisted
	// rows both still convert to a seat, so either blocks a new create. The
	// partial unique index backstops the pending case; the explicit locked
	// check gives the domain error.
	var existingID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id
		FROM join_requests
		WHERE event_id = $1 AND user_id = $2 AND status IN ('pending', 'waitlisted')
		FOR UPDATE
	`, eventID, userID).Scan(&existingID)
	if err == nil {
		return domain.JoinRequest{}, domain.ErrDuplicateActiveRequest
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.JoinRequest{}, err
	}

	// An already-accepted participant holds their seats on the participants
	// PK; a second request would be unapprovable against it.
	var seated bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM participants
			WHERE event_id = $1 AND user_id = $2 AND status = 'accepted'
		)
	`, eventID, userID).Scan(&seated)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	if seated {
		return domain.JoinRequest{}, domain.ErrDuplicateActiveRequest
	}

	// 3) Availability under the event lock.
	avail, err := availabilityTx(ctx, tx, eventID, capacityTotal, uuid.Nil)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	if avail.Available < partySize {
		return domain.JoinRequest{}, &domain.CapacityError{Requested: partySize, Available: avail.Available}
	}

	// 4) Insert the pending row with its hold.
	rec, err := scanRequest(tx.QueryRow(ctx, `
		INSERT INTO join_requests (id, event_id, user_id, party_size, note, status, hold_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', NOW() + $6, NOW(), NOW())
		RETURNING `+requestColumns,
		uuid.New(), eventID, userID, partySize, note, holdTTL))
	if err != nil {
		return domain.JoinRequest{}, err
	}

	if err := insertOutboxTx(ctx, tx, traceID, "request.created", outboxPayload(rec)); err != nil {
		return domain.JoinRequest{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.JoinRequest{}, err
	}
	return rec, nil
}

// TransitionStatus moves a request through the state machine. The whole
// read-check-write sequence runs under the event-row lock; an approval
// re-checks availability at decision time and creates the participant row in
// the same transaction.
func (r *Repository) TransitionStatus(ctx context.Context, traceID string, requestID uuid.UUID, newStatus domain.RequestStatus, expected *domain.RequestStatus) (domain.JoinRequest, error) {
	traceID = strings.TrimSpace(traceID)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := r.transitionTx(ctx, tx, traceID, requestID, newStatus, expected)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.JoinRequest{}, err
	}
	return rec, nil
}

func (r *Repository) transitionTx(ctx context.Context, tx pgx.Tx, traceID string, requestID uuid.UUID, newStatus domain.RequestStatus, expected *domain.RequestStatus) (domain.JoinRequest, error) {
	// Resolve the event id without a lock, then lock in event-first order.
	var eventID uuid.UUID
	err := tx.QueryRow(ctx, `SELECT event_id FROM join_requests WHERE id = $1`, requestID).Scan(&eventID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JoinRequest{}, domain.ErrRequestNotFound
		}
		return domain.JoinRequest{}, err
	}

	var capacityTotal int
	err = tx.QueryRow(ctx, `SELECT capacity_total FROM events WHERE id = $1 FOR UPDATE`, eventID).Scan(&capacityTotal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JoinRequest{}, domain.ErrEventNotFound
		}
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

	if expected != nil && cur.Status != *expected {
		return domain.JoinRequest{}, domain.ErrInvalidTransition
	}
	if !domain.CanTransition(cur.Status, newStatus) {
		return domain.JoinRequest{}, domain.ErrInvalidTransition
	}

	if newStatus == domain.StatusApproved {
		// Approving converts the request's own hold into confirmed seats, so
		// the held sum excludes its row. Both the exclusion and hold
		// freshness are decided inside the SQL on the database clock.
		avail, err := availabilityTx(ctx, tx, eventID, capacityTotal, cur.ID)
		if err != nil {
			return domain.JoinRequest{}, err
		}
		if avail.Available < cur.PartySize {
			return domain.JoinRequest{}, &domain.CapacityError{Requested: cur.PartySize, Available: avail.Available}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO participants (event_id, user_id, status, party_size, joined_at)
			VALUES ($1, $2, 'accepted', $3, NOW())
		`, eventID, cur.UserID, cur.PartySize)
		if err != nil {
			// The PK on (event_id, user_id) means the user already sits on an
			// earlier approval. Conflict, not an internal error.
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return domain.JoinRequest{}, domain.ErrDuplicateActiveRequest
			}
			return domain.JoinRequest{}, err
		}
	}

	// Entering the waitlist claims the next dense position under the event lock.
	var newPos *int
	if newStatus == domain.StatusWaitlisted {
		var pos int
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(waitlist_pos), 0) + 1
			FROM join_requests
			WHERE event_id = $1 AND status = 'waitlisted'
		`, eventID).Scan(&pos)
		if err != nil {
			return domain.JoinRequest{}, err
		}
		newPos = &pos
	}

	rec, err := scanRequest(tx.QueryRow(ctx, `
		UPDATE join_requests
		SET status = $2,
		    hold_expires_at = NULL,
		    waitlist_pos = $3,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+requestColumns,
		requestID, string(newStatus), newPos))
	if err != nil {
		return domain.JoinRequest{}, err
	}

	// Leaving the waitlist keeps the remaining positions dense.
	if cur.Status == domain.StatusWaitlisted && cur.WaitlistPos != nil {
		_, err = tx.Exec(ctx, `
			UPDATE join_requests
			SET waitlist_pos = waitlist_pos - 1, updated_at = NOW()
			WHERE event_id = $1 AND status = 'waitlisted' AND waitlist_pos > $2
		`, eventID, *cur.WaitlistPos)
		if err != nil {
			return domain.JoinRequest{}, err
		}
	}

	routingKey := "request." + string(newStatus)
	if cur.Status == domain.StatusWaitlisted && newStatus == domain.StatusApproved {
		routingKey = "request.promoted"
	}
	if err := insertOutboxTx(ctx, tx, traceID, routingKey, outboxPayload(rec)); err != nil {
		return domain.JoinRequest{}, err
	}

	return rec, nil
}

// CancelRequest is the guest-initiated cancellation: ownership enforced here
// because the row decides it, and the hold-expiry race with the sweeper is
// closed under the same locks.
func (r *Repository) CancelRequest(ctx context.Context, traceID, idempotencyKey string, requestID, userID uuid.UUID) (domain.JoinRequest, error) {
	traceID = strings.TrimSpace(traceID)
	idempotencyKey = strings.TrimSpace(idempotencyKey)

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

	if err := idempotencyFence(ctx, tx, idempotencyKey, userID, eventID, "cancel"); err != nil {
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

	if cur.UserID != userID {
		return domain.JoinRequest{}, domain.ErrForbidden
	}

	// idempotent re-cancel
	if cur.Status == domain.StatusCancelled {
		return cur, tx.Commit(ctx)
	}
	if cur.Status != domain.StatusPending && cur.Status != domain.StatusWaitlisted {
		return domain.JoinRequest{}, domain.ErrNotPending
	}
	// The sweeper owns elapsed holds; a cancel that raced past it must not
	// resurrect the row as cancelled.
	if cur.Status == domain.StatusPending && cur.HoldExpiresAt != nil && !cur.HoldExpiresAt.After(time.Now()) {
		return domain.JoinRequest{}, domain.ErrHoldExpired
	}

	rec, err := scanRequest(tx.QueryRow(ctx, `
		UPDATE join_requests
		SET status = 'cancelled', hold_expires_at = NULL, waitlist_pos = NULL, updated_at = NOW()
		WHERE id = $1
		RETURNING `+requestColumns, requestID))
	if err != nil {
		return domain.JoinRequest{}, err
	}

	// A waitlisted cancel keeps the remaining positions dense.
	if cur.Status == domain.StatusWaitlisted && cur.WaitlistPos != nil {
		_, err = tx.Exec(ctx, `
			UPDATE join_requests
			SET waitlist_pos = waitlist_pos - 1, updated_at = NOW()
			WHERE event_id = $1 AND status = 'waitlisted' AND waitlist_pos > $2
		`, eventID, *cur.WaitlistPos)
		if err != nil {
			return domain.JoinRequest{}, err
		}
	}

	if err := insertOutboxTx(ctx, tx, traceID, "request.cancelled", outboxPayload(rec)); err != nil {
		return domain.JoinRequest{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.JoinRequest{}, err
	}
	return rec, nil
}

// ExtendHold pushes the deadline out from the CURRENT expiry. No capacity
// re-check: the held amount does not change, only its lifetime. Only the
// request row is locked; the event lock is never acquired here.
func (r *Repository) ExtendHold(ctx context.Context, requestID uuid.UUID, extension time.Duration) (domain.JoinRequest, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

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

	if cur.Status != domain.StatusPending {
		return domain.JoinRequest{}, domain.ErrNotPending
	}

	rec, err := scanRequest(tx.QueryRow(ctx, `
		UPDATE join_requests
		SET hold_expires_at = hold_expires_at + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+requestColumns,
		requestID, extension))
	if err != nil {
		return domain.JoinRequest{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.JoinRequest{}, err
	}
	return rec, nil
}
