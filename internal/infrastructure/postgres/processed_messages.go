package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
)

// TryMarkProcessedTx inserts (message_id, handler_name) once, inside the
// caller's transaction.
//
//	ok=true  -> first time processed
//	ok=false -> duplicate delivery (already processed)
func (r *Repository) TryMarkProcessedTx(ctx context.Context, tx pgx.Tx, messageID, handlerName string) (ok bool, err error) {
	messageID = strings.TrimSpace(messageID)
	handlerName = strings.TrimSpace(handlerName)

	if messageID == "" {
		// Without a message_id there is nothing to dedupe on.
		return true, nil
	}
	if handlerName == "" {
		handlerName = "unknown"
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_messages (message_id, handler_name)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, messageID, handlerName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ProcessOnce runs fn inside a DB transaction guarded by the
// processed_messages idempotency fence.
// - Duplicate delivery: fn is NOT executed; returns processed=false, err=nil.
// - fn failure: tx rolls back, marker does not persist, message can retry.
func (r *Repository) ProcessOnce(
	ctx context.Context,
	messageID, handlerName string,
	fn func(tx pgx.Tx) error,
) (processed bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	first, err := r.TryMarkProcessedTx(ctx, tx, messageID, handlerName)
	if err != nil {
		return false, err
	}
	if !first {
		return false, nil
	}

	if err := fn(tx); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// PurgeExpiredIdempotencyKeys deletes keys past their 24h window; called by
// the sweeper's housekeeping pass to keep the table bounded.
func (r *Repository) PurgeExpiredIdempotencyKeys(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
