// Package sweeper owns the background pass that expires stale holds. It talks
// to the rest of the service only through the shared store; a failed sweep is
// logged and retried on the next tick, never propagated to the request path.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hostwell/event-platform/services/request-service/internal/pkg/logger"
)

// HoldExpirer is the service entry point the sweeper drives.
type HoldExpirer interface {
	ExpireHolds(ctx context.Context, traceID string) (int, error)
}

// Housekeeper is the optional idempotency-key purge, run once an hour on the
// same goroutine.
type Housekeeper interface {
	PurgeExpiredIdempotencyKeys(ctx context.Context) (int64, error)
}

type Sweeper struct {
	svc      HoldExpirer
	keeper   Housekeeper
	interval time.Duration
}

func New(svc HoldExpirer, keeper Housekeeper, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Sweeper{svc: svc, keeper: keeper, interval: interval}
}

// Start launches the sweep loop. Multiple instances may run concurrently:
// each row expiry re-checks status and deadline inside its own transaction,
// so a double sweep is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		log := logger.Logger.With().Str("component", "hold_sweeper").Logger()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		housekeeping := time.NewTicker(1 * time.Hour)
		defer housekeeping.Stop()

		// Run once immediately on startup
		s.sweep(ctx)

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				s.sweep(ctx)
			case <-housekeeping.C:
				s.purgeKeys(ctx)
			}
		}
	}()
}

func (s *Sweeper) sweep(ctx context.Context) {
	log := logger.Logger.With().Str("component", "hold_sweeper").Logger()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("panic", fmt.Sprint(rec)).Msg("sweep panicked")
		}
	}()

	traceID := "sweep-" + uuid.NewString()
	count, err := s.svc.ExpireHolds(ctx, traceID)
	if err != nil {
		log.Warn().Err(err).Int("expired", count).Msg("sweep failed")
		return
	}
	if count > 0 {
		log.Info().Int("expired", count).Msg("stale holds expired")
	}
}

func (s *Sweeper) purgeKeys(ctx context.Context) {
	if s.keeper == nil {
		return
	}
	log := logger.Logger.With().Str("component", "hold_sweeper").Logger()

	deleted, err := s.keeper.PurgeExpiredIdempotencyKeys(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("idempotency key purge failed")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("idempotency keys purged")
	}
}
