package audit

import (
	"context"

	"github.com/google/uuid"
	appCtx "github.com/hostwell/event-platform/services/request-service/internal/pkg/context"
	"github.com/hostwell/event-platform/services/request-service/internal/domain"
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for business events
type Logger struct {
	log zerolog.Logger
}

// New creates a new audit logger
func New(log zerolog.Logger) *Logger {
	return &Logger{
		log: log.With().Bool("audit", true).Logger(),
	}
}

func (l *Logger) event(ctx context.Context, level zerolog.Level, action string, rec domain.JoinRequest) *zerolog.Event {
	return l.log.WithLevel(level).
		Str("action", action).
		Str("request_id", rec.ID.String()).
		Str("event_id", rec.EventID.String()).
		Str("user_id", rec.UserID.String()).
		Int("party_size", rec.PartySize).
		Str("status", string(rec.Status)).
		Str("trace_id", appCtx.GetRequestID(ctx))
}

// RequestCreated logs a new pending request and its hold deadline.
func (l *Logger) RequestCreated(ctx context.Context, rec domain.JoinRequest) {
	e := l.event(ctx, zerolog.InfoLevel, "request_created", rec)
	if rec.HoldExpiresAt != nil {
		e = e.Time("hold_expires_at", *rec.HoldExpiresAt)
	}
	e.Msg("Join request created")
}

func (l *Logger) RequestApproved(ctx context.Context, rec domain.JoinRequest, actorID uuid.UUID) {
	l.event(ctx, zerolog.InfoLevel, "request_approved", rec).
		Str("actor_user_id", actorID.String()).
		Msg("Join request approved")
}

func (l *Logger) RequestDeclined(ctx context.Context, rec domain.JoinRequest, actorID uuid.UUID) {
	l.event(ctx, zerolog.InfoLevel, "request_declined", rec).
		Str("actor_user_id", actorID.String()).
		Msg("Join request declined")
}

func (l *Logger) RequestWaitlisted(ctx context.Context, rec domain.JoinRequest, actorID uuid.UUID) {
	e := l.event(ctx, zerolog.InfoLevel, "request_waitlisted", rec).
		Str("actor_user_id", actorID.String())
	if rec.WaitlistPos != nil {
		e = e.Int("waitlist_pos", *rec.WaitlistPos)
	}
	e.Msg("Join request waitlisted")
}

func (l *Logger) RequestCancelled(ctx context.Context, rec domain.JoinRequest) {
	l.event(ctx, zerolog.InfoLevel, "request_cancelled", rec).
		Msg("Join request cancelled by guest")
}

// RequestPromoted logs a waitlist promotion to approved.
func (l *Logger) RequestPromoted(ctx context.Context, rec domain.JoinRequest) {
	l.event(ctx, zerolog.InfoLevel, "request_promoted", rec).
		Msg("Request promoted from waitlist")
}

func (l *Logger) HoldExtended(ctx context.Context, rec domain.JoinRequest, actorID uuid.UUID, minutes int) {
	e := l.event(ctx, zerolog.InfoLevel, "hold_extended", rec).
		Str("actor_user_id", actorID.String()).
		Int("extension_minutes", minutes)
	if rec.HoldExpiresAt != nil {
		e = e.Time("hold_expires_at", *rec.HoldExpiresAt)
	}
	e.Msg("Hold extended")
}

func (l *Logger) WaitlistReordered(ctx context.Context, rec domain.JoinRequest, actorID uuid.UUID) {
	e := l.event(ctx, zerolog.InfoLevel, "waitlist_reordered", rec).
		Str("actor_user_id", actorID.String())
	if rec.WaitlistPos != nil {
		e = e.Int("waitlist_pos", *rec.WaitlistPos)
	}
	e.Msg("Waitlist reordered")
}

// PromotionFailed logs a promoter pass that errored after its trigger already
// committed.
func (l *Logger) PromotionFailed(ctx context.Context, eventID uuid.UUID, err error) {
	l.log.Warn().
		Str("action", "promotion_failed").
		Str("event_id", eventID.String()).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Err(err).
		Msg("Waitlist promotion pass failed")
}

// SweepCompleted logs one sweeper tick.
func (l *Logger) SweepCompleted(ctx context.Context, expired int) {
	if expired == 0 {
		return
	}
	l.log.Info().
		Str("action", "holds_expired").
		Int("expired", expired).
		Msg("Stale holds expired")
}
