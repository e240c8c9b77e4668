package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hostwell/event-platform/services/request-service/internal/audit"
	"github.com/hostwell/event-platform/services/request-service/internal/domain"
)

// ValidationError marks malformed input; the transport maps it to 400.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

type CreateInput struct {
	PartySize      int
	Note           *string
	HoldTTLMinutes int // 0 = use the configured default
}

type RequestService struct {
	repo  domain.RequestRepository
	cache domain.CacheRepository
	audit *audit.Logger

	defaultHoldTTL time.Duration
}

func NewRequestService(repo domain.RequestRepository, cache domain.CacheRepository, auditLog *audit.Logger, defaultHoldTTL time.Duration) *RequestService {
	return &RequestService{
		repo:           repo,
		cache:          cache,
		audit:          auditLog,
		defaultHoldTTL: domain.ClampHoldTTL(defaultHoldTTL),
	}
}

func isPrivileged(role string) bool {
	r := strings.ToLower(strings.TrimSpace(role))
	return r == "admin" || r == "moderator"
}

func (s *RequestService) requireHostOrAdmin(ctx context.Context, eventID, requesterID uuid.UUID, role string) error {
	if isPrivileged(role) {
		return nil
	}
	host, err := s.repo.GetEventHostID(ctx, eventID)
	if err != nil {
		return err
	}
	if host != requesterID {
		return domain.ErrForbidden
	}
	return nil
}

func (s *RequestService) GetEventAvailability(ctx context.Context, eventID uuid.UUID) (domain.Availability, error) {
	return s.repo.GetAvailability(ctx, eventID)
}

func (s *RequestService) CreateJoinRequest(ctx context.Context, traceID, idempotencyKey string, eventID, userID uuid.UUID, in CreateInput) (domain.JoinRequest, error) {
	if in.PartySize < 1 {
		return domain.JoinRequest{}, &ValidationError{Field: "party_size", Msg: "must be >= 1"}
	}
	if in.Note != nil && len(*in.Note) > domain.MaxNoteLength {
		return domain.JoinRequest{}, &ValidationError{Field: "note", Msg: fmt.Sprintf("must be <= %d characters", domain.MaxNoteLength)}
	}

	// cache fast-fail: closed events never admit anyone, so a stale miss only
	// costs a DB round trip
	if s.cache != nil {
		capacity, err := s.cache.GetEventCapacity(ctx, eventID)
		if err == nil && capacity < 0 {
			return domain.JoinRequest{}, domain.ErrEventClosed
		}
	}

	// Pre-flight duplicate check for a fast error; the authoritative check is
	// inside CreateRequest's transaction.
	if active, err := s.repo.HasActiveRequest(ctx, eventID, userID); err == nil && active {
		return domain.JoinRequest{}, domain.ErrDuplicateActiveRequest
	}

	ttl := s.defaultHoldTTL
	if in.HoldTTLMinutes > 0 {
		ttl = domain.ClampHoldTTL(time.Duration(in.HoldTTLMinutes) * time.Minute)
	}

	rec, err := s.repo.CreateRequest(ctx, traceID, idempotencyKey, eventID, userID, in.PartySize, in.Note, ttl)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	s.audit.RequestCreated(ctx, rec)
	return rec, nil
}

func (s *RequestService) GetMyRequest(ctx context.Context, eventID, userID uuid.UUID) (domain.JoinRequest, error) {
	return s.repo.GetByEventAndUser(ctx, eventID, userID)
}

// ListJoinRequests is host-only: guests must not see each other's notes.
func (s *RequestService) ListJoinRequests(ctx context.Context, eventID, requesterID uuid.UUID, role string, q domain.ListQuery) (domain.RequestPage, error) {
	if err := s.requireHostOrAdmin(ctx, eventID, requesterID, role); err != nil {
		return domain.RequestPage{}, err
	}
	return s.repo.ListRequests(ctx, eventID, q)
}

func (s *RequestService) ApproveRequest(ctx context.Context, traceID string, requestID, hostUserID uuid.UUID, role string) (domain.JoinRequest, error) {
	if err := s.authorizeForRequest(ctx, requestID, hostUserID, role); err != nil {
		return domain.JoinRequest{}, err
	}
	expected := domain.StatusPending
	rec, err := s.repo.TransitionStatus(ctx, traceID, requestID, domain.StatusApproved, &expected)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	s.audit.RequestApproved(ctx, rec, hostUserID)
	return rec, nil
}

func (s *RequestService) DeclineRequest(ctx context.Context, traceID string, requestID, hostUserID uuid.UUID, role string) (domain.JoinRequest, error) {
	if err := s.authorizeForRequest(ctx, requestID, hostUserID, role); err != nil {
		return domain.JoinRequest{}, err
	}
	expected := domain.StatusPending
	rec, err := s.repo.TransitionStatus(ctx, traceID, requestID, domain.StatusDeclined, &expected)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	s.audit.RequestDeclined(ctx, rec, hostUserID)

	// Declining a pending hold frees its held amount.
	s.promoteAfterRelease(ctx, traceID, rec.EventID)
	return rec, nil
}

func (s *RequestService) WaitlistRequest(ctx context.Context, traceID string, requestID, hostUserID uuid.UUID, role string) (domain.JoinRequest, error) {
	if err := s.authorizeForRequest(ctx, requestID, hostUserID, role); err != nil {
		return domain.JoinRequest{}, err
	}
	expected := domain.StatusPending
	rec, err := s.repo.TransitionStatus(ctx, traceID, requestID, domain.StatusWaitlisted, &expected)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	s.audit.RequestWaitlisted(ctx, rec, hostUserID)
	return rec, nil
}

func (s *RequestService) CancelRequest(ctx context.Context, traceID, idempotencyKey string, requestID, userID uuid.UUID) (domain.JoinRequest, error) {
	rec, err := s.repo.CancelRequest(ctx, traceID, idempotencyKey, requestID, userID)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	s.audit.RequestCancelled(ctx, rec)

	s.promoteAfterRelease(ctx, traceID, rec.EventID)
	return rec, nil
}

func (s *RequestService) ExtendRequestHold(ctx context.Context, requestID, hostUserID uuid.UUID, role string, extensionMinutes int) (domain.JoinRequest, error) {
	ext := time.Duration(extensionMinutes) * time.Minute
	if !domain.ValidExtension(ext) {
		return domain.JoinRequest{}, &ValidationError{Field: "extension_minutes", Msg: "must be between 5 and 120"}
	}
	if err := s.authorizeForRequest(ctx, requestID, hostUserID, role); err != nil {
		return domain.JoinRequest{}, err
	}
	rec, err := s.repo.ExtendHold(ctx, requestID, ext)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	s.audit.HoldExtended(ctx, rec, hostUserID, extensionMinutes)
	return rec, nil
}

func (s *RequestService) ReorderWaitlist(ctx context.Context, requestID, hostUserID uuid.UUID, role string, newPos int) (domain.JoinRequest, error) {
	if newPos < 1 {
		return domain.JoinRequest{}, &ValidationError{Field: "waitlist_pos", Msg: "must be >= 1"}
	}
	if err := s.authorizeForRequest(ctx, requestID, hostUserID, role); err != nil {
		return domain.JoinRequest{}, err
	}
	rec, err := s.repo.ReorderWaitlist(ctx, requestID, newPos)
	if err != nil {
		return domain.JoinRequest{}, err
	}
	s.audit.WaitlistReordered(ctx, rec, hostUserID)
	return rec, nil
}

// ExpireHolds is the sweeper entry point. Every event that lost a hold gets a
// promotion pass, since expiry freed capacity there.
func (s *RequestService) ExpireHolds(ctx context.Context, traceID string) (int, error) {
	count, eventIDs, err := s.repo.ExpireStaleHolds(ctx, traceID, time.Now().UTC())
	if err != nil {
		return count, err
	}
	for _, eventID := range eventIDs {
		s.promoteAfterRelease(ctx, traceID, eventID)
	}
	return count, nil
}

// PromoteWaitlistAsHost is the explicit host-triggered promotion pass.
func (s *RequestService) PromoteWaitlistAsHost(ctx context.Context, traceID string, eventID, hostUserID uuid.UUID, role string) (int, error) {
	if err := s.requireHostOrAdmin(ctx, eventID, hostUserID, role); err != nil {
		return 0, err
	}
	return s.PromoteWaitlist(ctx, traceID, eventID)
}

// authorizeForRequest resolves the request's event and checks host/admin.
func (s *RequestService) authorizeForRequest(ctx context.Context, requestID, requesterID uuid.UUID, role string) error {
	rec, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	return s.requireHostOrAdmin(ctx, rec.EventID, requesterID, role)
}

// promoteAfterRelease runs the waitlist promoter and logs instead of failing:
// the triggering operation already committed, so a promotion error must not
// surface to its caller.
func (s *RequestService) promoteAfterRelease(ctx context.Context, traceID string, eventID uuid.UUID) {
	if _, err := s.PromoteWaitlist(ctx, traceID, eventID); err != nil &&
		!errors.Is(err, domain.ErrEventNotFound) {
		s.audit.PromotionFailed(ctx, eventID, err)
	}
}
