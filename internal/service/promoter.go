package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/hostwell/event-platform/services/request-service/internal/domain"
)

// PromoteWaitlist walks an event's waitlist in position order and approves
// each request that still fits. Strict FIFO: the first party that does not fit
// stops the walk; smaller parties behind it are not back-filled past it.
//
// Each promotion is the same atomic approve transition the host path uses, so
// a concurrent guest cancellation or host approval cannot double-allocate:
// the capacity re-check happens under the event lock inside TransitionStatus.
func (s *RequestService) PromoteWaitlist(ctx context.Context, traceID string, eventID uuid.UUID) (int, error) {
	waitlisted, err := s.repo.ListWaitlisted(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if len(waitlisted) == 0 {
		return 0, nil
	}

	moved := 0
	expected := domain.StatusWaitlisted
	for _, rec := range waitlisted {
		avail, err := s.repo.GetAvailability(ctx, eventID)
		if err != nil {
			return moved, err
		}
		if rec.PartySize > avail.Available {
			break // FIFO: never skip an unfulfillable party
		}
		promoted, err := s.repo.TransitionStatus(ctx, traceID, rec.ID, domain.StatusApproved, &expected)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientCapacity) {
				// The advisory read was stale; the authoritative check said no.
				break
			}
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrRequestNotFound) {
				// Raced with a cancellation; this slot holder is gone, the
				// next in line inherits its turn.
				continue
			}
			return moved, err
		}
		moved++
		s.audit.RequestPromoted(ctx, promoted)
	}
	return moved, nil
}
