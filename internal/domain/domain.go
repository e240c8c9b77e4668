package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusApproved   RequestStatus = "approved"
	StatusDeclined   RequestStatus = "declined"
	StatusWaitlisted RequestStatus = "waitlisted"
	StatusExpired    RequestStatus = "expired"
	StatusCancelled  RequestStatus = "cancelled"
)

var (
	ErrEventNotFound   = errors.New("event not found")
	ErrEventClosed     = errors.New("event is closed")
	ErrRequestNotFound = errors.New("join request not found")

	ErrDuplicateActiveRequest = errors.New("an active request already exists for this event")
	ErrInsufficientCapacity   = errors.New("insufficient capacity")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrNotPending             = errors.New("request is not pending")
	ErrHoldExpired            = errors.New("hold has expired")

	ErrForbidden = errors.New("forbidden")

	ErrIdempotencyKeyMismatch = errors.New("idempotency key reused with a different payload")
	ErrCacheMiss              = errors.New("cache miss")
)

// CapacityError carries the requested vs available amounts so the conflict
// message can surface them. errors.Is(err, ErrInsufficientCapacity) holds for
// every CapacityError.
type CapacityError struct {
	Requested int
	Available int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity: requested %d, available %d", e.Requested, e.Available)
}

func (e *CapacityError) Unwrap() error { return ErrInsufficientCapacity }

// JoinRequest is a guest's request for seats at a capacity-bounded event.
// HoldExpiresAt is non-nil iff Status is pending; WaitlistPos is non-nil iff
// Status is waitlisted. Validate enforces both.
type JoinRequest struct {
	ID uuid.UUID `json:"id"`

	EventID uuid.UUID `json:"event_id"`
	UserID  uuid.UUID `json:"user_id"`

	PartySize int     `json:"party_size"`
	Note      *string `json:"note,omitempty"`

	Status        RequestStatus `json:"status"`
	HoldExpiresAt *time.Time    `json:"hold_expires_at,omitempty"`
	WaitlistPos   *int          `json:"waitlist_pos,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r JoinRequest) Validate() error {
	if r.PartySize < 1 {
		return fmt.Errorf("party_size must be >= 1, got %d", r.PartySize)
	}
	if (r.Status == StatusPending) != (r.HoldExpiresAt != nil) {
		return fmt.Errorf("hold_expires_at must be set exactly while pending (status=%s)", r.Status)
	}
	if (r.Status == StatusWaitlisted) != (r.WaitlistPos != nil) {
		return fmt.Errorf("waitlist_pos must be set exactly while waitlisted (status=%s)", r.Status)
	}
	return nil
}

// Participant is the attendance row created exactly once when a request is
// approved. Never created for any other outcome.
type Participant struct {
	EventID   uuid.UUID `json:"event_id"`
	UserID    uuid.UUID `json:"user_id"`
	Status    string    `json:"status"` // always "accepted"
	PartySize int       `json:"party_size"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Availability is derived from persisted rows, never stored.
type Availability struct {
	Total     int `json:"total"`
	Confirmed int `json:"confirmed"`
	Held      int `json:"held"`
	Available int `json:"available"`
}

// EventSnapshot is the locally mirrored slice of the event record this service
// needs (capacity and lifecycle status), fed by the MQ snapshot consumer.
type EventSnapshot struct {
	ID            uuid.UUID
	HostID        uuid.UUID
	CapacityTotal int
	Status        string // draft | published | canceled
	UpdatedAt     time.Time
}

type ListQuery struct {
	Limit  int
	Offset int
	Status *RequestStatus
}

type RequestPage struct {
	Items      []JoinRequest
	TotalCount int
	NextOffset *int
}

// RequestRepository owns every state transition over join_requests and
// participants, including the locking discipline that keeps capacity
// arithmetic serialized per event.
type RequestRepository interface {
	CreateRequest(ctx context.Context, traceID, idempotencyKey string, eventID, userID uuid.UUID, partySize int, note *string, holdTTL time.Duration) (JoinRequest, error)
	GetRequest(ctx context.Context, requestID uuid.UUID) (JoinRequest, error)
	GetByEventAndUser(ctx context.Context, eventID, userID uuid.UUID) (JoinRequest, error)
	ListRequests(ctx context.Context, eventID uuid.UUID, q ListQuery) (RequestPage, error)
	HasActiveRequest(ctx context.Context, eventID, userID uuid.UUID) (bool, error)

	TransitionStatus(ctx context.Context, traceID string, requestID uuid.UUID, newStatus RequestStatus, expected *RequestStatus) (JoinRequest, error)
	CancelRequest(ctx context.Context, traceID, idempotencyKey string, requestID, userID uuid.UUID) (JoinRequest, error)
	ExtendHold(ctx context.Context, requestID uuid.UUID, extension time.Duration) (JoinRequest, error)
	ExpireStaleHolds(ctx context.Context, traceID string, now time.Time) (int, []uuid.UUID, error)
	ReorderWaitlist(ctx context.Context, requestID uuid.UUID, newPos int) (JoinRequest, error)
	ListWaitlisted(ctx context.Context, eventID uuid.UUID) ([]JoinRequest, error)

	GetAvailability(ctx context.Context, eventID uuid.UUID) (Availability, error)
	GetEventHostID(ctx context.Context, eventID uuid.UUID) (uuid.UUID, error)

	PurgeExpiredIdempotencyKeys(ctx context.Context) (int64, error)
}

type CacheRepository interface {
	GetEventCapacity(ctx context.Context, eventID uuid.UUID) (int, error)
	SetEventCapacity(ctx context.Context, eventID uuid.UUID, capacity int) error

	AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error)
}
