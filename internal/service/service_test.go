package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hostwell/event-platform/services/request-service/internal/audit"
	"github.com/hostwell/event-platform/services/request-service/internal/domain"
	"github.com/hostwell/event-platform/services/request-service/internal/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockRepo struct{ mock.Mock }

func (m *MockRepo) CreateRequest(ctx context.Context, tid, key string, eid, uid uuid.UUID, partySize int, note *string, holdTTL time.Duration) (domain.JoinRequest, error) {
	args := m.Called(ctx, tid, key, eid, uid, partySize, note, holdTTL)
	return args.Get(0).(domain.JoinRequest), args.Error(1)
}
func (m *MockRepo) GetRequest(ctx context.Context, requestID uuid.UUID) (domain.JoinRequest, error) {
	args := m.Called(ctx, requestID)
	return args.Get(0).(domain.JoinRequest), args.Error(1)
}
func (m *MockRepo) GetByEventAndUser(ctx context.Context, eventID, userID uuid.UUID) (domain.JoinRequest, error) {
	args := m.Called(ctx, eventID, userID)
	return args.Get(0).(domain.JoinRequest), args.Error(1)
}
func (m *MockRepo) ListRequests(ctx context.Context, eventID uuid.UUID, q domain.ListQuery) (domain.RequestPage, error) {
	args := m.Called(ctx, eventID, q)
	return args.Get(0).(domain.RequestPage), args.Error(1)
}
func (m *MockRepo) HasActiveRequest(ctx context.Context, eventID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, eventID, userID)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepo) TransitionStatus(ctx context.Context, tid string, requestID uuid.UUID, newStatus domain.RequestStatus, expected *domain.RequestStatus) (domain.JoinRequest, error) {
	args := m.Called(ctx, tid, requestID, newStatus, expected)
	return args.Get(0).(domain.JoinRequest), args.Error(1)
}
func (m *MockRepo) CancelRequest(ctx context.Context, tid, key string, requestID, userID uuid.UUID) (domain.JoinRequest, error) {
	args := m.Called(ctx, tid, key, requestID, userID)
	return args.Get(0).(domain.JoinRequest), args.Error(1)
}
func (m *MockRepo) ExtendHold(ctx context.Context, requestID uuid.UUID, extension time.Duration) (domain.JoinRequest, error) {
	args := m.Called(ctx, requestID, extension)
	return args.Get(0).(domain.JoinRequest), args.Error(1)
}
func (m *MockRepo) ExpireStaleHolds(ctx context.Context, tid string, now time.Time) (int, []uuid.UUID, error) {
	args := m.Called(ctx, tid, now)
	var ids []uuid.UUID
	if v := args.Get(1); v != nil {
		ids = v.([]uuid.UUID)
	}
	return args.Int(0), ids, args.Error(2)
}
func (m *MockRepo) ReorderWaitlist(ctx context.Context, requestID uuid.UUID, newPos int) (domain.JoinRequest, error) {
	args := m.Called(ctx, requestID, newPos)
	return args.Get(0).(domain.JoinRequest), args.Error(1)
}
func (m *MockRepo) ListWaitlisted(ctx context.Context, eventID uuid.UUID) ([]domain.JoinRequest, error) {
	args := m.Called(ctx, eventID)
	var recs []domain.JoinRequest
	if v := args.Get(0); v != nil {
		recs = v.([]domain.JoinRequest)
	}
	return recs, args.Error(1)
}
func (m *MockRepo) GetAvailability(ctx context.Context, eventID uuid.UUID) (domain.Availability, error) {
	args := m.Called(ctx, eventID)
	return args.Get(0).(domain.Availability), args.Error(1)
}
func (m *MockRepo) GetEventHostID(ctx context.Context, eventID uuid.UUID) (uuid.UUID, error) {
	args := m.Called(ctx, eventID)
	return args.Get(0).(uuid.UUID), args.Error(1)
}
func (m *MockRepo) PurgeExpiredIdempotencyKeys(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type MockCache struct{ mock.Mock }

func (m *MockCache) GetEventCapacity(ctx context.Context, eventID uuid.UUID) (int, error) {
	args := m.Called(ctx, eventID)
	return args.Int(0), args.Error(1)
}
func (m *MockCache) SetEventCapacity(ctx context.Context, eventID uuid.UUID, capacity int) error {
	return m.Called(ctx, eventID, capacity).Error(0)
}
func (m *MockCache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, ip, limit, window)
	return args.Bool(0), args.Error(1)
}

func newSvc(repo *MockRepo, cache *MockCache) *service.RequestService {
	var c domain.CacheRepository
	if cache != nil {
		c = cache
	}
	return service.NewRequestService(repo, c, audit.New(zerolog.Nop()), 30*time.Minute)
}

func pendingRec(eventID uuid.UUID) domain.JoinRequest {
	exp := time.Now().Add(30 * time.Minute).UTC()
	return domain.JoinRequest{
		ID:            uuid.New(),
		EventID:       eventID,
		UserID:        uuid.New(),
		PartySize:     2,
		Status:        domain.StatusPending,
		HoldExpiresAt: &exp,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
}

func TestCreateJoinRequest_Success(t *testing.T) {
	repo := new(MockRepo)
	cache := new(MockCache)
	svc := newSvc(repo, cache)
	ctx := context.Background()
	eID := uuid.New()
	uID := uuid.New()

	rec := pendingRec(eID)
	rec.UserID = uID

	cache.On("GetEventCapacity", ctx, eID).Return(0, domain.ErrCacheMiss)
	repo.On("HasActiveRequest", ctx, eID, uID).Return(false, nil)
	repo.On("CreateRequest", ctx, "trace", "key-1", eID, uID, 2, (*string)(nil), 30*time.Minute).
		Return(rec, nil)

	got, err := svc.CreateJoinRequest(ctx, "trace", "key-1", eID, uID, service.CreateInput{PartySize: 2})
	assert.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	repo.AssertExpectations(t)
}

func TestCreateJoinRequest_Validation(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)
	ctx := context.Background()

	t.Run("party size zero", func(t *testing.T) {
		_, err := svc.CreateJoinRequest(ctx, "trace", "k", uuid.New(), uuid.New(), service.CreateInput{PartySize: 0})
		var vErr *service.ValidationError
		assert.ErrorAs(t, err, &vErr)
		assert.Equal(t, "party_size", vErr.Field)
	})

	t.Run("note too long", func(t *testing.T) {
		long := make([]byte, domain.MaxNoteLength+1)
		for i := range long {
			long[i] = 'x'
		}
		note := string(long)
		_, err := svc.CreateJoinRequest(ctx, "trace", "k", uuid.New(), uuid.New(), service.CreateInput{PartySize: 1, Note: &note})
		var vErr *service.ValidationError
		assert.ErrorAs(t, err, &vErr)
		assert.Equal(t, "note", vErr.Field)
	})

	repo.AssertNotCalled(t, "CreateRequest", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateJoinRequest_CacheClosedFastFail(t *testing.T) {
	repo := new(MockRepo)
	cache := new(MockCache)
	svc := newSvc(repo, cache)
	ctx := context.Background()
	eID := uuid.New()

	cache.On("GetEventCapacity", ctx, eID).Return(-1, nil)

	_, err := svc.CreateJoinRequest(ctx, "trace", "k", eID, uuid.New(), service.CreateInput{PartySize: 1})
	assert.ErrorIs(t, err, domain.ErrEventClosed)
	repo.AssertNotCalled(t, "CreateRequest", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateJoinRequest_DuplicatePreFlight(t *testing.T) {
	repo := new(MockRepo)
	cache := new(MockCache)
	svc := newSvc(repo, cache)
	ctx := context.Background()
	eID := uuid.New()
	uID := uuid.New()

	cache.On("GetEventCapacity", ctx, eID).Return(0, domain.ErrCacheMiss)
	repo.On("HasActiveRequest", ctx, eID, uID).Return(true, nil)

	_, err := svc.CreateJoinRequest(ctx, "trace", "k", eID, uID, service.CreateInput{PartySize: 1})
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveRequest)
}

func TestCreateJoinRequest_TTLClamped(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)
	ctx := context.Background()
	eID := uuid.New()
	uID := uuid.New()

	rec := pendingRec(eID)
	repo.On("HasActiveRequest", ctx, eID, uID).Return(false, nil)
	// 300 requested minutes clamp down to the 120-minute ceiling.
	repo.On("CreateRequest", ctx, "trace", "k", eID, uID, 1, (*string)(nil), domain.MaxHoldTTL).
		Return(rec, nil)

	_, err := svc.CreateJoinRequest(ctx, "trace", "k", eID, uID, service.CreateInput{PartySize: 1, HoldTTLMinutes: 300})
	assert.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestApproveRequest_HostOnly(t *testing.T) {
	ctx := context.Background()
	eID := uuid.New()
	hostID := uuid.New()
	otherID := uuid.New()

	rec := pendingRec(eID)

	t.Run("non-host forbidden", func(t *testing.T) {
		repo := new(MockRepo)
		svc := newSvc(repo, nil)

		repo.On("GetRequest", ctx, rec.ID).Return(rec, nil)
		repo.On("GetEventHostID", ctx, eID).Return(hostID, nil)

		_, err := svc.ApproveRequest(ctx, "trace", rec.ID, otherID, "user")
		assert.ErrorIs(t, err, domain.ErrForbidden)
		repo.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("host ok", func(t *testing.T) {
		repo := new(MockRepo)
		svc := newSvc(repo, nil)

		approved := rec
		approved.Status = domain.StatusApproved
		approved.HoldExpiresAt = nil

		pending := domain.StatusPending
		repo.On("GetRequest", ctx, rec.ID).Return(rec, nil)
		repo.On("GetEventHostID", ctx, eID).Return(hostID, nil)
		repo.On("TransitionStatus", ctx, "trace", rec.ID, domain.StatusApproved, &pending).
			Return(approved, nil)

		got, err := svc.ApproveRequest(ctx, "trace", rec.ID, hostID, "user")
		assert.NoError(t, err)
		assert.Equal(t, domain.StatusApproved, got.Status)
		repo.AssertExpectations(t)
	})

	t.Run("admin bypasses host check", func(t *testing.T) {
		repo := new(MockRepo)
		svc := newSvc(repo, nil)

		approved := rec
		approved.Status = domain.StatusApproved
		approved.HoldExpiresAt = nil

		pending := domain.StatusPending
		repo.On("GetRequest", ctx, rec.ID).Return(rec, nil)
		repo.On("TransitionStatus", ctx, "trace", rec.ID, domain.StatusApproved, &pending).
			Return(approved, nil)

		_, err := svc.ApproveRequest(ctx, "trace", rec.ID, uuid.New(), "admin")
		assert.NoError(t, err)
		repo.AssertNotCalled(t, "GetEventHostID", mock.Anything, mock.Anything)
	})
}

func TestDeclineRequest_TriggersPromotion(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)
	ctx := context.Background()
	eID := uuid.New()
	hostID := uuid.New()

	rec := pendingRec(eID)
	declined := rec
	declined.Status = domain.StatusDeclined
	declined.HoldExpiresAt = nil

	pending := domain.StatusPending
	repo.On("GetRequest", ctx, rec.ID).Return(rec, nil)
	repo.On("GetEventHostID", ctx, eID).Return(hostID, nil)
	repo.On("TransitionStatus", ctx, "trace", rec.ID, domain.StatusDeclined, &pending).
		Return(declined, nil)
	// promotion pass after the release
	repo.On("ListWaitlisted", ctx, eID).Return(nil, nil)

	got, err := svc.DeclineRequest(ctx, "trace", rec.ID, hostID, "user")
	assert.NoError(t, err)
	assert.Equal(t, domain.StatusDeclined, got.Status)
	repo.AssertExpectations(t)
}

func TestCancelRequest_TriggersPromotion(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)
	ctx := context.Background()
	eID := uuid.New()
	uID := uuid.New()

	cancelled := pendingRec(eID)
	cancelled.UserID = uID
	cancelled.Status = domain.StatusCancelled
	cancelled.HoldExpiresAt = nil

	repo.On("CancelRequest", ctx, "trace", "k", cancelled.ID, uID).Return(cancelled, nil)
	repo.On("ListWaitlisted", ctx, eID).Return(nil, nil)

	got, err := svc.CancelRequest(ctx, "trace", "k", cancelled.ID, uID)
	assert.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	repo.AssertExpectations(t)
}

func TestExtendRequestHold_Bounds(t *testing.T) {
	ctx := context.Background()
	eID := uuid.New()
	hostID := uuid.New()
	rec := pendingRec(eID)

	t.Run("rejects out-of-range extension", func(t *testing.T) {
		repo := new(MockRepo)
		svc := newSvc(repo, nil)

		for _, minutes := range []int{0, 4, 121, -10} {
			_, err := svc.ExtendRequestHold(ctx, rec.ID, hostID, "user", minutes)
			var vErr *service.ValidationError
			assert.ErrorAs(t, err, &vErr, "minutes=%d", minutes)
		}
		repo.AssertNotCalled(t, "ExtendHold", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("valid extension proxies to repo", func(t *testing.T) {
		repo := new(MockRepo)
		svc := newSvc(repo, nil)

		repo.On("GetRequest", ctx, rec.ID).Return(rec, nil)
		repo.On("GetEventHostID", ctx, eID).Return(hostID, nil)
		repo.On("ExtendHold", ctx, rec.ID, 15*time.Minute).Return(rec, nil)

		_, err := svc.ExtendRequestHold(ctx, rec.ID, hostID, "user", 15)
		assert.NoError(t, err)
		repo.AssertExpectations(t)
	})
}

func TestReorderWaitlist_Validation(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)

	_, err := svc.ReorderWaitlist(context.Background(), uuid.New(), uuid.New(), "user", 0)
	var vErr *service.ValidationError
	assert.ErrorAs(t, err, &vErr)
	assert.Equal(t, "waitlist_pos", vErr.Field)
	repo.AssertNotCalled(t, "ReorderWaitlist", mock.Anything, mock.Anything, mock.Anything)
}

func TestListJoinRequests_Guard(t *testing.T) {
	ctx := context.Background()
	eID := uuid.New()
	hostID := uuid.New()

	t.Run("non-host forbidden", func(t *testing.T) {
		repo := new(MockRepo)
		svc := newSvc(repo, nil)

		repo.On("GetEventHostID", ctx, eID).Return(hostID, nil)

		_, err := svc.ListJoinRequests(ctx, eID, uuid.New(), "user", domain.ListQuery{Limit: 20})
		assert.ErrorIs(t, err, domain.ErrForbidden)
		repo.AssertNotCalled(t, "ListRequests", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("host ok", func(t *testing.T) {
		repo := new(MockRepo)
		svc := newSvc(repo, nil)

		q := domain.ListQuery{Limit: 20}
		repo.On("GetEventHostID", ctx, eID).Return(hostID, nil)
		repo.On("ListRequests", ctx, eID, q).Return(domain.RequestPage{TotalCount: 0}, nil)

		_, err := svc.ListJoinRequests(ctx, eID, hostID, "user", q)
		assert.NoError(t, err)
		repo.AssertExpectations(t)
	})
}

func TestExpireHolds_PromotesEachAffectedEvent(t *testing.T) {
	repo := new(MockRepo)
	svc := newSvc(repo, nil)
	ctx := context.Background()
	e1 := uuid.New()
	e2 := uuid.New()

	repo.On("ExpireStaleHolds", ctx, "trace", mock.AnythingOfType("time.Time")).
		Return(3, []uuid.UUID{e1, e2}, nil)
	repo.On("ListWaitlisted", ctx, e1).Return(nil, nil)
	repo.On("ListWaitlisted", ctx, e2).Return(nil, nil)

	count, err := svc.ExpireHolds(ctx, "trace")
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
	repo.AssertExpectations(t)
}
