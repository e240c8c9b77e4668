package rabbitmq

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hostwell/event-platform/services/request-service/internal/contracts/event"
	"github.com/hostwell/event-platform/services/request-service/internal/domain"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockStore struct{ mock.Mock }

func (m *mockStore) ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(tx pgx.Tx) error) (bool, error) {
	args := m.Called(ctx, messageID, handlerName)
	if args.Bool(0) {
		if err := fn(nil); err != nil {
			return false, err
		}
	}
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) UpsertEventSnapshotTx(ctx context.Context, tx pgx.Tx, snap domain.EventSnapshot) error {
	return m.Called(ctx, tx, snap.ID, snap.CapacityTotal, snap.Status).Error(0)
}

func (m *mockStore) HandleEventCanceledTx(ctx context.Context, tx pgx.Tx, traceID string, eventID uuid.UUID) error {
	return m.Called(ctx, tx, traceID, eventID).Error(0)
}

type mapCache struct {
	caps map[uuid.UUID]int
}

func (c *mapCache) GetEventCapacity(ctx context.Context, eventID uuid.UUID) (int, error) {
	v, ok := c.caps[eventID]
	if !ok {
		return 0, domain.ErrCacheMiss
	}
	return v, nil
}

func (c *mapCache) SetEventCapacity(ctx context.Context, eventID uuid.UUID, capacity int) error {
	c.caps[eventID] = capacity
	return nil
}

func (c *mapCache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	return true, nil
}

func newTestConsumer(store *mockStore, cache *mapCache) *Consumer {
	return &Consumer{repo: store, cache: cache}
}

func TestApplySnapshotTx_PublishedUpsertsAndCaches(t *testing.T) {
	store := new(mockStore)
	cache := &mapCache{caps: map[uuid.UUID]int{}}
	c := newTestConsumer(store, cache)
	ctx := context.Background()

	eid := uuid.New()
	capacity := 100
	raw, _ := json.Marshal(event.EventPublishedPayload{
		EventID:  eid.String(),
		HostID:   uuid.NewString(),
		Capacity: &capacity,
		Status:   "published",
	})

	store.On("UpsertEventSnapshotTx", ctx, mock.Anything, eid, 100, "published").Return(nil).Once()

	err := c.applySnapshotTx(ctx, nil, rkEventPublished, raw, "trace-1", zerolog.Nop())
	assert.NoError(t, err)
	assert.Equal(t, 100, cache.caps[eid])
	store.AssertExpectations(t)
}

func TestApplySnapshotTx_CanceledAcceptsLegacyID(t *testing.T) {
	store := new(mockStore)
	cache := &mapCache{caps: map[uuid.UUID]int{}}
	c := newTestConsumer(store, cache)
	ctx := context.Background()
	eid := uuid.New()

	raw, _ := json.Marshal(map[string]string{"id": eid.String(), "reason": "rain"})

	store.On("HandleEventCanceledTx", ctx, mock.Anything, "trace-2", eid).Return(nil).Once()

	err := c.applySnapshotTx(ctx, nil, rkEventCanceled, raw, "trace-2", zerolog.Nop())
	assert.NoError(t, err)
	assert.Equal(t, -1, cache.caps[eid], "closed sentinel written to cache")
	store.AssertExpectations(t)
}

func TestApplySnapshotTx_PoisonDropped(t *testing.T) {
	store := new(mockStore)
	c := newTestConsumer(store, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		rk   string
		raw  string
	}{
		{"invalid json", rkEventPublished, `{bad`},
		{"missing capacity", rkEventPublished, `{"event_id":"` + uuid.NewString() + `"}`},
		{"bad event id", rkEventPublished, `{"event_id":"nope","capacity":5}`},
		{"canceled without id", rkEventCanceled, `{"reason":"x"}`},
		{"unknown routing key", "event.something", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.applySnapshotTx(ctx, nil, tc.rk, json.RawMessage(tc.raw), "t", zerolog.Nop())
			assert.NoError(t, err, "poison must be dropped, not requeued")
		})
	}
	store.AssertNotCalled(t, "UpsertEventSnapshotTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "HandleEventCanceledTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleDelivery_VersionGate(t *testing.T) {
	store := new(mockStore)
	c := newTestConsumer(store, nil)

	body, _ := json.Marshal(map[string]any{
		"version": 99,
		"payload": map[string]any{},
	})

	err := c.handleDelivery(context.Background(), amqp.Delivery{RoutingKey: rkEventPublished, Body: body})
	assert.NoError(t, err, "unsupported version is dropped")
	store.AssertNotCalled(t, "ProcessOnce", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleDelivery_MessageIDFallbacks(t *testing.T) {
	ctx := context.Background()
	eid := uuid.New()
	capacity := 10

	makeBody := func(messageID string) []byte {
		payload, _ := json.Marshal(event.EventPublishedPayload{EventID: eid.String(), Capacity: &capacity})
		body, _ := json.Marshal(event.DomainEventEnvelope[json.RawMessage]{
			Version:   1,
			MessageID: messageID,
			Payload:   payload,
		})
		return body
	}

	t.Run("envelope message_id wins", func(t *testing.T) {
		store := new(mockStore)
		c := newTestConsumer(store, nil)

		store.On("ProcessOnce", ctx, "env-id", "event_snapshots").Return(false, nil).Once()

		err := c.handleDelivery(ctx, amqp.Delivery{
			RoutingKey: rkEventPublished,
			MessageId:  "amqp-id",
			Body:       makeBody("env-id"),
		})
		assert.NoError(t, err)
		store.AssertExpectations(t)
	})

	t.Run("amqp message id next", func(t *testing.T) {
		store := new(mockStore)
		c := newTestConsumer(store, nil)

		store.On("ProcessOnce", ctx, "amqp-id", "event_snapshots").Return(false, nil).Once()

		err := c.handleDelivery(ctx, amqp.Delivery{
			RoutingKey: rkEventPublished,
			MessageId:  "amqp-id",
			Body:       makeBody(""),
		})
		assert.NoError(t, err)
		store.AssertExpectations(t)
	})

	t.Run("content hash as last resort", func(t *testing.T) {
		store := new(mockStore)
		c := newTestConsumer(store, nil)

		store.On("ProcessOnce", ctx, mock.MatchedBy(func(id string) bool {
			return strings.HasPrefix(id, "hash:")
		}), "event_snapshots").Return(false, nil).Once()

		err := c.handleDelivery(ctx, amqp.Delivery{
			RoutingKey: rkEventPublished,
			Body:       makeBody(""),
		})
		assert.NoError(t, err)
		store.AssertExpectations(t)
	})
}
