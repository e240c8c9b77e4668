package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/hostwell/event-platform/services/request-service/internal/contracts/event"
	"github.com/hostwell/event-platform/services/request-service/internal/domain"
	"github.com/hostwell/event-platform/services/request-service/internal/infrastructure/postgres"
	"github.com/hostwell/event-platform/services/request-service/internal/pkg/logger"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	supportedVersion = 1

	rkEventPublished = "event.published"
	rkEventUpdated   = "event.updated"
	rkEventCanceled  = "event.canceled"
)

// snapshotStore is the slice of the postgres repository the consumer writes
// through. Side effects and the dedupe fence share one transaction.
type snapshotStore interface {
	ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(tx pgx.Tx) error) (bool, error)
	UpsertEventSnapshotTx(ctx context.Context, tx pgx.Tx, snap domain.EventSnapshot) error
	HandleEventCanceledTx(ctx context.Context, tx pgx.Tx, traceID string, eventID uuid.UUID) error
}

var _ snapshotStore = (*postgres.Repository)(nil)

// Consumer ingests event snapshots from the event service so the repository
// has a local events row to lock and read capacity from.
type Consumer struct {
	rabbitURL string
	exchange  string
	repo      snapshotStore
	cache     domain.CacheRepository
}

func NewConsumer(rabbitURL, exchange string, repo snapshotStore, cache domain.CacheRepository) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		repo:      repo,
		cache:     cache,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "rabbitmq_consumer").Logger()

	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	// Ensure exchange exists (idempotent)
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	q, err := ch.QueueDeclare(
		"request-service.event-snapshots",
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	for _, rk := range []string{rkEventPublished, rkEventUpdated, rkEventCanceled} {
		if err := ch.QueueBind(q.Name, rk, c.exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return err
		}
	}

	if err := ch.Qos(10, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	deliveries, err := ch.Consume(q.Name, "request-service", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	go func() {
		defer func() {
			_ = ch.Close()
			_ = conn.Close()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				if err := c.handleDelivery(ctx, d); err != nil {
					_ = d.Nack(false, true) // transient => requeue
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	log.Info().Str("queue", q.Name).Msg("consumer started")
	return nil
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	baseLog := logger.Logger.With().
		Str("component", "rabbitmq_consumer").
		Str("routing_key", d.RoutingKey).
		Logger()

	var env event.DomainEventEnvelope[json.RawMessage]
	if err := json.Unmarshal(d.Body, &env); err != nil {
		baseLog.Warn().Err(err).Msg("invalid envelope json; dropping")
		return nil // poison => drop
	}

	if env.Version != supportedVersion {
		baseLog.Warn().Int("version", env.Version).Msg("unsupported envelope version; dropping")
		return nil
	}

	// message_id: prefer envelope.message_id, then AMQP MessageId, else hash fallback
	msgID := strings.TrimSpace(env.MessageID)
	if msgID == "" {
		msgID = strings.TrimSpace(d.MessageId)
	}
	if msgID == "" {
		h := sha256.Sum256(append([]byte(d.RoutingKey+"\n"), d.Body...))
		msgID = "hash:" + hex.EncodeToString(h[:])
	}

	log := baseLog.With().
		Str("message_id", msgID).
		Str("trace_id", strings.TrimSpace(env.TraceID)).
		Logger()

	const handlerName = "event_snapshots"

	// Atomic "dedupe fence + side effects" in the same DB tx.
	processed, err := c.repo.ProcessOnce(ctx, msgID, handlerName, func(tx pgx.Tx) error {
		return c.applySnapshotTx(ctx, tx, d.RoutingKey, env.Payload, strings.TrimSpace(env.TraceID), log)
	})
	if err != nil {
		log.Error().Err(err).Msg("processing failed (requeue)")
		return err
	}
	if !processed {
		log.Info().Msg("duplicate delivery ignored")
	}
	return nil
}

func (c *Consumer) applySnapshotTx(ctx context.Context, tx pgx.Tx, routingKey string, raw json.RawMessage, traceID string, log zerolog.Logger) error {
	switch routingKey {
	case rkEventPublished, rkEventUpdated:
		var p event.EventPublishedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn().Err(err).Msg("invalid payload json; dropping")
			return nil
		}
		if strings.TrimSpace(p.EventID) == "" || p.Capacity == nil {
			log.Warn().Msg("missing fields; dropping")
			return nil
		}
		eid, err := uuid.Parse(p.EventID)
		if err != nil {
			log.Warn().Err(err).Msg("invalid event_id; dropping")
			return nil
		}
		var hostID uuid.UUID
		if strings.TrimSpace(p.HostID) != "" {
			hostID, _ = uuid.Parse(p.HostID)
		}
		status := strings.TrimSpace(p.Status)
		if status == "" {
			status = "published"
		}

		snap := domain.EventSnapshot{
			ID:            eid,
			HostID:        hostID,
			CapacityTotal: *p.Capacity,
			Status:        status,
		}
		if err := c.repo.UpsertEventSnapshotTx(ctx, tx, snap); err != nil {
			return err
		}
		if c.cache != nil {
			_ = c.cache.SetEventCapacity(ctx, eid, *p.Capacity)
		}
		return nil

	case rkEventCanceled:
		var p event.EventCanceledPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn().Err(err).Msg("invalid payload json; dropping")
			return nil
		}
		idStr := strings.TrimSpace(p.EventID)
		if idStr == "" {
			idStr = strings.TrimSpace(p.ID)
		}
		eid, err := uuid.Parse(idStr)
		if err != nil {
			log.Warn().Err(err).Msg("invalid event_id; dropping")
			return nil
		}
		if err := c.repo.HandleEventCanceledTx(ctx, tx, traceID, eid); err != nil {
			return err
		}
		if c.cache != nil {
			_ = c.cache.SetEventCapacity(ctx, eid, -1) // closed sentinel
		}
		return nil

	default:
		log.Warn().Msg("unknown routing key; dropping")
		return nil
	}
}
