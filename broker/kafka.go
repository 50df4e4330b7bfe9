/*
Package broker carries events over Kafka.

  Publisher  notify.Notifier writing notification events, keyed by shift
             so a consumer sees each shift's events in order
  Consumer   reads payment provider webhooks and feeds escrow.HandleEvent,
             committing only what was applied or is permanently invalid

Delivery is at-least-once in both directions. Consumers of notifications
de-duplicate on Event.ID; provider events are idempotent at the ledger.
*/
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/warp/shift-engine/domain"
	"github.com/warp/shift-engine/escrow"
	"github.com/warp/shift-engine/notify"
)

// =============================================================================
// PUBLISHER
// =============================================================================

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

func NewPublisher(brokers []string, topic string, logger *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return newPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}, topic, logger), nil
}

func newPublisher(w messageWriter, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{writer: w, topic: topic, logger: logger.With("module", "broker", "layer", "adapter")}
}

// Notify publishes e. A failed write is logged; notifications never fail
// the operation that raised them.
func (p *Publisher) Notify(ctx context.Context, e notify.Event) {
	if err := p.Publish(ctx, e); err != nil {
		p.logger.ErrorContext(ctx, "notification publish failed",
			"operation", "publish",
			"outcome", "failure",
			"event_id", e.ID,
			"event_type", string(e.Type),
			"error", err,
		)
	}
}

func (p *Publisher) Publish(ctx context.Context, e notify.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key()),
		Value: payload,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "event_id", Value: []byte(e.ID)},
		},
	})
}

func (p *Publisher) Close() error { return p.writer.Close() }

// =============================================================================
// CONSUMER
// =============================================================================

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventHandler applies one provider event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev escrow.ProviderEvent) error
}

type Consumer struct {
	reader  messageReader
	handler EventHandler
	backoff time.Duration
	logger  *slog.Logger
}

func NewConsumer(brokers []string, groupID, topic string, handler EventHandler, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newConsumer(reader, handler, logger), nil
}

func newConsumer(r messageReader, handler EventHandler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:  r,
		handler: handler,
		backoff: time.Second,
		logger:  logger.With("module", "broker", "layer", "adapter"),
	}
}

// Run consumes until ctx is cancelled. A message whose handling fails
// transiently is retried in place, so offsets never skip an event.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handle returns only when msg may be committed or ctx is done.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var ev escrow.ProviderEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.logger.WarnContext(ctx, "provider event dropped",
			"operation", "consume",
			"outcome", "invalid",
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}
	for attempt := 1; ; attempt++ {
		err := c.handler.HandleEvent(ctx, ev)
		if err == nil {
			return nil
		}
		if domain.IsClientError(err) || domain.IsNotFound(err) {
			c.logger.WarnContext(ctx, "provider event rejected",
				"operation", "consume",
				"outcome", "rejected",
				"event_id", ev.ID,
				"event_type", string(ev.Type),
				"error", err,
			)
			return nil
		}
		c.logger.ErrorContext(ctx, "provider event failed, retrying",
			"operation", "consume",
			"outcome", "retry",
			"event_id", ev.ID,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }

var _ notify.Notifier = (*Publisher)(nil)
