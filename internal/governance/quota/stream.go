package quota

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aiox-platform/meter/internal/metrics"
	inats "github.com/aiox-platform/meter/internal/nats"
)

// StreamSink is an EventSink that publishes usage events to JetStream.
// A Consumer persists them into PostgreSQL.
type StreamSink struct {
	pub *inats.Publisher
}

// NewStreamSink creates a JetStream-backed EventSink.
func NewStreamSink(pub *inats.Publisher) *StreamSink {
	return &StreamSink{pub: pub}
}

// AppendEvent publishes the event.
func (s *StreamSink) AppendEvent(ctx context.Context, event UsageEvent) error {
	if err := s.pub.PublishUsageEvent(ctx, toStreamEvent(event)); err != nil {
		return err
	}
	metrics.UsageEventsPublishedTotal.Inc()
	return nil
}

// Consumer listens on the usage event subject and persists entries.
type Consumer struct {
	sink        EventSink
	consumerMgr *inats.ConsumerManager
}

// NewConsumer creates a new usage event Consumer.
func NewConsumer(sink EventSink, consumerMgr *inats.ConsumerManager) *Consumer {
	return &Consumer{
		sink:        sink,
		consumerMgr: consumerMgr,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.consumerMgr.EnsureConsumer(ctx, inats.UsagePersister)
	if err != nil {
		return err
	}

	slog.Info("usage consumer started", "consumer", inats.UsagePersister.Durable)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("usage consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleEvent(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handleEvent(ctx context.Context, msg jetstream.Msg) {
	var event inats.UsageEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		// A payload that cannot be decoded will never succeed; drop it.
		slog.Error("usage consumer: unmarshaling event", "error", err)
		_ = msg.Term()
		return
	}

	if err := c.sink.AppendEvent(ctx, fromStreamEvent(event)); err != nil {
		slog.Error("usage consumer: persisting usage event", "error", err, "event_id", event.ID)
		if isConstraintViolation(err) {
			_ = msg.Term()
			return
		}
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()

	slog.Debug("usage consumer: persisted event",
		"event_id", event.ID,
		"user_id", event.UserID,
		"feature", event.Feature,
	)
}

func toStreamEvent(e UsageEvent) inats.UsageEvent {
	return inats.UsageEvent{
		ID:        e.ID,
		UserID:    e.UserID,
		Feature:   string(e.Feature),
		Amount:    e.Amount,
		Model:     e.Model,
		Timestamp: e.CreatedAt,
	}
}

func fromStreamEvent(e inats.UsageEvent) UsageEvent {
	return UsageEvent{
		ID:        e.ID,
		UserID:    e.UserID,
		Feature:   Feature(e.Feature),
		Amount:    e.Amount,
		Model:     e.Model,
		CreatedAt: e.Timestamp,
	}
}

// isConstraintViolation reports whether PostgreSQL rejected the row itself
// (SQLSTATE class 23). Redelivering such an event cannot succeed.
func isConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23")
}
