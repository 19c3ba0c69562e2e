package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// DurableConsumer describes a durable pull consumer.
type DurableConsumer struct {
	Stream        string
	Durable       string
	FilterSubject string
	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration
	// MaxDeliver caps redeliveries of a message that keeps being nak'ed.
	// Zero means unlimited.
	MaxDeliver int
}

// UsagePersister is the consumer that copies usage events into PostgreSQL.
var UsagePersister = DurableConsumer{
	Stream:        StreamEvents,
	Durable:       "usage-persister",
	FilterSubject: SubjectUsageEvent,
	AckWait:       30 * time.Second,
	MaxDeliver:    20,
}

// ConsumerManager handles durable consumer creation and retrieval.
type ConsumerManager struct {
	js jetstream.JetStream
}

// NewConsumerManager creates a new ConsumerManager.
func NewConsumerManager(js jetstream.JetStream) *ConsumerManager {
	return &ConsumerManager{js: js}
}

// EnsureConsumer creates or updates the durable consumer dc.
func (cm *ConsumerManager) EnsureConsumer(ctx context.Context, dc DurableConsumer) (jetstream.Consumer, error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       dc.Durable,
		FilterSubject: dc.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       dc.AckWait,
		MaxDeliver:    dc.MaxDeliver,
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = -1
	}

	consumer, err := cm.js.CreateOrUpdateConsumer(ctx, dc.Stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s on %s: %w", dc.Durable, dc.Stream, err)
	}
	return consumer, nil
}
