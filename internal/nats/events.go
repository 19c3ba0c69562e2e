package nats

import (
	"time"

	"github.com/google/uuid"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamEvents = "METER_EVENTS"
)

// Subject constants.
const (
	SubjectUsageEvent = "meter.events.usage"
)

// UsageEvent is published once per metered call, after the aggregate counter
// has been updated.
type UsageEvent struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Feature   string    `json:"feature"`
	Amount    int64     `json:"amount"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
