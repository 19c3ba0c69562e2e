package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/meter/internal/metrics"
)

// CounterStore holds per-user monthly counters. Add must be atomic in the
// store itself: when the stored month differs from month, prior usage counts
// as zero and the marker moves to month.
type CounterStore interface {
	Add(ctx context.Context, userID uuid.UUID, month time.Time, feature Feature, amount int64) (int64, error)
	Get(ctx context.Context, userID uuid.UUID, month time.Time) (map[Feature]int64, error)
}

// EventSink appends immutable usage events.
type EventSink interface {
	AppendEvent(ctx context.Context, event UsageEvent) error
}

// Ledger records metered consumption. The aggregate counter and the event log
// are written independently; either may fail without affecting the other.
type Ledger struct {
	counters CounterStore
	events   EventSink
	now      func() time.Time
}

// NewLedger creates a Ledger. events may be nil to skip the history log.
func NewLedger(counters CounterStore, events EventSink) *Ledger {
	return &Ledger{
		counters: counters,
		events:   events,
		now:      time.Now,
	}
}

// Increment adds amount to the user's current-month counter for feature and
// appends a usage event. Store failures are logged and swallowed: the caller
// has already delivered the metered result.
func (l *Ledger) Increment(ctx context.Context, userID uuid.UUID, feature Feature, amount int64, model string) {
	if amount <= 0 {
		return
	}
	now := l.now()

	total, err := l.counters.Add(ctx, userID, MonthStart(now), feature, amount)
	if err != nil {
		metrics.LedgerErrorsTotal.WithLabelValues("increment").Inc()
		slog.Error("quota: incrementing usage failed",
			"error", err, "user_id", userID, "feature", feature, "amount", amount)
	} else {
		metrics.UsageRecordedTotal.WithLabelValues(string(feature)).Add(float64(amount))
		slog.Debug("quota: usage recorded",
			"user_id", userID, "feature", feature, "amount", amount, "total", total)
	}

	if l.events == nil {
		return
	}
	event := UsageEvent{
		ID:        uuid.New(),
		UserID:    userID,
		Feature:   feature,
		Amount:    amount,
		Model:     model,
		CreatedAt: now.UTC(),
	}
	if err := l.events.AppendEvent(ctx, event); err != nil {
		metrics.LedgerErrorsTotal.WithLabelValues("append_event").Inc()
		slog.Error("quota: appending usage event failed",
			"error", err, "user_id", userID, "feature", feature, "amount", amount)
	}
}

// Read returns the user's current-month usage for one feature.
func (l *Ledger) Read(ctx context.Context, userID uuid.UUID, feature Feature) (int64, error) {
	usage, err := l.Usage(ctx, userID)
	if err != nil {
		return 0, err
	}
	return usage[feature], nil
}

// Usage returns current-month usage for every feature. Features without a
// record, or with a record from a previous month, read as zero.
func (l *Ledger) Usage(ctx context.Context, userID uuid.UUID) (map[Feature]int64, error) {
	usage, err := l.counters.Get(ctx, userID, MonthStart(l.now()))
	if err != nil {
		metrics.LedgerErrorsTotal.WithLabelValues("read").Inc()
		return nil, fmt.Errorf("reading usage: %w", err)
	}
	out := make(map[Feature]int64, len(Features))
	for _, f := range Features {
		out[f] = usage[f]
	}
	return out, nil
}
