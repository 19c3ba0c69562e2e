package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var errStoreDown = errors.New("store unavailable")

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, rdb
}

// fixedClock returns a settable clock for injecting into now fields.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fixedClock { return &fixedClock{t: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type failingCounters struct{}

func (failingCounters) Add(context.Context, uuid.UUID, time.Time, Feature, int64) (int64, error) {
	return 0, errStoreDown
}

func (failingCounters) Get(context.Context, uuid.UUID, time.Time) (map[Feature]int64, error) {
	return nil, errStoreDown
}

// memoryEvents records appended events.
type memoryEvents struct {
	mu     sync.Mutex
	events []UsageEvent
	err    error
}

func (m *memoryEvents) AppendEvent(_ context.Context, event UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memoryEvents) All() []UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UsageEvent(nil), m.events...)
}

// staticSource is a LimitSource with a settable result and a call counter.
type staticSource struct {
	mu     sync.Mutex
	limits Limits
	err    error
	calls  int
	delay  time.Duration

	// When hold is set the first load reads its result, closes entered and
	// then blocks until hold is closed.
	hold    chan struct{}
	entered chan struct{}
}

func (s *staticSource) LoadTierLimits(context.Context) (Limits, error) {
	s.mu.Lock()
	s.calls++
	limits, err, delay := s.limits, s.err, s.delay
	held := s.hold != nil && s.calls == 1
	s.mu.Unlock()
	if held {
		close(s.entered)
		<-s.hold
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return limits, err
}

func (s *staticSource) set(limits Limits, err error) {
	s.mu.Lock()
	s.limits, s.err = limits, err
	s.mu.Unlock()
}

func (s *staticSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func defaultLimits() Limits {
	return Limits{
		TierFree:    {FeatureChat: 50_000, FeatureTTS: 10_000, FeatureRealtime: 20_000},
		TierPremium: {FeatureChat: 1_000_000, FeatureTTS: 500_000, FeatureRealtime: 300_000},
	}
}
