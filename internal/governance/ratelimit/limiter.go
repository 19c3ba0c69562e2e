package ratelimit

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/aiox-platform/meter/internal/metrics"
)

// Class partitions traffic so each kind of endpoint has its own ceiling.
type Class string

const (
	ClassGlobal  Class = "global"
	ClassAuth    Class = "auth"
	ClassRead    Class = "read"
	ClassWrite   Class = "write"
	ClassAI      Class = "ai"
	ClassPayment Class = "payment"
	ClassWebhook Class = "webhook"

	// ClassMetering is the internal usage-reporting route, keyed by the
	// reporter's credential rather than its address.
	ClassMetering Class = "metering"
)

// Rule is a fixed-window ceiling: at most Max requests per Window.
type Rule struct {
	Max    int
	Window time.Duration
}

// DefaultRules are the built-in class ceilings.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassGlobal:   {Max: 1000, Window: 15 * time.Minute},
		ClassAuth:     {Max: 5, Window: 15 * time.Minute},
		ClassRead:     {Max: 300, Window: time.Minute},
		ClassWrite:    {Max: 60, Window: time.Minute},
		ClassAI:       {Max: 20, Window: time.Minute},
		ClassPayment:  {Max: 10, Window: time.Minute},
		ClassWebhook:  {Max: 200, Window: time.Minute},
		ClassMetering: {Max: 6000, Window: time.Minute},
	}
}

// Decision is the result of Admit.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is the number of whole seconds until the window resets.
	// Zero when the request was allowed.
	RetryAfter int
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter is an in-process fixed-window limiter keyed by (class, identity).
// Windows are not shared across instances.
type Limiter struct {
	rules map[Class]Rule
	now   func() time.Time

	mu      sync.Mutex
	windows *cache.Cache
}

// NewLimiter creates a Limiter. Classes missing from rules fall back to the
// global rule, or the built-in global rule if that is missing too.
func NewLimiter(rules map[Class]Rule) *Limiter {
	merged := DefaultRules()
	for class, rule := range rules {
		merged[class] = rule
	}

	var longest time.Duration
	for _, rule := range merged {
		if rule.Window > longest {
			longest = rule.Window
		}
	}

	return &Limiter{
		rules:   merged,
		now:     time.Now,
		windows: cache.New(longest, longest),
	}
}

// Rule returns the rule applied to class.
func (l *Limiter) Rule(class Class) Rule {
	if rule, ok := l.rules[class]; ok {
		return rule
	}
	return l.rules[ClassGlobal]
}

// Admit counts one request from identity in class and reports whether it is
// within the class ceiling. It never blocks.
func (l *Limiter) Admit(identity string, class Class) Decision {
	rule := l.Rule(class)
	key := string(class) + "|" + identity
	now := l.now()

	l.mu.Lock()
	w, ok := l.lookup(key)
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(rule.Window)}
		l.windows.Set(key, w, rule.Window)
	} else {
		w.count++
	}
	count, resetAt := w.count, w.resetAt
	l.mu.Unlock()

	d := Decision{
		Allowed:   count <= rule.Max,
		Limit:     rule.Max,
		Remaining: max(rule.Max-count, 0),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = retryAfterSeconds(resetAt.Sub(now))
		metrics.RateLimitRejectionsTotal.WithLabelValues(string(class)).Inc()
	}
	return d
}

// Reset drops the window for identity in class.
func (l *Limiter) Reset(identity string, class Class) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows.Delete(string(class) + "|" + identity)
}

func (l *Limiter) lookup(key string) (*window, bool) {
	v, ok := l.windows.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*window), true
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
