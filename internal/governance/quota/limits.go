package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aiox-platform/meter/internal/metrics"
)

// DefaultLimitsTTL is how long a resolved limit set is served without I/O.
const DefaultLimitsTTL = 5 * time.Minute

// LimitSource loads tier ceilings from durable configuration.
type LimitSource interface {
	LoadTierLimits(ctx context.Context) (Limits, error)
}

// Provider resolves tier limits through a TTL cache. It never fails the
// caller: on source errors it serves the last good set, or the built-in
// defaults when nothing has been loaded yet.
type Provider struct {
	source   LimitSource
	defaults Limits
	ttl      time.Duration
	now      func() time.Time

	mu        sync.RWMutex
	cached    Limits
	fetchedAt time.Time
	// gen is bumped by Invalidate. A refresh that started under an older
	// generation must not publish its result.
	gen uint64

	group singleflight.Group
}

// NewProvider creates a limit Provider. A nil source always yields defaults.
func NewProvider(source LimitSource, defaults Limits, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = DefaultLimitsTTL
	}
	return &Provider{
		source:   source,
		defaults: complete(defaults, nil),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Resolve returns the current limit set for all tiers.
func (p *Provider) Resolve(ctx context.Context) Limits {
	if limits, ok := p.fresh(); ok {
		return limits
	}

	v, _, _ := p.group.Do("limits", func() (any, error) {
		// Another caller may have refreshed while we waited on the group.
		if limits, ok := p.fresh(); ok {
			return limits, nil
		}
		return p.refresh(ctx), nil
	})
	return v.(Limits)
}

// Invalidate forces the next Resolve to go back to the source, even when a
// load is already in flight. The current set keeps being served if that
// refresh fails.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.gen++
	p.fetchedAt = time.Time{}
	p.mu.Unlock()
	p.group.Forget("limits")
}

func (p *Provider) fresh() (Limits, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached == nil || p.fetchedAt.IsZero() {
		return nil, false
	}
	if p.now().Sub(p.fetchedAt) >= p.ttl {
		return nil, false
	}
	return p.cached, true
}

func (p *Provider) refresh(ctx context.Context) Limits {
	p.mu.RLock()
	gen := p.gen
	p.mu.RUnlock()

	var (
		loaded Limits
		err    error
	)
	if p.source != nil {
		loaded, err = p.source.LoadTierLimits(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.gen {
		// Invalidated mid-load: the rows may predate the change, so hand
		// them to this call's waiters without caching them.
		metrics.LimitRefreshesTotal.WithLabelValues("superseded").Inc()
		if err == nil && len(loaded) > 0 {
			return complete(p.defaults, loaded)
		}
		if p.cached != nil {
			return p.cached
		}
		return p.defaults
	}

	if err == nil && len(loaded) > 0 {
		p.cached = complete(p.defaults, loaded)
		p.fetchedAt = p.now()
		metrics.LimitRefreshesTotal.WithLabelValues("ok").Inc()
		return p.cached
	}

	if err != nil {
		slog.Warn("quota: loading tier limits failed", "error", err)
	} else if p.source != nil {
		slog.Warn("quota: tier limits table is empty")
	}

	if p.cached != nil {
		metrics.LimitRefreshesTotal.WithLabelValues("stale").Inc()
		return p.cached
	}

	p.cached = p.defaults
	p.fetchedAt = p.now()
	metrics.LimitRefreshesTotal.WithLabelValues("defaults").Inc()
	return p.cached
}

// complete builds a fresh Limits with every tier and feature present,
// taking values from loaded first and base second.
func complete(base, loaded Limits) Limits {
	out := make(Limits, len(Tiers))
	for _, tier := range Tiers {
		tl := make(TierLimits, len(Features))
		for _, f := range Features {
			if v, ok := loaded[tier][f]; ok {
				tl[f] = v
			} else {
				tl[f] = base[tier][f]
			}
		}
		out[tier] = tl
	}
	return out
}

// LimitsFromConfig converts the config layer's string-keyed defaults.
func LimitsFromConfig(m map[string]map[string]int64) Limits {
	out := make(Limits, len(m))
	for tier, features := range m {
		tl := make(TierLimits, len(features))
		for f, v := range features {
			tl[Feature(f)] = v
		}
		out[Tier(tier)] = tl
	}
	return out
}
