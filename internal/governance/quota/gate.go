package quota

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/meter/internal/metrics"
)

// WarningPercent is the usage share at which a decision carries a warning.
const WarningPercent = 80

// FailPolicy decides the outcome of a check when the ledger cannot be read.
type FailPolicy int

const (
	// FailOpen admits the operation with used=0.
	FailOpen FailPolicy = iota
	// FailClosed rejects the operation.
	FailClosed
)

// ParseFailPolicy maps "closed" to FailClosed and anything else to FailOpen.
func ParseFailPolicy(s string) FailPolicy {
	if s == "closed" {
		return FailClosed
	}
	return FailOpen
}

func (p FailPolicy) String() string {
	if p == FailClosed {
		return "closed"
	}
	return "open"
}

// Gate decides whether a metered operation may start. It compares usage
// recorded before the request against the tier ceiling; the cost of the
// operation about to run is not known yet and is not reserved, so a call
// started just under the limit may finish over it.
type Gate struct {
	ledger *Ledger
	limits *Provider
	policy FailPolicy
	now    func() time.Time
}

// NewGate creates a quota Gate.
func NewGate(ledger *Ledger, limits *Provider, policy FailPolicy) *Gate {
	return &Gate{
		ledger: ledger,
		limits: limits,
		policy: policy,
		now:    time.Now,
	}
}

// Check returns the admission decision for one feature. The only error is
// ErrUnknownFeature; ledger faults are resolved by the fail policy.
func (g *Gate) Check(ctx context.Context, userID uuid.UUID, tier Tier, feature Feature) (Decision, error) {
	if _, err := ParseFeature(string(feature)); err != nil {
		return Decision{}, err
	}
	limits := g.limits.Resolve(ctx)

	used, err := g.ledger.Read(ctx, userID, feature)
	if err != nil {
		return g.degraded(userID, tier, feature, limits, err), nil
	}

	d := evaluate(tier, feature, used, limits, g.now())
	metrics.QuotaDecisionsTotal.WithLabelValues(string(feature), string(tier), outcome(d)).Inc()
	return d, nil
}

// Status returns a decision for every feature, reading the ledger once.
func (g *Gate) Status(ctx context.Context, userID uuid.UUID, tier Tier) []Decision {
	limits := g.limits.Resolve(ctx)
	now := g.now()

	usage, err := g.ledger.Usage(ctx, userID)
	out := make([]Decision, 0, len(Features))
	for _, f := range Features {
		if err != nil {
			out = append(out, g.degraded(userID, tier, f, limits, err))
			continue
		}
		out = append(out, evaluate(tier, f, usage[f], limits, now))
	}
	return out
}

func (g *Gate) degraded(userID uuid.UUID, tier Tier, feature Feature, limits Limits, err error) Decision {
	slog.Warn("quota: ledger read failed, applying fail policy",
		"error", err, "policy", g.policy.String(), "user_id", userID, "feature", feature)

	d := evaluate(tier, feature, 0, limits, g.now())
	d.Degraded = true
	if g.policy == FailClosed {
		d.Allowed = false
	} else {
		d.Allowed = true
	}
	metrics.QuotaDecisionsTotal.WithLabelValues(string(feature), string(tier), "degraded_"+g.policy.String()).Inc()
	return d
}

func evaluate(tier Tier, feature Feature, used int64, limits Limits, now time.Time) Decision {
	limit := limits.For(tier, feature)

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	percent := 100
	if limit > 0 {
		percent = int(math.Round(100 * float64(used) / float64(limit)))
	} else if used == 0 {
		percent = 0
	}

	return Decision{
		Feature:          feature,
		Allowed:          used < limit,
		Used:             used,
		Limit:            limit,
		Remaining:        remaining,
		PercentUsed:      percent,
		IsWarning:        percent >= WarningPercent,
		ResetDate:        NextMonthStart(now),
		UpgradeAvailable: tier != TierPremium && limits.For(TierPremium, feature) > limit,
	}
}

func outcome(d Decision) string {
	switch {
	case !d.Allowed:
		return "denied"
	case d.IsWarning:
		return "warning"
	default:
		return "allowed"
	}
}
