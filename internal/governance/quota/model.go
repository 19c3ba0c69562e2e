package quota

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Tier is a subscription class.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Tiers lists every known tier.
var Tiers = []Tier{TierFree, TierPremium}

// ParseTier maps unknown or empty values to the free tier.
func ParseTier(s string) Tier {
	if Tier(s) == TierPremium {
		return TierPremium
	}
	return TierFree
}

// Feature is a metered capability with its own quota and unit of cost.
type Feature string

const (
	FeatureChat     Feature = "chat"     // tokens
	FeatureTTS      Feature = "tts"      // characters
	FeatureRealtime Feature = "realtime" // audio tokens
)

// Features lists every metered feature.
var Features = []Feature{FeatureChat, FeatureTTS, FeatureRealtime}

var ErrUnknownFeature = errors.New("unknown feature")

// ParseFeature validates a feature name.
func ParseFeature(s string) (Feature, error) {
	for _, f := range Features {
		if string(f) == s {
			return f, nil
		}
	}
	return "", ErrUnknownFeature
}

// TierLimits maps each feature to its monthly ceiling.
type TierLimits map[Feature]int64

// Limits is a complete, immutable limit set for all tiers.
type Limits map[Tier]TierLimits

// For returns the ceiling for a tier/feature pair. Unknown tiers use free.
func (l Limits) For(tier Tier, feature Feature) int64 {
	tl, ok := l[tier]
	if !ok {
		tl = l[TierFree]
	}
	return tl[feature]
}

// UsageEvent is one immutable entry in the usage history.
type UsageEvent struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Feature   Feature   `json:"feature"`
	Amount    int64     `json:"amount"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListParams holds pagination and filtering parameters for usage history.
type ListParams struct {
	Feature  Feature
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 20,
	}
}

// Decision is the outcome of a quota check.
type Decision struct {
	Feature          Feature   `json:"feature"`
	Allowed          bool      `json:"allowed"`
	Used             int64     `json:"used"`
	Limit            int64     `json:"limit"`
	Remaining        int64     `json:"remaining"`
	PercentUsed      int       `json:"percent_used"`
	IsWarning        bool      `json:"is_warning"`
	ResetDate        time.Time `json:"reset_date"`
	UpgradeAvailable bool      `json:"upgrade_available"`
	// Degraded is set when the ledger could not be read and the decision
	// came from the fail policy rather than recorded usage.
	Degraded bool `json:"degraded,omitempty"`
}

// MonthStart returns the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextMonthStart returns the first instant of the month after t, in UTC.
func NextMonthStart(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0)
}

// periodKey is the month marker stored alongside counters, e.g. "2026-10".
func periodKey(t time.Time) string {
	return MonthStart(t).Format("2006-01")
}
