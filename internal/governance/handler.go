package governance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aiox-platform/meter/internal/api"
	"github.com/aiox-platform/meter/internal/auth"
	"github.com/aiox-platform/meter/internal/governance/quota"
)

// MeteringKeyHeader carries the shared key for internal usage reports.
const MeteringKeyHeader = "X-Metering-Key"

// EventLister reads usage history.
type EventLister interface {
	ListEvents(ctx context.Context, userID uuid.UUID, params quota.ListParams) ([]quota.UsageEvent, int64, error)
}

// LimitWriter persists tier ceilings.
type LimitWriter interface {
	UpsertTierLimits(ctx context.Context, tier quota.Tier, limits quota.TierLimits) error
}

// Handler provides HTTP handlers for quota and usage endpoints.
type Handler struct {
	gate        *quota.Gate
	ledger      *quota.Ledger
	limits      *quota.Provider
	events      EventLister
	limitWriter LimitWriter
	meteringKey string
	validate    *validator.Validate
}

// NewHandler creates a new governance Handler.
func NewHandler(gate *quota.Gate, ledger *quota.Ledger, limits *quota.Provider, events EventLister, limitWriter LimitWriter, meteringKey string) *Handler {
	return &Handler{
		gate:        gate,
		ledger:      ledger,
		limits:      limits,
		events:      events,
		limitWriter: limitWriter,
		meteringKey: meteringKey,
		validate:    validator.New(),
	}
}

// UsageStatus is the response for GET /usage.
type UsageStatus struct {
	Tier      quota.Tier       `json:"tier"`
	Features  []quota.Decision `json:"features"`
	ResetDate time.Time        `json:"reset_date"`
}

// LimitReached is returned with 402 when a metered operation is refused.
type LimitReached struct {
	Feature          quota.Feature `json:"feature"`
	Limit            int64         `json:"limit"`
	Used             int64         `json:"used"`
	Remaining        int64         `json:"remaining"`
	ResetDate        time.Time     `json:"reset_date"`
	UpgradeAvailable bool          `json:"upgrade_available"`
}

// UpdateLimitsRequest is the body of PUT /admin/limits/{tier}.
type UpdateLimitsRequest struct {
	Chat     *int64 `json:"chat" validate:"required,min=0"`
	TTS      *int64 `json:"tts" validate:"required,min=0"`
	Realtime *int64 `json:"realtime" validate:"required,min=0"`
}

// RecordUsageRequest is the body of POST /internal/usage.
type RecordUsageRequest struct {
	UserID  string `json:"user_id" validate:"required,uuid"`
	Feature string `json:"feature" validate:"required,oneof=chat tts realtime"`
	Amount  int64  `json:"amount" validate:"required,min=1"`
	Model   string `json:"model" validate:"max=128"`
}

// GetUsage returns the caller's quota status for every feature.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, tier, ok := caller(w, r)
	if !ok {
		return
	}

	decisions := h.gate.Status(r.Context(), userID, tier)
	status := UsageStatus{
		Tier:      tier,
		Features:  decisions,
		ResetDate: decisions[0].ResetDate,
	}

	api.JSON(w, http.StatusOK, status)
}

// ListUsageEvents returns the caller's paginated usage history.
func (h *Handler) ListUsageEvents(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := caller(w, r)
	if !ok {
		return
	}

	params, err := parseListParams(r)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	events, total, err := h.events.ListEvents(r.Context(), userID, params)
	if err != nil {
		slog.Error("listing usage events", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, events, total, params.Page, params.PageSize)
}

// CheckQuota is the preflight a client runs before starting a metered
// operation (for example before opening a realtime voice session).
func (h *Handler) CheckQuota(w http.ResponseWriter, r *http.Request) {
	userID, tier, ok := caller(w, r)
	if !ok {
		return
	}

	feature, err := quota.ParseFeature(chi.URLParam(r, "feature"))
	if err != nil {
		api.HandleError(w, api.ErrUnknownFeature)
		return
	}

	d, err := h.gate.Check(r.Context(), userID, tier, feature)
	if err != nil {
		api.HandleError(w, api.ErrUnknownFeature)
		return
	}

	WriteDecision(w, d)
}

// WriteDecision renders a gate decision: 200 when allowed, 402 with the
// limit details when the quota is spent, 503 when the ledger is down and the
// fail policy is closed.
func WriteDecision(w http.ResponseWriter, d quota.Decision) {
	switch {
	case d.Allowed:
		api.JSON(w, http.StatusOK, d)
	case d.Degraded:
		api.HandleError(w, api.ErrServiceUnavailable)
	default:
		api.JSONErrorData(w, http.StatusPaymentRequired, "usage limit reached", LimitReached{
			Feature:          d.Feature,
			Limit:            d.Limit,
			Used:             d.Used,
			Remaining:        d.Remaining,
			ResetDate:        d.ResetDate,
			UpgradeAvailable: d.UpgradeAvailable,
		})
	}
}

// UpdateTierLimits replaces one tier's ceilings and drops the cached set so
// the change applies on the next check.
func (h *Handler) UpdateTierLimits(w http.ResponseWriter, r *http.Request) {
	tier := quota.Tier(chi.URLParam(r, "tier"))
	if tier != quota.TierFree && tier != quota.TierPremium {
		api.HandleError(w, api.NewNotFoundError("unknown tier"))
		return
	}

	var req UpdateLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	limits := quota.TierLimits{
		quota.FeatureChat:     *req.Chat,
		quota.FeatureTTS:      *req.TTS,
		quota.FeatureRealtime: *req.Realtime,
	}
	if err := h.limitWriter.UpsertTierLimits(r.Context(), tier, limits); err != nil {
		slog.Error("updating tier limits", "error", err, "tier", tier)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	h.limits.Invalidate()

	slog.Info("tier limits updated", "tier", tier, "by", auth.Principal(r.Context()))
	api.JSON(w, http.StatusOK, h.limits.Resolve(r.Context())[tier])
}

// RecordUsage accepts actual consumption reported by the services that ran
// the metered operation. Ledger failures are logged, not returned: the
// operation has already been delivered.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	if !h.validMeteringKey(r) {
		api.HandleError(w, api.ErrInvalidMeteringKey)
		return
	}

	var req RecordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		api.HandleError(w, api.NewValidationError("invalid user_id"))
		return
	}

	h.ledger.Increment(r.Context(), userID, quota.Feature(req.Feature), req.Amount, req.Model)

	api.JSONMessage(w, http.StatusAccepted, "usage recorded")
}

// ReporterIdentity keys the usage-reporting route's rate limit by the
// metering credential. Requests without a valid key return "" and are
// limited by address instead.
func (h *Handler) ReporterIdentity(r *http.Request) string {
	if !h.validMeteringKey(r) {
		return ""
	}
	return "reporter:metering"
}

func (h *Handler) validMeteringKey(r *http.Request) bool {
	key := r.Header.Get(MeteringKeyHeader)
	return h.meteringKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(h.meteringKey)) == 1
}

func caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, quota.Tier, bool) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return uuid.Nil, "", false
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		api.HandleError(w, api.ErrUnauthorized)
		return uuid.Nil, "", false
	}

	return userID, quota.ParseTier(claims.Tier), true
}

func parseListParams(r *http.Request) (quota.ListParams, error) {
	params := quota.DefaultListParams()

	if f := r.URL.Query().Get("feature"); f != "" {
		feature, err := quota.ParseFeature(f)
		if err != nil {
			return params, api.NewBadRequestError("unknown feature")
		}
		params.Feature = feature
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}
	if from := r.URL.Query().Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.From = &t
		}
	}
	if to := r.URL.Query().Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			params.To = &t
		}
	}

	return params, nil
}
