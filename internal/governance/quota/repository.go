package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles the usage_monthly, usage_events and tier_limits tables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new quota Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ CounterStore = (*Repository)(nil)
	_ EventSink    = (*Repository)(nil)
	_ LimitSource  = (*Repository)(nil)
)

// Add increments one feature counter in a single upsert. When the stored
// period is not month, every counter restarts from zero before the add.
func (r *Repository) Add(ctx context.Context, userID uuid.UUID, month time.Time, feature Feature, amount int64) (int64, error) {
	var chat, tts, realtime int64
	switch feature {
	case FeatureChat:
		chat = amount
	case FeatureTTS:
		tts = amount
	case FeatureRealtime:
		realtime = amount
	default:
		return 0, ErrUnknownFeature
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO usage_monthly (user_id, period_start, chat_used, tts_used, realtime_used)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE SET
		     chat_used = CASE WHEN usage_monthly.period_start = EXCLUDED.period_start
		                      THEN usage_monthly.chat_used ELSE 0 END + EXCLUDED.chat_used,
		     tts_used = CASE WHEN usage_monthly.period_start = EXCLUDED.period_start
		                     THEN usage_monthly.tts_used ELSE 0 END + EXCLUDED.tts_used,
		     realtime_used = CASE WHEN usage_monthly.period_start = EXCLUDED.period_start
		                          THEN usage_monthly.realtime_used ELSE 0 END + EXCLUDED.realtime_used,
		     period_start = EXCLUDED.period_start,
		     updated_at = NOW()
		 RETURNING chat_used, tts_used, realtime_used`,
		userID, MonthStart(month), chat, tts, realtime,
	).Scan(&chat, &tts, &realtime)
	if err != nil {
		return 0, fmt.Errorf("incrementing %s usage: %w", feature, err)
	}

	switch feature {
	case FeatureChat:
		return chat, nil
	case FeatureTTS:
		return tts, nil
	default:
		return realtime, nil
	}
}

// Get returns the counters for month; a missing row or a row from another
// month yields an empty map.
func (r *Repository) Get(ctx context.Context, userID uuid.UUID, month time.Time) (map[Feature]int64, error) {
	var chat, tts, realtime int64
	err := r.pool.QueryRow(ctx,
		`SELECT chat_used, tts_used, realtime_used
		 FROM usage_monthly WHERE user_id = $1 AND period_start = $2`,
		userID, MonthStart(month),
	).Scan(&chat, &tts, &realtime)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[Feature]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching usage: %w", err)
	}
	return map[Feature]int64{
		FeatureChat:     chat,
		FeatureTTS:      tts,
		FeatureRealtime: realtime,
	}, nil
}

// AppendEvent inserts a usage event. Re-delivery of the same event is a no-op.
func (r *Repository) AppendEvent(ctx context.Context, event UsageEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO usage_events (id, user_id, feature, amount, model, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		event.ID, event.UserID, string(event.Feature), event.Amount, event.Model, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting usage event: %w", err)
	}
	return nil
}

// ListEvents returns a user's usage history, newest first.
func (r *Repository) ListEvents(ctx context.Context, userID uuid.UUID, params ListParams) ([]UsageEvent, int64, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}

	var conditions []string
	var args []any
	argIdx := 1

	conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
	args = append(args, userID)
	argIdx++

	if params.Feature != "" {
		conditions = append(conditions, fmt.Sprintf("feature = $%d", argIdx))
		args = append(args, string(params.Feature))
		argIdx++
	}

	if params.From != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *params.From)
		argIdx++
	}

	if params.To != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIdx))
		args = append(args, *params.To)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var totalCount int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM usage_events WHERE %s", where)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("counting usage events: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(
		`SELECT id, user_id, feature, amount, model, created_at
		 FROM usage_events WHERE %s
		 ORDER BY created_at DESC
		 LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying usage events: %w", err)
	}
	defer rows.Close()

	events := []UsageEvent{}
	for rows.Next() {
		var e UsageEvent
		var feature string
		if err := rows.Scan(&e.ID, &e.UserID, &feature, &e.Amount, &e.Model, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning usage event: %w", err)
		}
		e.Feature = Feature(feature)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating usage events: %w", err)
	}

	return events, totalCount, nil
}

// LoadTierLimits reads the tier_limits table.
func (r *Repository) LoadTierLimits(ctx context.Context) (Limits, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT tier, chat_limit, tts_limit, realtime_limit FROM tier_limits`)
	if err != nil {
		return nil, fmt.Errorf("querying tier limits: %w", err)
	}
	defer rows.Close()

	limits := Limits{}
	for rows.Next() {
		var tier string
		var chat, tts, realtime int64
		if err := rows.Scan(&tier, &chat, &tts, &realtime); err != nil {
			return nil, fmt.Errorf("scanning tier limits: %w", err)
		}
		limits[Tier(tier)] = TierLimits{
			FeatureChat:     chat,
			FeatureTTS:      tts,
			FeatureRealtime: realtime,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tier limits: %w", err)
	}
	return limits, nil
}

// UpsertTierLimits replaces one tier's ceilings.
func (r *Repository) UpsertTierLimits(ctx context.Context, tier Tier, limits TierLimits) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tier_limits (tier, chat_limit, tts_limit, realtime_limit)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tier) DO UPDATE SET
		     chat_limit = EXCLUDED.chat_limit,
		     tts_limit = EXCLUDED.tts_limit,
		     realtime_limit = EXCLUDED.realtime_limit,
		     updated_at = NOW()`,
		string(tier), limits[FeatureChat], limits[FeatureTTS], limits[FeatureRealtime])
	if err != nil {
		return fmt.Errorf("upserting %s tier limits: %w", tier, err)
	}
	return nil
}
