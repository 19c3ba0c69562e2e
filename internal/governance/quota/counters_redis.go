package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	usageKeyPrefix = "usage:monthly:"
	periodField    = "period"
	// A little over two months so a record outlives the month it belongs to.
	usageKeyTTL = 62 * 24 * time.Hour
)

// addScript rolls the hash over to the new period and increments one field
// in a single atomic step.
var addScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	redis.call('DEL', KEYS[1])
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
local total = redis.call('HINCRBY', KEYS[1], ARGV[3], ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return total
`)

// RedisCounterStore keeps monthly counters in one Redis hash per user.
type RedisCounterStore struct {
	rdb redis.Cmdable
}

// NewRedisCounterStore creates a Redis-backed CounterStore.
func NewRedisCounterStore(rdb redis.Cmdable) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

func usageKey(userID uuid.UUID) string {
	return usageKeyPrefix + userID.String()
}

// Add atomically increments the feature counter for month.
func (s *RedisCounterStore) Add(ctx context.Context, userID uuid.UUID, month time.Time, feature Feature, amount int64) (int64, error) {
	total, err := addScript.Run(ctx, s.rdb, []string{usageKey(userID)},
		periodField, periodKey(month), string(feature), amount, int64(usageKeyTTL.Seconds()),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("incrementing %s usage: %w", feature, err)
	}
	return total, nil
}

// Get returns the counters for month, or an empty map if the stored period
// is a different month.
func (s *RedisCounterStore) Get(ctx context.Context, userID uuid.UUID, month time.Time) (map[Feature]int64, error) {
	vals, err := s.rdb.HGetAll(ctx, usageKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting usage: %w", err)
	}

	out := make(map[Feature]int64, len(Features))
	if vals[periodField] != periodKey(month) {
		return out, nil
	}
	for _, f := range Features {
		raw, ok := vals[string(f)]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %s usage %q: %w", f, raw, err)
		}
		out[f] = n
	}
	return out, nil
}
