package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store implementation backed by Redis hashes, one hash per
// (user, resource, period) key. The consume path is a single Lua script so
// the read-compare-increment sequence is one atomic server-side operation,
// which keeps the counter correct under multiple concurrent service
// instances.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	retention time.Duration // 0 keeps records forever
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix namespaces all keys, useful when sharing a Redis database.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// WithRetention expires period records after d. Zero disables expiry and
// retains records indefinitely for history.
func WithRetention(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.retention = d }
}

// NewRedisStore creates a usage store over the given Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	if client == nil {
		panic("usage: redis client is required")
	}
	s := &RedisStore{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// consumeScript creates the record if absent, then increments the counter
// only when it is below the snapshot limit. Returns {allowed, count, limit}.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'count', 0, 'limit', ARGV[1], 'warning', 0, 'created_at', ARGV[2], 'updated_at', ARGV[2])
  if tonumber(ARGV[3]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
  end
end
local limit = tonumber(redis.call('HGET', KEYS[1], 'limit'))
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
if limit >= 0 and count >= limit then
  return {0, count, limit}
end
count = redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return {1, count, limit}
`)

// resetScript replaces any existing record with a fresh zero-count one.
var resetScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'count', 0, 'limit', ARGV[1], 'warning', 0, 'created_at', ARGV[2], 'updated_at', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// warningScript flips the warning flag only if the record exists and the
// flag is not yet set. The consume and reset scripts pre-create the field
// as 0, so the check must read its value. Returns 1 when this call raised it.
var warningScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'warning') == '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'warning', 1)
return 1
`)

func (s *RedisStore) ConsumeOne(ctx context.Context, userID uuid.UUID, res Resource, periodKey string, snapshotLimit int64) (*Record, error) {
	now := time.Now().UTC()
	res1, err := consumeScript.Run(ctx, s.client,
		[]string{s.key(userID, res, periodKey)},
		snapshotLimit, now.Format(time.RFC3339Nano), s.retention.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	if len(res1) != 3 {
		return nil, fmt.Errorf("%w: unexpected consume script reply", ErrStoreUnavailable)
	}

	rec := &Record{
		UserID:    userID,
		Resource:  res,
		PeriodKey: periodKey,
		Count:     res1[1],
		Limit:     res1[2],
		UpdatedAt: now,
	}
	if res1[0] == 0 {
		return rec, ErrLimitExceeded
	}
	return rec, nil
}

func (s *RedisStore) Get(ctx context.Context, userID uuid.UUID, res Resource, periodKey string) (*Record, error) {
	key := s.key(userID, res, periodKey)

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrRecordNotFound
	}

	rec := &Record{
		UserID:       userID,
		Resource:     res,
		PeriodKey:    periodKey,
		FeatureTally: make(map[string]int64),
	}
	rec.Count, _ = strconv.ParseInt(fields["count"], 10, 64)
	rec.Limit, _ = strconv.ParseInt(fields["limit"], 10, 64)
	rec.WarningRaised = fields["warning"] == "1"
	if ts, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		rec.UpdatedAt = ts
	}

	tally, err := s.client.HGetAll(ctx, key+":features").Result()
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	for feature, raw := range tally {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			rec.FeatureTally[feature] = n
		}
	}

	return rec, nil
}

func (s *RedisStore) Reset(ctx context.Context, userID uuid.UUID, res Resource, periodKey string, snapshotLimit int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := resetScript.Run(ctx, s.client,
		[]string{s.key(userID, res, periodKey)},
		snapshotLimit, now, s.retention.Milliseconds(),
	).Err()
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) RaiseWarning(ctx context.Context, userID uuid.UUID, res Resource, periodKey string) (bool, error) {
	raised, err := warningScript.Run(ctx, s.client, []string{s.key(userID, res, periodKey)}).Int64()
	if err != nil {
		return false, errors.Join(ErrStoreUnavailable, err)
	}
	if raised == -1 {
		return false, ErrRecordNotFound
	}
	return raised == 1, nil
}

func (s *RedisStore) TallyFeature(ctx context.Context, userID uuid.UUID, periodKey, feature string) error {
	key := s.key(userID, ResourceDailyQueries, periodKey) + ":features"
	if err := s.client.HIncrBy(ctx, key, feature, 1).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if s.retention > 0 {
		// Keep the tally hash on the same retention window as its record.
		_ = s.client.PExpire(ctx, key, s.retention).Err()
	}
	return nil
}

func (s *RedisStore) key(userID uuid.UUID, res Resource, periodKey string) string {
	return fmt.Sprintf("%susage:%s:%s:%s", s.keyPrefix, userID, res, periodKey)
}
