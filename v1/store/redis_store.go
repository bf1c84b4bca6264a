package store

import (
	"context"
	stdErrors "errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisKeyPrefix = "lock.acquire:"
)

// upsertScript applies the condition and the write in a single server-side
// step. ARGV: mode, now (unix ms), attempt id to match, held, expires_at,
// attempt_id.
var upsertScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "held", "expires_at", "attempt_id")
if ARGV[1] == "claimable" then
    if cur[1] == "1" and tonumber(cur[2]) > tonumber(ARGV[2]) then
        return 0
    end
elseif ARGV[1] == "held_by" then
    if cur[1] ~= "1" or cur[3] ~= ARGV[3] then
        return 0
    end
else
    return redis.error_reply("unknown condition")
end
redis.call("HSET", KEYS[1], "held", ARGV[4], "expires_at", ARGV[5], "attempt_id", ARGV[6])
return 1
`)

// RedisStore implements Store on Redis hashes, one hash per lock key.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	prefix  string
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithKeyPrefix sets the prefix prepended to lock keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = prefix
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, prefix: defaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, prefix: o.prefix, timeout: o.timeout}
}

// Upsert implements Store.Upsert.
func (s *RedisStore) Upsert(ctx context.Context, cond Condition, rec Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, translateRedisErr(err)
	}
	mode := "claimable"
	if cond.kind == condHeldBy {
		mode = "held_by"
	}
	held := "0"
	if rec.Held {
		held = "1"
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := upsertScript.Run(cctx, s.client, []string{s.prefix + rec.Key},
		mode,
		strconv.FormatInt(cond.now.UnixMilli(), 10),
		cond.attemptID,
		held,
		strconv.FormatInt(rec.ExpiresAt.UnixMilli(), 10),
		rec.AttemptID,
	).Int()
	if err != nil {
		return false, translateRedisErr(err)
	}
	return n == 1, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, translateRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	fields, err := s.client.HGetAll(cctx, s.prefix+key).Result()
	if err != nil {
		return Record{}, false, translateRedisErr(err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	ms, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return Record{}, false, err
	}
	return Record{
		Key:       key,
		ExpiresAt: time.UnixMilli(ms),
		Held:      fields["held"] == "1",
		AttemptID: fields["attempt_id"],
	}, true, nil
}

func translateRedisErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return warperrors.ErrConnectionClosed
	}
	return err
}
