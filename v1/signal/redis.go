package signal

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

const (
	defaultRedisStream  = "lock.release.signal"
	defaultRedisMaxLen  = 10_000
	defaultRedisTimeout = 5 * time.Second
	redisReadBatch      = 100
	redisBlockSlice     = 250 * time.Millisecond
	attemptIDField      = "attempt_id"
)

// RedisChannel stores signals in a capped Redis stream. Cursors read it with
// XREAD BLOCK starting from the stream tail observed when they were opened.
type RedisChannel struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
}

// RedisOption configures a RedisChannel.
type RedisOption func(*RedisChannel)

// WithStream sets the stream key.
func WithStream(name string) RedisOption {
	return func(c *RedisChannel) {
		c.stream = name
	}
}

// WithMaxLen sets the approximate number of entries kept in the stream.
func WithMaxLen(n int64) RedisOption {
	return func(c *RedisChannel) {
		c.maxLen = n
	}
}

// WithTimeout sets the timeout for non-blocking Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(c *RedisChannel) {
		c.timeout = d
	}
}

// NewRedis returns a RedisChannel using client.
func NewRedis(client *redis.Client, opts ...RedisOption) *RedisChannel {
	c := &RedisChannel{
		client:  client,
		stream:  defaultRedisStream,
		maxLen:  defaultRedisMaxLen,
		timeout: defaultRedisTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append implements Channel.Append.
func (c *RedisChannel) Append(ctx context.Context, s Signal) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := c.client.XAdd(cctx, &redis.XAddArgs{
		Stream: c.stream,
		MaxLen: c.maxLen,
		Approx: true,
		Values: map[string]any{attemptIDField: s.AttemptID},
	}).Err()
	return translateRedisErr(err)
}

// Tail implements Channel.Tail.
func (c *RedisChannel) Tail(ctx context.Context, attemptID string) (Cursor, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	last, err := c.client.XRevRangeN(cctx, c.stream, "+", "-", 1).Result()
	if err != nil {
		return nil, translateRedisErr(err)
	}
	lastID := "0-0"
	if len(last) > 0 {
		lastID = last[0].ID
	}
	return &redisCursor{c: c, attemptID: attemptID, lastID: lastID}, nil
}

type redisCursor struct {
	c         *RedisChannel
	attemptID string
	lastID    string
	closed    bool
}

func (cur *redisCursor) Next(ctx context.Context, maxWait time.Duration) (Signal, bool, error) {
	if cur.closed {
		return Signal{}, false, ErrCursorClosed
	}
	deadline := time.Now().Add(maxWait)
	for {
		if err := ctx.Err(); err != nil {
			return Signal{}, false, err
		}
		// a blocked XREAD ignores cancellation, so block in short slices.
		// BLOCK 0 waits forever: windows under a millisecond poll instead.
		block := min(time.Until(deadline), redisBlockSlice)
		if block < time.Millisecond {
			block = -1
		}
		res, err := cur.c.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{cur.c.stream, cur.lastID},
			Count:   redisReadBatch,
			Block:   block,
		}).Result()
		if err != nil && err != redis.Nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Signal{}, false, ctxErr
			}
			return Signal{}, false, translateRedisErr(err)
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				cur.lastID = msg.ID
				if v, ok := msg.Values[attemptIDField].(string); ok && v == cur.attemptID {
					return Signal{AttemptID: v}, true, nil
				}
			}
		}
		if !time.Now().Before(deadline) {
			return Signal{}, false, nil
		}
	}
}

func (cur *redisCursor) Close() error {
	cur.closed = true
	return nil
}

func translateRedisErr(err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return warperrors.ErrConnectionClosed
	}
	return err
}
