package presets

import (
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-warplock/v1/lock"
	"github.com/mirkobrombin/go-warplock/v1/signal"
	"github.com/mirkobrombin/go-warplock/v1/store"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerTimeout   = 30 * time.Second
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix overrides the prefix of the lease hashes.
	KeyPrefix string
	// Stream overrides the name of the release signal stream.
	Stream string
	// StreamMaxLen caps the release signal stream. Zero keeps the default.
	StreamMaxLen int64

	// BreakerThreshold is the number of consecutive store failures after
	// which calls fail fast for BreakerTimeout. Negative disables the breaker.
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// NewRedis returns a lock factory using Redis for both the lease store and
// the release signal stream.
func NewRedis(opts RedisOptions, lockOpts ...lock.Option) *lock.Factory {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	var storeOpts []store.RedisOption
	if opts.KeyPrefix != "" {
		storeOpts = append(storeOpts, store.WithKeyPrefix(opts.KeyPrefix))
	}
	var s store.Store = store.NewRedisStore(client, storeOpts...)
	if opts.BreakerThreshold >= 0 {
		threshold, timeout := opts.BreakerThreshold, opts.BreakerTimeout
		if threshold == 0 {
			threshold = defaultBreakerThreshold
		}
		if timeout <= 0 {
			timeout = defaultBreakerTimeout
		}
		s = store.NewCircuitBreaker(s, threshold, timeout)
	}

	var chOpts []signal.RedisOption
	if opts.Stream != "" {
		chOpts = append(chOpts, signal.WithStream(opts.Stream))
	}
	if opts.StreamMaxLen > 0 {
		chOpts = append(chOpts, signal.WithMaxLen(opts.StreamMaxLen))
	}

	// both collaborators are non-nil, NewFactory cannot fail
	f, _ := lock.NewFactory(s, signal.NewRedis(client, chOpts...), lockOpts...)
	return f
}

// NewInMemoryStandalone returns a lock factory that coordinates goroutines of
// the current process only. Useful for local development and tests.
func NewInMemoryStandalone(lockOpts ...lock.Option) *lock.Factory {
	f, _ := lock.NewFactory(store.NewInMemoryStore(), signal.NewInMemory(), lockOpts...)
	return f
}

// NewSQLite returns a lock factory storing leases in the SQLite database at
// dsn. Release signals go through signals, or through an in-memory channel
// when nil, in which case waiters in other processes are not woken by a
// release and only take the lock over once the lease expires.
func NewSQLite(dsn string, signals signal.Channel, lockOpts ...lock.Option) (*lock.Factory, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s, err := store.NewGormStore(db)
	if err != nil {
		return nil, err
	}
	if signals == nil {
		signals = signal.NewInMemory()
	}
	return lock.NewFactory(s, signals, lockOpts...)
}
