package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-warplock/v1/signal"
	"github.com/mirkobrombin/go-warplock/v1/store"
)

func newRedisFactory(t *testing.T) *Factory {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f, err := NewFactory(store.NewRedisStore(client), signal.NewRedis(client), WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	return f
}

func newSQLiteFactory(t *testing.T) *Factory {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s, err := store.NewGormStore(db)
	if err != nil {
		t.Fatalf("gorm store: %v", err)
	}
	f, err := NewFactory(s, signal.NewInMemory(), WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	return f
}

func TestBackends(t *testing.T) {
	backends := map[string]func(*testing.T) *Factory{
		"redis":  newRedisFactory,
		"sqlite": newSQLiteFactory,
	}
	for name, newFactory := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("mutual exclusion", func(t *testing.T) {
				f := newFactory(t)
				key := uuid.NewString()
				runMutualExclusion(t, func(int) *Lock {
					l, err := f.New(key)
					if err != nil {
						t.Errorf("new: %v", err)
					}
					return l
				}, 3, 15)
			})

			t.Run("wait for release", func(t *testing.T) {
				f := newFactory(t)
				l, err := f.New(uuid.NewString())
				if err != nil {
					t.Fatalf("new: %v", err)
				}
				holder := mustAcquire(t, l, time.Minute, 0)
				if !holder.Acquired() {
					t.Fatal("expected holder to acquire")
				}
				go func() {
					time.Sleep(150 * time.Millisecond)
					_ = holder.Close()
				}()
				start := time.Now()
				h := mustAcquire(t, l, time.Minute, 3*time.Second)
				if !h.Acquired() {
					t.Fatal("expected waiter to acquire after release")
				}
				if elapsed := time.Since(start); elapsed > 2*time.Second {
					t.Fatalf("waiter acquired after %v", elapsed)
				}
			})

			t.Run("expiry takeover", func(t *testing.T) {
				f := newFactory(t)
				l, err := f.New(uuid.NewString())
				if err != nil {
					t.Fatalf("new: %v", err)
				}
				mustAcquire(t, l, 100*time.Millisecond, 0)
				h := mustAcquire(t, l, time.Minute, 2*time.Second)
				if !h.Acquired() {
					t.Fatal("expected waiter to take over expired lease")
				}
				if err := h.Release(context.Background()); err != nil {
					t.Fatalf("release: %v", err)
				}
			})
		})
	}
}
