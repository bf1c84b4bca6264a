package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
)

func newRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedisStore(client, opts...), mr, client
}

func TestRedisStore(t *testing.T) {
	s, _, _ := newRedisStore(t)
	runStoreSuite(t, s)
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	s, mr, _ := newRedisStore(t, WithKeyPrefix("locks:"))
	ctx := context.Background()
	rec := Record{Key: "job", ExpiresAt: time.Now().Add(time.Minute), Held: true, AttemptID: "a"}
	if ok, err := s.Upsert(ctx, Claimable(time.Now()), rec); err != nil || !ok {
		t.Fatalf("claim: ok %v err %v", ok, err)
	}
	if !mr.Exists("locks:job") {
		t.Fatal("expected record under prefixed key")
	}
	if got := mr.HGet("locks:job", "attempt_id"); got != "a" {
		t.Fatalf("expected attempt id a, got %q", got)
	}
}

func TestRedisStoreClosedClient(t *testing.T) {
	s, _, client := newRedisStore(t)
	_ = client.Close()
	_, err := s.Upsert(context.Background(), Claimable(time.Now()), Record{Key: "k"})
	if !errors.Is(err, warperrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if _, _, err := s.Get(context.Background(), "k"); !errors.Is(err, warperrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestRedisStoreExpiredContext(t *testing.T) {
	s, _, _ := newRedisStore(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if _, err := s.Upsert(ctx, Claimable(time.Now()), Record{Key: "k"}); !errors.Is(err, warperrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
