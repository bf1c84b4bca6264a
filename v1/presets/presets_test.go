package presets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/mirkobrombin/go-warplock/v1/store"
)

func TestNewInMemoryStandalone(t *testing.T) {
	f := NewInMemoryStandalone()
	ctx := context.Background()

	l, err := f.New("foo")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h, err := l.Acquire(ctx, time.Minute, 0)
	if err != nil || !h.Acquired() {
		t.Fatalf("Acquire failed: acquired=%v err=%v", h.Acquired(), err)
	}
	other, _ := f.New("foo")
	if h2, _ := other.Acquire(ctx, time.Minute, 0); h2.Acquired() {
		t.Fatal("expected locks of the same factory to share state")
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	f := NewRedis(RedisOptions{Addr: mr.Addr(), KeyPrefix: "test:", Stream: "test.signal"})
	ctx := context.Background()

	l, err := f.New("foo")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h, err := l.Acquire(ctx, time.Minute, 0)
	if err != nil || !h.Acquired() {
		t.Fatalf("Acquire failed: acquired=%v err=%v", h.Acquired(), err)
	}
	if !mr.Exists("test:foo") {
		t.Fatal("expected lease hash under the configured prefix")
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !mr.Exists("test.signal") {
		t.Fatal("expected release signal on the configured stream")
	}
}

func TestNewRedisBreakerOpens(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	f := NewRedis(RedisOptions{Addr: mr.Addr(), BreakerThreshold: 1, BreakerTimeout: time.Minute})
	mr.Close()

	l, _ := f.New("foo")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := l.Acquire(ctx, time.Minute, 0); err == nil {
		t.Fatal("expected error with redis down")
	}
	if _, err := l.Acquire(ctx, time.Minute, 0); !errors.Is(err, store.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestNewSQLite(t *testing.T) {
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	f, err := NewSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	ctx := context.Background()
	l, err := f.New("foo")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ran, err := l.Do(ctx, time.Minute, time.Second, func(ctx context.Context) error {
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("Do failed: ran=%v err=%v", ran, err)
	}
	h, err := l.Acquire(ctx, time.Minute, 0)
	if err != nil || !h.Acquired() {
		t.Fatalf("expected lock free after Do: acquired=%v err=%v", h.Acquired(), err)
	}
}
