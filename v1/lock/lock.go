package lock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-warplock/v1/errors"
	"github.com/mirkobrombin/go-warplock/v1/metrics"
	"github.com/mirkobrombin/go-warplock/v1/signal"
	"github.com/mirkobrombin/go-warplock/v1/store"
)

// MaxDuration is the largest lifetime or timeout accepted by Acquire.
const MaxDuration = time.Duration(math.MaxInt32) * time.Millisecond

var (
	// ErrInvalidLifetime is returned for a lifetime outside [0, MaxDuration].
	ErrInvalidLifetime = fmt.Errorf("%w: lifetime must be within [0, %v]", warperrors.ErrInvalidArgument, MaxDuration)
	// ErrInvalidTimeout is returned for a timeout outside [0, MaxDuration].
	ErrInvalidTimeout = fmt.Errorf("%w: timeout must be within [0, %v]", warperrors.ErrInvalidArgument, MaxDuration)
	// ErrForeignHandle is returned when releasing a handle of another lock.
	ErrForeignHandle = fmt.Errorf("%w: handle belongs to another lock", warperrors.ErrInvalidArgument)
)

// Lock coordinates exclusive access to one named key. It keeps no state of
// its own besides configuration and may be shared by any number of
// goroutines; all coordination happens in the store.
type Lock struct {
	key     string
	store   store.Store
	signals signal.Channel
	cfg     config
}

// New returns a Lock for key backed by s and signals.
func New(key string, s store.Store, signals signal.Channel, opts ...Option) (*Lock, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty lock key", warperrors.ErrInvalidArgument)
	}
	if s == nil || signals == nil {
		return nil, fmt.Errorf("%w: store and signal channel are required", warperrors.ErrInvalidArgument)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.finish()
	return &Lock{key: key, store: s, signals: signals, cfg: cfg}, nil
}

// Key returns the name of the lock.
func (l *Lock) Key() string {
	return l.key
}

// Acquire tries, for at most timeout, to obtain the lock for lifetime. After
// lifetime the lease expires and another caller may take the lock over even
// if it was never released.
//
// Not obtaining the lock is not an error: the returned handle reports
// Acquired() == false. A zero timeout makes a single attempt. Errors are
// returned for invalid arguments, store failures and context cancellation.
func (l *Lock) Acquire(ctx context.Context, lifetime, timeout time.Duration) (*Handle, error) {
	if lifetime < 0 || lifetime > MaxDuration {
		return nil, ErrInvalidLifetime
	}
	if timeout < 0 || timeout > MaxDuration {
		return nil, ErrInvalidTimeout
	}

	ctx, span := l.cfg.tracer.Start(ctx, "Lock.Acquire", trace.WithAttributes(
		attribute.String("warplock.key", l.key),
		attribute.Int64("warplock.lifetime_ms", lifetime.Milliseconds()),
		attribute.Int64("warplock.timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	attemptID := uuid.New()
	h, err := l.acquire(ctx, attemptID, lifetime, timeout, start.Add(timeout))
	metrics.AcquireLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Bool("warplock.acquired", h.acquired))
	if h.acquired {
		span.SetAttributes(attribute.String("warplock.attempt_id", attemptID.String()))
		metrics.AcquireCounter.Inc()
		l.cfg.logger.Debug("lock: acquired", "key", l.key, "attempt_id", attemptID, "elapsed", time.Since(start))
	} else {
		metrics.AcquireMissCounter.Inc()
		l.cfg.logger.Debug("lock: not acquired", "key", l.key, "elapsed", time.Since(start))
	}
	return h, nil
}

func (l *Lock) acquire(ctx context.Context, attemptID uuid.UUID, lifetime, timeout time.Duration, deadline time.Time) (*Handle, error) {
	for {
		ok, err := l.tryClaim(ctx, attemptID, lifetime)
		if err != nil {
			return nil, err
		}
		if ok {
			return l.handle(attemptID, true), nil
		}
		if timeout == 0 || !time.Now().Before(deadline) {
			return l.handle(attemptID, false), nil
		}

		res, err := l.waitRelease(ctx, deadline)
		if err != nil {
			return nil, err
		}
		switch res {
		case waitRetry:
			continue
		case waitTimedOut:
			return l.handle(attemptID, false), nil
		}

		// one more claim only: whoever was faster keeps the lock and the
		// caller gets a bounded answer
		ok, err = l.tryClaim(ctx, attemptID, lifetime)
		if err != nil {
			return nil, err
		}
		return l.handle(attemptID, ok), nil
	}
}

func (l *Lock) handle(attemptID uuid.UUID, acquired bool) *Handle {
	return &Handle{lock: l, acquired: acquired, attemptID: attemptID}
}

// tryClaim is the single mutual exclusion point: it takes the lease if the
// record is missing, free or expired.
func (l *Lock) tryClaim(ctx context.Context, attemptID uuid.UUID, lifetime time.Duration) (bool, error) {
	now := time.Now()
	return l.store.Upsert(ctx, store.Claimable(now), store.Record{
		Key:       l.key,
		ExpiresAt: now.Add(lifetime),
		Held:      true,
		AttemptID: attemptID.String(),
	})
}

type waitResult int

const (
	// waitRetry means the holder vanished before we started waiting.
	waitRetry waitResult = iota
	// waitWoken means the holder released or its lease elapsed.
	waitWoken
	// waitTimedOut means the deadline passed first.
	waitTimedOut
)

// waitRelease blocks until the current holder releases, its lease elapses or
// the deadline passes.
func (l *Lock) waitRelease(ctx context.Context, deadline time.Time) (waitResult, error) {
	rec, held, err := l.currentHolder(ctx)
	if err != nil || !held {
		return waitRetry, err
	}

	cur, err := l.signals.Tail(ctx, rec.AttemptID)
	if err != nil {
		return waitRetry, err
	}
	defer func() {
		if cerr := cur.Close(); cerr != nil {
			l.cfg.logger.Warn("lock: closing signal cursor failed", "key", l.key, "error", cerr)
		}
	}()

	// The release may have landed between the read and the tail, in which
	// case its signal is not visible to the cursor.
	again, held, err := l.currentHolder(ctx)
	if err != nil {
		return waitRetry, err
	}
	if !held || again.AttemptID != rec.AttemptID {
		return waitRetry, nil
	}

	metrics.WaiterGauge.Inc()
	defer metrics.WaiterGauge.Dec()

	for {
		now := time.Now()
		if !now.Before(rec.ExpiresAt) {
			return waitWoken, nil
		}
		if !now.Before(deadline) {
			return waitTimedOut, nil
		}
		window := min(l.cfg.pollInterval, deadline.Sub(now), rec.ExpiresAt.Sub(now))
		_, ok, err := cur.Next(ctx, window)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return waitTimedOut, ctxErr
			}
			if !errors.Is(err, signal.ErrCursorClosed) {
				return waitTimedOut, err
			}
			// the backend dropped the subscription: fall back to waiting
			// for the lease expiry or the deadline
			if err := sleepCtx(ctx, window); err != nil {
				return waitTimedOut, err
			}
			continue
		}
		if ok {
			return waitWoken, nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// currentHolder reads the record and reports whether it is held by a lease
// that has not elapsed yet.
func (l *Lock) currentHolder(ctx context.Context) (store.Record, bool, error) {
	rec, ok, err := l.store.Get(ctx, l.key)
	if err != nil {
		return store.Record{}, false, err
	}
	if !ok || !rec.Held || !time.Now().Before(rec.ExpiresAt) {
		return rec, false, nil
	}
	return rec, true, nil
}

// Release frees the lease owned by h and wakes waiters. Handles that did not
// acquire the lock, handles already released and handles whose lease was
// taken over after expiry are ignored.
func (l *Lock) Release(ctx context.Context, h *Handle) error {
	if !h.Acquired() {
		return nil
	}
	if h.lock != l && h.lock.key != l.key {
		return ErrForeignHandle
	}
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}

	ctx, span := l.cfg.tracer.Start(ctx, "Lock.Release", trace.WithAttributes(
		attribute.String("warplock.key", l.key),
		attribute.String("warplock.attempt_id", h.attemptID.String()),
	))
	defer span.End()

	id := h.attemptID.String()
	applied, err := l.store.Upsert(ctx, store.HeldBy(id), store.Record{
		Key:       l.key,
		ExpiresAt: time.Now(),
		Held:      false,
		AttemptID: id,
	})
	if err != nil {
		// the lease is still ours, let the caller retry
		h.released.Store(false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Bool("warplock.released", applied))
	if !applied {
		l.cfg.logger.Warn("lock: lease was taken over before release", "key", l.key, "attempt_id", id)
		return nil
	}
	metrics.ReleaseCounter.Inc()

	if err := l.signals.Append(ctx, signal.Signal{AttemptID: id}); err != nil {
		// the record is already free; waiters fall back to their deadline
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	metrics.SignalCounter.Inc()
	l.cfg.logger.Debug("lock: released", "key", l.key, "attempt_id", id)
	return nil
}

// Do runs fn while holding the lock and releases it on every exit path,
// including panics. It reports whether fn ran.
func (l *Lock) Do(ctx context.Context, lifetime, timeout time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	h, err := l.Acquire(ctx, lifetime, timeout)
	if err != nil {
		return false, err
	}
	if !h.Acquired() {
		return false, nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.releaseTimeout)
		defer cancel()
		if rerr := h.Release(rctx); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return true, fn(ctx)
}
