package lock

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handle is the outcome of one Acquire call. A handle that did not acquire
// the lock is inert: releasing it does nothing.
//
// Handles are meant to be released on every exit path of the critical
// section, typically with defer h.Close(). Releasing more than once is a
// no-op.
type Handle struct {
	lock      *Lock
	acquired  bool
	attemptID uuid.UUID
	released  atomic.Bool
}

// Acquired reports whether the lock was obtained.
func (h *Handle) Acquired() bool {
	return h != nil && h.acquired
}

// AttemptID returns the id of the claim this handle owns. It is uuid.Nil for
// handles that did not acquire the lock.
func (h *Handle) AttemptID() uuid.UUID {
	if h == nil || !h.acquired {
		return uuid.Nil
	}
	return h.attemptID
}

// Key returns the name of the lock.
func (h *Handle) Key() string {
	if h == nil || h.lock == nil {
		return ""
	}
	return h.lock.key
}

// Release frees the lease owned by the handle.
func (h *Handle) Release(ctx context.Context) error {
	if h == nil || h.lock == nil {
		return nil
	}
	return h.lock.Release(ctx, h)
}

// Close releases the handle with a bounded context detached from any caller
// cancellation. It implements io.Closer.
func (h *Handle) Close() error {
	if !h.Acquired() || h.released.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.lock.cfg.releaseTimeout)
	defer cancel()
	return h.Release(ctx)
}
