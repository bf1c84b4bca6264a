// Package signal implements the release signal log used to wake lock
// waiters. A signal is appended once per effective release and read through
// cursors that block for a bounded window and can be resumed.
package signal

import (
	"context"
	"errors"
	"time"
)

// ErrCursorClosed is returned by Next after Close.
var ErrCursorClosed = errors.New("signal: cursor closed")

// Signal announces that the lease claimed by AttemptID was released.
type Signal struct {
	AttemptID string
}

// Channel is an append-only ordered log of release signals. Retention is
// owned by the implementation.
type Channel interface {
	// Append publishes s and returns once the backend acknowledged it.
	Append(ctx context.Context, s Signal) error
	// Tail opens a cursor over signals for attemptID appended after the call.
	Tail(ctx context.Context, attemptID string) (Cursor, error)
}

// Cursor reads signals matching the attempt id it was opened for.
type Cursor interface {
	// Next waits at most maxWait for the next matching signal. It returns
	// false with a nil error when the window elapsed without one.
	Next(ctx context.Context, maxWait time.Duration) (Signal, bool, error)
	// Close releases the resources held by the cursor.
	Close() error
}
