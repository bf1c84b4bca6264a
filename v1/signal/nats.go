package signal

import (
	"context"
	"errors"
	"time"

	nats "github.com/nats-io/nats.go"
)

const (
	defaultNATSSubject = "lock.release.signal"
	defaultNATSTimeout = 5 * time.Second
)

// NATSChannel publishes each signal on a subject derived from its attempt
// id. Core NATS keeps no history, so a cursor only sees signals published
// after Tail returned; Tail flushes so the subscription is live server side
// before the caller re-checks the lock record.
type NATSChannel struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

// NATSOption configures a NATSChannel.
type NATSOption func(*NATSChannel)

// WithSubjectPrefix sets the subject prefix signals are published under.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(c *NATSChannel) {
		c.subject = prefix
	}
}

// WithFlushTimeout bounds how long Append and Tail wait for the server.
func WithFlushTimeout(d time.Duration) NATSOption {
	return func(c *NATSChannel) {
		c.timeout = d
	}
}

// NewNATS returns a new NATSChannel using the provided connection.
func NewNATS(conn *nats.Conn, opts ...NATSOption) *NATSChannel {
	c := &NATSChannel{conn: conn, subject: defaultNATSSubject, timeout: defaultNATSTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *NATSChannel) subjectFor(attemptID string) string {
	return c.subject + "." + attemptID
}

// Append implements Channel.Append.
func (c *NATSChannel) Append(ctx context.Context, s Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.Publish(c.subjectFor(s.AttemptID), []byte(s.AttemptID)); err != nil {
		return err
	}
	return c.conn.FlushTimeout(c.timeout)
}

// Tail implements Channel.Tail.
func (c *NATSChannel) Tail(ctx context.Context, attemptID string) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := c.conn.SubscribeSync(c.subjectFor(attemptID))
	if err != nil {
		return nil, err
	}
	if err := c.conn.FlushTimeout(c.timeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return &natsCursor{sub: sub, attemptID: attemptID}, nil
}

type natsCursor struct {
	sub       *nats.Subscription
	attemptID string
}

func (cur *natsCursor) Next(ctx context.Context, maxWait time.Duration) (Signal, bool, error) {
	if !cur.sub.IsValid() {
		return Signal{}, false, ErrCursorClosed
	}
	var (
		msg *nats.Msg
		err error
	)
	if maxWait <= 0 {
		// only what is already buffered
		msg, err = cur.sub.NextMsg(0)
	} else {
		wctx, cancel := context.WithTimeout(ctx, maxWait)
		msg, err = cur.sub.NextMsgWithContext(wctx)
		cancel()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Signal{}, false, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return Signal{}, false, nil
		}
		if errors.Is(err, nats.ErrBadSubscription) {
			return Signal{}, false, ErrCursorClosed
		}
		return Signal{}, false, err
	}
	return Signal{AttemptID: string(msg.Data)}, true, nil
}

func (cur *natsCursor) Close() error {
	if !cur.sub.IsValid() {
		return nil
	}
	return cur.sub.Unsubscribe()
}
