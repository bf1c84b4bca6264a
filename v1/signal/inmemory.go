package signal

import (
	"context"
	"sync"
	"time"
)

const defaultInMemoryCapacity = 10_000

type entry struct {
	seq uint64
	sig Signal
}

// InMemoryChannel is a bounded in-process signal log. When full the oldest
// entries are evicted.
type InMemoryChannel struct {
	mu       sync.Mutex
	capacity int
	log      []entry
	seq      uint64
	notify   chan struct{}
}

// InMemoryOption configures an InMemoryChannel.
type InMemoryOption func(*InMemoryChannel)

// WithCapacity sets the number of signals retained. Non-positive values keep
// the default.
func WithCapacity(n int) InMemoryOption {
	return func(c *InMemoryChannel) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// NewInMemory returns a new InMemoryChannel.
func NewInMemory(opts ...InMemoryOption) *InMemoryChannel {
	c := &InMemoryChannel{
		capacity: defaultInMemoryCapacity,
		notify:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append implements Channel.Append.
func (c *InMemoryChannel) Append(ctx context.Context, s Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.seq++
	c.log = append(c.log, entry{seq: c.seq, sig: s})
	if over := len(c.log) - c.capacity; over > 0 {
		c.log = append(c.log[:0], c.log[over:]...)
	}
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
	return nil
}

// Len returns the number of retained signals.
func (c *InMemoryChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.log)
}

// Tail implements Channel.Tail.
func (c *InMemoryChannel) Tail(ctx context.Context, attemptID string) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	from := c.seq
	c.mu.Unlock()
	return &inMemoryCursor{c: c, attemptID: attemptID, from: from}, nil
}

type inMemoryCursor struct {
	c         *InMemoryChannel
	attemptID string
	from      uint64

	mu     sync.Mutex
	closed bool
}

// scan advances the cursor over new entries and reports a match. It returns
// the channel to wait on when nothing matched.
func (cur *inMemoryCursor) scan() (Signal, bool, <-chan struct{}) {
	cur.c.mu.Lock()
	defer cur.c.mu.Unlock()
	for _, e := range cur.c.log {
		if e.seq <= cur.from {
			continue
		}
		cur.from = e.seq
		if e.sig.AttemptID == cur.attemptID {
			return e.sig, true, nil
		}
	}
	if cur.c.seq > cur.from {
		// entries were evicted before we read them
		cur.from = cur.c.seq
	}
	return Signal{}, false, cur.c.notify
}

func (cur *inMemoryCursor) Next(ctx context.Context, maxWait time.Duration) (Signal, bool, error) {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	if cur.closed {
		return Signal{}, false, ErrCursorClosed
	}

	var timeout <-chan time.Time
	if maxWait > 0 {
		t := time.NewTimer(maxWait)
		defer t.Stop()
		timeout = t.C
	}
	for {
		sig, ok, wait := cur.scan()
		if ok {
			return sig, true, nil
		}
		if timeout == nil {
			return Signal{}, false, nil
		}
		select {
		case <-wait:
		case <-timeout:
			return Signal{}, false, nil
		case <-ctx.Done():
			return Signal{}, false, ctx.Err()
		}
	}
}

func (cur *inMemoryCursor) Close() error {
	cur.mu.Lock()
	cur.closed = true
	cur.mu.Unlock()
	return nil
}
