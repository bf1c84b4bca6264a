package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Store so that, after threshold consecutive
// failures, calls fail fast with ErrCircuitOpen until timeout has elapsed.
// Losing a claim is not a failure; only returned errors count, and only
// while the caller's context is still live.
type CircuitBreaker struct {
	store     Store
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreaker around s.
func NewCircuitBreaker(s Store, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		store:     s,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready to probe.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow handles the transition from Open to Half-Open based on timeout.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// one probe at a time
		return false
	}
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// onAbort hands the probe slot back when the caller gave up mid-call.
func (cb *CircuitBreaker) onAbort() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// record classifies the outcome of a call. Errors surfacing after the
// caller's own context ended, whether canceled or past its deadline, say
// nothing about the store and do not count as failures.
func (cb *CircuitBreaker) record(ctx context.Context, err error) {
	switch {
	case err == nil:
		cb.onSuccess()
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		cb.onAbort()
	default:
		cb.onFailure()
	}
}

// Upsert implements Store.Upsert with circuit breaker logic.
func (cb *CircuitBreaker) Upsert(ctx context.Context, cond Condition, rec Record) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.Upsert(ctx, cond, rec)
	cb.record(ctx, err)
	return ok, err
}

// Get implements Store.Get with circuit breaker logic.
func (cb *CircuitBreaker) Get(ctx context.Context, key string) (Record, bool, error) {
	if !cb.allow() {
		return Record{}, false, ErrCircuitOpen
	}
	rec, ok, err := cb.store.Get(ctx, key)
	cb.record(ctx, err)
	return rec, ok, err
}
