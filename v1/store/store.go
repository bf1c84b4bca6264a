package store

import (
	"context"
	"sync"
	"time"
)

// Record is the persisted state of a named lock. There is at most one record
// per key and it is never deleted: it flips between held and free.
type Record struct {
	Key       string
	ExpiresAt time.Time
	Held      bool
	AttemptID string
}

type conditionKind int

const (
	condClaimable conditionKind = iota
	condHeldBy
)

// Condition is the predicate an Upsert must satisfy against the current
// record before writing.
type Condition struct {
	kind      conditionKind
	now       time.Time
	attemptID string
}

// Claimable matches a missing record, a free record or a record whose lease
// expired at or before now. It is the only condition that allows an insert.
func Claimable(now time.Time) Condition {
	return Condition{kind: condClaimable, now: now}
}

// HeldBy matches an existing record currently held by attemptID.
func HeldBy(attemptID string) Condition {
	return Condition{kind: condHeldBy, attemptID: attemptID}
}

// AllowsInsert reports whether the condition is satisfied by a missing record.
func (c Condition) AllowsInsert() bool {
	return c.kind == condClaimable
}

// Match evaluates the condition against rec. exists is false when no record
// is stored for the key.
func (c Condition) Match(rec Record, exists bool) bool {
	switch c.kind {
	case condClaimable:
		return !exists || !rec.Held || !rec.ExpiresAt.After(c.now)
	case condHeldBy:
		return exists && rec.Held && rec.AttemptID == c.attemptID
	}
	return false
}

// Store is the shared persistent state the lock coordinator races on.
type Store interface {
	// Upsert atomically writes rec under rec.Key if cond matches the current
	// record. The boolean reports whether the write was applied. Losing an
	// insert race to a concurrent writer is reported as false, not as an error.
	Upsert(ctx context.Context, cond Condition, rec Record) (bool, error)
	// Get reads the record for key. The boolean is false when absent.
	Get(ctx context.Context, key string) (Record, bool, error)
}

// InMemoryStore is a Store backed by a map, useful for tests and for locks
// shared by goroutines of a single process.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]Record
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]Record)}
}

// Upsert implements Store.Upsert.
func (s *InMemoryStore) Upsert(ctx context.Context, cond Condition, rec Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[rec.Key]
	if !cond.Match(cur, ok) {
		return false, nil
	}
	s.items[rec.Key] = rec
	return true, nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.RLock()
	rec, ok := s.items[key]
	s.mu.RUnlock()
	return rec, ok, nil
}

