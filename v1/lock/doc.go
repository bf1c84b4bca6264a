// Package lock provides a lease-based distributed lock coordinated through a
// shared store.
//
// Competitors never talk to each other: each Acquire races an atomic
// conditional upsert on the lock record (see package store), and a holder
// that releases appends a signal (see package signal) that wakes waiters so
// they retry the claim. A lease that is never released expires after its
// lifetime and becomes claimable again, so a crashed holder blocks the key
// for at most one lifetime.
//
//	l, _ := lock.New("reports", store.NewRedisStore(rdb), signal.NewRedis(rdb))
//	h, err := l.Acquire(ctx, 30*time.Second, 10*time.Second)
//	if err != nil {
//		return err
//	}
//	defer h.Close()
//	if !h.Acquired() {
//		return nil // someone else is working
//	}
package lock
