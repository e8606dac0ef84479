package store

import (
	"context"
	"sync"
	"time"
)

// waiterSet wakes blocked live readers when a stream's tail advances.
//
// The broadcast channel is closed and replaced on every wake, so any
// number of waiters can be registered and drained without touching the
// per-stream append lock. A tombstoned set (stream deleted or expired)
// resolves every current and future waiter immediately.
type waiterSet struct {
	mu        sync.Mutex
	broadcast chan struct{}
	dead      bool
}

func newWaiterSet() *waiterSet {
	return &waiterSet{broadcast: make(chan struct{})}
}

// register returns the channel that will be closed on the next wake,
// and whether the set is already tombstoned. Callers must re-check the
// stream tail after registering to close the append-between-check-and-
// register race.
func (w *waiterSet) register() (<-chan struct{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broadcast, w.dead
}

// wake signals every registered waiter. The appender calls this after
// publishing the new tail.
func (w *waiterSet) wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return
	}
	close(w.broadcast)
	w.broadcast = make(chan struct{})
}

// tombstone permanently releases all waiters; used on delete and expiry.
func (w *waiterSet) tombstone() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return
	}
	w.dead = true
	close(w.broadcast)
}

// tailFunc reports the current tail of a stream, or false if the stream
// no longer exists.
type tailFunc func() (Offset, bool)

// awaitTail is the shared Await loop: it resolves as soon as tail()
// exceeds start, the set is tombstoned, the timeout elapses, or ctx is
// canceled.
func awaitTail(ctx context.Context, ws *waiterSet, tail tailFunc, start Offset, timeout time.Duration) (AwaitOutcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		cur, ok := tail()
		if !ok {
			return AwaitNotFound, nil
		}
		if start.LessThan(cur) {
			return AwaitData, nil
		}

		ch, dead := ws.register()
		if dead {
			return AwaitNotFound, nil
		}

		// Re-check after registering: an append may have published
		// between the tail snapshot and registration.
		if cur, ok = tail(); !ok {
			return AwaitNotFound, nil
		} else if start.LessThan(cur) {
			return AwaitData, nil
		}

		select {
		case <-ch:
			// Woken by append, delete, or expiry; loop to classify.
		case <-timer.C:
			return AwaitTimeout, nil
		case <-ctx.Done():
			return AwaitTimeout, ctx.Err()
		}
	}
}
