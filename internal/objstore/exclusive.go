package objstore

import (
	"context"
	"sync"
)

// ExclusiveQueue chains operations addressed at the same key so that at
// most one runs at a time, in call order. Different keys never wait on
// each other.
type ExclusiveQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewExclusiveQueue creates an empty queue.
func NewExclusiveQueue() *ExclusiveQueue {
	return &ExclusiveQueue{tails: make(map[string]chan struct{})}
}

// Run waits for every earlier operation on key, then runs fn. If ctx ends
// while waiting, Run returns ctx.Err() without running fn; the slot is
// still released only after the predecessor finishes.
func (q *ExclusiveQueue) Run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	done := make(chan struct{})

	q.mu.Lock()
	prev := q.tails[key]
	q.tails[key] = done
	q.mu.Unlock()

	release := func() {
		q.mu.Lock()
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
		close(done)
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				release()
			}()
			return ctx.Err()
		}
	}

	defer release()
	return fn(ctx)
}

// Busy reports whether any operation is queued or running on key.
func (q *ExclusiveQueue) Busy(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.tails[key]
	return ok
}
