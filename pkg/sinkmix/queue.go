package sinkmix

import (
	"context"
	"sync"
)

// fifo is an unbounded, order-preserving handoff between goroutines.
// Pushing never blocks; popping blocks until an item arrives, the queue closes or ctx is done.
type fifo[T any] struct {
	lock   sync.Mutex
	items  []T
	ready  chan struct{}
	closed bool
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{
		ready: make(chan struct{}, 1),
	}
}

// push returns false if the queue was already closed
func (q *fifo[T]) push(item T) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, item)
	q.signal()

	return true
}

func (q *fifo[T]) pop(ctx context.Context) (T, bool) {
	var zero T

	for {
		q.lock.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.lock.Unlock()

			return item, true
		}
		closed := q.closed
		q.lock.Unlock()

		if closed {
			return zero, false
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// close stops accepting items; those already queued can still be popped
func (q *fifo[T]) close() {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.closed = true
	q.signal()
}

func (q *fifo[T]) len() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	return len(q.items)
}

// caller holds the lock
func (q *fifo[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
