// Package transport holds the pieces shared by the host and worker
// gRPC endpoints: an unbounded frame queue and credential/keepalive builders.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Pop once a closed queue has been drained.
var ErrQueueClosed = errors.New("queue closed")

// Queue is an unbounded FIFO safe for concurrent producers and consumers.
// Push never blocks.
type Queue[T any] struct {
	items  []T
	notify chan struct{}
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends v. Returns ErrQueueClosed after Close.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.signal()
	return nil
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// PopFunc removes the oldest item and calls fn with it while the queue lock
// is held, so observers never see the item in neither place.
func (q *Queue[T]) PopFunc(fn func(T)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	v, ok := q.popLocked()
	if ok {
		fn(v)
	}
	return ok
}

// Pop blocks until an item is available, ctx is done, or the queue is
// closed and drained.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		v, ok := q.popLocked()
		closed := q.closed
		q.mu.Unlock()

		if ok {
			return v, nil
		}
		if closed {
			var zero T
			return zero, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Wait blocks until the queue is non-empty, closed, or ctx is done.
func (q *Queue[T]) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		n, closed := len(q.items), q.closed
		q.mu.Unlock()

		if n > 0 {
			return nil
		}
		if closed {
			return ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Inspect runs fn with the current length while holding the queue lock.
func (q *Queue[T]) Inspect(fn func(n int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn(len(q.items))
}

// Close rejects further pushes. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return v, true
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
