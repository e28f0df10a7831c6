package dialog

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Get once a closed queue has drained.
var ErrQueueClosed = errors.New("dialog: queue closed")

// Queue is an unbounded FIFO safe for concurrent producers and consumers.
// Put never blocks. Get blocks until an item arrives, the context is done,
// or the queue is closed and fully drained.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool
	wake   chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{wake: make(chan struct{})}
}

// Put appends v. Returns false if the queue is already closed, in which
// case v is dropped.
func (q *Queue[T]) Put(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	close(q.wake)
	q.wake = make(chan struct{})
	return true
}

// Get removes and returns the oldest item. A closed queue keeps serving
// its backlog; only a closed and empty queue returns ErrQueueClosed.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			v := q.items[q.head]
			q.items[q.head] = zero
			q.head++
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			}
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrQueueClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wake:
		}
	}
}

// Close marks the queue closed and wakes all waiters. Idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
