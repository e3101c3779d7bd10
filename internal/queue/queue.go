// Package queue provides an unbounded FIFO queue that is safe for
// concurrent producers and consumers.
package queue

import (
	"context"
	"sync"
)

// Blocking is an unbounded FIFO queue. Take blocks until an item is
// available or the context is done. Construct with New.
type Blocking[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
}

// New creates an empty queue.
func New[T any]() *Blocking[T] {
	return &Blocking[T]{wake: make(chan struct{})}
}

// Push appends an item to the tail and wakes every blocked Take caller.
func (q *Blocking[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

// Take removes and returns the head item. It blocks until an item is
// available or ctx is done, in which case it returns ctx.Err().
func (q *Blocking[T]) Take(ctx context.Context) (T, error) {
	for {
		if item, ok := q.TryTake(); ok {
			return item, nil
		}

		q.mu.Lock()
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-wake:
		}
	}
}

// TryTake removes and returns the head item without blocking.
// It reports false if the queue is empty.
func (q *Blocking[T]) TryTake() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Peek returns the head item without removing it.
// It reports false if the queue is empty.
func (q *Blocking[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Len reports the number of queued items.
func (q *Blocking[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
