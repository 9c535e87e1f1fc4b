package messagepipeline

import (
	"context"
	"sync"
)

// IngestionQueue is an unbounded, in-memory FIFO queue that decouples the broker's
// dispatch goroutine from the persistence worker. Any number of goroutines may
// enqueue and dequeue concurrently; items come out in the order they went in.
//
// Enqueue never blocks, so it is safe to call from a dispatch loop that must stay
// fast. There is no upper bound: if consumers fall behind, the queue grows.
type IngestionQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	// notify carries at most one pending wake-up for a waiting consumer.
	notify chan struct{}
	done   chan struct{}
}

// NewIngestionQueue creates an empty, open queue.
func NewIngestionQueue[T any]() *IngestionQueue[T] {
	return &IngestionQueue[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue appends item to the tail of the queue. It returns false if the queue
// has been closed, in which case the item is discarded.
func (q *IngestionQueue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.wake()
	return true
}

// Next removes and returns the item at the head of the queue, blocking while the
// queue is empty. Items enqueued before Close are still returned after it; once
// the queue is closed and empty, or ctx is done while waiting, Next returns false.
func (q *IngestionQueue[T]) Next(ctx context.Context) (T, bool) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			remaining := len(q.items)
			if remaining == 0 {
				q.items = nil
			}
			q.mu.Unlock()

			// Pass the wake-up on so another waiting consumer sees the rest.
			if remaining > 0 {
				q.wake()
			}
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, false
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// Len reports the number of items currently waiting in the queue.
func (q *IngestionQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue from accepting new items and wakes every waiting consumer.
// It is safe to call more than once.
func (q *IngestionQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *IngestionQueue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
