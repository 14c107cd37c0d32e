package pipeline

import (
	"context"
	"sync"
)

// DefaultQueueSize and DefaultQueueBlocking are the output queue settings
// used when callers have no preference.
const (
	DefaultQueueSize     = 16
	DefaultQueueBlocking = false
)

// MessageQueue is a bounded single-consumer queue between a node and its
// reader. A blocking queue makes the producer wait for space; a non-blocking
// queue discards its oldest message to make room and counts the drop.
type MessageQueue[T any] struct {
	name     string
	maxSize  int
	blocking bool

	mu       sync.Mutex
	items    []T
	closed   bool
	changed  chan struct{}
	received uint64
	dropped  uint64
}

// NewMessageQueue creates a queue holding at most maxSize messages. A
// maxSize below 1 is treated as 1.
func NewMessageQueue[T any](name string, maxSize int, blocking bool) *MessageQueue[T] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &MessageQueue[T]{
		name:     name,
		maxSize:  maxSize,
		blocking: blocking,
		items:    make([]T, 0, maxSize),
		changed:  make(chan struct{}),
	}
}

// notifyLocked wakes every goroutine waiting for a state change.
func (q *MessageQueue[T]) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Get blocks until a message is available. It returns ErrQueueClosed once
// the queue is closed and every queued message has been read.
func (q *MessageQueue[T]) Get() (T, error) {
	return q.GetContext(context.Background())
}

// GetContext is Get with cancellation.
func (q *MessageQueue[T]) GetContext(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.notifyLocked()
			q.mu.Unlock()
			return msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrQueueClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryGet returns the oldest message without blocking.
func (q *MessageQueue[T]) TryGet() (T, bool) {
	var zero T
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return zero, false
	}
	msg := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.notifyLocked()
	return msg, true
}

// Send enqueues msg, waiting for space on a blocking queue. It returns
// ErrQueueClosed if the queue was closed.
func (q *MessageQueue[T]) Send(ctx context.Context, msg T) error {
	var zero T
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.items) < q.maxSize {
			q.items = append(q.items, msg)
			q.received++
			q.notifyLocked()
			q.mu.Unlock()
			return nil
		}
		if !q.blocking {
			q.items[0] = zero
			q.items = append(q.items[1:], msg)
			q.received++
			q.dropped++
			q.notifyLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the queue accepting messages. Queued messages stay readable.
func (q *MessageQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notifyLocked()
}

// Name returns the queue name.
func (q *MessageQueue[T]) Name() string {
	return q.name
}

// Len returns the number of queued messages.
func (q *MessageQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many messages a non-blocking queue discarded.
func (q *MessageQueue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Received returns how many messages were accepted, including ones later dropped.
func (q *MessageQueue[T]) Received() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.received
}

// Closed reports whether Close was called.
func (q *MessageQueue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
