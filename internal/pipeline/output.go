package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Output is a node output. Every queue created on it receives each message.
type Output[T any] struct {
	name string

	mu     sync.Mutex
	queues []*MessageQueue[T]
	closed bool
}

func newOutput[T any](name string) *Output[T] {
	return &Output[T]{name: name}
}

// Name returns the output name, e.g. "CAM_A.video".
func (o *Output[T]) Name() string {
	return o.name
}

// CreateOutputQueue attaches a new queue to the output.
func (o *Output[T]) CreateOutputQueue(maxSize int, blocking bool) *MessageQueue[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := NewMessageQueue[T](fmt.Sprintf("%s#%d", o.name, len(o.queues)), maxSize, blocking)
	if o.closed {
		q.Close()
	}
	o.queues = append(o.queues, q)
	return q
}

// Queues returns the queues attached so far.
func (o *Output[T]) Queues() []*MessageQueue[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*MessageQueue[T](nil), o.queues...)
}

// send delivers msg to every attached queue. A queue the consumer already
// closed is skipped.
func (o *Output[T]) send(ctx context.Context, msg T) error {
	for _, q := range o.Queues() {
		if err := q.Send(ctx, msg); err != nil && !errors.Is(err, ErrQueueClosed) {
			return err
		}
	}
	return nil
}

func (o *Output[T]) close() {
	o.mu.Lock()
	o.closed = true
	queues := append([]*MessageQueue[T](nil), o.queues...)
	o.mu.Unlock()
	for _, q := range queues {
		q.Close()
	}
}
