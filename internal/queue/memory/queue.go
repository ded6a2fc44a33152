// Package memory provides an in-memory implementation of the intake queue
// interfaces, used by the memory storage mode and by tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"herald/internal/queue"
)

// ErrQueueClosed is returned by Publish after Close has been called.
var ErrQueueClosed = errors.New("queue is closed")

// Queue implements both Producer and Consumer over a channel, giving a
// simple in-process pub/sub. Safe for concurrent use.
type Queue struct {
	messages chan *queue.Message
	closed   bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewQueue creates an in-memory queue. The buffer size determines how many
// notifications can be queued before Publish blocks.
func NewQueue(bufferSize int) *Queue {
	return &Queue{
		messages: make(chan *queue.Message, bufferSize),
	}
}

// Publish sends a notification to the queue. Blocks while the queue is
// full, until space is available or the context is canceled.
func (q *Queue) Publish(ctx context.Context, msg *queue.Message) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.mu.RUnlock()

	select {
	case q.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start consumes notifications and calls the handler for each one. Blocks
// until the context is canceled or the queue is closed. Handler errors are
// swallowed; the consumer keeps draining.
func (q *Queue) Start(ctx context.Context, handler queue.MessageHandler) error {
	q.wg.Add(1)
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-q.messages:
			if !ok {
				return nil
			}
			if err := handler(ctx, msg); err != nil {
				continue
			}
		}
	}
}

// Close shuts down the queue, stopping all consumers.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	close(q.messages)
	q.wg.Wait()
	return nil
}

// Len returns the current number of queued notifications. Useful in tests.
func (q *Queue) Len() int {
	return len(q.messages)
}
