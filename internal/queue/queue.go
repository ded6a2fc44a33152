// Package queue defines the interfaces for the out-of-band notification
// intake. Clients publish ad hoc notifications (deploy announcements, audit
// pages, quota warnings) onto a queue; the sender consumes them, expands
// role targets and feeds the results into the delivery pipeline. The
// abstraction allows swapping implementations (Kafka, in-memory) without
// touching the sender.
package queue

import (
	"context"
)

// Message is one queued notification envelope.
type Message struct {
	// Key is the partition key for ordering guarantees. Intake messages
	// are keyed by application so one application's notifications stay
	// ordered.
	Key []byte

	// Value is the JSON-encoded notification payload.
	Value []byte

	// Headers contains optional metadata.
	Headers map[string]string
}

// Producer publishes notifications to the intake queue.
// Implementations must be safe for concurrent use.
type Producer interface {
	// Publish sends a message to the queue. Messages with the same key
	// are processed in order.
	Publish(ctx context.Context, msg *Message) error

	// Close releases any resources held by the producer.
	Close() error
}

// MessageHandler processes one consumed notification. Returning an error
// marks the message as failed; the implementation decides whether to retry.
type MessageHandler func(ctx context.Context, msg *Message) error

// Consumer drains the intake queue.
type Consumer interface {
	// Start consumes messages and calls the handler for each one. It
	// blocks until the context is canceled or an unrecoverable error
	// occurs.
	Start(ctx context.Context, handler MessageHandler) error

	// Close stops consuming and releases any resources.
	Close() error
}
