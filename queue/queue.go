// Package queue abstracts the message transport between the custody backend
// and the signing pipeline: an ingress queue of withdrawal requests, an
// egress queue of signed transactions and a dead-letter queue. The sqs type
// speaks AWS SQS; Memory backs tests and local runs.
package queue

import (
	"context"
	"time"
)

// DefaultLongPoll is how long ReceiveBatch waits for messages to arrive.
const DefaultLongPoll = 20 * time.Second

// DefaultVisibility hides a received message from other consumers until it
// is deleted or the window lapses.
const DefaultVisibility = 300 * time.Second

// Message is one received queue entry. ReceiptHandle identifies this
// delivery for Delete and ExtendVisibility; ReceiveCount counts deliveries
// including this one.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          []byte
	ReceiveCount  int
}

// Queue is the transport surface the worker and recovery need.
type Queue interface {
	// ReceiveBatch long-polls for up to max messages.
	ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	// SendMessage enqueues a message body.
	SendMessage(ctx context.Context, body []byte) error
	// DeleteMessage acknowledges a received message by receipt handle.
	DeleteMessage(ctx context.Context, receiptHandle string) error
	// ExtendVisibility pushes out the visibility deadline of a received
	// message.
	ExtendVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
}
