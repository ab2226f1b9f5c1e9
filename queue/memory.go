package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memMessage struct {
	id           string
	body         []byte
	receiveCount int
	invisibleTo  time.Time
	receipt      string
}

// Memory is an in-process Queue with SQS-like visibility semantics. Received
// messages are hidden until deleted or their visibility window lapses, at
// which point they are redelivered with a fresh receipt handle.
type Memory struct {
	mu         sync.Mutex
	messages   []*memMessage
	visibility time.Duration
	nowFunc    func() time.Time
}

// NewMemory builds an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{visibility: DefaultVisibility, nowFunc: time.Now}
}

// SetNowFunc overrides the clock, used by tests.
func (q *Memory) SetNowFunc(f func() time.Time) { q.nowFunc = f }

// SetVisibility overrides the default visibility window.
func (q *Memory) SetVisibility(d time.Duration) { q.visibility = d }

// receivePollInterval spaces visibility re-checks while long polling.
const receivePollInterval = 20 * time.Millisecond

// ReceiveBatch returns up to max currently visible messages. Like SQS long
// polling, an empty queue blocks up to wait for a message to arrive or
// become visible again.
func (q *Memory) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	deadline := time.Now().Add(wait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := q.receive(max)
		if len(out) > 0 || wait <= 0 || !time.Now().Before(deadline) {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receivePollInterval):
		}
	}
}

func (q *Memory) receive(max int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.nowFunc()
	var out []Message
	for _, m := range q.messages {
		if len(out) >= max {
			break
		}
		if m.invisibleTo.After(now) {
			continue
		}
		m.receiveCount++
		m.invisibleTo = now.Add(q.visibility)
		m.receipt = uuid.NewString()
		out = append(out, Message{
			ID:            m.id,
			ReceiptHandle: m.receipt,
			Body:          append([]byte(nil), m.body...),
			ReceiveCount:  m.receiveCount,
		})
	}
	return out
}

// SendMessage enqueues a message body.
func (q *Memory) SendMessage(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, &memMessage{
		id:   uuid.NewString(),
		body: append([]byte(nil), body...),
	})
	return nil
}

// DeleteMessage removes the message matching the receipt handle. Stale
// handles from a previous delivery are rejected, like SQS.
func (q *Memory) DeleteMessage(ctx context.Context, receiptHandle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.messages {
		if m.receipt == receiptHandle {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown receipt handle")
}

// ExtendVisibility pushes out the message's redelivery time.
func (q *Memory) ExtendVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		if m.receipt == receiptHandle {
			m.invisibleTo = q.nowFunc().Add(timeout)
			return nil
		}
	}
	return fmt.Errorf("unknown receipt handle")
}

// Len reports how many messages are stored, visible or not.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
