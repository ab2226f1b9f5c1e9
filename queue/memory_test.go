package queue

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestMemorySendReceiveDelete(t *testing.T) {
	c := qt.New(t)
	q := NewMemory()
	ctx := context.Background()

	c.Assert(q.SendMessage(ctx, []byte("a")), qt.IsNil)
	c.Assert(q.SendMessage(ctx, []byte("b")), qt.IsNil)

	msgs, err := q.ReceiveBatch(ctx, 10, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(msgs, qt.HasLen, 2)
	c.Assert(string(msgs[0].Body), qt.Equals, "a")
	c.Assert(msgs[0].ReceiveCount, qt.Equals, 1)

	c.Assert(q.DeleteMessage(ctx, msgs[0].ReceiptHandle), qt.IsNil)
	c.Assert(q.Len(), qt.Equals, 1)
}

func TestMemoryVisibilityTimeout(t *testing.T) {
	c := qt.New(t)
	q := NewMemory()
	now := time.Now()
	q.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()

	c.Assert(q.SendMessage(ctx, []byte("hidden")), qt.IsNil)

	first, err := q.ReceiveBatch(ctx, 10, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(first, qt.HasLen, 1)

	// Invisible while the window is open.
	msgs, err := q.ReceiveBatch(ctx, 10, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(msgs, qt.HasLen, 0)

	// Redelivered after the window, with a new receipt and bumped count.
	now = now.Add(DefaultVisibility + time.Second)
	msgs, err = q.ReceiveBatch(ctx, 10, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(msgs, qt.HasLen, 1)
	c.Assert(msgs[0].ReceiveCount, qt.Equals, 2)
	c.Assert(msgs[0].ReceiptHandle, qt.Not(qt.Equals), first[0].ReceiptHandle)

	// The stale receipt no longer deletes.
	c.Assert(q.DeleteMessage(ctx, first[0].ReceiptHandle), qt.IsNotNil)
	c.Assert(q.DeleteMessage(ctx, msgs[0].ReceiptHandle), qt.IsNil)
	c.Assert(q.Len(), qt.Equals, 0)
}

func TestMemoryExtendVisibility(t *testing.T) {
	c := qt.New(t)
	q := NewMemory()
	now := time.Now()
	q.SetNowFunc(func() time.Time { return now })
	ctx := context.Background()

	c.Assert(q.SendMessage(ctx, []byte("x")), qt.IsNil)
	msgs, err := q.ReceiveBatch(ctx, 1, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(msgs, qt.HasLen, 1)

	c.Assert(q.ExtendVisibility(ctx, msgs[0].ReceiptHandle, 2*DefaultVisibility), qt.IsNil)
	now = now.Add(DefaultVisibility + time.Second)
	redelivered, err := q.ReceiveBatch(ctx, 1, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(redelivered, qt.HasLen, 0)
}

func TestMemoryLongPoll(t *testing.T) {
	c := qt.New(t)
	q := NewMemory()
	ctx := context.Background()

	// An empty queue blocks for the wait window instead of spinning.
	start := time.Now()
	msgs, err := q.ReceiveBatch(ctx, 1, 60*time.Millisecond)
	c.Assert(err, qt.IsNil)
	c.Assert(msgs, qt.HasLen, 0)
	c.Assert(time.Since(start) >= 50*time.Millisecond, qt.IsTrue)

	// A message arriving mid-wait is delivered before the window lapses.
	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = q.SendMessage(ctx, []byte("late"))
	}()
	start = time.Now()
	msgs, err = q.ReceiveBatch(ctx, 1, 2*time.Second)
	c.Assert(err, qt.IsNil)
	c.Assert(msgs, qt.HasLen, 1)
	c.Assert(string(msgs[0].Body), qt.Equals, "late")
	c.Assert(time.Since(start) < time.Second, qt.IsTrue)
}

func TestMemoryLongPollCancel(t *testing.T) {
	c := qt.New(t)
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := q.ReceiveBatch(ctx, 1, 5*time.Second)
	c.Assert(err, qt.ErrorIs, context.Canceled)
}

func TestMemoryReceiveMax(t *testing.T) {
	c := qt.New(t)
	q := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.Assert(q.SendMessage(ctx, []byte{byte(i)}), qt.IsNil)
	}
	msgs, err := q.ReceiveBatch(ctx, 3, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(msgs, qt.HasLen, 3)
}
