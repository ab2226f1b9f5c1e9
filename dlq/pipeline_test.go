package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/opencustody/signer-node/kv"
	"github.com/opencustody/signer-node/queue"
	"github.com/opencustody/signer-node/types"
)

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	c := qt.New(t)
	dlqQueue := queue.NewMemory()
	p := New(kv.NewMemoryStore(), dlqQueue, PolicyOnPermanentOrMaxRetries, 5)

	original := &types.WithdrawalRequest{RequestID: "wd-1", Amount: "5"}
	out := p.HandleFailure(context.Background(), "wd-1", original,
		errors.New("insufficient funds for gas * price + value"))
	c.Assert(out, qt.Equals, OutcomeDeadLettered)

	msgs, err := dlqQueue.ReceiveBatch(context.Background(), 10, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(msgs, qt.HasLen, 1)

	var envelope types.DLQMessage
	c.Assert(json.Unmarshal(msgs[0].Body, &envelope), qt.IsNil)
	c.Assert(envelope.Error.Type, qt.Equals, "INSUFFICIENT_FUNDS")
	c.Assert(envelope.Meta.AttemptCount, qt.Equals, 1)
}

func TestTransientFailureRetriesUntilBudget(t *testing.T) {
	c := qt.New(t)
	dlqQueue := queue.NewMemory()
	p := New(kv.NewMemoryStore(), dlqQueue, PolicyOnPermanentOrMaxRetries, 3)
	netErr := errors.New("dial tcp: connection refused")

	for i := 1; i < 3; i++ {
		out := p.HandleFailure(context.Background(), "wd-1", nil, netErr)
		c.Assert(out, qt.Equals, OutcomeRetry, qt.Commentf("attempt %d", i))
		c.Assert(dlqQueue.Len(), qt.Equals, 0)
	}
	out := p.HandleFailure(context.Background(), "wd-1", nil, netErr)
	c.Assert(out, qt.Equals, OutcomeDeadLettered)
	c.Assert(dlqQueue.Len(), qt.Equals, 1)

	// The counter was cleared: a fresh failure starts a new budget.
	out = p.HandleFailure(context.Background(), "wd-1", nil, netErr)
	c.Assert(out, qt.Equals, OutcomeRetry)
}

func TestPolicyAlways(t *testing.T) {
	c := qt.New(t)
	dlqQueue := queue.NewMemory()
	p := New(kv.NewMemoryStore(), dlqQueue, PolicyAlways, 5)

	out := p.HandleFailure(context.Background(), "wd-1", nil, errors.New("connection reset"))
	c.Assert(out, qt.Equals, OutcomeDeadLettered)
	c.Assert(dlqQueue.Len(), qt.Equals, 1)
}

type downStore struct{ kv.Store }

func (d *downStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return 0, fmt.Errorf("%w: connection refused", kv.ErrUnavailable)
}

func TestFallbackCounterWhenStoreDown(t *testing.T) {
	c := qt.New(t)
	dlqQueue := queue.NewMemory()
	p := New(&downStore{Store: kv.NewMemoryStore()}, dlqQueue, PolicyOnPermanentOrMaxRetries, 2)
	netErr := errors.New("timeout awaiting response")

	c.Assert(p.HandleFailure(context.Background(), "wd-1", nil, netErr), qt.Equals, OutcomeRetry)
	c.Assert(p.HandleFailure(context.Background(), "wd-1", nil, netErr), qt.Equals, OutcomeDeadLettered)
}

type deadDLQ struct{}

func (deadDLQ) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	return nil, nil
}
func (deadDLQ) SendMessage(ctx context.Context, body []byte) error {
	return fmt.Errorf("sqs send: 503")
}
func (deadDLQ) DeleteMessage(ctx context.Context, receiptHandle string) error { return nil }
func (deadDLQ) ExtendVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	return nil
}

func TestDLQSendFailureKeepsSource(t *testing.T) {
	c := qt.New(t)
	p := New(kv.NewMemoryStore(), deadDLQ{}, PolicyOnPermanentOrMaxRetries, 5)

	out := p.HandleFailure(context.Background(), "wd-1", nil, errors.New("execution reverted"))
	c.Assert(out, qt.Equals, OutcomeDLQFailed)
}
