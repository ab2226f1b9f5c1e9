// Package dlq implements the dead-letter policy: per-message retry counting
// with a bounded budget, immediate dead-lettering of permanent failures and
// safe behavior when either the counter store or the DLQ itself is down.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/opencustody/signer-node/classifier"
	"github.com/opencustody/signer-node/kv"
	"github.com/opencustody/signer-node/log"
	"github.com/opencustody/signer-node/queue"
	"github.com/opencustody/signer-node/types"
)

// Policy selects when a failed message is dead-lettered.
type Policy string

const (
	// PolicyAlways dead-letters on the first failure.
	PolicyAlways Policy = "always"
	// PolicyOnPermanentOrMaxRetries dead-letters permanent failures
	// immediately and transient ones once the retry budget is spent.
	PolicyOnPermanentOrMaxRetries Policy = "on-permanent-or-max-retries"
)

// DefaultMaxRetries is the transient-failure budget per message.
const DefaultMaxRetries = 5

const retryCounterTTL = 1 * time.Hour

// Outcome tells the worker what to do with the source message.
type Outcome int

const (
	// OutcomeRetry leaves the source message for visibility-timeout
	// redelivery.
	OutcomeRetry Outcome = iota
	// OutcomeDeadLettered means the message reached the DLQ; delete the
	// source.
	OutcomeDeadLettered
	// OutcomeDLQFailed means the DLQ send failed; keep the source so
	// redelivery retries the whole attempt.
	OutcomeDLQFailed
)

// Pipeline applies the dead-letter policy for one worker.
type Pipeline struct {
	store      kv.Store
	dlq        queue.Queue
	policy     Policy
	maxRetries int

	mu       sync.Mutex
	fallback map[string]int
}

// New builds a Pipeline. A zero maxRetries selects DefaultMaxRetries; an
// empty policy selects PolicyOnPermanentOrMaxRetries.
func New(store kv.Store, dlqQueue queue.Queue, policy Policy, maxRetries int) *Pipeline {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if policy == "" {
		policy = PolicyOnPermanentOrMaxRetries
	}
	return &Pipeline{
		store:      store,
		dlq:        dlqQueue,
		policy:     policy,
		maxRetries: maxRetries,
		fallback:   make(map[string]int),
	}
}

func retryKey(id string) string { return "retry:" + id }

// incrRetry bumps the message's retry counter, falling back to a process
// local map while the store is unreachable.
func (p *Pipeline) incrRetry(ctx context.Context, id string) int {
	n, err := p.store.IncrBy(ctx, retryKey(id), 1, retryCounterTTL)
	if err == nil {
		return int(n)
	}
	log.Warnw("retry counter store unreachable, using in-memory fallback",
		"message", id, "error", err.Error())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback[id]++
	return p.fallback[id]
}

func (p *Pipeline) clearRetry(ctx context.Context, id string) {
	if err := p.store.Del(ctx, retryKey(id)); err != nil {
		log.Warnw("retry counter not cleared", "message", id, "error", err.Error())
	}
	p.mu.Lock()
	delete(p.fallback, id)
	p.mu.Unlock()
}

// HandleFailure classifies the processing error, applies the policy and
// reports what should happen to the source message. original is carried
// verbatim into the DLQ envelope.
func (p *Pipeline) HandleFailure(ctx context.Context, msgID string, original any, procErr error) Outcome {
	cls := classifier.Classify(procErr)
	retries := p.incrRetry(ctx, msgID)

	deadLetter := p.policy == PolicyAlways || cls.Type.Permanent() || retries >= p.maxRetries
	if !deadLetter {
		log.Infow("message scheduled for retry",
			"message", msgID, "category", string(cls.Type),
			"attempt", retries, "budget", p.maxRetries)
		return OutcomeRetry
	}

	envelope := types.DLQMessage{
		OriginalMessage: original,
		Error: types.DLQError{
			Type:    string(cls.Type),
			Message: procErr.Error(),
			Details: cls.Details,
		},
		Meta: types.DLQMeta{
			Timestamp:    time.Now().UTC(),
			AttemptCount: retries,
		},
	}
	if cls.Code != 0 {
		envelope.Error.Code = strconv.Itoa(cls.Code)
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		log.Errorw(fmt.Errorf("encode dlq envelope: %w", err), "message "+msgID)
		return OutcomeDLQFailed
	}
	if err := p.dlq.SendMessage(ctx, body); err != nil {
		log.Errorw(fmt.Errorf("dlq send failed: %w", err), "message "+msgID)
		return OutcomeDLQFailed
	}
	p.clearRetry(ctx, msgID)
	log.Warnw("message dead-lettered",
		"message", msgID, "category", string(cls.Type), "attempts", retries)
	return OutcomeDeadLettered
}
