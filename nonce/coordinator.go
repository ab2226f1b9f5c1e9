// Package nonce issues durable, monotonic per-(signer, chain, network)
// nonces backed by a kv.Store. The counter survives process restarts for the
// TTL window; on startup it is reconciled against the chain's transaction
// count so that a stale counter can only ever be bumped forward.
package nonce

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opencustody/signer-node/kv"
	"github.com/opencustody/signer-node/log"
)

const (
	// DefaultSlotTTL is the sliding expiry of a nonce slot. A signer idle for
	// longer re-initializes from the chain, which is always safe.
	DefaultSlotTTL = 24 * time.Hour
	// usedMarkerTTL bounds the window in which same-process double issuance
	// of a nonce can be detected.
	usedMarkerTTL = 5 * time.Minute
)

// Coordinator issues nonces from a kv.Store. It is safe for concurrent use
// within one process; cross-process sharing of a slot requires that only one
// process signs for the (signer, chain, network) at a time.
type Coordinator struct {
	store   kv.Store
	slotTTL time.Duration
}

// New creates a Coordinator on the given store. A zero ttl selects
// DefaultSlotTTL.
func New(store kv.Store, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultSlotTTL
	}
	return &Coordinator{store: store, slotTTL: ttl}
}

func slotKey(chain, network, signer string) string {
	return fmt.Sprintf("nonce:%s:%s:%s", chain, network, strings.ToLower(signer))
}

func poolKey(chain, network, signer string) string {
	return fmt.Sprintf("nonce-pool:%s:%s:%s", chain, network, strings.ToLower(signer))
}

func usedKey(chain, network, signer string, n uint64) string {
	return fmt.Sprintf("used_nonce:%s:%s:%s:%d", chain, network, strings.ToLower(signer), n)
}

// Initialize sets the slot to max(existing, networkNonce) and refreshes its
// TTL. It is called once per signer at startup with the chain's pending
// transaction count.
func (c *Coordinator) Initialize(ctx context.Context, signer string, networkNonce uint64, chain, network string) error {
	key := slotKey(chain, network, signer)
	current, found, err := c.getUint(ctx, key)
	if err != nil {
		return err
	}
	next := networkNonce
	if found && current > next {
		next = current
	}
	if err := c.store.Set(ctx, key, strconv.FormatUint(next, 10), c.slotTTL); err != nil {
		return fmt.Errorf("initialize nonce slot %s: %w", key, err)
	}
	log.Infow("nonce slot initialized",
		"chain", chain, "network", network, "signer", strings.ToLower(signer),
		"cached", current, "network_nonce", networkNonce, "next", next)
	return nil
}

// GetAndIncrement returns the next nonce to use. Nonces returned to the pool
// by ReturnNonce are drained first, oldest first, so that failed attempts do
// not leave gaps; otherwise the slot counter is atomically incremented and
// the pre-increment value returned.
func (c *Coordinator) GetAndIncrement(ctx context.Context, signer, chain, network string) (uint64, error) {
	if val, found, err := c.store.PopFront(ctx, poolKey(chain, network, signer)); err == nil && found {
		if n, perr := strconv.ParseUint(val, 10, 64); perr == nil {
			log.Debugw("reusing returned nonce", "nonce", n, "signer", strings.ToLower(signer))
			return n, nil
		}
	} else if err != nil {
		return 0, fmt.Errorf("drain nonce pool: %w", err)
	}
	post, err := c.store.IncrBy(ctx, slotKey(chain, network, signer), 1, c.slotTTL)
	if err != nil {
		return 0, fmt.Errorf("increment nonce slot: %w", err)
	}
	return uint64(post - 1), nil
}

// Set overwrites the slot, refreshing its TTL. Used when the chain reports a
// higher pending nonce than the cached counter.
func (c *Coordinator) Set(ctx context.Context, signer string, n uint64, chain, network string) error {
	key := slotKey(chain, network, signer)
	if err := c.store.Set(ctx, key, strconv.FormatUint(n, 10), c.slotTTL); err != nil {
		return fmt.Errorf("set nonce slot %s: %w", key, err)
	}
	return nil
}

// Get returns the slot value, with found=false when no slot exists.
func (c *Coordinator) Get(ctx context.Context, signer, chain, network string) (uint64, bool, error) {
	return c.getUint(ctx, slotKey(chain, network, signer))
}

// Clear removes the slot and its return pool.
func (c *Coordinator) Clear(ctx context.Context, signer, chain, network string) error {
	if err := c.store.Del(ctx, slotKey(chain, network, signer)); err != nil {
		return err
	}
	return c.store.Del(ctx, poolKey(chain, network, signer))
}

// IsNonceDuplicate checks the short-lived used-nonce marker for n. On a miss
// the marker is set and false returned; a hit means the same process already
// issued n within the marker window.
func (c *Coordinator) IsNonceDuplicate(ctx context.Context, signer, chain, network string, n uint64) (bool, error) {
	set, err := c.store.SetNX(ctx, usedKey(chain, network, signer, n), "1", usedMarkerTTL)
	if err != nil {
		return false, fmt.Errorf("used-nonce marker: %w", err)
	}
	return !set, nil
}

// ReturnNonce pushes n onto the signer's reuse pool after a signing attempt
// failed post-allocation. The pool is drained FIFO by GetAndIncrement.
func (c *Coordinator) ReturnNonce(ctx context.Context, signer, chain, network string, n uint64) error {
	if err := c.store.PushBack(ctx, poolKey(chain, network, signer), strconv.FormatUint(n, 10)); err != nil {
		return fmt.Errorf("return nonce %d: %w", n, err)
	}
	log.Debugw("nonce returned to pool", "nonce", n, "signer", strings.ToLower(signer))
	return nil
}

// Close disconnects from the backing store.
func (c *Coordinator) Close() error {
	return c.store.Close()
}

func (c *Coordinator) getUint(ctx context.Context, key string) (uint64, bool, error) {
	val, found, err := c.store.Get(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("get %s: %w", key, err)
	}
	if !found {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt nonce slot %s: %w", key, err)
	}
	return n, true, nil
}
