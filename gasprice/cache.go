// Package gasprice holds a short-TTL, process-local cache of EIP-1559 fee
// suggestions. Each chain signer owns its own instance; samples are never
// shared across chains.
package gasprice

import (
	"math/big"
	"sync"
	"time"
)

// DefaultTTL is how long a fee sample stays valid.
const DefaultTTL = 30 * time.Second

// Sample is one cached fee suggestion.
type Sample struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Timestamp            time.Time
}

// Cache is a single-slot TTL cache. The zero value is not usable; construct
// with New.
type Cache struct {
	mu     sync.Mutex
	ttl    time.Duration
	sample *Sample
	now    func() time.Time
}

// New creates a cache with the given TTL; zero selects DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (c *Cache) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the cached sample if it is still within the TTL. An expired
// sample is evicted and (nil, false) returned.
func (c *Cache) Get() (*Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sample == nil {
		return nil, false
	}
	if c.now().Sub(c.sample.Timestamp) > c.ttl {
		c.sample = nil
		return nil, false
	}
	return c.sample, true
}

// Set records a new fee sample, stamping it with the current time. The
// values are copied so later mutation by the caller cannot corrupt the
// cache.
func (c *Cache) Set(maxFeePerGas, maxPriorityFeePerGas *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sample = &Sample{
		MaxFeePerGas:         new(big.Int).Set(maxFeePerGas),
		MaxPriorityFeePerGas: new(big.Int).Set(maxPriorityFeePerGas),
		Timestamp:            c.now(),
	}
}
