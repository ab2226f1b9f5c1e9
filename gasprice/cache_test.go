package gasprice

import (
	"math/big"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestCacheHitWithinTTL(t *testing.T) {
	c := qt.New(t)
	cache := New(30 * time.Second)
	now := time.Now()
	cache.SetNowFunc(func() time.Time { return now })

	cache.Set(big.NewInt(30_000_000_000), big.NewInt(1_500_000_000))

	now = now.Add(29 * time.Second)
	s, ok := cache.Get()
	c.Assert(ok, qt.IsTrue)
	c.Assert(s.MaxFeePerGas.String(), qt.Equals, "30000000000")
	c.Assert(s.MaxPriorityFeePerGas.String(), qt.Equals, "1500000000")
}

func TestCacheExpires(t *testing.T) {
	c := qt.New(t)
	cache := New(30 * time.Second)
	now := time.Now()
	cache.SetNowFunc(func() time.Time { return now })

	cache.Set(big.NewInt(1), big.NewInt(1))
	now = now.Add(31 * time.Second)

	_, ok := cache.Get()
	c.Assert(ok, qt.IsFalse)
	// The expired sample is evicted, not returned again later.
	_, ok = cache.Get()
	c.Assert(ok, qt.IsFalse)
}

func TestCacheEmpty(t *testing.T) {
	c := qt.New(t)
	_, ok := New(0).Get()
	c.Assert(ok, qt.IsFalse)
}

func TestCacheCopiesValues(t *testing.T) {
	c := qt.New(t)
	cache := New(time.Minute)

	fee := big.NewInt(100)
	tip := big.NewInt(10)
	cache.Set(fee, tip)
	fee.SetInt64(999)

	s, ok := cache.Get()
	c.Assert(ok, qt.IsTrue)
	c.Assert(s.MaxFeePerGas.String(), qt.Equals, "100")
}
