package nonce

import (
	"context"
	"errors"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/opencustody/signer-node/kv"
)

const (
	testSigner  = "0x742d35Cc6634C0532925a3b844Bc454e4438fAEd"
	testChain   = "polygon"
	testNetwork = "testnet"
)

func newTestCoordinator() *Coordinator {
	return New(kv.NewMemoryStore(), time.Hour)
}

func TestInitializeTakesMax(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	nc := newTestCoordinator()

	c.Assert(nc.Initialize(ctx, testSigner, 10, testChain, testNetwork), qt.IsNil)
	n, found, err := nc.Get(ctx, testSigner, testChain, testNetwork)
	c.Assert(err, qt.IsNil)
	c.Assert(found, qt.IsTrue)
	c.Assert(n, qt.Equals, uint64(10))

	// A lower network nonce must not rewind the slot.
	c.Assert(nc.Initialize(ctx, testSigner, 5, testChain, testNetwork), qt.IsNil)
	n, _, err = nc.Get(ctx, testSigner, testChain, testNetwork)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(10))

	// A higher one bumps it forward.
	c.Assert(nc.Initialize(ctx, testSigner, 42, testChain, testNetwork), qt.IsNil)
	n, _, err = nc.Get(ctx, testSigner, testChain, testNetwork)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(42))
}

func TestGetAndIncrementMonotonic(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	nc := newTestCoordinator()

	c.Assert(nc.Initialize(ctx, testSigner, 100, testChain, testNetwork), qt.IsNil)
	var last uint64
	for i := 0; i < 50; i++ {
		n, err := nc.GetAndIncrement(ctx, testSigner, testChain, testNetwork)
		c.Assert(err, qt.IsNil)
		if i == 0 {
			c.Assert(n, qt.Equals, uint64(100))
		} else {
			c.Assert(n > last, qt.IsTrue)
		}
		last = n
	}
}

func TestReturnNonceDrainedFirst(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	nc := newTestCoordinator()

	c.Assert(nc.Initialize(ctx, testSigner, 10, testChain, testNetwork), qt.IsNil)
	n, err := nc.GetAndIncrement(ctx, testSigner, testChain, testNetwork)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(10))

	// Simulate a failed signing attempt after issuance.
	c.Assert(nc.ReturnNonce(ctx, testSigner, testChain, testNetwork, 10), qt.IsNil)

	// The returned nonce is reissued before the counter advances.
	n, err = nc.GetAndIncrement(ctx, testSigner, testChain, testNetwork)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(10))

	n, err = nc.GetAndIncrement(ctx, testSigner, testChain, testNetwork)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(11))
}

func TestIsNonceDuplicate(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	nc := newTestCoordinator()

	dup, err := nc.IsNonceDuplicate(ctx, testSigner, testChain, testNetwork, 7)
	c.Assert(err, qt.IsNil)
	c.Assert(dup, qt.IsFalse)

	dup, err = nc.IsNonceDuplicate(ctx, testSigner, testChain, testNetwork, 7)
	c.Assert(err, qt.IsNil)
	c.Assert(dup, qt.IsTrue)
}

func TestSlotsAreIndependent(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	nc := newTestCoordinator()

	c.Assert(nc.Initialize(ctx, testSigner, 10, "polygon", "testnet"), qt.IsNil)
	c.Assert(nc.Initialize(ctx, testSigner, 500, "ethereum", "mainnet"), qt.IsNil)

	n, err := nc.GetAndIncrement(ctx, testSigner, "polygon", "testnet")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(10))

	n, err = nc.GetAndIncrement(ctx, testSigner, "ethereum", "mainnet")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, uint64(500))
}

// failingStore wraps a MemoryStore but fails every write, emulating a Redis
// outage mid-operation.
type failingStore struct {
	*kv.MemoryStore
}

func (f *failingStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return 0, kv.ErrUnavailable
}

func (f *failingStore) PopFront(ctx context.Context, key string) (string, bool, error) {
	return "", false, kv.ErrUnavailable
}

func TestStoreUnavailableSurfaces(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	nc := New(&failingStore{kv.NewMemoryStore()}, time.Hour)

	_, err := nc.GetAndIncrement(ctx, testSigner, testChain, testNetwork)
	c.Assert(errors.Is(err, kv.ErrUnavailable), qt.IsTrue)
}

func TestClear(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	nc := newTestCoordinator()

	c.Assert(nc.Initialize(ctx, testSigner, 10, testChain, testNetwork), qt.IsNil)
	c.Assert(nc.Clear(ctx, testSigner, testChain, testNetwork), qt.IsNil)
	_, found, err := nc.Get(ctx, testSigner, testChain, testNetwork)
	c.Assert(err, qt.IsNil)
	c.Assert(found, qt.IsFalse)
}
