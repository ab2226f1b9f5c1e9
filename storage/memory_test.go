package storage

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/opencustody/signer-node/types"
)

func seedRequest(c *qt.C, s *Memory, id string) {
	err := s.EnsureRequest(context.Background(), &types.WithdrawalRequest{
		RequestID: id,
		ToAddress: "0x742d35Cc6634C0532925a3b844Bc454e4438fAEd",
		Amount:    "1000000",
		Chain:     "ethereum",
		Network:   "mainnet",
		Status:    types.StatusPending,
	})
	c.Assert(err, qt.IsNil)
}

func TestBeginSigningIncrementsTryCount(t *testing.T) {
	c := qt.New(t)
	s := NewMemory()
	ctx := context.Background()
	seedRequest(c, s, "wd-1")

	n, err := s.BeginSigning(ctx, "wd-1")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 1)

	req, err := s.Request(ctx, "wd-1")
	c.Assert(err, qt.IsNil)
	c.Assert(req.Status, qt.Equals, types.StatusSigning)

	n, err = s.BeginSigning(ctx, "wd-1")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 2)
}

func TestTerminalRequestsAreImmutable(t *testing.T) {
	c := qt.New(t)
	s := NewMemory()
	ctx := context.Background()
	seedRequest(c, s, "wd-1")

	c.Assert(s.MarkRequestFailed(ctx, "wd-1", "insufficient funds"), qt.IsNil)

	_, err := s.BeginSigning(ctx, "wd-1")
	c.Assert(err, qt.ErrorIs, ErrNotFound)
	c.Assert(s.MarkRequestSigned(ctx, "wd-1"), qt.ErrorIs, ErrNotFound)
	c.Assert(s.ResetRequest(ctx, "wd-1"), qt.ErrorIs, ErrNotFound)

	req, err := s.Request(ctx, "wd-1")
	c.Assert(err, qt.IsNil)
	c.Assert(req.Status, qt.Equals, types.StatusFailed)
}

func TestEnsureRequestIsIdempotent(t *testing.T) {
	c := qt.New(t)
	s := NewMemory()
	ctx := context.Background()
	seedRequest(c, s, "wd-1")

	_, err := s.BeginSigning(ctx, "wd-1")
	c.Assert(err, qt.IsNil)

	// Re-ensuring does not reset the in-flight state.
	seedRequest(c, s, "wd-1")
	req, err := s.Request(ctx, "wd-1")
	c.Assert(err, qt.IsNil)
	c.Assert(req.Status, qt.Equals, types.StatusSigning)
	c.Assert(req.TryCount, qt.Equals, 1)
}

func TestBatchLifecycle(t *testing.T) {
	c := qt.New(t)
	s := NewMemory()
	ctx := context.Background()
	seedRequest(c, s, "wd-1")
	seedRequest(c, s, "wd-2")
	seedRequest(c, s, "wd-3")

	id, err := s.CreateBatch(ctx, &types.BatchTransaction{
		Symbol: "USDT", TotalRequests: 2, Status: types.StatusPending,
	})
	c.Assert(err, qt.IsNil)
	c.Assert(id, qt.Equals, int64(1))

	c.Assert(s.AssignBatch(ctx, []string{"wd-1", "wd-2"}, id), qt.IsNil)
	members, err := s.RequestsByBatch(ctx, id)
	c.Assert(err, qt.IsNil)
	c.Assert(members, qt.HasLen, 2)
	c.Assert(members[0].Status, qt.Equals, types.StatusSigning)
	c.Assert(members[0].ProcessingMode, qt.Equals, types.ModeBatch)
	c.Assert(members[0].TryCount, qt.Equals, 1)

	c.Assert(s.MarkBatchSigned(ctx, id, BatchSignature{Nonce: 10, TxHash: "0xabc"}), qt.IsNil)
	b, err := s.Batch(ctx, id)
	c.Assert(err, qt.IsNil)
	c.Assert(b.Status, qt.Equals, types.StatusSigned)
	c.Assert(b.Nonce, qt.Equals, uint64(10))

	// Ids keep counting.
	id2, err := s.CreateBatch(ctx, &types.BatchTransaction{Status: types.StatusPending})
	c.Assert(err, qt.IsNil)
	c.Assert(id2, qt.Equals, int64(2))
}

func TestRevertBatchMembers(t *testing.T) {
	c := qt.New(t)
	s := NewMemory()
	ctx := context.Background()
	seedRequest(c, s, "wd-1")
	seedRequest(c, s, "wd-2")

	id, err := s.CreateBatch(ctx, &types.BatchTransaction{Status: types.StatusPending})
	c.Assert(err, qt.IsNil)
	c.Assert(s.AssignBatch(ctx, []string{"wd-1", "wd-2"}, id), qt.IsNil)
	c.Assert(s.MarkRequestFailed(ctx, "wd-2", "reverted"), qt.IsNil)

	c.Assert(s.RevertBatchMembers(ctx, id, "nonce store unavailable"), qt.IsNil)

	req, err := s.Request(ctx, "wd-1")
	c.Assert(err, qt.IsNil)
	c.Assert(req.Status, qt.Equals, types.StatusPending)
	c.Assert(req.ProcessingMode, qt.Equals, types.ModeSingle)
	c.Assert(req.BatchID, qt.Equals, int64(0))
	c.Assert(req.ErrorMessage, qt.Equals, "nonce store unavailable")
	// TryCount survives the revert so the retry goes down the single path.
	c.Assert(req.TryCount, qt.Equals, 1)

	// The terminal member is untouched.
	req, err = s.Request(ctx, "wd-2")
	c.Assert(err, qt.IsNil)
	c.Assert(req.Status, qt.Equals, types.StatusFailed)
}

func TestFailBatchMembers(t *testing.T) {
	c := qt.New(t)
	s := NewMemory()
	ctx := context.Background()
	seedRequest(c, s, "wd-1")
	seedRequest(c, s, "wd-2")

	id, err := s.CreateBatch(ctx, &types.BatchTransaction{Status: types.StatusPending})
	c.Assert(err, qt.IsNil)
	c.Assert(s.AssignBatch(ctx, []string{"wd-1", "wd-2"}, id), qt.IsNil)
	c.Assert(s.FailBatchMembers(ctx, id, "insufficient funds"), qt.IsNil)

	for _, rid := range []string{"wd-1", "wd-2"} {
		req, err := s.Request(ctx, rid)
		c.Assert(err, qt.IsNil)
		c.Assert(req.Status, qt.Equals, types.StatusFailed)
		c.Assert(req.ErrorMessage, qt.Equals, "insufficient funds")
	}
}

func TestCancelSignedTransactions(t *testing.T) {
	c := qt.New(t)
	s := NewMemory()
	ctx := context.Background()

	c.Assert(s.SaveSignedTransaction(ctx, &types.SignedTransaction{
		RequestID: "wd-1", TxHash: "0x1", Status: types.StatusSigned,
	}), qt.IsNil)
	c.Assert(s.SaveSignedTransaction(ctx, &types.SignedTransaction{
		RequestID: "wd-2", TxHash: "0x2", Status: types.StatusSigned,
	}), qt.IsNil)

	n, err := s.CancelSignedTransactions(ctx, "wd-1", "service restart")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(1))

	txs := s.SignedTransactions()
	for _, tx := range txs {
		if tx.RequestID == "wd-1" {
			c.Assert(tx.Status, qt.Equals, types.StatusCancelled)
			c.Assert(tx.CancelReason, qt.Equals, "service restart")
		} else {
			c.Assert(tx.Status, qt.Equals, types.StatusSigned)
		}
	}
}
