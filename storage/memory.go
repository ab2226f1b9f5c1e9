package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opencustody/signer-node/types"
)

// Memory is an in-process Store with the same transition guards as Mongo.
type Memory struct {
	mu           sync.Mutex
	requests     map[string]*types.WithdrawalRequest
	batches      map[int64]*types.BatchTransaction
	signed       []*types.SignedTransaction
	batchCounter int64
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		requests: make(map[string]*types.WithdrawalRequest),
		batches:  make(map[int64]*types.BatchTransaction),
	}
}

func (m *Memory) Close(ctx context.Context) error { return nil }

func (m *Memory) Request(ctx context.Context, id string) (*types.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	cp := *req
	return &cp, nil
}

func (m *Memory) EnsureRequest(ctx context.Context, req *types.WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.RequestID]; ok {
		return nil
	}
	cp := *req
	m.requests[req.RequestID] = &cp
	return nil
}

func (m *Memory) BeginSigning(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok || req.Status.Terminal() {
		return 0, fmt.Errorf("%w: signable request %s", ErrNotFound, id)
	}
	req.Status = types.StatusSigning
	req.TryCount++
	return req.TryCount, nil
}

func (m *Memory) AssignBatch(ctx context.Context, ids []string, batchID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		req, ok := m.requests[id]
		if !ok || req.Status.Terminal() {
			continue
		}
		req.Status = types.StatusSigning
		req.BatchID = batchID
		req.ProcessingMode = types.ModeBatch
		req.TryCount++
	}
	return nil
}

func (m *Memory) MarkRequestSigned(ctx context.Context, id string) error {
	return m.updateRequest(id, func(req *types.WithdrawalRequest) {
		req.Status = types.StatusSigned
	})
}

func (m *Memory) MarkRequestsSigned(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if req, ok := m.requests[id]; ok && !req.Status.Terminal() {
			req.Status = types.StatusSigned
		}
	}
	return nil
}

func (m *Memory) MarkRequestFailed(ctx context.Context, id, errMsg string) error {
	return m.updateRequest(id, func(req *types.WithdrawalRequest) {
		req.Status = types.StatusFailed
		req.ErrorMessage = errMsg
	})
}

func (m *Memory) ResetRequest(ctx context.Context, id string) error {
	return m.updateRequest(id, func(req *types.WithdrawalRequest) {
		req.Status = types.StatusPending
		req.ProcessingMode = types.ModeSingle
		req.BatchID = 0
	})
}

func (m *Memory) updateRequest(id string, apply func(*types.WithdrawalRequest)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok || req.Status.Terminal() {
		return fmt.Errorf("%w: updatable request %s", ErrNotFound, id)
	}
	apply(req)
	return nil
}

func (m *Memory) RevertBatchMembers(ctx context.Context, batchID int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.BatchID != batchID || req.Status.Terminal() {
			continue
		}
		req.Status = types.StatusPending
		req.ProcessingMode = types.ModeSingle
		req.ErrorMessage = errMsg
		req.BatchID = 0
	}
	return nil
}

func (m *Memory) FailBatchMembers(ctx context.Context, batchID int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.BatchID != batchID || req.Status.Terminal() {
			continue
		}
		req.Status = types.StatusFailed
		req.ErrorMessage = errMsg
	}
	return nil
}

func (m *Memory) RequestsByBatch(ctx context.Context, batchID int64) ([]*types.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reqs []*types.WithdrawalRequest
	for _, req := range m.requests {
		if req.BatchID == batchID {
			cp := *req
			reqs = append(reqs, &cp)
		}
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].RequestID < reqs[j].RequestID })
	return reqs, nil
}

func (m *Memory) CreateBatch(ctx context.Context, batch *types.BatchTransaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchCounter++
	batch.ID = m.batchCounter
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	cp := *batch
	m.batches[batch.ID] = &cp
	return batch.ID, nil
}

func (m *Memory) MarkBatchSigned(ctx context.Context, batchID int64, sig BatchSignature) error {
	return m.updateBatch(batchID, func(b *types.BatchTransaction) {
		b.Status = types.StatusSigned
		b.Nonce = sig.Nonce
		b.GasLimit = sig.GasLimit
		b.MaxFeePerGas = sig.MaxFeePerGas
		b.MaxPriorityFeePerGas = sig.MaxPriorityFeePerGas
		b.TxHash = sig.TxHash
	})
}

func (m *Memory) MarkBatchFailed(ctx context.Context, batchID int64, errMsg string) error {
	return m.updateBatch(batchID, func(b *types.BatchTransaction) {
		b.Status = types.StatusFailed
		b.ErrorMessage = errMsg
	})
}

func (m *Memory) CancelBatch(ctx context.Context, batchID int64, reason string) error {
	return m.updateBatch(batchID, func(b *types.BatchTransaction) {
		b.Status = types.StatusCancelled
		b.ErrorMessage = reason
	})
}

func (m *Memory) updateBatch(batchID int64, apply func(*types.BatchTransaction)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok || b.Status.Terminal() {
		return fmt.Errorf("%w: updatable batch %d", ErrNotFound, batchID)
	}
	apply(b)
	return nil
}

func (m *Memory) SaveSignedTransaction(ctx context.Context, tx *types.SignedTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.signed = append(m.signed, &cp)
	return nil
}

func (m *Memory) CancelSignedTransactions(ctx context.Context, requestID, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, tx := range m.signed {
		if tx.RequestID == requestID && tx.Status == types.StatusSigned {
			tx.Status = types.StatusCancelled
			tx.CancelReason = reason
			n++
		}
	}
	return n, nil
}

// Batch loads a batch record, used by tests and the status API.
func (m *Memory) Batch(ctx context.Context, batchID int64) (*types.BatchTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: batch %d", ErrNotFound, batchID)
	}
	cp := *b
	return &cp, nil
}

// SignedTransactions returns copies of the stored artifacts, used by tests.
func (m *Memory) SignedTransactions() []*types.SignedTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.SignedTransaction, 0, len(m.signed))
	for _, tx := range m.signed {
		cp := *tx
		out = append(out, &cp)
	}
	return out
}
