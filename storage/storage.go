// Package storage persists withdrawal requests, batch records and signed
// transactions. Mongo is the production store; Memory backs tests. Every
// state transition is guarded so a terminal request is never rewound.
package storage

import (
	"context"
	"errors"

	"github.com/opencustody/signer-node/types"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("storage: not found")

// BatchSignature carries the transaction fields written to a batch record
// once it has been signed.
type BatchSignature struct {
	Nonce                uint64
	GasLimit             string
	MaxFeePerGas         string
	MaxPriorityFeePerGas string
	TxHash               string
}

// Store is the persistence surface of the pipeline.
type Store interface {
	// Request loads a withdrawal request by id.
	Request(ctx context.Context, id string) (*types.WithdrawalRequest, error)
	// EnsureRequest inserts the request if no document with its id exists
	// yet; an existing document is left untouched.
	EnsureRequest(ctx context.Context, req *types.WithdrawalRequest) error
	// BeginSigning transitions a non-terminal request to SIGNING and
	// increments its try count, returning the new count.
	BeginSigning(ctx context.Context, id string) (int, error)
	// AssignBatch moves every non-terminal request in ids to SIGNING with
	// the batch id, BATCH processing mode and an incremented try count.
	AssignBatch(ctx context.Context, ids []string, batchID int64) error
	// MarkRequestSigned transitions a non-terminal request to SIGNED.
	MarkRequestSigned(ctx context.Context, id string) error
	// MarkRequestsSigned transitions every non-terminal request in ids to
	// SIGNED.
	MarkRequestsSigned(ctx context.Context, ids []string) error
	// MarkRequestFailed transitions a non-terminal request to FAILED with
	// the error message.
	MarkRequestFailed(ctx context.Context, id, errMsg string) error
	// ResetRequest rewinds a non-terminal request to PENDING, clearing its
	// batch assignment and processing mode.
	ResetRequest(ctx context.Context, id string) error
	// RevertBatchMembers rewinds every non-terminal member of the batch to
	// PENDING single-mode with the error message recorded.
	RevertBatchMembers(ctx context.Context, batchID int64, errMsg string) error
	// FailBatchMembers transitions every non-terminal member of the batch
	// to FAILED with the error message.
	FailBatchMembers(ctx context.Context, batchID int64, errMsg string) error
	// RequestsByBatch loads the members of a batch.
	RequestsByBatch(ctx context.Context, batchID int64) ([]*types.WithdrawalRequest, error)
	// CreateBatch persists the batch record with a freshly allocated id and
	// returns that id.
	CreateBatch(ctx context.Context, batch *types.BatchTransaction) (int64, error)
	// MarkBatchSigned writes the signed transaction fields and flips the
	// batch to SIGNED.
	MarkBatchSigned(ctx context.Context, batchID int64, sig BatchSignature) error
	// MarkBatchFailed flips the batch to FAILED with the error message.
	MarkBatchFailed(ctx context.Context, batchID int64, errMsg string) error
	// CancelBatch flips a non-terminal batch to CANCELLED with the reason.
	CancelBatch(ctx context.Context, batchID int64, reason string) error
	// SaveSignedTransaction persists a signed transaction artifact.
	SaveSignedTransaction(ctx context.Context, tx *types.SignedTransaction) error
	// CancelSignedTransactions flips SIGNED artifacts of the request to
	// CANCELLED with the reason, returning how many were affected.
	CancelSignedTransactions(ctx context.Context, requestID, reason string) (int64, error)
	// Close releases the underlying connections.
	Close(ctx context.Context) error
}
