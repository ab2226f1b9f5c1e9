// Package types defines the data model shared by the signing pipeline: the
// withdrawal request records consumed from the ingress queue, the signed
// transaction artifacts emitted to the egress queue, and the batch records
// persisted while a Multicall3 batch is in flight.
package types

import "time"

// Status is the lifecycle state of a withdrawal request, a batch record or a
// signed transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSigning   Status = "SIGNING"
	StatusSigned    Status = "SIGNED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether a withdrawal request in this status can no longer
// move; terminal requests are never rewound or re-signed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ProcessingMode selects how a withdrawal request is signed.
type ProcessingMode string

const (
	ModeSingle ProcessingMode = "SINGLE"
	ModeBatch  ProcessingMode = "BATCH"
)

// TxType distinguishes a plain transfer transaction from a Multicall3 batch.
type TxType string

const (
	TxTypeSingle TxType = "SINGLE"
	TxTypeBatch  TxType = "BATCH"
)

// WithdrawalRequest is a single withdrawal to be signed. The JSON shape
// matches the ingress queue message; the bson tags match the persistent
// store. An empty TokenAddress means a native-coin transfer. Amount is a
// base-unit integer encoded as a decimal string.
type WithdrawalRequest struct {
	RequestID      string         `json:"id" bson:"_id"`
	ToAddress      string         `json:"toAddress" bson:"toAddress"`
	TokenAddress   string         `json:"tokenAddress,omitempty" bson:"tokenAddress,omitempty"`
	Amount         string         `json:"amount" bson:"amount"`
	Symbol         string         `json:"symbol" bson:"symbol"`
	Chain          string         `json:"chain" bson:"chain"`
	Network        string         `json:"network" bson:"network"`
	Status         Status         `json:"status,omitempty" bson:"status"`
	TryCount       int            `json:"tryCount,omitempty" bson:"tryCount"`
	BatchID        int64          `json:"batchId,omitempty" bson:"batchId,omitempty"`
	ProcessingMode ProcessingMode `json:"processingMode,omitempty" bson:"processingMode,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty" bson:"errorMessage,omitempty"`
	CreatedAt      time.Time      `json:"createdAt" bson:"createdAt"`
}

// BatchTransaction is the persistent record of one Multicall3 batch attempt.
// ID is allocated from a monotonic counter in the store.
type BatchTransaction struct {
	ID                   int64     `json:"id" bson:"_id"`
	MulticallAddress     string    `json:"multicallAddress" bson:"multicallAddress"`
	TotalRequests        int       `json:"totalRequests" bson:"totalRequests"`
	TotalAmount          string    `json:"totalAmount" bson:"totalAmount"`
	Symbol               string    `json:"symbol" bson:"symbol"`
	ChainID              uint64    `json:"chainId" bson:"chainId"`
	Nonce                uint64    `json:"nonce" bson:"nonce"`
	GasLimit             string    `json:"gasLimit,omitempty" bson:"gasLimit,omitempty"`
	MaxFeePerGas         string    `json:"maxFeePerGas,omitempty" bson:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string    `json:"maxPriorityFeePerGas,omitempty" bson:"maxPriorityFeePerGas,omitempty"`
	TxHash               string    `json:"txHash,omitempty" bson:"txHash,omitempty"`
	Status               Status    `json:"status" bson:"status"`
	ErrorMessage         string    `json:"errorMessage,omitempty" bson:"errorMessage,omitempty"`
	CreatedAt            time.Time `json:"createdAt" bson:"createdAt"`
}

// SignedTransaction is the artifact emitted to the egress queue and persisted
// for recovery. Exactly one of RequestID (SINGLE) or BatchID (BATCH) is set.
// For a split batch, BatchID carries a child suffix ("17-0", "17-1", ...).
// All monetary and gas fields are base-unit integers as decimal strings.
type SignedTransaction struct {
	RequestID            string    `json:"requestId,omitempty" bson:"requestId,omitempty"`
	BatchID              string    `json:"batchId,omitempty" bson:"batchId,omitempty"`
	TransactionType      TxType    `json:"transactionType" bson:"transactionType"`
	TxHash               string    `json:"txHash" bson:"txHash"`
	RawTransaction       string    `json:"rawTransaction" bson:"rawTransaction"`
	Nonce                uint64    `json:"nonce" bson:"nonce"`
	GasLimit             string    `json:"gasLimit" bson:"gasLimit"`
	MaxFeePerGas         string    `json:"maxFeePerGas" bson:"maxFeePerGas"`
	MaxPriorityFeePerGas string    `json:"maxPriorityFeePerGas" bson:"maxPriorityFeePerGas"`
	From                 string    `json:"from" bson:"from"`
	To                   string    `json:"to" bson:"to"`
	Value                string    `json:"value" bson:"value"`
	Data                 string    `json:"data,omitempty" bson:"data,omitempty"`
	ChainID              uint64    `json:"chainId" bson:"chainId"`
	Chain                string    `json:"chain" bson:"chain"`
	Network              string    `json:"network" bson:"network"`
	TryCount             int       `json:"tryCount" bson:"tryCount"`
	Status               Status    `json:"status" bson:"status"`
	CancelReason         string    `json:"cancelReason,omitempty" bson:"cancelReason,omitempty"`
	CreatedAt            time.Time `json:"createdAt" bson:"createdAt"`
}

// DLQError describes the classified failure carried inside a DLQ message.
type DLQError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// DLQMeta carries bookkeeping for a DLQ message.
type DLQMeta struct {
	Timestamp    time.Time `json:"timestamp"`
	AttemptCount int       `json:"attemptCount"`
}

// DLQMessage is the envelope emitted to the dead-letter queue: the original
// message body verbatim plus the classified error and attempt metadata.
type DLQMessage struct {
	OriginalMessage any      `json:"originalMessage"`
	Error           DLQError `json:"error"`
	Meta            DLQMeta  `json:"meta"`
}
