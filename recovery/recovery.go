// Package recovery runs once at startup: signed transactions that were
// enqueued but never broadcast before the previous shutdown are cancelled
// and their withdrawal requests re-enqueued for a fresh signing attempt, and
// the nonce slot is synchronized against the chain.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opencustody/signer-node/log"
	"github.com/opencustody/signer-node/nonce"
	"github.com/opencustody/signer-node/queue"
	"github.com/opencustody/signer-node/storage"
	"github.com/opencustody/signer-node/types"
	"github.com/opencustody/signer-node/web3"
)

// DefaultMaxDrain bounds how many egress messages one recovery pass
// inspects.
const DefaultMaxDrain = 1000

const restartReason = "service restart"

// Recovery restores one (chain, network) signer's queues after a restart.
type Recovery struct {
	store    storage.Store
	ingress  queue.Queue
	egress   queue.Queue
	nonces   *nonce.Coordinator
	client   web3.ChainClient
	chain    types.ChainContext
	signer   common.Address
	maxDrain int
}

// New wires a Recovery. A zero maxDrain selects DefaultMaxDrain.
func New(store storage.Store, ingress, egress queue.Queue, nonces *nonce.Coordinator,
	client web3.ChainClient, chain types.ChainContext, signer common.Address, maxDrain int) *Recovery {
	if maxDrain <= 0 {
		maxDrain = DefaultMaxDrain
	}
	return &Recovery{
		store:    store,
		ingress:  ingress,
		egress:   egress,
		nonces:   nonces,
		client:   client,
		chain:    chain,
		signer:   signer,
		maxDrain: maxDrain,
	}
}

// Run drains a bounded prefix of the egress queue, restoring or discarding
// each stranded signed transaction, then synchronizes the nonce slot.
func (r *Recovery) Run(ctx context.Context) error {
	restored, discarded := 0, 0
	seen := 0
	for seen < r.maxDrain {
		max := r.maxDrain - seen
		if max > 10 {
			max = 10
		}
		msgs, err := r.egress.ReceiveBatch(ctx, max, 0)
		if err != nil {
			return fmt.Errorf("drain egress queue: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		seen += len(msgs)
		for _, m := range msgs {
			ok, err := r.recoverMessage(ctx, m)
			if err != nil {
				log.Warnw("egress message not recovered, leaving it",
					"message", m.ID, "error", err.Error())
				continue
			}
			if ok {
				restored++
			} else {
				discarded++
			}
		}
	}
	log.Infow("queue recovery finished",
		"chain", r.chain.Chain, "network", r.chain.Network,
		"inspected", seen, "restored", restored, "discarded", discarded)
	return r.syncNonce(ctx)
}

// recoverMessage handles one stranded egress entry, reporting whether a
// withdrawal was re-enqueued.
func (r *Recovery) recoverMessage(ctx context.Context, m queue.Message) (bool, error) {
	var st types.SignedTransaction
	if err := json.Unmarshal(m.Body, &st); err != nil {
		log.Warnw("undecodable egress message discarded", "message", m.ID, "error", err.Error())
		return false, r.egress.DeleteMessage(ctx, m.ReceiptHandle)
	}
	switch st.TransactionType {
	case types.TxTypeBatch:
		return r.recoverBatch(ctx, m, &st)
	default:
		return r.recoverSingle(ctx, m, &st)
	}
}

func (r *Recovery) recoverSingle(ctx context.Context, m queue.Message, st *types.SignedTransaction) (bool, error) {
	req, err := r.store.Request(ctx, st.RequestID)
	if err != nil || req.Status != types.StatusSigning {
		// Nothing to restore: the request is gone, finished or was already
		// rewound by an earlier pass.
		return false, r.egress.DeleteMessage(ctx, m.ReceiptHandle)
	}
	if _, err := r.store.CancelSignedTransactions(ctx, st.RequestID, restartReason); err != nil {
		return false, err
	}
	if err := r.store.ResetRequest(ctx, st.RequestID); err != nil {
		return false, err
	}
	if err := r.enqueueRequest(ctx, req); err != nil {
		return false, err
	}
	log.Infow("stranded single restored to ingress",
		"request", st.RequestID, "nonce", st.Nonce)
	return true, r.egress.DeleteMessage(ctx, m.ReceiptHandle)
}

func (r *Recovery) recoverBatch(ctx context.Context, m queue.Message, st *types.SignedTransaction) (bool, error) {
	batchID, err := parseBatchID(st.BatchID)
	if err != nil {
		log.Warnw("egress batch message with bad id discarded",
			"batchId", st.BatchID, "error", err.Error())
		return false, r.egress.DeleteMessage(ctx, m.ReceiptHandle)
	}
	members, err := r.store.RequestsByBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	var live []*types.WithdrawalRequest
	for _, req := range members {
		if !req.Status.Terminal() {
			live = append(live, req)
		}
	}
	if len(live) == 0 {
		return false, r.egress.DeleteMessage(ctx, m.ReceiptHandle)
	}

	if err := r.store.CancelBatch(ctx, batchID, restartReason); err != nil {
		log.Warnw("batch not cancelled during recovery",
			"batch", batchID, "error", err.Error())
	}
	for _, req := range live {
		if err := r.store.ResetRequest(ctx, req.RequestID); err != nil {
			return false, err
		}
		if err := r.enqueueRequest(ctx, req); err != nil {
			return false, err
		}
	}
	log.Infow("stranded batch members restored to ingress",
		"batch", batchID, "members", len(live))
	return true, r.egress.DeleteMessage(ctx, m.ReceiptHandle)
}

// enqueueRequest puts a clean copy of the withdrawal back on the ingress
// queue.
func (r *Recovery) enqueueRequest(ctx context.Context, req *types.WithdrawalRequest) error {
	clean := *req
	clean.Status = ""
	clean.BatchID = 0
	clean.ProcessingMode = ""
	clean.ErrorMessage = ""
	body, err := json.Marshal(&clean)
	if err != nil {
		return fmt.Errorf("encode withdrawal %s: %w", req.RequestID, err)
	}
	return r.ingress.SendMessage(ctx, body)
}

// parseBatchID strips the child suffix of a split batch ("17-0" -> 17).
func parseBatchID(id string) (int64, error) {
	base, _, _ := strings.Cut(id, "-")
	return strconv.ParseInt(base, 10, 64)
}

// syncNonce bumps the cached nonce slot when the chain's confirmed
// transaction count has moved past it.
func (r *Recovery) syncNonce(ctx context.Context) error {
	latest, err := r.client.LatestNonceAt(ctx, r.signer)
	if err != nil {
		return fmt.Errorf("query latest nonce: %w", err)
	}
	cached, found, err := r.nonces.Get(ctx, r.signer.Hex(), r.chain.Chain, r.chain.Network)
	if err != nil {
		return err
	}
	if found && cached >= latest {
		return nil
	}
	if err := r.nonces.Set(ctx, r.signer.Hex(), latest, r.chain.Chain, r.chain.Network); err != nil {
		return err
	}
	log.Infow("nonce slot synchronized from chain",
		"signer", r.signer.Hex(), "cached", cached, "latest", latest)
	return nil
}
