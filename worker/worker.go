// Package worker runs the signing loop for one (chain, network): it drains
// the ingress queue, validates and persists requests, decides between single
// and batched signing, and routes failures through the dead-letter pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opencustody/signer-node/classifier"
	"github.com/opencustody/signer-node/config"
	"github.com/opencustody/signer-node/dlq"
	"github.com/opencustody/signer-node/gasprice"
	"github.com/opencustody/signer-node/kv"
	"github.com/opencustody/signer-node/log"
	"github.com/opencustody/signer-node/queue"
	"github.com/opencustody/signer-node/signer"
	"github.com/opencustody/signer-node/storage"
	"github.com/opencustody/signer-node/types"
	"github.com/opencustody/signer-node/web3"
)

// Config tunes one worker's loop and its batch decision.
type Config struct {
	// BatchEnabled turns Multicall3 batching on.
	BatchEnabled bool
	// BatchSize is the receive size per iteration.
	BatchSize int
	// MinBatchSize is the minimum eligible message count before batching is
	// even considered.
	MinBatchSize int
	// BatchThreshold is the minimum per-token group size that forms a batch.
	BatchThreshold int
	// MinGasSavingsPercent gates batching on the projected saving.
	MinGasSavingsPercent float64
	// SingleTxGas, BatchBaseGas and BatchPerTxGas parameterize the saving
	// projection.
	SingleTxGas   uint64
	BatchBaseGas  uint64
	BatchPerTxGas uint64
	// LongPoll is the ingress receive wait.
	LongPoll time.Duration
	// Concurrency bounds parallel single signings per iteration.
	Concurrency int
	// IdleSleep spaces iterations when fee data is unavailable.
	IdleSleep time.Duration
}

// DefaultConfig returns the production loop settings.
func DefaultConfig() Config {
	return Config{
		BatchEnabled:         true,
		BatchSize:            10,
		MinBatchSize:         2,
		BatchThreshold:       2,
		MinGasSavingsPercent: 20,
		SingleTxGas:          65_000,
		BatchBaseGas:         35_000,
		BatchPerTxGas:        25_000,
		LongPoll:             queue.DefaultLongPoll,
		Concurrency:          10,
		IdleSleep:            5 * time.Second,
	}
}

// Stats is a snapshot of the worker's counters for the status API.
type Stats struct {
	Iterations    uint64 `json:"iterations"`
	SignedSingles uint64 `json:"signedSingles"`
	SignedBatches uint64 `json:"signedBatches"`
	Failed        uint64 `json:"failed"`
	DeadLettered  uint64 `json:"deadLettered"`
	SkippedNoFees uint64 `json:"skippedNoFees"`
}

// Worker is the signing loop for one (chain, network).
type Worker struct {
	cfg      Config
	chain    types.ChainContext
	signer   *signer.Signer
	store    storage.Store
	ingress  queue.Queue
	egress   queue.Queue
	failures *dlq.Pipeline
	fees     *gasprice.Cache
	client   web3.ChainClient

	iterations    atomic.Uint64
	signedSingles atomic.Uint64
	signedBatches atomic.Uint64
	failed        atomic.Uint64
	deadLettered  atomic.Uint64
	skippedNoFees atomic.Uint64
}

// New wires a worker. Concurrency is capped at BatchSize.
func New(cfg Config, chain types.ChainContext, sgn *signer.Signer, store storage.Store,
	ingress, egress queue.Queue, failures *dlq.Pipeline, fees *gasprice.Cache,
	client web3.ChainClient) *Worker {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = def.MinBatchSize
	}
	if cfg.BatchThreshold <= 0 {
		cfg.BatchThreshold = def.BatchThreshold
	}
	if cfg.SingleTxGas == 0 {
		cfg.SingleTxGas = def.SingleTxGas
	}
	if cfg.BatchBaseGas == 0 {
		cfg.BatchBaseGas = def.BatchBaseGas
	}
	if cfg.BatchPerTxGas == 0 {
		cfg.BatchPerTxGas = def.BatchPerTxGas
	}
	if cfg.LongPoll <= 0 {
		cfg.LongPoll = def.LongPoll
	}
	if cfg.Concurrency <= 0 || cfg.Concurrency > cfg.BatchSize {
		cfg.Concurrency = cfg.BatchSize
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = def.IdleSleep
	}
	return &Worker{
		cfg:      cfg,
		chain:    chain,
		signer:   sgn,
		store:    store,
		ingress:  ingress,
		egress:   egress,
		failures: failures,
		fees:     fees,
		client:   client,
	}
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Iterations:    w.iterations.Load(),
		SignedSingles: w.signedSingles.Load(),
		SignedBatches: w.signedBatches.Load(),
		Failed:        w.failed.Load(),
		DeadLettered:  w.deadLettered.Load(),
		SkippedNoFees: w.skippedNoFees.Load(),
	}
}

// Run loops until ctx is cancelled. Iterations are strictly sequential; all
// concurrency lives inside one iteration.
func (w *Worker) Run(ctx context.Context) {
	log.Infow("worker started",
		"chain", w.chain.Chain, "network", w.chain.Network,
		"batchEnabled", w.cfg.BatchEnabled, "batchSize", w.cfg.BatchSize)
	for ctx.Err() == nil {
		w.Iterate(ctx)
	}
	log.Infow("worker stopped", "chain", w.chain.Chain, "network", w.chain.Network)
}

type inMsg struct {
	msg queue.Message
	req *types.WithdrawalRequest
}

// Iterate runs one receive-sign-acknowledge cycle.
func (w *Worker) Iterate(ctx context.Context) {
	w.iterations.Add(1)

	// Never pull messages the iteration cannot price.
	if !w.ensureFees(ctx) {
		w.skippedNoFees.Add(1)
		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.IdleSleep):
		}
		return
	}

	msgs, err := w.ingress.ReceiveBatch(ctx, w.cfg.BatchSize, w.cfg.LongPoll)
	if err != nil {
		if ctx.Err() == nil {
			log.Warnw("ingress receive failed", "error", err.Error())
		}
		return
	}
	if len(msgs) == 0 {
		return
	}

	valid := w.admit(ctx, msgs)
	if len(valid) == 0 {
		return
	}

	singles, batchable := w.separateByTryCount(ctx, valid)
	groups, leftovers := w.batchDecision(batchable)
	singles = append(singles, leftovers...)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, im := range singles {
		im := im
		g.Go(func() error {
			w.processSingle(gctx, im)
			return nil
		})
	}
	_ = g.Wait()

	for token, group := range groups {
		w.processBatch(ctx, token, group)
	}
}

// ensureFees keeps a fresh fee sample in the cache, reporting false when the
// chain cannot price transactions right now.
func (w *Worker) ensureFees(ctx context.Context) bool {
	if _, ok := w.fees.Get(); ok {
		return true
	}
	fd, err := w.client.FeeData(ctx)
	if err != nil {
		log.Warnw("fee data fetch failed, skipping iteration", "error", err.Error())
		return false
	}
	if !fd.Complete() {
		log.Warnw("fee data incomplete, skipping iteration",
			"chain", w.chain.Chain, "network", w.chain.Network)
		return false
	}
	w.fees.Set(fd.MaxFeePerGas, fd.MaxPriorityFeePerGas)
	return true
}

// admit decodes and structurally validates received messages. Invalid ones
// are marked FAILED and acknowledged; valid ones are upserted into the store.
func (w *Worker) admit(ctx context.Context, msgs []queue.Message) []inMsg {
	var valid []inMsg
	for _, m := range msgs {
		var req types.WithdrawalRequest
		if err := json.Unmarshal(m.Body, &req); err != nil {
			log.Warnw("undecodable ingress message dropped", "message", m.ID, "error", err.Error())
			w.deleteMessage(ctx, m)
			continue
		}
		if verr := w.validateRequest(&req); verr != nil {
			log.Warnw("invalid withdrawal request",
				"request", req.RequestID, "error", verr.Error())
			w.failed.Add(1)
			if req.RequestID != "" {
				req.Status = types.StatusPending
				if err := w.store.EnsureRequest(ctx, &req); err == nil {
					if err := w.store.MarkRequestFailed(ctx, req.RequestID, "validation: "+verr.Error()); err != nil {
						log.Warnw("request not marked failed", "request", req.RequestID)
					}
				}
			}
			w.deleteMessage(ctx, m)
			continue
		}
		req.Status = types.StatusPending
		if req.CreatedAt.IsZero() {
			req.CreatedAt = time.Now().UTC()
		}
		if err := w.store.EnsureRequest(ctx, &req); err != nil {
			log.Warnw("request not persisted, leaving message",
				"request", req.RequestID, "error", err.Error())
			continue
		}
		valid = append(valid, inMsg{msg: m, req: &req})
	}
	return valid
}

func (w *Worker) validateRequest(req *types.WithdrawalRequest) error {
	if req.RequestID == "" {
		return fmt.Errorf("missing request id")
	}
	if !config.IsSupported(req.Chain, req.Network) {
		return fmt.Errorf("unsupported chain %q network %q", req.Chain, req.Network)
	}
	if !strings.EqualFold(req.Chain, w.chain.Chain) || !strings.EqualFold(req.Network, w.chain.Network) {
		return fmt.Errorf("request for %s %s received by %s %s worker",
			req.Chain, req.Network, w.chain.Chain, w.chain.Network)
	}
	if !types.IsHexAddress(req.ToAddress) {
		return fmt.Errorf("invalid destination address %q", req.ToAddress)
	}
	if req.TokenAddress != "" && !types.IsHexAddress(req.TokenAddress) {
		return fmt.Errorf("invalid token address %q", req.TokenAddress)
	}
	if _, err := types.ParseBaseUnit(req.Amount); err != nil {
		return err
	}
	return nil
}

// separateByTryCount sends previously failed requests down the single path;
// only first-attempt ERC-20 requests are batchable.
func (w *Worker) separateByTryCount(ctx context.Context, msgs []inMsg) (singles, batchable []inMsg) {
	for _, im := range msgs {
		stored, err := w.store.Request(ctx, im.req.RequestID)
		if err == nil {
			im.req.TryCount = stored.TryCount
			if stored.Status.Terminal() {
				log.Infow("request already terminal, acknowledging",
					"request", im.req.RequestID, "status", string(stored.Status))
				w.deleteMessage(ctx, im.msg)
				continue
			}
		}
		if im.req.TryCount > 0 || im.req.TokenAddress == "" {
			singles = append(singles, im)
			continue
		}
		batchable = append(batchable, im)
	}
	return singles, batchable
}

// batchDecision groups batchable messages by token and keeps the groups that
// clear the threshold and the projected gas saving; everything else falls
// back to single signing.
func (w *Worker) batchDecision(msgs []inMsg) (map[string][]inMsg, []inMsg) {
	if !w.cfg.BatchEnabled || len(msgs) < w.cfg.MinBatchSize {
		return nil, msgs
	}
	byToken := make(map[string][]inMsg)
	for _, im := range msgs {
		key := strings.ToLower(im.req.TokenAddress)
		byToken[key] = append(byToken[key], im)
	}
	groups := make(map[string][]inMsg)
	var singles []inMsg
	for token, group := range byToken {
		if len(group) >= w.cfg.BatchThreshold && w.savingsPercent(len(group)) >= w.cfg.MinGasSavingsPercent {
			groups[token] = group
			continue
		}
		singles = append(singles, group...)
	}
	return groups, singles
}

// savingsPercent projects the gas saved by batching n transfers instead of
// signing them individually.
func (w *Worker) savingsPercent(n int) float64 {
	single := float64(n) * float64(w.cfg.SingleTxGas)
	batch := float64(w.cfg.BatchBaseGas) + float64(n)*float64(w.cfg.BatchPerTxGas)
	if single <= 0 {
		return 0
	}
	return (single - batch) / single * 100
}

// processSingle signs one request end to end.
func (w *Worker) processSingle(ctx context.Context, im inMsg) {
	id := im.req.RequestID
	tryCount, err := w.store.BeginSigning(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.deleteMessage(ctx, im.msg)
			return
		}
		log.Warnw("begin signing failed, leaving message", "request", id, "error", err.Error())
		return
	}
	im.req.TryCount = tryCount

	st, err := w.signer.SignSingle(ctx, im.req)
	if err != nil {
		w.handleSingleFailure(ctx, im, err)
		return
	}

	if err := w.store.SaveSignedTransaction(ctx, st); err != nil {
		log.Errorw(fmt.Errorf("signed tx not persisted: %w", err), "request "+id)
	}
	if err := w.store.MarkRequestSigned(ctx, id); err != nil {
		log.Warnw("request not marked signed", "request", id, "error", err.Error())
	}
	if err := w.emit(ctx, st); err != nil {
		log.Errorw(fmt.Errorf("egress send failed: %w", err), "request "+id)
		return
	}
	w.deleteMessage(ctx, im.msg)
	w.signedSingles.Add(1)
	log.Infow("withdrawal signed",
		"request", id, "nonce", st.Nonce, "txHash", st.TxHash, "tryCount", tryCount)
}

func (w *Worker) handleSingleFailure(ctx context.Context, im inMsg, signErr error) {
	id := im.req.RequestID
	w.failed.Add(1)

	// A transient nonce-store failure is never classified: the message is
	// left for redelivery untouched.
	if errors.Is(signErr, kv.ErrUnavailable) {
		log.Warnw("nonce store unavailable, leaving message for redelivery",
			"request", id, "error", signErr.Error())
		return
	}

	switch w.failures.HandleFailure(ctx, id, im.req, signErr) {
	case dlq.OutcomeDeadLettered:
		w.deadLettered.Add(1)
		if err := w.store.MarkRequestFailed(ctx, id, signErr.Error()); err != nil {
			log.Warnw("request not marked failed", "request", id, "error", err.Error())
		}
		w.deleteMessage(ctx, im.msg)
	case dlq.OutcomeRetry, dlq.OutcomeDLQFailed:
		// Visibility timeout brings the message back.
	}
}

// processBatch signs one token group as a Multicall3 batch.
func (w *Worker) processBatch(ctx context.Context, token string, group []inMsg) {
	reqs := make([]*types.WithdrawalRequest, 0, len(group))
	ids := make([]string, 0, len(group))
	for _, im := range group {
		reqs = append(reqs, im.req)
		ids = append(ids, im.req.RequestID)
	}

	transfers, err := w.signer.ValidateBatch(reqs)
	if err != nil {
		log.Warnw("batch validation failed",
			"token", token, "members", len(group), "error", err.Error())
		w.failed.Add(uint64(len(group)))
		for _, im := range group {
			if err := w.store.MarkRequestFailed(ctx, im.req.RequestID, err.Error()); err != nil {
				log.Warnw("request not marked failed", "request", im.req.RequestID)
			}
			w.deleteMessage(ctx, im.msg)
		}
		return
	}

	totalAmount := new(big.Int)
	for _, t := range transfers {
		totalAmount.Add(totalAmount, t.Amount)
	}

	batch := &types.BatchTransaction{
		MulticallAddress: w.chain.Multicall3.Hex(),
		TotalRequests:    len(transfers),
		TotalAmount:      totalAmount.String(),
		Symbol:           reqs[0].Symbol,
		ChainID:          w.chain.ChainID,
		Status:           types.StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	batchID, err := w.store.CreateBatch(ctx, batch)
	if err != nil {
		log.Errorw(fmt.Errorf("batch record not created: %w", err), "token "+token)
		return
	}
	if err := w.store.AssignBatch(ctx, ids, batchID); err != nil {
		log.Errorw(fmt.Errorf("batch members not assigned: %w", err), "batch")
		return
	}

	signed, err := w.signer.SignBatch(ctx, batchID, transfers)
	if err != nil {
		w.revertBatch(ctx, batchID, group, signed, err)
		return
	}

	byID := make(map[string]inMsg, len(group))
	for _, im := range group {
		byID[im.req.RequestID] = im
	}

	var first *types.SignedTransaction
	var emitted []string
	stranded := 0
	for _, sg := range signed {
		if err := w.store.SaveSignedTransaction(ctx, sg.Tx); err != nil {
			log.Errorw(fmt.Errorf("signed batch tx not persisted: %w", err), sg.Tx.BatchID)
		}
		if err := w.emit(ctx, sg.Tx); err != nil {
			// The artifact never reached downstream: its nonce goes back to
			// the pool and its members rewind for a single retry; their
			// source messages stay for redelivery.
			log.Errorw(fmt.Errorf("egress send failed: %w", err), sg.Tx.BatchID)
			w.signer.ReturnNonce(ctx, sg.Tx.Nonce)
			for _, id := range sg.Members {
				if err := w.store.ResetRequest(ctx, id); err != nil {
					log.Warnw("batch member not reset", "request", id, "error", err.Error())
				}
			}
			stranded += len(sg.Members)
			continue
		}
		if first == nil {
			first = sg.Tx
		}
		emitted = append(emitted, sg.Members...)
	}

	if first == nil {
		w.failed.Add(uint64(len(group)))
		if err := w.store.MarkBatchFailed(ctx, batchID, "egress unavailable"); err != nil {
			log.Warnw("batch not marked failed", "batch", batchID, "error", err.Error())
		}
		log.Warnw("no batch group emitted, members rewound",
			"batch", batchID, "token", token, "members", len(group))
		return
	}

	if err := w.store.MarkBatchSigned(ctx, batchID, storage.BatchSignature{
		Nonce:                first.Nonce,
		GasLimit:             first.GasLimit,
		MaxFeePerGas:         first.MaxFeePerGas,
		MaxPriorityFeePerGas: first.MaxPriorityFeePerGas,
		TxHash:               first.TxHash,
	}); err != nil {
		log.Warnw("batch not marked signed", "batch", batchID, "error", err.Error())
	}
	if err := w.store.MarkRequestsSigned(ctx, emitted); err != nil {
		log.Warnw("batch members not marked signed", "batch", batchID, "error", err.Error())
	}
	for _, id := range emitted {
		if im, ok := byID[id]; ok {
			w.deleteMessage(ctx, im.msg)
		}
	}
	if stranded > 0 {
		w.failed.Add(uint64(stranded))
		log.Warnw("batch partially emitted, stranded members rewound",
			"batch", batchID, "token", token, "emitted", len(emitted), "stranded", stranded)
	}
	w.signedBatches.Add(1)
	log.Infow("batch signed",
		"batch", batchID, "token", token, "members", len(emitted),
		"groups", len(signed), "firstNonce", first.Nonce)
}

// revertBatch unwinds a failed batch. Nonces consumed by groups signed
// before the failure go back to the reuse pool; their artifacts never leave
// the worker. The error is then classified: a permanent failure fails the
// members and dead-letters them, anything transient rewinds the members to
// PENDING and leaves the source messages for redelivery (they retry as
// singles because their try count is now >0).
func (w *Worker) revertBatch(ctx context.Context, batchID int64, group []inMsg, prefix []signer.SignedGroup, signErr error) {
	for _, sg := range prefix {
		w.signer.ReturnNonce(ctx, sg.Tx.Nonce)
	}
	w.failed.Add(uint64(len(group)))
	if err := w.store.MarkBatchFailed(ctx, batchID, signErr.Error()); err != nil {
		log.Warnw("batch not marked failed", "batch", batchID, "error", err.Error())
	}

	if errors.Is(signErr, kv.ErrUnavailable) {
		log.Warnw("nonce store unavailable mid-batch, leaving messages",
			"batch", batchID, "error", signErr.Error())
		if err := w.store.RevertBatchMembers(ctx, batchID, signErr.Error()); err != nil {
			log.Warnw("batch members not reverted", "batch", batchID, "error", err.Error())
		}
		return
	}

	cls := classifier.Classify(signErr)
	if cls.Type.Permanent() {
		log.Warnw("batch failed permanently",
			"batch", batchID, "category", string(cls.Type), "error", signErr.Error())
		if err := w.store.FailBatchMembers(ctx, batchID, signErr.Error()); err != nil {
			log.Warnw("batch members not failed", "batch", batchID, "error", err.Error())
		}
		for _, im := range group {
			if w.failures.HandleFailure(ctx, im.req.RequestID, im.req, signErr) == dlq.OutcomeDeadLettered {
				w.deadLettered.Add(1)
				w.deleteMessage(ctx, im.msg)
			}
		}
		return
	}

	log.Warnw("batch failed, members rewound for single retry",
		"batch", batchID, "category", string(cls.Type), "error", signErr.Error())
	if err := w.store.RevertBatchMembers(ctx, batchID, signErr.Error()); err != nil {
		log.Warnw("batch members not reverted", "batch", batchID, "error", err.Error())
	}
}

func (w *Worker) emit(ctx context.Context, st *types.SignedTransaction) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode signed tx: %w", err)
	}
	return w.egress.SendMessage(ctx, body)
}

func (w *Worker) deleteMessage(ctx context.Context, m queue.Message) {
	if err := w.ingress.DeleteMessage(ctx, m.ReceiptHandle); err != nil {
		log.Warnw("ingress delete failed", "message", m.ID, "error", err.Error())
	}
}
