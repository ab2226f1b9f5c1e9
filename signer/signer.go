// Package signer builds and signs EIP-1559 withdrawal transactions, single
// ERC-20/native transfers as well as Multicall3 batches. Gas is always
// estimated before a nonce is allocated, so a transaction that cannot be
// built never burns a nonce.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/opencustody/signer-node/gasprice"
	"github.com/opencustody/signer-node/log"
	"github.com/opencustody/signer-node/nonce"
	"github.com/opencustody/signer-node/planner"
	"github.com/opencustody/signer-node/secrets"
	"github.com/opencustody/signer-node/tokens"
	"github.com/opencustody/signer-node/types"
	"github.com/opencustody/signer-node/web3"
)

// ErrGasEstimationFailed marks a transaction the chain refused to estimate.
// The attempt fails without allocating a nonce; the message stays queued.
var ErrGasEstimationFailed = errors.New("gas estimation failed")

// ErrFeeDataUnavailable marks an attempt where the chain returned partial
// EIP-1559 fee data. Retryable.
var ErrFeeDataUnavailable = errors.New("fee data unavailable")

const (
	// gasLimitNum/gasLimitDen buffer the raw estimate by 20%.
	gasLimitNum = 120
	gasLimitDen = 100
	// feeNum/feeDen buffer both fee caps by 10%.
	feeNum = 110
	feeDen = 100
)

// Signer holds the wallet and its chain-bound collaborators.
type Signer struct {
	key    *ecdsa.PrivateKey
	from   common.Address
	chain  types.ChainContext
	client web3.ChainClient
	nonces *nonce.Coordinator
	fees   *gasprice.Cache
	plan   *planner.Planner
	tokens tokens.Lookup
}

// New fetches the signing key, verifies the RPC endpoint serves the expected
// chain and seeds the nonce slot from the chain's pending transaction count.
// Any failure here is fatal for the service.
func New(ctx context.Context, source secrets.Source, chain types.ChainContext,
	client web3.ChainClient, nonces *nonce.Coordinator, fees *gasprice.Cache,
	plan *planner.Planner, lookup tokens.Lookup) (*Signer, error) {
	keyHex, err := source.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch signing key: %w", err)
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	s := &Signer{
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		chain:  chain,
		client: client,
		nonces: nonces,
		fees:   fees,
		plan:   plan,
		tokens: lookup,
	}

	remote, err := client.RemoteChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if remote.Uint64() != chain.ChainID {
		return nil, fmt.Errorf("rpc reports chain id %d, configured %d for %s %s",
			remote.Uint64(), chain.ChainID, chain.Chain, chain.Network)
	}

	networkNonce, err := client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("query pending nonce: %w", err)
	}
	if err := nonces.Initialize(ctx, s.from.Hex(), networkNonce, chain.Chain, chain.Network); err != nil {
		return nil, fmt.Errorf("initialize nonce slot: %w", err)
	}
	log.Infow("signer initialized",
		"signer", s.from.Hex(), "chain", chain.Chain, "network", chain.Network,
		"chainId", chain.ChainID, "pending_nonce", networkNonce)
	return s, nil
}

// From is the wallet address.
func (s *Signer) From() common.Address { return s.from }

// Chain is the immutable chain context the signer is bound to.
func (s *Signer) Chain() types.ChainContext { return s.chain }

// Planner exposes the batch planner for validation in the worker.
func (s *Signer) Planner() *planner.Planner { return s.plan }

// Close wipes the private key.
func (s *Signer) Close() {
	if s.key != nil {
		s.key.D.SetInt64(0)
		s.key = nil
	}
}

// SignSingle builds and signs one transfer. For an empty token address the
// request moves native coin; otherwise it is an ERC-20 transfer against the
// token contract.
func (s *Signer) SignSingle(ctx context.Context, req *types.WithdrawalRequest) (*types.SignedTransaction, error) {
	amount, err := types.ParseBaseUnit(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", req.RequestID, err)
	}
	to := normalizeAddress(req.ToAddress, req.RequestID)

	var (
		txTo  common.Address
		value *big.Int
		data  []byte
	)
	if req.TokenAddress == "" {
		txTo = common.HexToAddress(to)
		value = amount
	} else {
		tokenAddr := common.HexToAddress(normalizeAddress(req.TokenAddress, req.RequestID))
		info, err := s.tokens.Token(ctx, req.Chain, req.Network, tokenAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve token %s: %w", req.TokenAddress, err)
		}
		data, err = web3.PackTransfer(common.HexToAddress(to), amount)
		if err != nil {
			return nil, fmt.Errorf("encode transfer: %w", err)
		}
		txTo = tokenAddr
		value = new(big.Int)
		log.Debugw("erc20 transfer encoded",
			"request", req.RequestID, "token", tokenAddr.Hex(),
			"symbol", info.Symbol, "decimals", info.Decimals)
	}

	// Estimate before the nonce is touched.
	gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.from, To: &txTo, Value: value, Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGasEstimationFailed, err)
	}

	n, err := s.nonces.GetAndIncrement(ctx, s.from.Hex(), s.chain.Chain, s.chain.Network)
	if err != nil {
		return nil, err
	}
	s.warnDuplicate(ctx, n)

	signed, err := s.signTx(ctx, n, txTo, value, data, gas*gasLimitNum/gasLimitDen)
	if err != nil {
		s.returnNonce(ctx, n)
		return nil, err
	}
	signed.RequestID = req.RequestID
	signed.TransactionType = types.TxTypeSingle
	signed.TryCount = req.TryCount
	return signed, nil
}

// ValidateBatch runs the planner's structural validation.
func (s *Signer) ValidateBatch(reqs []*types.WithdrawalRequest) ([]planner.Transfer, error) {
	return s.plan.Validate(reqs)
}

// SignedGroup pairs one signed Multicall3 transaction with the request ids
// of the transfers it covers.
type SignedGroup struct {
	Tx      *types.SignedTransaction
	Members []string
}

// SignBatch plans and signs a Multicall3 batch. Each planned group consumes
// one nonce in order; a failure mid-sequence stops and returns the groups
// already signed together with the error, so the caller can unwind them.
func (s *Signer) SignBatch(ctx context.Context, batchID int64, transfers []planner.Transfer) ([]SignedGroup, error) {
	s.reconcileNonce(ctx)
	s.warnInsufficientAllowance(ctx, transfers)

	// Estimation and splitting happen before any nonce is allocated.
	groups, err := s.plan.Prepare(ctx, s.from, transfers)
	if err != nil {
		return nil, err
	}

	var signed []SignedGroup
	for k, group := range groups {
		data, err := planner.EncodeBatchTransaction(group.Calls)
		if err != nil {
			return signed, fmt.Errorf("encode batch %d group %d: %w", batchID, k, err)
		}
		n, err := s.nonces.GetAndIncrement(ctx, s.from.Hex(), s.chain.Chain, s.chain.Network)
		if err != nil {
			return signed, err
		}
		s.warnDuplicate(ctx, n)

		st, err := s.signTx(ctx, n, s.chain.Multicall3, new(big.Int), data, group.GasLimit)
		if err != nil {
			s.returnNonce(ctx, n)
			return signed, err
		}
		st.TransactionType = types.TxTypeBatch
		st.BatchID = childBatchID(batchID, k, len(groups))
		members := make([]string, 0, len(group.Transfers))
		for _, t := range group.Transfers {
			members = append(members, t.RequestID)
		}
		signed = append(signed, SignedGroup{Tx: st, Members: members})
		log.Infow("batch group signed",
			"batch", st.BatchID, "nonce", n, "transfers", len(group.Transfers),
			"gasLimit", group.GasLimit, "txHash", st.TxHash)
	}
	return signed, nil
}

// ReturnNonce puts an allocated but unused nonce back on the reuse pool,
// best-effort. Callers use it when a signed transaction is discarded before
// it ever leaves the service.
func (s *Signer) ReturnNonce(ctx context.Context, n uint64) {
	s.returnNonce(ctx, n)
}

// childBatchID renders the persisted batch id: the bare id for a single
// group, an indexed suffix when the batch was split.
func childBatchID(batchID int64, k, groups int) string {
	if groups == 1 {
		return strconv.FormatInt(batchID, 10)
	}
	return fmt.Sprintf("%d-%d", batchID, k)
}

// signTx prices and signs a type-2 transaction with the given nonce.
func (s *Signer) signTx(ctx context.Context, n uint64, to common.Address,
	value *big.Int, data []byte, gasLimit uint64) (*types.SignedTransaction, error) {
	maxFee, maxTip, err := s.bufferedFees(ctx)
	if err != nil {
		return nil, err
	}

	chainID := new(big.Int).SetUint64(s.chain.ChainID)
	tx, err := ethtypes.SignNewTx(s.key, ethtypes.LatestSignerForChainID(chainID), &ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     n,
		GasTipCap: maxTip,
		GasFeeCap: maxFee,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	st := &types.SignedTransaction{
		TxHash:               tx.Hash().Hex(),
		RawTransaction:       hexutil.Encode(raw),
		Nonce:                n,
		GasLimit:             strconv.FormatUint(gasLimit, 10),
		MaxFeePerGas:         maxFee.String(),
		MaxPriorityFeePerGas: maxTip.String(),
		From:                 s.from.Hex(),
		To:                   to.Hex(),
		Value:                value.String(),
		ChainID:              s.chain.ChainID,
		Chain:                s.chain.Chain,
		Network:              s.chain.Network,
		Status:               types.StatusSigned,
		CreatedAt:            time.Now().UTC(),
	}
	if len(data) > 0 {
		st.Data = hexutil.Encode(data)
	}
	return st, nil
}

// bufferedFees returns the current fee caps buffered by 10%, serving from
// the cache when a sample is still fresh.
func (s *Signer) bufferedFees(ctx context.Context) (maxFee, maxTip *big.Int, err error) {
	if sample, ok := s.fees.Get(); ok {
		return bufferFee(sample.MaxFeePerGas), bufferFee(sample.MaxPriorityFeePerGas), nil
	}
	fd, err := s.client.FeeData(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrFeeDataUnavailable, err)
	}
	if !fd.Complete() {
		return nil, nil, ErrFeeDataUnavailable
	}
	s.fees.Set(fd.MaxFeePerGas, fd.MaxPriorityFeePerGas)
	return bufferFee(fd.MaxFeePerGas), bufferFee(fd.MaxPriorityFeePerGas), nil
}

func bufferFee(v *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(feeNum))
	return out.Div(out, big.NewInt(feeDen))
}

// reconcileNonce bumps the cached slot when the chain has moved past it,
// which happens when another process signed for the same wallet. Non-fatal.
func (s *Signer) reconcileNonce(ctx context.Context) {
	networkNonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		log.Warnw("nonce reconciliation skipped", "error", err.Error())
		return
	}
	cached, found, err := s.nonces.Get(ctx, s.from.Hex(), s.chain.Chain, s.chain.Network)
	if err != nil {
		log.Warnw("nonce reconciliation skipped", "error", err.Error())
		return
	}
	if !found || cached >= networkNonce {
		return
	}
	if err := s.nonces.Set(ctx, s.from.Hex(), networkNonce, s.chain.Chain, s.chain.Network); err != nil {
		log.Warnw("nonce reconciliation failed", "error", err.Error())
		return
	}
	log.Infow("nonce slot bumped to network value",
		"cached", cached, "network", networkNonce, "signer", s.from.Hex())
}

// warnInsufficientAllowance checks, through one aggregate3 read, that the
// Multicall3 contract may move each token's batch total, and warns when it
// cannot. Approvals are managed outside this service.
func (s *Signer) warnInsufficientAllowance(ctx context.Context, transfers []planner.Transfer) {
	totals := make(map[common.Address]*big.Int)
	var order []common.Address
	for _, t := range transfers {
		if _, ok := totals[t.Token]; !ok {
			totals[t.Token] = new(big.Int)
			order = append(order, t.Token)
		}
		totals[t.Token].Add(totals[t.Token], t.Amount)
	}

	calls := make([]web3.Call3, 0, len(order))
	for _, token := range order {
		data, err := web3.PackAllowance(s.from, s.chain.Multicall3)
		if err != nil {
			return
		}
		calls = append(calls, web3.Call3{Target: token, AllowFailure: true, CallData: data})
	}
	payload, err := web3.PackAggregate3(calls)
	if err != nil {
		return
	}
	out, err := s.client.CallContract(ctx, ethereum.CallMsg{
		From: s.from, To: &s.chain.Multicall3, Data: payload,
	})
	if err != nil {
		log.Warnw("allowance check skipped", "error", err.Error())
		return
	}
	results, err := web3.UnpackAggregate3(out)
	if err != nil || len(results) != len(order) {
		log.Warnw("allowance check undecodable")
		return
	}
	for i, token := range order {
		if !results[i].Success {
			continue
		}
		allowance, err := web3.UnpackAllowance(results[i].ReturnData)
		if err != nil {
			continue
		}
		if allowance.Cmp(totals[token]) < 0 {
			log.Warnw("allowance below batch total",
				"token", token.Hex(), "allowance", allowance.String(),
				"required", totals[token].String())
		}
	}
}

func (s *Signer) warnDuplicate(ctx context.Context, n uint64) {
	dup, err := s.nonces.IsNonceDuplicate(ctx, s.from.Hex(), s.chain.Chain, s.chain.Network, n)
	if err == nil && dup {
		log.Warnw("nonce issued twice within marker window",
			"nonce", n, "signer", s.from.Hex())
	}
}

func (s *Signer) returnNonce(ctx context.Context, n uint64) {
	if err := s.nonces.ReturnNonce(ctx, s.from.Hex(), s.chain.Chain, s.chain.Network, n); err != nil {
		log.Warnw("nonce return failed", "nonce", n, "error", err.Error())
	}
}

// normalizeAddress canonicalizes to the EIP-55 form, falling back to
// lowercase with a warning when the input's mixed-case checksum is broken.
func normalizeAddress(addr, requestID string) string {
	out, ok := types.ChecksumAddress(addr)
	if !ok {
		log.Warnw("address checksum invalid, using lowercase form",
			"request", requestID, "address", addr)
	}
	return out
}
