// Package planner validates withdrawal transfers, assembles Multicall3
// aggregate3 batches, estimates their gas and splits them into groups that
// fit under the chain's block gas limit.
package planner

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/opencustody/signer-node/log"
	"github.com/opencustody/signer-node/types"
	"github.com/opencustody/signer-node/web3"
)

// Config carries the gas model constants. Zero values are filled from
// DefaultConfig by New.
type Config struct {
	// MulticallOverhead is the fixed cost of the aggregate3 dispatch.
	MulticallOverhead uint64
	// BaseTransferGas is the per-transfer assumption with no learned hint.
	BaseTransferGas uint64
	// AdditionalGasPerCall pads each call beyond the first in the fallback
	// total.
	AdditionalGasPerCall uint64
	// SafetyMargin bounds a batch to this fraction of the block gas limit.
	SafetyMargin float64
	// TotalBuffer scales the raw network estimate.
	TotalBuffer float64
	// MaxBatchSize is the absolute per-batch transfer cap.
	MaxBatchSize int
}

// DefaultConfig returns the production gas model.
func DefaultConfig() Config {
	return Config{
		MulticallOverhead:    35_000,
		BaseTransferGas:      65_000,
		AdditionalGasPerCall: 5_000,
		SafetyMargin:         0.75,
		TotalBuffer:          1.15,
		MaxBatchSize:         100,
	}
}

// Transfer is one validated ERC-20 withdrawal inside a batch.
type Transfer struct {
	RequestID string
	Token     common.Address
	To        common.Address
	Amount    *big.Int
}

// Group is one plannable batch: a contiguous slice of the input transfers
// with its aggregate3 calldata inputs and a gas limit that fits the chain.
type Group struct {
	Transfers   []Transfer
	Calls       []web3.Call3
	GasLimit    uint64
	TotalAmount *big.Int
}

// InvalidBatchError reports every structural problem found in a batch; it is
// fatal and never retried.
type InvalidBatchError struct {
	Reasons []string
}

func (e *InvalidBatchError) Error() string {
	return fmt.Sprintf("invalid batch: %s", strings.Join(e.Reasons, "; "))
}

// Planner builds batch plans for one (chain, network).
type Planner struct {
	cfg    Config
	chain  types.ChainContext
	client web3.ChainClient
	hints  *GasHints
}

// New builds a Planner. hints may be nil when no learning is wanted.
func New(cfg Config, chain types.ChainContext, client web3.ChainClient, hints *GasHints) *Planner {
	def := DefaultConfig()
	if cfg.MulticallOverhead == 0 {
		cfg.MulticallOverhead = def.MulticallOverhead
	}
	if cfg.BaseTransferGas == 0 {
		cfg.BaseTransferGas = def.BaseTransferGas
	}
	if cfg.AdditionalGasPerCall == 0 {
		cfg.AdditionalGasPerCall = def.AdditionalGasPerCall
	}
	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = def.SafetyMargin
	}
	if cfg.TotalBuffer == 0 {
		cfg.TotalBuffer = def.TotalBuffer
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	return &Planner{cfg: cfg, chain: chain, client: client, hints: hints}
}

// MaxBatchGas is the hard per-batch gas bound for this chain.
func (p *Planner) MaxBatchGas() uint64 {
	return uint64(float64(p.chain.BlockGasLimit) * p.cfg.SafetyMargin)
}

// Validate checks the batch structurally and converts it into transfers:
// request ids must be unique within the batch, addresses must be 20-byte hex
// and amounts positive integers. All problems are collected before reporting.
func (p *Planner) Validate(reqs []*types.WithdrawalRequest) ([]Transfer, error) {
	var reasons []string
	seen := make(map[string]bool, len(reqs))
	transfers := make([]Transfer, 0, len(reqs))
	for _, req := range reqs {
		if seen[req.RequestID] {
			reasons = append(reasons, fmt.Sprintf("duplicate request id %s", req.RequestID))
			continue
		}
		seen[req.RequestID] = true
		ok := true
		if !types.IsHexAddress(req.TokenAddress) {
			reasons = append(reasons, fmt.Sprintf("request %s: invalid token address %q", req.RequestID, req.TokenAddress))
			ok = false
		}
		if !types.IsHexAddress(req.ToAddress) {
			reasons = append(reasons, fmt.Sprintf("request %s: invalid destination address %q", req.RequestID, req.ToAddress))
			ok = false
		}
		amount, err := types.ParseBaseUnit(req.Amount)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("request %s: %v", req.RequestID, err))
			ok = false
		}
		if !ok {
			continue
		}
		transfers = append(transfers, Transfer{
			RequestID: req.RequestID,
			Token:     common.HexToAddress(req.TokenAddress),
			To:        common.HexToAddress(req.ToAddress),
			Amount:    amount,
		})
	}
	if len(reasons) > 0 {
		return nil, &InvalidBatchError{Reasons: reasons}
	}
	if len(transfers) == 0 {
		return nil, &InvalidBatchError{Reasons: []string{"empty batch"}}
	}
	return transfers, nil
}

// BuildCalls encodes each transfer into a Call3 with allowFailure=false, so
// one failed transfer reverts the whole batch atomically.
func BuildCalls(transfers []Transfer) ([]web3.Call3, error) {
	calls := make([]web3.Call3, 0, len(transfers))
	for _, t := range transfers {
		data, err := web3.PackTransfer(t.To, t.Amount)
		if err != nil {
			return nil, fmt.Errorf("encode transfer %s: %w", t.RequestID, err)
		}
		calls = append(calls, web3.Call3{Target: t.Token, CallData: data})
	}
	return calls, nil
}

// callGas applies the diminishing per-call cost: call k inside a group costs
// perCall discounted by min(0.15, 0.005*k), since later calls hit warm
// storage slots.
func callGas(perCall uint64, k int) uint64 {
	d := 0.005 * float64(k)
	if d > 0.15 {
		d = 0.15
	}
	return uint64(float64(perCall) * (1 - d))
}

// Prepare estimates the batch against the network and splits it into one or
// more groups, each under MaxBatchGas and the batch size cap. Transfer order
// is preserved across groups. No nonce is held at this stage.
func (p *Planner) Prepare(ctx context.Context, from common.Address, transfers []Transfer) ([]Group, error) {
	n := len(transfers)
	if n == 0 {
		return nil, &InvalidBatchError{Reasons: []string{"empty batch"}}
	}
	calls, err := BuildCalls(transfers)
	if err != nil {
		return nil, err
	}
	data, err := web3.PackAggregate3(calls)
	if err != nil {
		return nil, err
	}

	var perCall, total uint64
	raw, err := p.client.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &p.chain.Multicall3,
		Data: data,
	})
	if err == nil && raw > 0 {
		rawPerCall := raw / uint64(n)
		discount := 0.005 * float64(n)
		if discount > 0.15 {
			discount = 0.15
		}
		// The discounted sample feeds the per-token average; splitting works
		// from the buffered per-call share so groups stay conservative.
		p.learn(transfers, uint64(float64(rawPerCall)*(1-discount)))
		total = uint64(float64(raw) * p.cfg.TotalBuffer)
		perCall = total / uint64(n)
	} else {
		if err != nil {
			log.Warnw("batch gas estimation failed, using fallback model",
				"chain", p.chain.Chain, "network", p.chain.Network,
				"calls", n, "error", err.Error())
		}
		perCall = p.fallbackPerCall(transfers)
		total = p.cfg.MulticallOverhead + perCall*uint64(n) + p.cfg.AdditionalGasPerCall*uint64(n-1)
	}

	maxBatchGas := p.MaxBatchGas()
	if total <= maxBatchGas && n <= p.cfg.MaxBatchSize {
		return []Group{{
			Transfers:   transfers,
			Calls:       calls,
			GasLimit:    total,
			TotalAmount: sumAmounts(transfers),
		}}, nil
	}
	return p.split(transfers, perCall, maxBatchGas)
}

// learn feeds the adjusted per-call sample into each distinct token's hint.
func (p *Planner) learn(transfers []Transfer, sample uint64) {
	if p.hints == nil {
		return
	}
	seen := make(map[common.Address]bool)
	for _, t := range transfers {
		if seen[t.Token] {
			continue
		}
		seen[t.Token] = true
		p.hints.Update(p.chain.Chain, p.chain.Network, t.Token.Hex(), sample)
	}
}

// fallbackPerCall is the highest learned hint among the batch tokens, or the
// base assumption when nothing has been learned yet.
func (p *Planner) fallbackPerCall(transfers []Transfer) uint64 {
	perCall := uint64(0)
	if p.hints != nil {
		for _, t := range transfers {
			if hint, ok := p.hints.Hint(p.chain.Chain, p.chain.Network, t.Token.Hex()); ok && hint > perCall {
				perCall = hint
			}
		}
	}
	if perCall == 0 {
		perCall = p.cfg.BaseTransferGas
	}
	return perCall
}

// split walks the transfers in order, packing each group until the next call
// would push it past maxBatchGas or the size cap, then flushing and starting
// a fresh group. A group always accepts at least one transfer.
func (p *Planner) split(transfers []Transfer, perCall, maxBatchGas uint64) ([]Group, error) {
	var groups []Group
	var current []Transfer
	acc := p.cfg.MulticallOverhead

	flush := func() error {
		calls, err := BuildCalls(current)
		if err != nil {
			return err
		}
		groups = append(groups, Group{
			Transfers:   current,
			Calls:       calls,
			GasLimit:    acc,
			TotalAmount: sumAmounts(current),
		})
		current = nil
		acc = p.cfg.MulticallOverhead
		return nil
	}

	for _, t := range transfers {
		gas := callGas(perCall, len(current))
		if len(current) > 0 && (acc+gas > maxBatchGas || len(current) >= p.cfg.MaxBatchSize) {
			if err := flush(); err != nil {
				return nil, err
			}
			gas = callGas(perCall, 0)
		}
		current = append(current, t)
		acc += gas
	}
	if len(current) > 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}
	log.Infow("batch split into groups",
		"chain", p.chain.Chain, "network", p.chain.Network,
		"transfers", len(transfers), "groups", len(groups), "maxBatchGas", maxBatchGas)
	return groups, nil
}

// OptimalBatchSize returns the largest group size m, capped at the batch
// limit, whose accumulated diminishing cost stays under MaxBatchGas.
func (p *Planner) OptimalBatchSize(perCall uint64) int {
	maxBatchGas := p.MaxBatchGas()
	acc := p.cfg.MulticallOverhead
	m := 0
	for m < p.cfg.MaxBatchSize {
		next := acc + callGas(perCall, m)
		if next > maxBatchGas {
			break
		}
		acc = next
		m++
	}
	return m
}

func sumAmounts(transfers []Transfer) *big.Int {
	total := new(big.Int)
	for _, t := range transfers {
		total.Add(total, t.Amount)
	}
	return total
}

// EncodeBatchTransaction returns the aggregate3 calldata for a group's calls.
func EncodeBatchTransaction(calls []web3.Call3) ([]byte, error) {
	return web3.PackAggregate3(calls)
}

// DecodeBatchResult decodes an aggregate3 return value into per-call results.
func DecodeBatchResult(returnData []byte) ([]web3.Call3Result, error) {
	return web3.UnpackAggregate3(returnData)
}
