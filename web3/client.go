// Package web3 defines the chain-facing surface the signing pipeline
// consumes: the ChainClient interface implemented by the rpc subpackage, the
// EIP-1559 fee data shape, and the ABI helpers for the Multicall3 and ERC-20
// calls the node issues.
package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// FeeData is a pair of EIP-1559 fee caps as reported by the chain.
type FeeData struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Complete reports whether both caps are present; pre-London endpoints can
// return partial data, which the pipeline treats as unpriceable.
func (f *FeeData) Complete() bool {
	return f != nil && f.MaxFeePerGas != nil && f.MaxPriorityFeePerGas != nil
}

// ChainClient is the RPC surface the pipeline needs. The rpc subpackage
// implements it over a pool of endpoints; tests substitute fakes.
type ChainClient interface {
	// ChainID returns the chain id the client was dialed for.
	ChainID() uint64
	// RemoteChainID queries the endpoint's reported chain id, used to catch
	// misconfigured RPC URLs at startup.
	RemoteChainID(ctx context.Context) (*big.Int, error)
	// PendingNonceAt returns the account's next nonce including pending txs.
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	// LatestNonceAt returns the account's confirmed transaction count.
	LatestNonceAt(ctx context.Context, account common.Address) (uint64, error)
	// FeeData returns the current EIP-1559 fee suggestion.
	FeeData(ctx context.Context) (*FeeData, error)
	// EstimateGas simulates the call and returns a gas estimate.
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	// CallContract executes a read-only call at the latest block.
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}
