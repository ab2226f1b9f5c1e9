package types

import "github.com/ethereum/go-ethereum/common"

// ChainContext carries the immutable facts about one (chain, network) pair.
// It is passed by value between the worker, the planner and the signer so
// that none of them needs a back-reference to the others.
type ChainContext struct {
	Chain          string
	Network        string
	ChainID        uint64
	Multicall3     common.Address
	NativeSymbol   string
	NativeDecimals int
	BlockGasLimit  uint64
}
