// Package config holds the static registry of supported chains and networks,
// plus the bundled token catalog entries. Everything here is data; runtime
// configuration lives in cmd/signer-node.
package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opencustody/signer-node/types"
)

// DefaultMulticall3 is the canonical Multicall3 deployment address, identical
// on every chain that carries the contract.
const DefaultMulticall3 = "0xcA11bde05977b3631167028862bE2a173976CA11"

// DefaultBlockGasLimit is assumed when a chain has no explicit override.
const DefaultBlockGasLimit = 30_000_000

// ChainConfig describes one supported (chain, network) pair.
type ChainConfig struct {
	Chain          string
	Network        string
	ChainID        uint64
	Multicall3     string
	NativeSymbol   string
	NativeDecimals int
	BlockGasLimit  uint64
}

// chains is keyed by "chain:network".
var chains = map[string]ChainConfig{
	"ethereum:mainnet": {Chain: "ethereum", Network: "mainnet", ChainID: 1, NativeSymbol: "ETH"},
	"ethereum:testnet": {Chain: "ethereum", Network: "testnet", ChainID: 11155111, NativeSymbol: "ETH"},
	"polygon:mainnet":  {Chain: "polygon", Network: "mainnet", ChainID: 137, NativeSymbol: "MATIC"},
	"polygon:testnet":  {Chain: "polygon", Network: "testnet", ChainID: 80002, NativeSymbol: "MATIC"},
	"bsc:mainnet":      {Chain: "bsc", Network: "mainnet", ChainID: 56, NativeSymbol: "BNB", BlockGasLimit: 140_000_000},
	"bsc:testnet":      {Chain: "bsc", Network: "testnet", ChainID: 97, NativeSymbol: "BNB", BlockGasLimit: 140_000_000},
	"arbitrum:mainnet": {Chain: "arbitrum", Network: "mainnet", ChainID: 42161, NativeSymbol: "ETH"},
	"base:mainnet":     {Chain: "base", Network: "mainnet", ChainID: 8453, NativeSymbol: "ETH"},
}

func chainKey(chain, network string) string {
	return strings.ToLower(chain) + ":" + strings.ToLower(network)
}

// LookupChain returns the configuration for a (chain, network) pair, filling
// in the universal defaults for fields a chain does not override.
func LookupChain(chain, network string) (ChainConfig, bool) {
	cfg, ok := chains[chainKey(chain, network)]
	if !ok {
		return ChainConfig{}, false
	}
	if cfg.Multicall3 == "" {
		cfg.Multicall3 = DefaultMulticall3
	}
	if cfg.NativeDecimals == 0 {
		cfg.NativeDecimals = 18
	}
	if cfg.BlockGasLimit == 0 {
		cfg.BlockGasLimit = DefaultBlockGasLimit
	}
	return cfg, true
}

// IsSupported reports whether the (chain, network) pair is registered.
func IsSupported(chain, network string) bool {
	_, ok := chains[chainKey(chain, network)]
	return ok
}

// Context builds the immutable chain context handed to the worker, planner
// and signer.
func (c ChainConfig) Context() types.ChainContext {
	return types.ChainContext{
		Chain:          c.Chain,
		Network:        c.Network,
		ChainID:        c.ChainID,
		Multicall3:     common.HexToAddress(c.Multicall3),
		NativeSymbol:   c.NativeSymbol,
		NativeDecimals: c.NativeDecimals,
		BlockGasLimit:  c.BlockGasLimit,
	}
}

// MustChain is LookupChain for wiring code where the pair was already
// validated; it panics on unknown pairs.
func MustChain(chain, network string) ChainConfig {
	cfg, ok := LookupChain(chain, network)
	if !ok {
		panic(fmt.Sprintf("unsupported chain %s network %s", chain, network))
	}
	return cfg
}
