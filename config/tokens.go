package config

import "strings"

// TokenInfo is one bundled token catalog entry.
type TokenInfo struct {
	Symbol   string
	Decimals int
}

// tokens is keyed by "chain:network:lowercase(address)". The bundled set
// covers the stablecoins most custodial withdrawals move; anything else is
// resolved on-chain by the tokens package and cached.
var tokens = map[string]TokenInfo{
	"ethereum:mainnet:0xdac17f958d2ee523a2206206994597c13d831ec7": {Symbol: "USDT", Decimals: 6},
	"ethereum:mainnet:0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": {Symbol: "USDC", Decimals: 6},
	"ethereum:mainnet:0x6b175474e89094c44da98b954eedeac495271d0f": {Symbol: "DAI", Decimals: 18},
	"polygon:mainnet:0xc2132d05d31c914a87c6611c10748aeb04b58e8f":  {Symbol: "USDT", Decimals: 6},
	"polygon:mainnet:0x3c499c542cef5e3811e1192ce70d8cc03d5c3359":  {Symbol: "USDC", Decimals: 6},
	"bsc:mainnet:0x55d398326f99059ff775485246999027b3197955":      {Symbol: "USDT", Decimals: 18},
	"bsc:mainnet:0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d":      {Symbol: "USDC", Decimals: 18},
}

// LookupToken returns the bundled catalog entry for a token address on a
// given (chain, network), if one exists.
func LookupToken(chain, network, address string) (TokenInfo, bool) {
	key := strings.ToLower(chain) + ":" + strings.ToLower(network) + ":" + strings.ToLower(address)
	info, ok := tokens[key]
	return info, ok
}
