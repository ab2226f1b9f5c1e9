// Package tokens resolves ERC-20 metadata (symbol, decimals) for withdrawal
// requests. Known tokens come from the static catalog in config; unknown ones
// are read from the contract and cached.
package tokens

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/opencustody/signer-node/config"
	"github.com/opencustody/signer-node/log"
	"github.com/opencustody/signer-node/web3"
)

const (
	cacheSize = 512
	cacheTTL  = 1 * time.Hour
)

// Info is the metadata the planner needs about a token contract.
type Info struct {
	Symbol   string
	Decimals uint8
}

// Lookup resolves token metadata for a (chain, network, address) triple.
type Lookup interface {
	Token(ctx context.Context, chain, network string, addr common.Address) (Info, error)
}

// Catalog is the default Lookup: static entries first, then an on-chain
// decimals()/symbol() read through the RPC client, cached for an hour.
type Catalog struct {
	client web3.ChainClient
	cache  *expirable.LRU[string, Info]
}

// NewCatalog builds a Catalog backed by the given chain client.
func NewCatalog(client web3.ChainClient) *Catalog {
	return &Catalog{
		client: client,
		cache:  expirable.NewLRU[string, Info](cacheSize, nil, cacheTTL),
	}
}

// Token resolves metadata for addr, preferring the static catalog.
func (c *Catalog) Token(ctx context.Context, chain, network string, addr common.Address) (Info, error) {
	if ti, ok := config.LookupToken(chain, network, addr.Hex()); ok {
		return Info{Symbol: ti.Symbol, Decimals: uint8(ti.Decimals)}, nil
	}
	key := fmt.Sprintf("%s:%s:%s", chain, network, strings.ToLower(addr.Hex()))
	if info, ok := c.cache.Get(key); ok {
		return info, nil
	}
	info, err := c.fetch(ctx, addr)
	if err != nil {
		return Info{}, err
	}
	c.cache.Add(key, info)
	log.Debugw("resolved token metadata on-chain",
		"chain", chain, "network", network, "token", addr.Hex(),
		"symbol", info.Symbol, "decimals", info.Decimals)
	return info, nil
}

func (c *Catalog) fetch(ctx context.Context, addr common.Address) (Info, error) {
	decData, err := web3.PackDecimals()
	if err != nil {
		return Info{}, fmt.Errorf("pack decimals: %w", err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: decData})
	if err != nil {
		return Info{}, fmt.Errorf("call decimals on %s: %w", addr.Hex(), err)
	}
	decimals, err := web3.UnpackDecimals(out)
	if err != nil {
		return Info{}, fmt.Errorf("decode decimals from %s: %w", addr.Hex(), err)
	}

	symData, err := web3.PackSymbol()
	if err != nil {
		return Info{}, fmt.Errorf("pack symbol: %w", err)
	}
	symbol := ""
	out, err = c.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: symData})
	if err != nil {
		// Some tokens use bytes32 symbols or omit the method entirely;
		// decimals is the value the pipeline actually depends on.
		log.Warnw("token symbol unavailable", "token", addr.Hex(), "error", err.Error())
	} else if symbol, err = web3.UnpackSymbol(out); err != nil {
		log.Warnw("token symbol undecodable", "token", addr.Hex(), "error", err.Error())
		symbol = ""
	}
	return Info{Symbol: symbol, Decimals: decimals}, nil
}
