// Package rpc implements web3.ChainClient over a pool of JSON-RPC endpoints.
// Calls rotate to the next endpoint on transient failure and retry with
// exponential backoff; permanent errors (contract reverts) are returned
// immediately.
package rpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/opencustody/signer-node/log"
	"github.com/opencustody/signer-node/web3"
)

const (
	defaultCallTimeout = 10 * time.Second
	retryAttempts      = 3
	retryInitialDelay  = 1 * time.Second
	retryMaxDelay      = 4 * time.Second
)

// permanentErrorPatterns are failures that no endpoint rotation or retry can
// fix; typically the contract itself rejected the call.
var permanentErrorPatterns = []string{
	"execution reverted",
	"invalid opcode",
	"insufficient funds",
}

// IsPermanentError reports whether err can never succeed on retry.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range permanentErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Client is a chain-bound pool of ethclient endpoints.
type Client struct {
	chainID uint64
	timeout time.Duration

	mu        sync.Mutex
	idx       int
	endpoints []*ethclient.Client
	uris      []string
}

// Dial connects to every URI and verifies each endpoint reports the expected
// chain id, failing fast on a misconfigured URL. At least one endpoint must
// be reachable.
func Dial(ctx context.Context, chainID uint64, uris []string) (*Client, error) {
	if len(uris) == 0 {
		return nil, fmt.Errorf("no rpc endpoints configured for chain %d", chainID)
	}
	c := &Client{chainID: chainID, timeout: defaultCallTimeout}
	for _, uri := range uris {
		dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
		ec, err := ethclient.DialContext(dialCtx, uri)
		if err != nil {
			cancel()
			log.Warnw("skipping unreachable rpc endpoint", "uri", uri, "error", err.Error())
			continue
		}
		remote, err := ec.ChainID(dialCtx)
		cancel()
		if err != nil {
			log.Warnw("skipping rpc endpoint without chain id", "uri", uri, "error", err.Error())
			ec.Close()
			continue
		}
		if remote.Uint64() != chainID {
			ec.Close()
			return nil, fmt.Errorf("rpc endpoint %s reports chain id %d, expected %d", uri, remote.Uint64(), chainID)
		}
		c.endpoints = append(c.endpoints, ec)
		c.uris = append(c.uris, uri)
	}
	if len(c.endpoints) == 0 {
		return nil, fmt.Errorf("no reachable rpc endpoints for chain %d", chainID)
	}
	return c, nil
}

// Close disconnects every endpoint.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ec := range c.endpoints {
		ec.Close()
	}
}

// ChainID returns the chain id the client was dialed for.
func (c *Client) ChainID() uint64 { return c.chainID }

func (c *Client) endpoint() (*ethclient.Client, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.idx], c.uris[c.idx]
}

func (c *Client) rotate() {
	c.mu.Lock()
	c.idx = (c.idx + 1) % len(c.endpoints)
	c.mu.Unlock()
}

// call runs fn against the current endpoint, rotating and backing off on
// transient failure.
func (c *Client) call(ctx context.Context, name string, fn func(ctx context.Context, ec *ethclient.Client) error) error {
	delay := retryInitialDelay
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		ec, uri := c.endpoint()
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(callCtx, ec)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanentError(err) || ctx.Err() != nil {
			return err
		}
		log.Warnw("rpc call failed, rotating endpoint",
			"call", name, "uri", uri, "attempt", attempt+1, "error", err.Error())
		c.rotate()
		if attempt < retryAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, retryAttempts, lastErr)
}

// RemoteChainID queries the endpoint's reported chain id.
func (c *Client) RemoteChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.call(ctx, "eth_chainId", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		id, err = ec.ChainID(ctx)
		return err
	})
	return id, err
}

// PendingNonceAt returns the account's next nonce including pending txs.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.call(ctx, "eth_getTransactionCount(pending)", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		nonce, err = ec.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// LatestNonceAt returns the account's confirmed transaction count.
func (c *Client) LatestNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.call(ctx, "eth_getTransactionCount(latest)", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		nonce, err = ec.NonceAt(ctx, account, nil)
		return err
	})
	return nonce, err
}

// FeeData builds the EIP-1559 fee suggestion the same way ethers' getFeeData
// does: tip from eth_maxPriorityFeePerGas, fee cap from twice the latest base
// fee plus the tip. Either cap can come back nil on pre-London endpoints.
func (c *Client) FeeData(ctx context.Context) (*web3.FeeData, error) {
	var fd web3.FeeData
	err := c.call(ctx, "feeData", func(ctx context.Context, ec *ethclient.Client) error {
		tip, err := ec.SuggestGasTipCap(ctx)
		if err != nil {
			return fmt.Errorf("suggest tip: %w", err)
		}
		head, err := ec.HeaderByNumber(ctx, nil)
		if err != nil {
			return fmt.Errorf("header by number: %w", err)
		}
		fd.MaxPriorityFeePerGas = tip
		if head.BaseFee != nil && tip != nil {
			fd.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &fd, nil
}

// EstimateGas simulates the call and returns a gas estimate.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.call(ctx, "eth_estimateGas", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		gas, err = ec.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// CallContract executes a read-only call at the latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := c.call(ctx, "eth_call", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		out, err = ec.CallContract(ctx, msg, nil)
		return err
	})
	return out, err
}
