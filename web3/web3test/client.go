// Package web3test provides a programmable in-memory ChainClient for tests.
package web3test

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"

	"github.com/opencustody/signer-node/web3"

	"github.com/ethereum/go-ethereum/common"
)

// Client is a fake web3.ChainClient. Zero value fields fall back to sane
// defaults; set the Func hooks to script specific behavior per call.
type Client struct {
	ID           uint64
	RemoteID     *big.Int
	PendingNonce uint64
	LatestNonce  uint64
	Fees         *web3.FeeData
	Gas          uint64

	PendingNonceFunc func(ctx context.Context, account common.Address) (uint64, error)
	LatestNonceFunc  func(ctx context.Context, account common.Address) (uint64, error)
	FeeDataFunc      func(ctx context.Context) (*web3.FeeData, error)
	EstimateGasFunc  func(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContractFunc func(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)

	mu            sync.Mutex
	estimateCalls int
	callCalls     int
}

func (c *Client) ChainID() uint64 { return c.ID }

func (c *Client) RemoteChainID(ctx context.Context) (*big.Int, error) {
	if c.RemoteID != nil {
		return new(big.Int).Set(c.RemoteID), nil
	}
	return new(big.Int).SetUint64(c.ID), nil
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if c.PendingNonceFunc != nil {
		return c.PendingNonceFunc(ctx, account)
	}
	return c.PendingNonce, nil
}

func (c *Client) LatestNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if c.LatestNonceFunc != nil {
		return c.LatestNonceFunc(ctx, account)
	}
	return c.LatestNonce, nil
}

func (c *Client) FeeData(ctx context.Context) (*web3.FeeData, error) {
	if c.FeeDataFunc != nil {
		return c.FeeDataFunc(ctx)
	}
	if c.Fees != nil {
		return c.Fees, nil
	}
	return &web3.FeeData{
		MaxFeePerGas:         big.NewInt(30_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_500_000_000),
	}, nil
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	c.estimateCalls++
	c.mu.Unlock()
	if c.EstimateGasFunc != nil {
		return c.EstimateGasFunc(ctx, msg)
	}
	if c.Gas != 0 {
		return c.Gas, nil
	}
	return 50_000, nil
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	c.mu.Lock()
	c.callCalls++
	c.mu.Unlock()
	if c.CallContractFunc != nil {
		return c.CallContractFunc(ctx, msg)
	}
	return nil, fmt.Errorf("web3test: no CallContractFunc configured")
}

// EstimateCalls reports how many times EstimateGas was invoked.
func (c *Client) EstimateCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimateCalls
}

// ContractCalls reports how many times CallContract was invoked.
func (c *Client) ContractCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCalls
}
