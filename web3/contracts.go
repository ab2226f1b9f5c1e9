package web3

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Multicall3 aggregate3 and the slice of the ERC-20 interface the node uses.
// Parsed once at init; the JSON mirrors the deployed contract signatures.
const (
	multicall3JSON = `[{"type":"function","name":"aggregate3","stateMutability":"payable","inputs":[{"name":"calls","type":"tuple[]","components":[{"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"callData","type":"bytes"}]}],"outputs":[{"name":"returnData","type":"tuple[]","components":[{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]}]`

	erc20JSON = `[
		{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
		{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
	]`
)

var (
	multicall3ABI abi.ABI
	erc20ABI      abi.ABI
)

func init() {
	var err error
	multicall3ABI, err = abi.JSON(strings.NewReader(multicall3JSON))
	if err != nil {
		panic(fmt.Sprintf("parse multicall3 abi: %v", err))
	}
	erc20ABI, err = abi.JSON(strings.NewReader(erc20JSON))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
}

// Call3 is one entry of a Multicall3 aggregate3 batch. Field names match the
// ABI tuple components so the abi package can pack them directly.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Call3Result is one entry of an aggregate3 return value.
type Call3Result struct {
	Success    bool
	ReturnData []byte
}

// PackAggregate3 encodes the aggregate3(calls) calldata.
func PackAggregate3(calls []Call3) ([]byte, error) {
	data, err := multicall3ABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}
	return data, nil
}

// UnpackAggregate3 decodes an aggregate3 return value into per-call results.
func UnpackAggregate3(data []byte) ([]Call3Result, error) {
	out, err := multicall3ABI.Unpack("aggregate3", data)
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate3: %w", err)
	}
	results := *abi.ConvertType(out[0], new([]Call3Result)).(*[]Call3Result)
	return results, nil
}

// PackTransfer encodes ERC20 transfer(to, amount) calldata.
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	return data, nil
}

// UnpackTransferArgs decodes transfer calldata back into (to, amount); used
// by tests and debugging tooling.
func UnpackTransferArgs(data []byte) (common.Address, *big.Int, error) {
	if len(data) < 4 {
		return common.Address{}, nil, fmt.Errorf("calldata too short")
	}
	args, err := erc20ABI.Methods["transfer"].Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("unpack transfer args: %w", err)
	}
	to := *abi.ConvertType(args[0], new(common.Address)).(*common.Address)
	amount := *abi.ConvertType(args[1], new(*big.Int)).(**big.Int)
	return to, amount, nil
}

// PackAllowance encodes ERC20 allowance(owner, spender) calldata.
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("pack allowance: %w", err)
	}
	return data, nil
}

// UnpackAllowance decodes an allowance return value.
func UnpackAllowance(data []byte) (*big.Int, error) {
	out, err := erc20ABI.Unpack("allowance", data)
	if err != nil {
		return nil, fmt.Errorf("unpack allowance: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// PackDecimals encodes ERC20 decimals() calldata.
func PackDecimals() ([]byte, error) {
	return erc20ABI.Pack("decimals")
}

// UnpackDecimals decodes a decimals() return value.
func UnpackDecimals(data []byte) (uint8, error) {
	out, err := erc20ABI.Unpack("decimals", data)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

// PackSymbol encodes ERC20 symbol() calldata.
func PackSymbol() ([]byte, error) {
	return erc20ABI.Pack("symbol")
}

// UnpackSymbol decodes a symbol() return value.
func UnpackSymbol(data []byte) (string, error) {
	out, err := erc20ABI.Unpack("symbol", data)
	if err != nil {
		return "", fmt.Errorf("unpack symbol: %w", err)
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}
