package planner

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"

	"github.com/opencustody/signer-node/types"
	"github.com/opencustody/signer-node/web3/web3test"
)

var testChain = types.ChainContext{
	Chain:          "ethereum",
	Network:        "mainnet",
	ChainID:        1,
	Multicall3:     common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11"),
	NativeSymbol:   "ETH",
	NativeDecimals: 18,
	BlockGasLimit:  30_000_000,
}

func testRequests(n int) []*types.WithdrawalRequest {
	reqs := make([]*types.WithdrawalRequest, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, &types.WithdrawalRequest{
			RequestID:    fmt.Sprintf("wd-%03d", i),
			ToAddress:    fmt.Sprintf("0x%040x", i+1),
			TokenAddress: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
			Amount:       "1000000",
			Chain:        "ethereum",
			Network:      "mainnet",
		})
	}
	return reqs
}

func TestValidateCollectsAllReasons(t *testing.T) {
	c := qt.New(t)
	p := New(Config{}, testChain, &web3test.Client{}, nil)

	reqs := testRequests(2)
	reqs = append(reqs,
		&types.WithdrawalRequest{RequestID: "wd-000", ToAddress: reqs[0].ToAddress, TokenAddress: reqs[0].TokenAddress, Amount: "1"},
		&types.WithdrawalRequest{RequestID: "bad-addr", ToAddress: "not-an-address", TokenAddress: reqs[0].TokenAddress, Amount: "1"},
		&types.WithdrawalRequest{RequestID: "bad-amount", ToAddress: reqs[0].ToAddress, TokenAddress: reqs[0].TokenAddress, Amount: "-5"},
	)

	_, err := p.Validate(reqs)
	c.Assert(err, qt.IsNotNil)
	var ib *InvalidBatchError
	c.Assert(err, qt.ErrorAs, &ib)
	c.Assert(ib.Reasons, qt.HasLen, 3)
	c.Assert(strings.Join(ib.Reasons, "\n"), qt.Contains, "duplicate request id wd-000")
	c.Assert(strings.Join(ib.Reasons, "\n"), qt.Contains, "bad-addr")
	c.Assert(strings.Join(ib.Reasons, "\n"), qt.Contains, "bad-amount")
}

func TestValidateConverts(t *testing.T) {
	c := qt.New(t)
	p := New(Config{}, testChain, &web3test.Client{}, nil)

	transfers, err := p.Validate(testRequests(3))
	c.Assert(err, qt.IsNil)
	c.Assert(transfers, qt.HasLen, 3)
	c.Assert(transfers[0].RequestID, qt.Equals, "wd-000")
	c.Assert(transfers[0].Amount.String(), qt.Equals, "1000000")
	c.Assert(transfers[0].Token, qt.Equals, common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"))
}

func TestValidateEmptyBatch(t *testing.T) {
	c := qt.New(t)
	p := New(Config{}, testChain, &web3test.Client{}, nil)
	_, err := p.Validate(nil)
	c.Assert(err, qt.IsNotNil)
}

func TestPrepareSingleGroupFromEstimate(t *testing.T) {
	c := qt.New(t)
	client := &web3test.Client{Gas: 500_000}
	hints, err := NewGasHints("")
	c.Assert(err, qt.IsNil)
	p := New(Config{}, testChain, client, hints)

	transfers, err := p.Validate(testRequests(5))
	c.Assert(err, qt.IsNil)
	groups, err := p.Prepare(context.Background(), common.HexToAddress("0x01"), transfers)
	c.Assert(err, qt.IsNil)
	c.Assert(groups, qt.HasLen, 1)
	// Raw estimate buffered by 1.15.
	c.Assert(groups[0].GasLimit, qt.Equals, uint64(575_000))
	c.Assert(groups[0].Transfers, qt.HasLen, 5)
	c.Assert(groups[0].Calls, qt.HasLen, 5)
	c.Assert(groups[0].TotalAmount.String(), qt.Equals, "5000000")

	// The adjusted per-call sample is learned per token:
	// 500000/5 = 100000, discounted by 0.005*5.
	hint, ok := hints.Hint("ethereum", "mainnet", "0xdAC17F958D2ee523a2206206994597C13D831ec7")
	c.Assert(ok, qt.IsTrue)
	c.Assert(hint, qt.Equals, uint64(97_500))
}

func TestPrepareFallbackModel(t *testing.T) {
	c := qt.New(t)
	client := &web3test.Client{
		EstimateGasFunc: func(context.Context, ethereum.CallMsg) (uint64, error) {
			return 0, fmt.Errorf("connection refused")
		},
	}
	p := New(Config{}, testChain, client, nil)

	transfers, err := p.Validate(testRequests(4))
	c.Assert(err, qt.IsNil)
	groups, err := p.Prepare(context.Background(), common.HexToAddress("0x01"), transfers)
	c.Assert(err, qt.IsNil)
	c.Assert(groups, qt.HasLen, 1)
	// 35000 + 65000*4 + 5000*3
	c.Assert(groups[0].GasLimit, qt.Equals, uint64(310_000))
}

func TestPrepareSplitsOversizedBatch(t *testing.T) {
	c := qt.New(t)
	chain := testChain
	chain.BlockGasLimit = 1_000_000 // maxBatchGas = 750000
	client := &web3test.Client{
		EstimateGasFunc: func(context.Context, ethereum.CallMsg) (uint64, error) {
			return 0, fmt.Errorf("connection refused")
		},
	}
	p := New(Config{}, chain, client, nil)

	transfers, err := p.Validate(testRequests(30))
	c.Assert(err, qt.IsNil)
	groups, err := p.Prepare(context.Background(), common.HexToAddress("0x01"), transfers)
	c.Assert(err, qt.IsNil)
	c.Assert(len(groups) > 1, qt.IsTrue)

	// Every group fits the bound, order is preserved and coverage is exact.
	var got []string
	for _, g := range groups {
		c.Assert(g.GasLimit <= p.MaxBatchGas(), qt.IsTrue,
			qt.Commentf("group gas %d exceeds %d", g.GasLimit, p.MaxBatchGas()))
		c.Assert(g.Calls, qt.HasLen, len(g.Transfers))
		for _, tr := range g.Transfers {
			got = append(got, tr.RequestID)
		}
	}
	c.Assert(got, qt.HasLen, 30)
	for i, id := range got {
		c.Assert(id, qt.Equals, fmt.Sprintf("wd-%03d", i))
	}
}

func TestSplitRespectsSizeCap(t *testing.T) {
	c := qt.New(t)
	client := &web3test.Client{
		EstimateGasFunc: func(context.Context, ethereum.CallMsg) (uint64, error) {
			return 0, fmt.Errorf("connection refused")
		},
	}
	p := New(Config{MaxBatchSize: 7}, testChain, client, nil)

	transfers, err := p.Validate(testRequests(20))
	c.Assert(err, qt.IsNil)
	groups, err := p.Prepare(context.Background(), common.HexToAddress("0x01"), transfers)
	c.Assert(err, qt.IsNil)
	c.Assert(groups, qt.HasLen, 3)
	for _, g := range groups {
		c.Assert(len(g.Transfers) <= 7, qt.IsTrue)
	}
}

func TestOptimalBatchSize(t *testing.T) {
	c := qt.New(t)
	p := New(Config{}, testChain, &web3test.Client{}, nil)

	// 30M block limit leaves room for far more than the cap.
	c.Assert(p.OptimalBatchSize(65_000), qt.Equals, 100)

	chain := testChain
	chain.BlockGasLimit = 1_000_000
	p = New(Config{}, chain, &web3test.Client{}, nil)
	m := p.OptimalBatchSize(65_000)
	c.Assert(m > 0, qt.IsTrue)
	c.Assert(m < 100, qt.IsTrue)

	// The reported size actually fits the bound; one more does not.
	acc := uint64(35_000)
	for k := 0; k < m; k++ {
		acc += callGas(65_000, k)
	}
	c.Assert(acc <= p.MaxBatchGas(), qt.IsTrue)
	c.Assert(acc+callGas(65_000, m) > p.MaxBatchGas(), qt.IsTrue)
}

func TestGasHintsEWMA(t *testing.T) {
	c := qt.New(t)
	hints, err := NewGasHints("")
	c.Assert(err, qt.IsNil)
	defer hints.Close()

	c.Assert(hints.Update("ethereum", "mainnet", "0xAb", 97_500), qt.Equals, uint64(97_500))
	c.Assert(hints.Update("ethereum", "mainnet", "0xAb", 80_000), qt.Equals, uint64(94_000))

	hint, ok := hints.Hint("ethereum", "mainnet", "0xab")
	c.Assert(ok, qt.IsTrue)
	c.Assert(hint, qt.Equals, uint64(94_000))

	_, ok = hints.Hint("ethereum", "mainnet", "0xcd")
	c.Assert(ok, qt.IsFalse)
}

func TestGasHintsPersistAcrossReopen(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()

	hints, err := NewGasHints(dir)
	c.Assert(err, qt.IsNil)
	hints.Update("polygon", "mainnet", "0xToken", 70_000)
	c.Assert(hints.Close(), qt.IsNil)

	reopened, err := NewGasHints(dir)
	c.Assert(err, qt.IsNil)
	defer reopened.Close()
	hint, ok := reopened.Hint("polygon", "mainnet", "0xtoken")
	c.Assert(ok, qt.IsTrue)
	c.Assert(hint, qt.Equals, uint64(70_000))
}
