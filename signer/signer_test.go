package signer

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	qt "github.com/frankban/quicktest"

	"github.com/opencustody/signer-node/config"
	"github.com/opencustody/signer-node/gasprice"
	"github.com/opencustody/signer-node/kv"
	"github.com/opencustody/signer-node/nonce"
	"github.com/opencustody/signer-node/planner"
	"github.com/opencustody/signer-node/secrets"
	"github.com/opencustody/signer-node/tokens"
	"github.com/opencustody/signer-node/types"
	"github.com/opencustody/signer-node/web3"
	"github.com/opencustody/signer-node/web3/web3test"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type staticLookup struct {
	symbol   string
	decimals uint8
}

func (l staticLookup) Token(ctx context.Context, chain, network string, addr common.Address) (tokens.Info, error) {
	return tokens.Info{Symbol: l.symbol, Decimals: l.decimals}, nil
}

func polygonFees() *web3.FeeData {
	return &web3.FeeData{
		MaxFeePerGas:         big.NewInt(30_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_500_000_000),
	}
}

func newTestSigner(c *qt.C, chain types.ChainContext, client *web3test.Client, lookup tokens.Lookup) *Signer {
	client.ID = chain.ChainID
	coord := nonce.New(kv.NewMemoryStore(), 0)
	plan := planner.New(planner.Config{}, chain, client, nil)
	if lookup == nil {
		lookup = staticLookup{symbol: "USDT", decimals: 6}
	}
	s, err := New(context.Background(), secrets.Static(testKey), chain, client,
		coord, gasprice.New(30*time.Second), plan, lookup)
	c.Assert(err, qt.IsNil)
	return s
}

func TestSignSingleNative(t *testing.T) {
	c := qt.New(t)
	chain := config.MustChain("polygon", "testnet").Context()
	client := &web3test.Client{
		PendingNonce: 10,
		Fees:         polygonFees(),
		Gas:          100_000,
	}
	s := newTestSigner(c, chain, client, nil)

	st, err := s.SignSingle(context.Background(), &types.WithdrawalRequest{
		RequestID: "wd-1",
		ToAddress: "0x742d35Cc6634C0532925a3b844Bc454e4438fAEd",
		Amount:    "1000000000000000000",
		Chain:     "polygon",
		Network:   "testnet",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(st.Nonce, qt.Equals, uint64(10))
	c.Assert(st.GasLimit, qt.Equals, "120000")
	c.Assert(st.MaxFeePerGas, qt.Equals, "33000000000")
	c.Assert(st.MaxPriorityFeePerGas, qt.Equals, "1650000000")
	c.Assert(st.To, qt.Equals, "0x742d35Cc6634C0532925a3b844Bc454e4438fAEd")
	c.Assert(st.Value, qt.Equals, "1000000000000000000")
	c.Assert(st.Data, qt.Equals, "")
	c.Assert(st.TransactionType, qt.Equals, types.TxTypeSingle)
	c.Assert(st.ChainID, qt.Equals, uint64(80002))
	c.Assert(st.Status, qt.Equals, types.StatusSigned)

	// The raw payload is a decodable type-2 transaction matching the fields.
	raw, err := hexutil.Decode(st.RawTransaction)
	c.Assert(err, qt.IsNil)
	var tx ethtypes.Transaction
	c.Assert(tx.UnmarshalBinary(raw), qt.IsNil)
	c.Assert(tx.Type(), qt.Equals, uint8(ethtypes.DynamicFeeTxType))
	c.Assert(tx.Nonce(), qt.Equals, uint64(10))
	c.Assert(tx.Gas(), qt.Equals, uint64(120_000))
	c.Assert(tx.Hash().Hex(), qt.Equals, st.TxHash)

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), &tx)
	c.Assert(err, qt.IsNil)
	c.Assert(sender, qt.Equals, s.From())
}

func TestSignSingleERC20(t *testing.T) {
	c := qt.New(t)
	chain := config.MustChain("polygon", "testnet").Context()
	client := &web3test.Client{
		PendingNonce: 10,
		Fees:         polygonFees(),
		Gas:          60_000,
	}
	s := newTestSigner(c, chain, client, staticLookup{symbol: "USDT", decimals: 6})

	token := "0xc2132D05D31c914a87C6611C10748AEb04B58e8F"
	st, err := s.SignSingle(context.Background(), &types.WithdrawalRequest{
		RequestID:    "wd-2",
		ToAddress:    "0x742d35Cc6634C0532925a3b844Bc454e4438fAEd",
		TokenAddress: token,
		Amount:       "1000000",
		Chain:        "polygon",
		Network:      "testnet",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(st.To, qt.Equals, token)
	c.Assert(st.Value, qt.Equals, "0")
	c.Assert(strings.HasPrefix(st.Data, "0xa9059cbb"), qt.IsTrue)

	data, err := hexutil.Decode(st.Data)
	c.Assert(err, qt.IsNil)
	to, amount, err := web3.UnpackTransferArgs(data)
	c.Assert(err, qt.IsNil)
	c.Assert(to, qt.Equals, common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438fAEd"))
	c.Assert(amount.String(), qt.Equals, "1000000")
}

func TestSignSingleEstimateFailureBurnsNoNonce(t *testing.T) {
	c := qt.New(t)
	chain := config.MustChain("polygon", "testnet").Context()
	client := &web3test.Client{
		PendingNonce: 10,
		Fees:         polygonFees(),
		EstimateGasFunc: func(context.Context, ethereum.CallMsg) (uint64, error) {
			return 0, fmt.Errorf("execution reverted")
		},
	}
	s := newTestSigner(c, chain, client, nil)

	_, err := s.SignSingle(context.Background(), &types.WithdrawalRequest{
		RequestID: "wd-3",
		ToAddress: "0x742d35Cc6634C0532925a3b844Bc454e4438fAEd",
		Amount:    "1",
		Chain:     "polygon",
		Network:   "testnet",
	})
	c.Assert(err, qt.ErrorIs, ErrGasEstimationFailed)

	// The next successful signing still gets nonce 10.
	client.EstimateGasFunc = nil
	client.Gas = 21_000
	st, err := s.SignSingle(context.Background(), &types.WithdrawalRequest{
		RequestID: "wd-4",
		ToAddress: "0x742d35Cc6634C0532925a3b844Bc454e4438fAEd",
		Amount:    "1",
		Chain:     "polygon",
		Network:   "testnet",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(st.Nonce, qt.Equals, uint64(10))
}

func TestSignSingleReturnsNonceOnFeeFailure(t *testing.T) {
	c := qt.New(t)
	chain := config.MustChain("polygon", "testnet").Context()
	failFees := true
	client := &web3test.Client{
		PendingNonce: 10,
		Gas:          21_000,
		FeeDataFunc: func(context.Context) (*web3.FeeData, error) {
			if failFees {
				return nil, fmt.Errorf("connection refused")
			}
			return polygonFees(), nil
		},
	}
	s := newTestSigner(c, chain, client, nil)

	req := &types.WithdrawalRequest{
		RequestID: "wd-5",
		ToAddress: "0x742d35Cc6634C0532925a3b844Bc454e4438fAEd",
		Amount:    "1",
		Chain:     "polygon",
		Network:   "testnet",
	}
	_, err := s.SignSingle(context.Background(), req)
	c.Assert(err, qt.ErrorIs, ErrFeeDataUnavailable)

	// Nonce 10 went to the pool and is reissued on the retry.
	failFees = false
	st, err := s.SignSingle(context.Background(), req)
	c.Assert(err, qt.IsNil)
	c.Assert(st.Nonce, qt.Equals, uint64(10))
}

func TestSignBatchSingleGroup(t *testing.T) {
	c := qt.New(t)
	chain := config.MustChain("ethereum", "mainnet").Context()
	client := &web3test.Client{
		PendingNonce: 10,
		Fees:         polygonFees(),
		Gas:          200_000,
		CallContractFunc: func(context.Context, ethereum.CallMsg) ([]byte, error) {
			return nil, fmt.Errorf("not wired") // allowance check is best-effort
		},
	}
	s := newTestSigner(c, chain, client, nil)

	token := common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	transfers := []planner.Transfer{
		{RequestID: "wd-1", Token: token, To: common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438fAEd"), Amount: big.NewInt(1_000_000)},
		{RequestID: "wd-2", Token: token, To: common.HexToAddress("0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"), Amount: big.NewInt(2_000_000)},
	}
	signed, err := s.SignBatch(context.Background(), 17, transfers)
	c.Assert(err, qt.IsNil)
	c.Assert(signed, qt.HasLen, 1)
	c.Assert(signed[0].Members, qt.DeepEquals, []string{"wd-1", "wd-2"})

	st := signed[0].Tx
	c.Assert(st.TransactionType, qt.Equals, types.TxTypeBatch)
	c.Assert(st.BatchID, qt.Equals, "17")
	c.Assert(st.Nonce, qt.Equals, uint64(10))
	c.Assert(st.To, qt.Equals, chain.Multicall3.Hex())
	c.Assert(st.Value, qt.Equals, "0")
	// Raw estimate of 200000, buffered by 1.15.
	c.Assert(st.GasLimit, qt.Equals, "230000")
	c.Assert(strings.HasPrefix(st.Data, "0x82ad56cb"), qt.IsTrue)
}

func TestSignBatchSplitConsumesConsecutiveNonces(t *testing.T) {
	c := qt.New(t)
	chain := config.MustChain("ethereum", "mainnet").Context()
	client := &web3test.Client{
		PendingNonce: 10,
		Fees:         polygonFees(),
		Gas:          25_000_000,
		CallContractFunc: func(context.Context, ethereum.CallMsg) ([]byte, error) {
			return nil, fmt.Errorf("not wired")
		},
	}
	s := newTestSigner(c, chain, client, nil)

	token := common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	transfers := make([]planner.Transfer, 0, 100)
	for i := 0; i < 100; i++ {
		transfers = append(transfers, planner.Transfer{
			RequestID: fmt.Sprintf("wd-%03d", i),
			Token:     token,
			To:        common.HexToAddress(fmt.Sprintf("0x%040x", i+1)),
			Amount:    big.NewInt(1_000_000),
		})
	}
	signed, err := s.SignBatch(context.Background(), 42, transfers)
	c.Assert(err, qt.IsNil)
	c.Assert(len(signed) >= 2, qt.IsTrue)

	maxBatchGas := uint64(float64(chain.BlockGasLimit) * 0.75)
	members := 0
	for k, sg := range signed {
		st := sg.Tx
		c.Assert(st.Nonce, qt.Equals, uint64(10+k))
		c.Assert(st.BatchID, qt.Equals, fmt.Sprintf("42-%d", k))
		gas, ok := new(big.Int).SetString(st.GasLimit, 10)
		c.Assert(ok, qt.IsTrue)
		c.Assert(gas.Uint64() <= maxBatchGas, qt.IsTrue)
		members += len(sg.Members)
	}
	// Every transfer lands in exactly one group.
	c.Assert(members, qt.Equals, 100)
}

func TestSignBatchNonceStoreUnavailable(t *testing.T) {
	c := qt.New(t)
	chain := config.MustChain("ethereum", "mainnet").Context()
	client := &web3test.Client{
		PendingNonce: 10,
		Fees:         polygonFees(),
		Gas:          200_000,
		CallContractFunc: func(context.Context, ethereum.CallMsg) ([]byte, error) {
			return nil, fmt.Errorf("not wired")
		},
	}
	client.ID = chain.ChainID

	store := kv.NewMemoryStore()
	coord := nonce.New(&failingIncrStore{Store: store}, 0)
	plan := planner.New(planner.Config{}, chain, client, nil)
	s, err := New(context.Background(), secrets.Static(testKey), chain, client,
		coord, gasprice.New(30*time.Second), plan, staticLookup{symbol: "USDT", decimals: 6})
	c.Assert(err, qt.IsNil)

	token := common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	signed, err := s.SignBatch(context.Background(), 7, []planner.Transfer{
		{RequestID: "wd-1", Token: token, To: common.HexToAddress("0x01"), Amount: big.NewInt(1)},
	})
	c.Assert(err, qt.ErrorIs, kv.ErrUnavailable)
	c.Assert(signed, qt.HasLen, 0)
}

// failingIncrStore lets reads through but fails counter increments, the way
// an unreachable nonce store does mid-flight.
type failingIncrStore struct {
	kv.Store
}

func (f *failingIncrStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return 0, fmt.Errorf("%w: connection refused", kv.ErrUnavailable)
}

func TestChainIDMismatchFailsInit(t *testing.T) {
	c := qt.New(t)
	chain := config.MustChain("ethereum", "mainnet").Context()
	client := &web3test.Client{ID: chain.ChainID, RemoteID: big.NewInt(137)}
	coord := nonce.New(kv.NewMemoryStore(), 0)
	plan := planner.New(planner.Config{}, chain, client, nil)

	_, err := New(context.Background(), secrets.Static(testKey), chain, client,
		coord, gasprice.New(30*time.Second), plan, staticLookup{})
	c.Assert(err, qt.IsNotNil)
	c.Assert(err.Error(), qt.Contains, "chain id")
}

func TestChecksumFallbackAddress(t *testing.T) {
	c := qt.New(t)
	// Broken mixed-case checksum falls back to the lowercase form.
	out, ok := types.ChecksumAddress("0x742D35cc6634C0532925a3b844Bc454e4438fAEd")
	c.Assert(ok, qt.IsFalse)
	c.Assert(out, qt.Equals, "0x742d35cc6634c0532925a3b844bc454e4438faed")
}
