package web3

import (
	"encoding/hex"
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/ethereum/go-ethereum/common"
)

func TestPackTransferSelector(t *testing.T) {
	c := qt.New(t)

	to := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438fAEd")
	data, err := PackTransfer(to, big.NewInt(1_000_000))
	c.Assert(err, qt.IsNil)
	c.Assert(hex.EncodeToString(data[:4]), qt.Equals, "a9059cbb")

	gotTo, gotAmount, err := UnpackTransferArgs(data)
	c.Assert(err, qt.IsNil)
	c.Assert(gotTo, qt.Equals, to)
	c.Assert(gotAmount.String(), qt.Equals, "1000000")
}

func TestPackAggregate3Selector(t *testing.T) {
	c := qt.New(t)

	token := common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	transfer, err := PackTransfer(common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438fAEd"), big.NewInt(1))
	c.Assert(err, qt.IsNil)

	data, err := PackAggregate3([]Call3{{Target: token, CallData: transfer}})
	c.Assert(err, qt.IsNil)
	c.Assert(hex.EncodeToString(data[:4]), qt.Equals, "82ad56cb")
}

func TestAggregate3ResultRoundTrip(t *testing.T) {
	c := qt.New(t)

	results := []Call3Result{
		{Success: true, ReturnData: common.LeftPadBytes([]byte{1}, 32)},
		{Success: false, ReturnData: []byte{}},
	}
	packed, err := multicall3ABI.Methods["aggregate3"].Outputs.Pack(results)
	c.Assert(err, qt.IsNil)

	got, err := UnpackAggregate3(packed)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.HasLen, 2)
	c.Assert(got[0].Success, qt.IsTrue)
	c.Assert(got[1].Success, qt.IsFalse)
	c.Assert(got[0].ReturnData, qt.DeepEquals, results[0].ReturnData)
}

func TestAllowancePacking(t *testing.T) {
	c := qt.New(t)

	owner := common.HexToAddress("0x0000000000000000000000000000000000000001")
	spender := common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")
	data, err := PackAllowance(owner, spender)
	c.Assert(err, qt.IsNil)
	c.Assert(hex.EncodeToString(data[:4]), qt.Equals, "dd62ed3e")

	packed, err := erc20ABI.Methods["allowance"].Outputs.Pack(big.NewInt(5000))
	c.Assert(err, qt.IsNil)
	allowance, err := UnpackAllowance(packed)
	c.Assert(err, qt.IsNil)
	c.Assert(allowance.String(), qt.Equals, "5000")
}
