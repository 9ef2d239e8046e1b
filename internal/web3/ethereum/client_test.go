package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	xerrors "AgentFleet-Chain/internal/errors"
	"AgentFleet-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

const counterABI = `[
	{"type":"function","name":"value","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"bump","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]}
]`

type fakeEth struct {
	callOutput  []byte
	callErr     error
	chainID     *big.Int
	blockNumber uint64

	lastMsg gethcore.CallMsg
}

func (f *fakeEth) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastMsg = msg
	return f.callOutput, f.callErr
}

func (f *fakeEth) ChainID(_ context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeEth) BlockNumber(_ context.Context) (uint64, error) {
	return f.blockNumber, nil
}

type fakeRaw struct {
	result string
	err    error

	method string
	args   []any
}

func (f *fakeRaw) CallContext(_ context.Context, result any, method string, args ...any) error {
	f.method = method
	f.args = args
	if f.err != nil {
		return f.err
	}
	if target, ok := result.(*string); ok {
		*target = f.result
	}
	return nil
}

func TestReadContractDecodesOutputs(t *testing.T) {
	eth := &fakeEth{callOutput: common.LeftPadBytes(big.NewInt(42).Bytes(), 32)}
	c := newClientWithBackends("sepolia", eth, nil)

	res, err := c.ReadContract(context.Background(), web3.CallRequest{
		ContractAddress: "0x00000000000000000000000000000000000000bb",
		ABI:             json.RawMessage(counterABI),
		Function:        "value",
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(res.Outputs) != 1 || res.Outputs[0] != "42" {
		t.Fatalf("unexpected outputs: %v", res.Outputs)
	}
	if eth.lastMsg.To == nil || eth.lastMsg.To.Hex() != common.HexToAddress("0x00000000000000000000000000000000000000bb").Hex() {
		t.Fatalf("call targeted wrong address: %v", eth.lastMsg.To)
	}
}

func TestReadContractRejectsArgCountMismatch(t *testing.T) {
	c := newClientWithBackends("sepolia", &fakeEth{}, nil)

	_, err := c.ReadContract(context.Background(), web3.CallRequest{
		ContractAddress: "0x00000000000000000000000000000000000000bb",
		ABI:             json.RawMessage(counterABI),
		Function:        "value",
		Args:            []any{"unexpected"},
	})
	if xerrors.CodeOf(err) != web3.CodeChainCallInvalid {
		t.Fatalf("expected invalid-call error, got %v", err)
	}
}

func TestReadContractUnknownFunction(t *testing.T) {
	c := newClientWithBackends("sepolia", &fakeEth{}, nil)

	_, err := c.ReadContract(context.Background(), web3.CallRequest{
		ContractAddress: "0x00000000000000000000000000000000000000bb",
		ABI:             json.RawMessage(counterABI),
		Function:        "missing",
	})
	if xerrors.CodeOf(err) != web3.CodeChainCallInvalid {
		t.Fatalf("expected invalid-call error, got %v", err)
	}
}

func TestWriteContractSubmitsTransaction(t *testing.T) {
	raw := &fakeRaw{result: "0xdeadbeef"}
	c := newClientWithBackends("sepolia", &fakeEth{}, raw)

	res, err := c.WriteContract(context.Background(), web3.CallRequest{
		From:            "0x00000000000000000000000000000000000000aa",
		ContractAddress: "0x00000000000000000000000000000000000000bb",
		ABI:             json.RawMessage(counterABI),
		Function:        "bump",
		Args:            []any{"5"},
		GasLimit:        "100000",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.TxHash != "0xdeadbeef" {
		t.Fatalf("unexpected tx hash %q", res.TxHash)
	}
	if raw.method != "eth_sendTransaction" {
		t.Fatalf("unexpected RPC method %q", raw.method)
	}
	if len(raw.args) != 1 {
		t.Fatalf("expected a single tx object, got %d args", len(raw.args))
	}
	tx, ok := raw.args[0].(map[string]any)
	if !ok {
		t.Fatalf("tx object has type %T", raw.args[0])
	}
	if tx["from"] != "0x00000000000000000000000000000000000000aa" {
		t.Fatalf("from missing: %v", tx)
	}
	if tx["gas"] != "0x186a0" {
		t.Fatalf("gas not encoded as hex quantity: %v", tx["gas"])
	}
}

func TestWriteContractRequiresFromAddress(t *testing.T) {
	c := newClientWithBackends("sepolia", &fakeEth{}, &fakeRaw{})

	_, err := c.WriteContract(context.Background(), web3.CallRequest{
		ContractAddress: "0x00000000000000000000000000000000000000bb",
		ABI:             json.RawMessage(counterABI),
		Function:        "bump",
		Args:            []any{"5"},
	})
	if xerrors.CodeOf(err) != web3.CodeChainCallInvalid {
		t.Fatalf("expected invalid-call error, got %v", err)
	}
}

const limitsABI = `[
	{"type":"function","name":"setLevel","stateMutability":"nonpayable","inputs":[{"name":"level","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"setOffset","stateMutability":"nonpayable","inputs":[{"name":"offset","type":"int8"}],"outputs":[]},
	{"type":"function","name":"setSupply","stateMutability":"nonpayable","inputs":[{"name":"supply","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"setLevels","stateMutability":"nonpayable","inputs":[{"name":"levels","type":"uint8[]"}],"outputs":[]}
]`

func TestIntegerArgumentRangeChecks(t *testing.T) {
	c := newClientWithBackends("sepolia", &fakeEth{}, &fakeRaw{result: "0x1"})
	write := func(function string, arg any) error {
		_, err := c.WriteContract(context.Background(), web3.CallRequest{
			From:            "0x00000000000000000000000000000000000000aa",
			ContractAddress: "0x00000000000000000000000000000000000000bb",
			ABI:             json.RawMessage(limitsABI),
			Function:        function,
			Args:            []any{arg},
		})
		return err
	}

	cases := []struct {
		name     string
		function string
		arg      any
		ok       bool
	}{
		{"uint8 max", "setLevel", float64(255), true},
		{"uint8 overflow", "setLevel", float64(300), false},
		{"uint8 negative", "setLevel", float64(-1), false},
		{"int8 min", "setOffset", float64(-128), true},
		{"int8 overflow", "setOffset", float64(200), false},
		{"int8 underflow", "setOffset", float64(-129), false},
		{"uint256 negative", "setSupply", "-5", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := write(tc.function, tc.arg)
			if tc.ok && err != nil {
				t.Fatalf("in-range value rejected: %v", err)
			}
			if !tc.ok && xerrors.CodeOf(err) != web3.CodeChainCallInvalid {
				t.Fatalf("out-of-range value must fail with invalid-call error, got %v", err)
			}
		})
	}
}

func TestIntegerArrayArguments(t *testing.T) {
	c := newClientWithBackends("sepolia", &fakeEth{}, &fakeRaw{result: "0x1"})

	_, err := c.WriteContract(context.Background(), web3.CallRequest{
		From:            "0x00000000000000000000000000000000000000aa",
		ContractAddress: "0x00000000000000000000000000000000000000bb",
		ABI:             json.RawMessage(limitsABI),
		Function:        "setLevels",
		Args:            []any{[]any{float64(1), float64(2), float64(255)}},
	})
	if err != nil {
		t.Fatalf("uint8 array argument rejected: %v", err)
	}

	_, err = c.WriteContract(context.Background(), web3.CallRequest{
		From:            "0x00000000000000000000000000000000000000aa",
		ContractAddress: "0x00000000000000000000000000000000000000bb",
		ABI:             json.RawMessage(limitsABI),
		Function:        "setLevels",
		Args:            []any{[]any{float64(300)}},
	})
	if xerrors.CodeOf(err) != web3.CodeChainCallInvalid {
		t.Fatalf("out-of-range array element must fail with invalid-call error, got %v", err)
	}
}

func TestFetchChainSnapshot(t *testing.T) {
	eth := &fakeEth{chainID: big.NewInt(11155111), blockNumber: 0x10}
	c := newClientWithBackends("sepolia", eth, nil)

	snap, err := c.FetchChainSnapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ChainID != "0xaa36a7" {
		t.Fatalf("unexpected chain id %q", snap.ChainID)
	}
	if snap.BlockNumber != "0x10" {
		t.Fatalf("unexpected block number %q", snap.BlockNumber)
	}
}

func TestParseQuantity(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"100000", 100000, true},
		{"0x186a0", 100000, true},
		{" 42 ", 42, true},
		{"", 0, false},
		{"0x", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		n, err := parseQuantity(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("parseQuantity(%q) error = %v", tc.in, err)
		}
		if err == nil && n.Int64() != tc.want {
			t.Fatalf("parseQuantity(%q) = %v, want %d", tc.in, n, tc.want)
		}
	}
}

func TestClassifyErrors(t *testing.T) {
	ctx := context.Background()

	if got := classify(ctx, context.DeadlineExceeded, "call"); xerrors.CodeOf(got) != xerrors.CodeTimeout {
		t.Fatalf("deadline should map to timeout, got %v", got)
	}
	if got := classify(ctx, errors.New("execution reverted: not owner"), "call"); xerrors.CodeOf(got) != web3.CodeChainReverted {
		t.Fatalf("revert should map to reverted, got %v", got)
	}
	if got := classify(ctx, errors.New("dial tcp: connection refused"), "call"); xerrors.CodeOf(got) != web3.CodeChainUnreachable {
		t.Fatalf("network error should map to unreachable, got %v", got)
	}

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if got := classify(expired, errors.New("context deadline exceeded"), "call"); xerrors.CodeOf(got) != xerrors.CodeTimeout {
		t.Fatalf("expired context should map to timeout, got %v", got)
	}
}
