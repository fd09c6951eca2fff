package execution

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type erc20EVM struct {
	*fakeEVM
	allowance *big.Int
	balance   *big.Int
	lastTo    common.Address
}

func (e *erc20EVM) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	e.lastTo = *msg.To
	method, err := erc20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "allowance":
		return method.Outputs.Pack(e.allowance)
	default:
		return method.Outputs.Pack(e.balance)
	}
}

func TestReaderAllowanceAndBalance(t *testing.T) {
	backend := &erc20EVM{fakeEVM: &fakeEVM{}, allowance: big.NewInt(42), balance: big.NewInt(1_000_000)}
	backends := NewBackends(nil, nil)
	backends.SetEVM("eip155:1", backend)
	reader := NewReader(backends)
	chain := mustChain(t, "ethereum")

	token := "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	owner := "0x00000000000000000000000000000000000000AA"
	got, err := reader.Allowance(context.Background(), chain, token, owner, "0x00000000000000000000000000000000000000BB")
	if err != nil {
		t.Fatalf("Allowance failed: %v", err)
	}
	if got.Int64() != 42 {
		t.Fatalf("unexpected allowance: %s", got)
	}
	if backend.lastTo != common.HexToAddress(token) {
		t.Fatalf("call should target the token, got %s", backend.lastTo.Hex())
	}

	bal, err := reader.BalanceOf(context.Background(), chain, token, owner)
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if bal.Int64() != 1_000_000 {
		t.Fatalf("unexpected balance: %s", bal)
	}
}

func TestReaderRejectsNonEVM(t *testing.T) {
	reader := NewReader(NewBackends(nil, nil))
	owner := "0x00000000000000000000000000000000000000AA"
	if _, err := reader.BalanceOf(context.Background(), mustChain(t, "solana"), owner, owner); err == nil {
		t.Fatal("expected non-EVM chain to be rejected")
	}
	if _, err := reader.Allowance(context.Background(), mustChain(t, "ethereum"), "not-an-address", owner, owner); err == nil {
		t.Fatal("expected invalid token to be rejected")
	}
}
