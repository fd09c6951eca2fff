package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defi-autopilot/internal/chain/aptos"
	"github.com/ggonzalez94/defi-autopilot/internal/chain/solana"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/records"
)

func fastDispatchConfig() DispatchConfig {
	return DispatchConfig{ReceiptTimeout: time.Second, PollInterval: 5 * time.Millisecond}
}

func TestDispatchColdEVMDefersToSigner(t *testing.T) {
	backends := NewBackends(nil, nil)
	store := records.NewMemory()
	d := NewChainDispatcher(fastDispatchConfig(), backends, testWallet{hot: false}, NewGasOptimizer(nil), store)

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		RecordID:       "rec-1",
		Chain:          mustChain(t, "ethereum"),
		Payload:        evmPayload(),
		From:           "0x00000000000000000000000000000000000000aa",
		Simulation:     model.SimulationResult{Success: true, GasEstimate: 50_000},
		NativePriceUSD: decimal.NewFromInt(3000),
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Hash != "" || res.DeferredID == "" {
		t.Fatalf("expected a deferred result, got %+v", res)
	}
	pending, err := store.GetPending(context.Background(), res.DeferredID)
	if err != nil {
		t.Fatalf("pending signature not stored: %v", err)
	}
	if pending.RecordID != "rec-1" || pending.GasLimit != 50_000 || pending.Status != model.SignaturePending {
		t.Fatalf("unexpected pending signature %+v", pending)
	}
}

func TestDispatchHotEVMWaitsForReceipt(t *testing.T) {
	backends := NewBackends(nil, nil)
	fake := &fakeEVM{
		tip:      big.NewInt(2_000_000_000),
		base:     big.NewInt(1_000_000_000),
		nonce:    7,
		status:   1,
		gasUsed:  21_000,
		gasPrice: big.NewInt(3_000_000_000),
	}
	backends.SetEVM("eip155:1", fake)
	d := NewChainDispatcher(fastDispatchConfig(), backends, testWallet{hot: true}, NewGasOptimizer(backends), records.NewMemory())

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		Chain:      mustChain(t, "ethereum"),
		Payload:    evmPayload(),
		Simulation: model.SimulationResult{Success: true, GasEstimate: 30_000},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(fake.sent))
	}
	tx := fake.sent[0]
	if tx.Nonce() != 7 || tx.Gas() != 30_000 || tx.GasTipCap().String() != "2000000000" {
		t.Fatalf("unexpected transaction nonce=%d gas=%d tip=%s", tx.Nonce(), tx.Gas(), tx.GasTipCap())
	}
	if res.Hash != tx.Hash().Hex() {
		t.Fatalf("expected hash %s, got %s", tx.Hash().Hex(), res.Hash)
	}
	if !res.GasCostNative.Equal(decimal.RequireFromString("0.000063")) {
		t.Fatalf("expected receipt-based gas cost, got %s", res.GasCostNative)
	}
}

func TestDispatchHotEVMRevertedReceipt(t *testing.T) {
	backends := NewBackends(nil, nil)
	fake := &fakeEVM{
		tip:     big.NewInt(1),
		base:    big.NewInt(1),
		status:  0,
		gasUsed: 40_000,
		callErr: testRPCDataError{msg: "execution reverted", data: "0x" + common.Bytes2Hex(encodeErrorString(t, "Too little received"))},
	}
	backends.SetEVM("eip155:1", fake)
	d := NewChainDispatcher(fastDispatchConfig(), backends, testWallet{hot: true}, NewGasOptimizer(backends), records.NewMemory())

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		Chain:      mustChain(t, "ethereum"),
		Payload:    evmPayload(),
		Simulation: model.SimulationResult{Success: true, GasEstimate: 60_000},
	})
	if err == nil {
		t.Fatal("expected revert error")
	}
	if res.Hash == "" {
		t.Fatal("expected hash on reverted result")
	}
	if !strings.Contains(err.Error(), "reverted on-chain") || !strings.Contains(err.Error(), "Too little received") {
		t.Fatalf("unexpected error %v", err)
	}
	if got := classifyExecution(err); got != FailureExecutionSlip {
		t.Fatalf("expected slippage classification, got %s", got)
	}
}

func TestDispatchEVMReceiptTimeout(t *testing.T) {
	backends := NewBackends(nil, nil)
	backends.SetEVM("eip155:1", &neverMinedEVM{fakeEVM: fakeEVM{tip: big.NewInt(1), base: big.NewInt(1)}})
	cfg := DispatchConfig{ReceiptTimeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	d := NewChainDispatcher(cfg, backends, testWallet{hot: true}, NewGasOptimizer(backends), records.NewMemory())

	_, err := d.Dispatch(context.Background(), DispatchRequest{Chain: mustChain(t, "ethereum"), Payload: evmPayload()})
	if !clierr.Is(err, clierr.CodeActionTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if got := classifyExecution(err); got != FailureExecutionTimeout {
		t.Fatalf("expected timeout classification, got %s", got)
	}
}

func TestDispatchSolanaSignsWithPriorityFee(t *testing.T) {
	key := solana.NewKeypairFromSeed(bytes.Repeat([]byte{7}, 32))
	backends := NewBackends(nil, nil)
	fake := &fakeSolana{status: &solana.SignatureStatus{ConfirmationStatus: "confirmed"}}
	backends.SetSolana(solanaMainnet, fake)
	d := NewChainDispatcher(fastDispatchConfig(), backends, testWallet{sol: &key}, NewGasOptimizer(backends), records.NewMemory())

	p := model.NewSolanaPayload(solanaMainnet, model.SolanaTx{Instructions: []model.SolanaInstruction{{
		ProgramID: solana.SystemProgramID.String(),
		Accounts:  []model.SolanaAccountMeta{{Pubkey: key.PublicKey().String(), IsSigner: true, IsWritable: true}},
		Data:      "AgAAAA==",
	}}})
	res, err := d.Dispatch(context.Background(), DispatchRequest{
		Chain:      mustChain(t, "solana"),
		Payload:    p,
		Simulation: model.SimulationResult{Success: true, GasEstimate: 150},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(fake.sent))
	}
	tx, err := solana.DecodeTransaction(fake.sent[0])
	if err != nil {
		t.Fatalf("decode sent transaction: %v", err)
	}
	if res.Hash != tx.Signature() || res.Hash == "" {
		t.Fatalf("expected signature as hash, got %q", res.Hash)
	}
	if !bytes.Contains(tx.Message, solana.ComputeBudgetProgramID[:]) {
		t.Fatal("expected a compute unit price instruction")
	}
}

func TestDispatchSolanaFailedStatus(t *testing.T) {
	key := solana.NewKeypairFromSeed(bytes.Repeat([]byte{9}, 32))
	backends := NewBackends(nil, nil)
	backends.SetSolana(solanaMainnet, &fakeSolana{status: &solana.SignatureStatus{
		ConfirmationStatus: "processed",
		Err:                json.RawMessage(`{"InstructionError":[1,{"Custom":1}]}`),
	}})
	d := NewChainDispatcher(fastDispatchConfig(), backends, testWallet{sol: &key}, NewGasOptimizer(nil), records.NewMemory())

	p := model.NewSolanaPayload(solanaMainnet, model.SolanaTx{Instructions: []model.SolanaInstruction{{
		ProgramID: solana.SystemProgramID.String(),
		Data:      "AA==",
	}}})
	_, err := d.Dispatch(context.Background(), DispatchRequest{Chain: mustChain(t, "solana"), Payload: p})
	if !clierr.Is(err, clierr.CodeExecutionFailed) {
		t.Fatalf("expected execution failure, got %v", err)
	}
}

func TestDispatchAptosUsesOptimizedPrice(t *testing.T) {
	acct, err := aptos.ParseAccount(strings.Repeat("01", 32))
	if err != nil {
		t.Fatalf("parse account: %v", err)
	}
	backends := NewBackends(nil, nil)
	fake := &fakeAptos{
		price:  aptos.GasPrice{Deprioritized: 100, Estimate: 150, Prioritized: 300},
		result: aptos.UserTransaction{Hash: "0xapt", Success: true, GasUsed: "500"},
	}
	backends.SetAptos(aptosMainnet, fake)
	d := NewChainDispatcher(fastDispatchConfig(), backends, testWallet{apt: &acct}, NewGasOptimizer(backends), records.NewMemory())

	p := model.NewAptosPayload(aptosMainnet, model.AptosCall{Function: "0x1::aptos_account::transfer"})
	res, err := d.Dispatch(context.Background(), DispatchRequest{Chain: mustChain(t, "aptos"), Payload: p})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Hash != "0xapt" || len(fake.submitted) != 1 || fake.submitted[0] != 150 {
		t.Fatalf("unexpected result %+v submitted=%v", res, fake.submitted)
	}
	if !res.GasCostNative.Equal(decimal.RequireFromString("0.00075")) {
		t.Fatalf("expected gas used * price, got %s", res.GasCostNative)
	}
}

func TestPrivateRPCResolution(t *testing.T) {
	d := NewChainDispatcher(DispatchConfig{PrivateRPC: map[string]string{"base": "https://relay.example"}}, nil, testWallet{}, nil, nil)
	if got := d.privateRPC(mustChain(t, "base")); got != "https://relay.example" {
		t.Fatalf("expected configured relay, got %q", got)
	}
	if got := d.privateRPC(mustChain(t, "ethereum")); got != "" {
		t.Fatalf("expected no relay without opt-in, got %q", got)
	}
	d.cfg.UsePrivateRPC = true
	if got := d.privateRPC(mustChain(t, "ethereum")); got == "" {
		t.Fatal("expected default private relay for ethereum")
	}
}

type neverMinedEVM struct {
	fakeEVM
}

func (n *neverMinedEVM) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
