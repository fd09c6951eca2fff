package execution

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defi-autopilot/internal/chain/aptos"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
)

func mustChain(t *testing.T, raw string) id.Chain {
	t.Helper()
	chain, err := id.ParseChain(raw)
	if err != nil {
		t.Fatalf("parse chain %s: %v", raw, err)
	}
	return chain
}

func TestParseSpeed(t *testing.T) {
	cases := map[string]Speed{"slow": SpeedSlow, "FAST": SpeedFast, "": SpeedStandard, "bogus": SpeedStandard}
	for raw, want := range cases {
		if got := ParseSpeed(raw); got != want {
			t.Fatalf("ParseSpeed(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestGasOptimizerEVMLive(t *testing.T) {
	backends := NewBackends(nil, nil)
	backends.SetEVM("eip155:1", &fakeEVM{tip: big.NewInt(1_000_000_000), base: big.NewInt(10_000_000_000)})

	fee := NewGasOptimizer(backends).Optimize(context.Background(), mustChain(t, "ethereum"), 100_000, decimal.NewFromInt(2000), SpeedFast)
	if fee.Source != FeeSourceLive {
		t.Fatalf("expected live source, got %s", fee.Source)
	}
	if fee.PriorityFee.String() != "1500000000" {
		t.Fatalf("expected fast tip 1.5 gwei, got %s", fee.PriorityFee)
	}
	if fee.MaxFee.String() != "21500000000" {
		t.Fatalf("expected max fee 2*base+tip, got %s", fee.MaxFee)
	}
	if !fee.CostNative.Equal(decimal.RequireFromString("0.00115")) {
		t.Fatalf("unexpected native cost %s", fee.CostNative)
	}
	if !fee.CostUSD.Equal(decimal.RequireFromString("2.3")) {
		t.Fatalf("unexpected usd cost %s", fee.CostUSD)
	}
}

func TestGasOptimizerEVMStaticFallback(t *testing.T) {
	fee := NewGasOptimizer(nil).Optimize(context.Background(), mustChain(t, "ethereum"), 0, decimal.NewFromInt(3000), SpeedStandard)
	if fee.Source != FeeSourceStatic {
		t.Fatalf("expected static source, got %s", fee.Source)
	}
	if fee.GasLimit != 21_000 {
		t.Fatalf("expected default gas limit, got %d", fee.GasLimit)
	}
	if !fee.CostNative.Equal(decimal.RequireFromString("0.000063")) {
		t.Fatalf("unexpected native cost %s", fee.CostNative)
	}
}

func TestGasOptimizerEVMPartialLiveIsStatic(t *testing.T) {
	backends := NewBackends(nil, nil)
	backends.SetEVM("eip155:1", &fakeEVM{base: big.NewInt(5_000_000_000)})
	fee := NewGasOptimizer(backends).Optimize(context.Background(), mustChain(t, "ethereum"), 21_000, decimal.Zero, SpeedSlow)
	if fee.Source != FeeSourceStatic {
		t.Fatalf("expected static source when the tip lookup fails, got %s", fee.Source)
	}
	if fee.BaseFee.String() != "5000000000" || fee.PriorityFee.String() != "1600000000" {
		t.Fatalf("unexpected fees base=%s tip=%s", fee.BaseFee, fee.PriorityFee)
	}
}

func TestGasOptimizerSolanaUsesMedianPriority(t *testing.T) {
	backends := NewBackends(nil, nil)
	backends.SetSolana(solanaMainnet, &fakeSolana{fees: []uint64{100, 300, 200}})

	fee := NewGasOptimizer(backends).Optimize(context.Background(), mustChain(t, "solana"), 100_000, decimal.NewFromInt(150), SpeedStandard)
	if fee.Source != FeeSourceLive || fee.PriorityFee.Uint64() != 200 {
		t.Fatalf("expected live median 200, got %s %s", fee.Source, fee.PriorityFee)
	}
	if !fee.CostNative.Equal(decimal.RequireFromString("0.00000502")) {
		t.Fatalf("unexpected native cost %s", fee.CostNative)
	}
}

func TestGasOptimizerAptosPicksTierBySpeed(t *testing.T) {
	backends := NewBackends(nil, nil)
	backends.SetAptos(aptosMainnet, &fakeAptos{price: aptos.GasPrice{Deprioritized: 100, Estimate: 150, Prioritized: 300}})
	opt := NewGasOptimizer(backends)
	chain := mustChain(t, "aptos")

	fast := opt.Optimize(context.Background(), chain, 1000, decimal.NewFromInt(8), SpeedFast)
	if fast.BaseFee.Uint64() != 300 || !fast.CostNative.Equal(decimal.RequireFromString("0.003")) {
		t.Fatalf("unexpected fast fee %+v", fast)
	}
	slow := opt.Optimize(context.Background(), chain, 1000, decimal.NewFromInt(8), SpeedSlow)
	if slow.BaseFee.Uint64() != 100 {
		t.Fatalf("expected deprioritized price, got %s", slow.BaseFee)
	}

	backends.SetAptos(aptosMainnet, &fakeAptos{priceErr: errors.New("node down")})
	fallback := opt.Optimize(context.Background(), chain, 0, decimal.Zero, SpeedStandard)
	if fallback.Source != FeeSourceStatic || fallback.BaseFee.Uint64() != aptos.DefaultGasUnitPrice || fallback.GasLimit != 2000 {
		t.Fatalf("unexpected fallback %+v", fallback)
	}
}
