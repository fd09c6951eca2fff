package registry

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/ggonzalez94/defi-autopilot/internal/id"
)

func TestAavePoolAddressProvider(t *testing.T) {
	cases := []int64{1, 8453, 42161, 10, 137, 43114}
	for _, chainID := range cases {
		addr, ok := AavePoolAddressProvider(chainID)
		if !ok || addr == "" {
			t.Fatalf("expected aave pool address provider for chain %d", chainID)
		}
	}
	if _, ok := AavePoolAddressProvider(167000); ok {
		t.Fatal("did not expect aave pool address provider for unsupported chain")
	}
}

func TestUniswapV3Contracts(t *testing.T) {
	quoter, router, ok := UniswapV3Contracts(167000)
	if !ok || quoter == "" || router == "" {
		t.Fatal("expected taiko quoter and router")
	}
	if _, _, ok := UniswapV3Contracts(1); ok {
		t.Fatal("did not expect uniswap v3 contracts for ethereum")
	}
}

func TestExecutionABIConstantsParse(t *testing.T) {
	abis := []string{
		ERC20MinimalABI,
		WrappedNativeABI,
		AavePoolAddressProviderABI,
		AavePoolABI,
		AaveRewardsABI,
		UniswapV3QuoterV2ABI,
		UniswapV3RouterABI,
	}
	for _, raw := range abis {
		if _, err := abi.JSON(strings.NewReader(raw)); err != nil {
			t.Fatalf("failed to parse abi json: %v", err)
		}
	}
}

func TestResolveRPCURL(t *testing.T) {
	base, _ := id.ParseChain("base")
	got, err := ResolveRPCURL("", base)
	if err != nil || got != "https://mainnet.base.org" {
		t.Fatalf("unexpected base rpc: %q %v", got, err)
	}
	got, err = ResolveRPCURL(" https://custom.example ", base)
	if err != nil || got != "https://custom.example" {
		t.Fatalf("override not honored: %q %v", got, err)
	}
	aptos, _ := id.ParseChain("aptos")
	if got, err := ResolveRPCURL("", aptos); err != nil || !strings.Contains(got, "aptoslabs") {
		t.Fatalf("unexpected aptos rpc: %q %v", got, err)
	}
	unknown, _ := id.ParseChain("eip155:999999")
	if _, err := ResolveRPCURL("", unknown); err == nil {
		t.Fatal("expected missing rpc error")
	}
}

func TestBridgeReputation(t *testing.T) {
	if BridgeReputation("Across") != 90 {
		t.Fatalf("unexpected across reputation")
	}
	if BridgeReputation("unknown-bridge") != DefaultBridgeReputation {
		t.Fatalf("unexpected default reputation")
	}
}
