package taikoswap

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"

	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
)

const (
	usdc   = "0x07d83526730c7438048D55A4fc0b850e2aaB6f0b"
	weth   = "0xA51894664A773981C6C112C43ce576f315d5b1B6"
	sender = "0x00000000000000000000000000000000000000AA"
)

type tierQuote struct {
	out, gas int64
}

// fakeQuoter answers quoteExactInputSingle per fee tier; missing tiers revert.
type fakeQuoter struct {
	tiers map[int64]tierQuote
	calls int
}

func (f *fakeQuoter) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	// selector, then tokenIn, tokenOut, amountIn, fee
	fee := new(big.Int).SetBytes(msg.Data[4+32*3 : 4+32*4]).Int64()
	q, ok := f.tiers[fee]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return quoterABI.Methods["quoteExactInputSingle"].Outputs.Pack(big.NewInt(q.out), big.NewInt(0), uint32(1), big.NewInt(q.gas))
}

func swapRequest(t *testing.T) providers.SwapRequest {
	t.Helper()
	chain, err := id.ParseChain("taiko")
	if err != nil {
		t.Fatal(err)
	}
	return providers.SwapRequest{
		Chain:    chain,
		TokenIn:  model.Token{ChainID: chain.CAIP2, Address: usdc, Symbol: "USDC", Decimals: 6},
		TokenOut: model.Token{ChainID: chain.CAIP2, Address: weth, Symbol: "WETH", Decimals: 18},
		AmountIn: "1000000",
	}
}

func newClient(q *fakeQuoter) *Client {
	return New(func(context.Context, id.Chain) (Caller, error) { return q, nil })
}

func TestQuoteChoosesBestFeeTier(t *testing.T) {
	q := &fakeQuoter{tiers: map[int64]tierQuote{
		500:   {out: 2000, gas: 100},
		3000:  {out: 1500, gas: 90},
		10000: {out: 2000, gas: 200},
	}}
	quote, err := newClient(q).Quote(context.Background(), swapRequest(t))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if q.calls != len(feeTiers) {
		t.Fatalf("expected every tier to be quoted, got %d calls", q.calls)
	}
	if quote.Source != "taikoswap" {
		t.Fatalf("unexpected source: %s", quote.Source)
	}
	if quote.AmountOut.AmountBaseUnits != "2000" {
		t.Fatalf("expected out 2000, got %s", quote.AmountOut.AmountBaseUnits)
	}
	if len(quote.Steps) != 1 || quote.Steps[0].Pool != "fee-500" {
		t.Fatalf("expected fee tier 500 to win the gas tie, got %+v", quote.Steps)
	}
	if quote.GasUnits != 100 {
		t.Fatalf("unexpected gas units: %d", quote.GasUnits)
	}
}

func TestQuoteNoPoolIsUnavailable(t *testing.T) {
	_, err := newClient(&fakeQuoter{}).Quote(context.Background(), swapRequest(t))
	if err == nil || !strings.Contains(err.Error(), "unavailable") {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestQuoteUnsupportedChain(t *testing.T) {
	req := swapRequest(t)
	eth, _ := id.ParseChain("ethereum")
	req.Chain = eth
	c := newClient(&fakeQuoter{})
	if c.Supports(eth) {
		t.Fatal("ethereum should not be supported")
	}
	if _, err := c.Quote(context.Background(), req); err == nil {
		t.Fatal("expected unsupported chain error")
	}
}

func TestBuildSwapAppliesSlippage(t *testing.T) {
	q := &fakeQuoter{tiers: map[int64]tierQuote{3000: {out: 2000, gas: 100}}}
	c := newClient(q)
	quote, err := c.Quote(context.Background(), swapRequest(t))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	payload, err := c.BuildSwap(context.Background(), quote, sender, 100)
	if err != nil {
		t.Fatalf("BuildSwap failed: %v", err)
	}
	_, router, _ := contracts(swapRequest(t).Chain)
	if payload.To != router.Hex() {
		t.Fatalf("expected router target, got %s", payload.To)
	}
	data, err := hex.DecodeString(strings.TrimPrefix(payload.Data, "0x"))
	if err != nil {
		t.Fatalf("decode calldata: %v", err)
	}
	word := func(i int) *big.Int { return new(big.Int).SetBytes(data[4+32*i : 4+32*(i+1)]) }
	if word(2).Int64() != 3000 {
		t.Fatalf("expected fee 3000, got %s", word(2))
	}
	if word(5).Int64() != 1980 {
		t.Fatalf("expected min out 1980, got %s", word(5))
	}

	quote.Raw = nil
	if _, err := c.BuildSwap(context.Background(), quote, sender, 100); err == nil {
		t.Fatal("expected missing fee tier error")
	}
}
