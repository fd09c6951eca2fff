package jupiter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ggonzalez94/defi-autopilot/internal/httpx"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
)

func solRequest() providers.SwapRequest {
	chain, _ := id.ParseChain("solana")
	usdc, _ := id.KnownToken(chain.CAIP2, "USDC")
	return providers.SwapRequest{
		Chain:    chain,
		TokenIn:  model.Token{ChainID: chain.CAIP2, Address: usdc.Address, Symbol: "USDC", Decimals: 6},
		TokenOut: model.Token{ChainID: chain.CAIP2, Address: "", Symbol: "SOL", Decimals: 9},
		AmountIn: "2000000",
	}
}

func TestQuoteRejectsNonSolanaChains(t *testing.T) {
	req := solRequest()
	req.Chain, _ = id.ParseChain("ethereum")
	c := New(httpx.New(2*time.Second, 0), "")
	if _, err := c.Quote(context.Background(), req); err == nil {
		t.Fatal("expected non-solana chain error")
	}
}

func TestQuoteRejectsNonMainnetSolanaChain(t *testing.T) {
	chain := id.Chain{
		Name:  "Solana Devnet",
		Slug:  "solana-devnet",
		CAIP2: "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
	}
	c := New(httpx.New(2*time.Second, 0), "")
	if c.Supports(chain) {
		t.Fatal("devnet must not be supported")
	}
	req := solRequest()
	req.Chain = chain
	if _, err := c.Quote(context.Background(), req); err == nil {
		t.Fatal("expected non-mainnet solana chain error")
	}
}

func TestQuoteAndBuildSwap(t *testing.T) {
	var swapBody map[string]any
	var outputMint, slippage string
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("expected x-api-key header, got %q", got)
		}
		outputMint = r.URL.Query().Get("outputMint")
		slippage = r.URL.Query().Get("slippageBps")
		_, _ = w.Write([]byte(`{
			"outAmount":"13300000",
			"priceImpactPct":"0.13",
			"routePlan":[
				{"swapInfo":{"ammKey":"amm1","label":"Meteora"},"percent":60},
				{"swapInfo":{"ammKey":"amm2","label":"Orca"},"percent":40}
			]
		}`))
	})
	mux.HandleFunc("/swap", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &swapBody)
		_, _ = w.Write([]byte(`{"swapTransaction":"AQAAAA=="}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0), "test-key")
	c.baseURL = srv.URL

	quote, err := c.Quote(context.Background(), solRequest())
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if quote.AmountOut.AmountDecimal != "0.0133" || quote.PriceImpactPct != 0.13 {
		t.Fatalf("unexpected quote %+v", quote)
	}
	if len(quote.Steps) != 2 || quote.Steps[0].Exchange != "Meteora" || quote.Steps[1].Share != 0.4 {
		t.Fatalf("unexpected steps %+v", quote.Steps)
	}
	if outputMint != wrappedSOLMint || slippage != "50" {
		t.Fatalf("unexpected quote params mint=%s slippage=%s", outputMint, slippage)
	}

	payload, err := c.BuildSwap(context.Background(), quote, "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM", 100)
	if err != nil {
		t.Fatalf("BuildSwap failed: %v", err)
	}
	if payload.Solana == nil || payload.Solana.Serialized != "AQAAAA==" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if slippage != "100" {
		t.Fatalf("expected re-quote at 100 bps, got %s", slippage)
	}
	if swapBody["userPublicKey"] != "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM" || swapBody["quoteResponse"] == nil {
		t.Fatalf("unexpected swap request %+v", swapBody)
	}
}
