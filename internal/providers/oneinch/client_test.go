package oneinch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/defi-autopilot/internal/httpx"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
)

func ethRequest(t *testing.T) providers.SwapRequest {
	t.Helper()
	chain, _ := id.ParseChain("ethereum")
	usdc, _ := id.KnownToken(chain.CAIP2, "USDC")
	dai, _ := id.KnownToken(chain.CAIP2, "DAI")
	return providers.SwapRequest{
		Chain:    chain,
		TokenIn:  model.Token{ChainID: chain.CAIP2, Address: usdc.Address, Symbol: "USDC", Decimals: usdc.Decimals},
		TokenOut: model.Token{ChainID: chain.CAIP2, Address: dai.Address, Symbol: "DAI", Decimals: dai.Decimals},
		AmountIn: "1000000",
	}
}

func TestQuoteRequiresAPIKey(t *testing.T) {
	c := New(httpx.New(1*time.Second, 0), "")
	if _, err := c.Quote(context.Background(), ethRequest(t)); err == nil {
		t.Fatal("expected missing API key error")
	}
}

func TestSupportsOnlyEVM(t *testing.T) {
	c := New(httpx.New(1*time.Second, 0), "key")
	sol, _ := id.ParseChain("solana")
	eth, _ := id.ParseChain("ethereum")
	if c.Supports(sol) || !c.Supports(eth) {
		t.Fatal("unexpected Supports result")
	}
}

func TestQuoteAndBuildSwap(t *testing.T) {
	var swapQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/swap/v6.0/1/quote"):
			_ = json.NewEncoder(w).Encode(map[string]any{"dstAmount": "999000000000000000", "gas": 180000})
		case strings.HasSuffix(r.URL.Path, "/swap/v6.0/1/swap"):
			swapQuery = r.URL.RawQuery
			_ = json.NewEncoder(w).Encode(map[string]any{
				"dstAmount": "999000000000000000",
				"tx": map[string]any{
					"to":    "0x111111125421ca6dc452d289314280a0f8842a65",
					"data":  "0x12aa3caf00",
					"value": "0",
					"gas":   200000,
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0), "test-key")
	c.baseURL = srv.URL

	quote, err := c.Quote(context.Background(), ethRequest(t))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if quote.Source != "1inch" || quote.AmountOut.AmountDecimal != "0.999" || quote.GasUnits != 180000 {
		t.Fatalf("unexpected quote %+v", quote)
	}

	payload, err := c.BuildSwap(context.Background(), quote, "0x00000000000000000000000000000000000000aa", 100)
	if err != nil {
		t.Fatalf("BuildSwap failed: %v", err)
	}
	if payload.Chain != "eip155:1" || payload.Data != "0x12aa3caf00" || payload.Value != "0" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if !strings.Contains(swapQuery, "slippage=1.00") || !strings.Contains(swapQuery, "from=0x") {
		t.Fatalf("unexpected swap query %s", swapQuery)
	}
}

func TestNativeTokenParam(t *testing.T) {
	chain, _ := id.ParseChain("base")
	if got := tokenParam(chain, ""); got != nativeToken {
		t.Fatalf("expected native sentinel, got %s", got)
	}
}
