package defillama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/defi-autopilot/internal/httpx"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
)

func mustChain(t *testing.T, slug string) id.Chain {
	t.Helper()
	c, err := id.ParseChain(slug)
	if err != nil {
		t.Fatalf("parse chain %s: %v", slug, err)
	}
	return c
}

func TestPoolsFiltersAndSorts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pools", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"status":"success",
			"data":[
				{"pool":"p1","chain":"Base","project":"aave-v3","symbol":"USDC","apy":5,"tvlUsd":2000000,"ilRisk":"no","stablecoin":true,"underlyingTokens":["0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"]},
				{"pool":"p2","chain":"Base","project":"curve","symbol":"USDC-DAI","apy":2,"tvlUsd":10000,"ilRisk":"yes"},
				{"pool":"p3","chain":"Ethereum","project":"aave-v3","symbol":"WETH","apy":12,"tvlUsd":5000000,"ilRisk":"no"},
				{"pool":"p4","chain":"Fantom","project":"spooky","symbol":"FTM","apy":40,"tvlUsd":9000000,"ilRisk":"yes"}
			]
		}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0))
	c.yieldsBase = srv.URL
	pools, err := c.Pools(context.Background(), []id.Chain{mustChain(t, "base"), mustChain(t, "ethereum")}, 50_000, 0)
	if err != nil {
		t.Fatalf("Pools failed: %v", err)
	}
	if len(pools) != 2 {
		t.Fatalf("expected 2 pools after tvl and chain filters, got %+v", pools)
	}
	if pools[0].PoolID != "p3" || pools[0].Chain != "eip155:1" {
		t.Fatalf("expected higher apy pool first, got %+v", pools[0])
	}
	if pools[1].ProtocolID != "aave-v3" || pools[1].RiskScore != 0.2 || len(pools[1].Tokens) != 1 {
		t.Fatalf("unexpected snapshot %+v", pools[1])
	}
}

func TestPricesRequestsJoinedCoins(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"coins":{"coingecko:ethereum":{"price":3120.5,"symbol":"ETH","confidence":0.99}}}`))
	}))
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0))
	c.coinsBase = srv.URL
	prices, err := c.Prices(context.Background(), []string{"coingecko:ethereum", "base:0xabc"})
	if err != nil {
		t.Fatalf("Prices failed: %v", err)
	}
	if !strings.HasPrefix(gotPath, "/prices/current/coingecko:ethereum,base:0xabc") {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if prices["coingecko:ethereum"].Price != 3120.5 {
		t.Fatalf("unexpected prices %+v", prices)
	}
	if _, ok := prices["base:0xabc"]; ok {
		t.Fatal("unknown coins must be absent")
	}
}

func TestCoinKey(t *testing.T) {
	eth := mustChain(t, "ethereum")
	key, err := CoinKey(eth, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	if err != nil || key != "ethereum:0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48" {
		t.Fatalf("unexpected key %q err=%v", key, err)
	}
	key, err = CoinKey(mustChain(t, "arbitrum"), "")
	if err != nil || key != "coingecko:ethereum" {
		t.Fatalf("expected native coingecko id, got %q err=%v", key, err)
	}
	key, err = CoinKey(mustChain(t, "avalanche"), "0x0000000000000000000000000000000000000001")
	if err != nil || !strings.HasPrefix(key, "avax:") {
		t.Fatalf("unexpected avalanche key %q err=%v", key, err)
	}
}
