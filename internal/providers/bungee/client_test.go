package bungee

import (
	"context"
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

const (
	usdcEthereum = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	usdcBase     = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	sender       = "0x00000000000000000000000000000000000000aa"
	spender      = "0x3a23F943181408EAC424116Af7b7790c94Cb97a5"
)

func routeRequest(t *testing.T) providers.RouteRequest {
	t.Helper()
	from, err := id.ParseChain("ethereum")
	if err != nil {
		t.Fatal(err)
	}
	to, err := id.ParseChain("base")
	if err != nil {
		t.Fatal(err)
	}
	return providers.RouteRequest{
		FromChain: from,
		ToChain:   to,
		FromToken: model.Token{ChainID: from.CAIP2, Address: usdcEthereum, Symbol: "USDC", Decimals: 6},
		ToToken:   model.Token{ChainID: to.CAIP2, Address: usdcBase, Symbol: "USDC", Decimals: 6},
		AmountIn:  "1000000",
	}
}

const quoteBody = `{
	"success": true,
	"result": {
		"originChainId": 1,
		"destinationChainId": 8453,
		"autoRoute": {
			"quoteId": "q-123",
			"estimatedTime": 10,
			"gasFee": {"feeInUsd": 0.5},
			"output": {"amount": "995000", "token": {"decimals": 6}},
			"outputAmount": "999735",
			"userTxs": [{"stepType": "bridge", "bridgeRoutes": [{"usedBridgeNames": ["Across"]}]}]
		}
	}
}`

func TestQuoteAutoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/bungee/quote" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("originChainId") != "1" || q.Get("destinationChainId") != "8453" {
			t.Fatalf("unexpected chain ids: %s -> %s", q.Get("originChainId"), q.Get("destinationChainId"))
		}
		if q.Get("userAddress") != placeholderUser {
			t.Fatalf("quote should use the placeholder user, got %s", q.Get("userAddress"))
		}
		_, _ = w.Write([]byte(quoteBody))
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0), "", "")
	c.baseURL = srv.URL + "/api/v1"
	quotes, err := c.Quote(context.Background(), routeRequest(t))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if len(quotes) != 1 {
		t.Fatalf("expected one quote, got %d", len(quotes))
	}
	q := quotes[0]
	if q.Source != "bungee" || q.Bridge != "across" {
		t.Fatalf("unexpected source/bridge: %s/%s", q.Source, q.Bridge)
	}
	if q.AmountOut.AmountBaseUnits != "999735" {
		t.Fatalf("unexpected out amount: %s", q.AmountOut.AmountBaseUnits)
	}
	if q.FeeUSD.String() != "0.5" || q.EstimatedSeconds != 10 {
		t.Fatalf("unexpected fee/time: %s %d", q.FeeUSD, q.EstimatedSeconds)
	}
}

func TestQuoteFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "error": {"message": "no routes"}}`))
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0), "", "")
	c.baseURL = srv.URL
	_, err := c.Quote(context.Background(), routeRequest(t))
	if err == nil || !strings.Contains(err.Error(), "no routes") {
		t.Fatalf("expected bungee error message, got %v", err)
	}
}

func TestBuildStepsApprovesThenBridges(t *testing.T) {
	var quotedUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bungee/quote":
			quotedUser = r.URL.Query().Get("userAddress")
			_, _ = w.Write([]byte(quoteBody))
		case "/bungee/build-tx":
			if r.URL.Query().Get("quoteId") != "q-123" {
				t.Fatalf("unexpected quote id: %s", r.URL.Query().Get("quoteId"))
			}
			_, _ = w.Write([]byte(`{
				"success": true,
				"result": {
					"txData": {"to": "` + spender + `", "data": "0xabcdef", "value": "0x0", "chainId": 1},
					"approvalData": {"spenderAddress": "` + spender + `", "amount": "1000000", "tokenAddress": "` + usdcEthereum + `"}
				}
			}`))
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0), "", "")
	c.baseURL = srv.URL
	req := routeRequest(t)
	req.Sender = sender
	steps, err := c.BuildSteps(context.Background(), model.CrossChainQuote{}, req)
	if err != nil {
		t.Fatalf("BuildSteps failed: %v", err)
	}
	if quotedUser != sender {
		t.Fatalf("build should re-quote for the sender, got %s", quotedUser)
	}
	if len(steps) != 2 {
		t.Fatalf("expected approve+bridge, got %d steps", len(steps))
	}
	if steps[0].Kind != model.StepApprove || steps[1].Kind != model.StepBridge {
		t.Fatalf("unexpected step kinds: %s, %s", steps[0].Kind, steps[1].Kind)
	}
	if steps[1].Payload.Data != "0xabcdef" || steps[1].Payload.Value != "0" {
		t.Fatalf("unexpected bridge payload: %+v", steps[1].Payload)
	}
}

func TestBuildStepsRejectsMismatchedChain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bungee/quote" {
			_, _ = w.Write([]byte(quoteBody))
			return
		}
		_, _ = w.Write([]byte(`{"success": true, "result": {"txData": {"to": "` + spender + `", "data": "0x01", "value": "0", "chainId": 10}}}`))
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0), "", "")
	c.baseURL = srv.URL
	req := routeRequest(t)
	req.Sender = sender
	if _, err := c.BuildSteps(context.Background(), model.CrossChainQuote{}, req); err == nil {
		t.Fatal("expected chain mismatch error")
	}
}

func TestDedicatedBackendHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key" || r.Header.Get("affiliate") != "aff" {
			t.Fatalf("missing dedicated headers")
		}
		_, _ = w.Write([]byte(quoteBody))
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0), "key", "aff")
	c.dedicatedBaseURL = srv.URL
	if _, err := c.Quote(context.Background(), routeRequest(t)); err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
}
