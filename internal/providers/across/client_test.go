package across

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/ggonzalez94/defi-autopilot/internal/httpx"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
)

const depositor = "0x00000000000000000000000000000000000000AA"

func TestBaseUnitMathHelpers(t *testing.T) {
	if compareBaseUnits("100", "99") <= 0 {
		t.Fatal("compareBaseUnits expected 100 > 99")
	}
	if out := subtractBaseUnits("1000", "1"); out != "999" {
		t.Fatalf("unexpected subtraction result: %s", out)
	}
	if out := subtractBaseUnits("1", "2"); out != "0" {
		t.Fatalf("unexpected underflow result: %s", out)
	}
	if out := subtractBaseUnits("1000", ""); out != "1000" {
		t.Fatalf("empty fee should leave amount unchanged, got %s", out)
	}
}

func usdcRoute(t *testing.T) providers.RouteRequest {
	t.Helper()
	eth, _ := id.ParseChain("ethereum")
	base, _ := id.ParseChain("base")
	from, _ := id.KnownToken(eth.CAIP2, "USDC")
	to, _ := id.KnownToken(base.CAIP2, "USDC")
	return providers.RouteRequest{
		FromChain: eth,
		ToChain:   base,
		FromToken: model.Token{ChainID: eth.CAIP2, Address: from.Address, Symbol: "USDC", Decimals: 6},
		ToToken:   model.Token{ChainID: base.CAIP2, Address: to.Address, Symbol: "USDC", Decimals: 6},
		AmountIn:  "1000000",
	}
}

func TestQuoteUsesSuggestedFees(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/limits":
			_, _ = w.Write([]byte(`{"minDeposit":"500007","maxDeposit":"1954894537806"}`))
		case "/suggested-fees":
			_, _ = w.Write([]byte(`{
				"relayFeeTotal":"2633",
				"outputAmount":"997367",
				"estimatedFillTimeSec":5
			}`))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0))
	c.baseURL = srv.URL
	quotes, err := c.Quote(context.Background(), usdcRoute(t))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if len(quotes) != 1 {
		t.Fatalf("expected one quote, got %d", len(quotes))
	}
	q := quotes[0]
	if q.Bridge != "across" || q.AmountOut.AmountBaseUnits != "997367" {
		t.Fatalf("unexpected quote: %+v", q)
	}
	if q.FeeUSD.String() != "0.002633" {
		t.Fatalf("expected stablecoin fee approximation, got %s", q.FeeUSD)
	}
	if q.EstimatedSeconds != 5 {
		t.Fatalf("unexpected fill time: %d", q.EstimatedSeconds)
	}
}

func TestQuoteRejectsAmountOutsideLimits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/limits" {
			_, _ = w.Write([]byte(`{"minDeposit":"5000000","maxDeposit":"9000000"}`))
			return
		}
		t.Errorf("fees should not be requested when limits fail: %s", r.URL.Path)
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0))
	c.baseURL = srv.URL
	if _, err := c.Quote(context.Background(), usdcRoute(t)); err == nil {
		t.Fatal("expected limits error")
	}
}

func TestQuoteRejectsNativeInput(t *testing.T) {
	c := New(httpx.New(time.Second, 0))
	req := usdcRoute(t)
	req.FromToken.Address = ""
	if _, err := c.Quote(context.Background(), req); err == nil {
		t.Fatal("expected native input to be unsupported")
	}
}

func TestBuildStepsFromSwapApproval(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/swap/approval" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			return
		}
		query = r.URL.Query()
		_, _ = w.Write([]byte(`{
			"approvalTxns":[
				{"chainId":1,"to":"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48","data":"0x095ea7b3"},
				{"chainId":10,"to":"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48","data":"0x095ea7b3"}
			],
			"swapTx":{"chainId":1,"to":"0x5c7BCd6E7De5423a257D81B442095A1a6ced35C5","data":"0xad5425c6","value":"0x0"},
			"expectedOutputAmount":"997000"
		}`))
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0))
	c.baseURL = srv.URL
	req := usdcRoute(t)
	req.Sender = depositor
	req.SlippageBps = 100
	steps, err := c.BuildSteps(context.Background(), model.CrossChainQuote{Bridge: "across"}, req)
	if err != nil {
		t.Fatalf("BuildSteps failed: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected source-chain approval + bridge, got %d", len(steps))
	}
	if steps[0].Kind != model.StepApprove || steps[1].Kind != model.StepBridge {
		t.Fatalf("unexpected kinds: %s %s", steps[0].Kind, steps[1].Kind)
	}
	if steps[1].Payload.Data != "0xad5425c6" || steps[1].Payload.Chain != req.FromChain.CAIP2 {
		t.Fatalf("unexpected bridge payload: %+v", steps[1].Payload)
	}
	if query.Get("recipient") != depositor || query.Get("slippage") != "0.010000" {
		t.Fatalf("unexpected query: %v", query)
	}
}

func TestBuildStepsRequiresSender(t *testing.T) {
	c := New(httpx.New(time.Second, 0))
	if _, err := c.BuildSteps(context.Background(), model.CrossChainQuote{}, usdcRoute(t)); err == nil {
		t.Fatal("expected sender error")
	}
}
