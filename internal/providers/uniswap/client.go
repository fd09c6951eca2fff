package uniswap

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/httpx"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
	"github.com/ggonzalez94/defi-autopilot/internal/registry"
)

// quoteOnlySwapper stands in for the swapper when only a price is needed.
const quoteOnlySwapper = "0x0000000000000000000000000000000000000001"

const nativeToken = "0x0000000000000000000000000000000000000000"

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	now     func() time.Time
}

func New(httpClient *httpx.Client, apiKey string) *Client {
	return &Client{http: httpClient, baseURL: registry.UniswapBaseURL, apiKey: strings.TrimSpace(apiKey), now: time.Now}
}

func (c *Client) Name() string { return "uniswap" }

func (c *Client) Supports(chain id.Chain) bool { return chain.IsEVM() }

type quoteResponse struct {
	Routing string          `json:"routing"`
	Quote   json.RawMessage `json:"quote"`
}

type classicQuote struct {
	Output struct {
		Amount string `json:"amount"`
	} `json:"output"`
	GasFeeUSD   json.RawMessage `json:"gasFeeUSD"`
	GasUseEst   json.RawMessage `json:"gasUseEstimate"`
	PriceImpact json.RawMessage `json:"priceImpact"`
	Route       [][]struct {
		Type    string `json:"type"`
		Address string `json:"address"`
	} `json:"route"`
}

type swapResponse struct {
	Swap providers.EVMTx `json:"swap"`
}

func (c *Client) Quote(ctx context.Context, req providers.SwapRequest) (model.SwapQuote, error) {
	if err := c.check(req.Chain); err != nil {
		return model.SwapQuote{}, err
	}
	swapper := quoteOnlySwapper
	if strings.TrimSpace(req.Sender) != "" {
		swapper = req.Sender
	}
	resp, err := c.requestQuote(ctx, req.Chain, req.TokenIn.Address, req.TokenOut.Address, req.AmountIn, swapper, req.SlippageBps)
	if err != nil {
		return model.SwapQuote{}, err
	}
	var q classicQuote
	if err := json.Unmarshal(resp.Quote, &q); err != nil {
		return model.SwapQuote{}, clierr.Wrap(clierr.CodeUnavailable, "decode uniswap quote", err)
	}
	if q.Output.Amount == "" {
		return model.SwapQuote{}, clierr.New(clierr.CodeUnavailable, "uniswap quote missing output amount")
	}
	gasUnits, _ := parseJSONFloat(q.GasUseEst)
	impact, _ := parseJSONFloat(q.PriceImpact)

	steps := make([]model.RouteStep, 0, len(q.Route))
	for _, path := range q.Route {
		for _, hop := range path {
			steps = append(steps, model.RouteStep{Exchange: "uniswap-" + strings.ToLower(hop.Type), Pool: hop.Address})
		}
	}
	if len(steps) == 0 {
		steps = []model.RouteStep{{Exchange: "uniswap", Share: 1}}
	}

	return model.SwapQuote{
		Source:         c.Name(),
		Chain:          req.Chain.CAIP2,
		TokenIn:        req.TokenIn,
		TokenOut:       req.TokenOut,
		AmountIn:       providers.Amount(req.AmountIn, req.TokenIn.Decimals),
		AmountOut:      providers.Amount(q.Output.Amount, req.TokenOut.Decimals),
		Steps:          steps,
		PriceImpactPct: impact,
		GasUnits:       uint64(gasUnits),
		FetchedAt:      c.now().UTC(),
		Raw:            resp.Quote,
	}, nil
}

// BuildSwap re-quotes for the real swapper and slippage, then asks the API for calldata.
func (c *Client) BuildSwap(ctx context.Context, quote model.SwapQuote, sender string, slippageBps int64) (model.TransactionPayload, error) {
	chain, err := id.ParseChain(quote.Chain)
	if err != nil {
		return model.TransactionPayload{}, err
	}
	if err := c.check(chain); err != nil {
		return model.TransactionPayload{}, err
	}
	if strings.TrimSpace(sender) == "" {
		return model.TransactionPayload{}, clierr.New(clierr.CodeUsage, "uniswap swap requires a sender address")
	}
	resp, err := c.requestQuote(ctx, chain, quote.TokenIn.Address, quote.TokenOut.Address, quote.AmountIn.AmountBaseUnits, sender, slippageBps)
	if err != nil {
		return model.TransactionPayload{}, err
	}
	body, err := json.Marshal(map[string]any{"quote": resp.Quote})
	if err != nil {
		return model.TransactionPayload{}, clierr.Wrap(clierr.CodeInternal, "marshal uniswap swap request", err)
	}
	var swap swapResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/swap", body, c.headers(), &swap); err != nil {
		return model.TransactionPayload{}, err
	}
	return swap.Swap.Payload(chain)
}

func (c *Client) requestQuote(ctx context.Context, chain id.Chain, tokenIn, tokenOut, amount, swapper string, slippageBps int64) (quoteResponse, error) {
	payload := map[string]any{
		"tokenInChainId":    chain.EVMChainID,
		"tokenOutChainId":   chain.EVMChainID,
		"tokenIn":           tokenParam(chain, tokenIn),
		"tokenOut":          tokenParam(chain, tokenOut),
		"amount":            amount,
		"type":              "EXACT_INPUT",
		"swapper":           swapper,
		"slippageTolerance": float64(providers.Slippage(slippageBps)) / 100,
		"routingPreference": "CLASSIC",
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return quoteResponse{}, clierr.Wrap(clierr.CodeInternal, "marshal uniswap request", err)
	}
	var resp quoteResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/quote", buf, c.headers(), &resp); err != nil {
		return quoteResponse{}, err
	}
	if len(resp.Quote) == 0 {
		return quoteResponse{}, clierr.New(clierr.CodeUnavailable, "uniswap response missing quote")
	}
	return resp, nil
}

func (c *Client) check(chain id.Chain) error {
	if !chain.IsEVM() {
		return clierr.New(clierr.CodeUnsupported, "uniswap supports only EVM chains")
	}
	if c.apiKey == "" {
		return clierr.New(clierr.CodeAuth, "missing required API key for uniswap (providers.uniswap_api_key)")
	}
	return nil
}

func (c *Client) headers() map[string]string {
	return map[string]string{"x-api-key": c.apiKey}
}

func tokenParam(chain id.Chain, addr string) string {
	if id.IsNative(chain, addr) {
		return nativeToken
	}
	return addr
}

func parseJSONFloat(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, nil
	}

	var value float64
	if err := json.Unmarshal(raw, &value); err == nil {
		return value, nil
	}

	var valueStr string
	if err := json.Unmarshal(raw, &valueStr); err == nil {
		parsed, parseErr := strconv.ParseFloat(valueStr, 64)
		if parseErr != nil {
			return 0, parseErr
		}
		return parsed, nil
	}

	return 0, clierr.New(clierr.CodeUnavailable, "expected numeric or string-encoded numeric value")
}
