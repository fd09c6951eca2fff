package jupiter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
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

const (
	solanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	wrappedSOLMint     = "So11111111111111111111111111111111111111112"
)

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	now     func() time.Time
}

func New(httpClient *httpx.Client, apiKey string) *Client {
	apiKey = strings.TrimSpace(apiKey)
	baseURL := registry.JupiterLiteBaseURL
	if apiKey != "" {
		baseURL = registry.JupiterProBaseURL
	}
	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		apiKey:  apiKey,
		now:     time.Now,
	}
}

func (c *Client) Name() string { return "jupiter" }

func (c *Client) Supports(chain id.Chain) bool { return chain.CAIP2 == solanaMainnetCAIP2 }

type routeHop struct {
	SwapInfo struct {
		AmmKey string `json:"ammKey"`
		Label  string `json:"label"`
	} `json:"swapInfo"`
	Percent float64 `json:"percent"`
}

type quoteResponse struct {
	OutAmount      string     `json:"outAmount"`
	PriceImpactPct string     `json:"priceImpactPct"`
	RoutePlan      []routeHop `json:"routePlan"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

func (c *Client) Quote(ctx context.Context, req providers.SwapRequest) (model.SwapQuote, error) {
	if err := c.check(req.Chain); err != nil {
		return model.SwapQuote{}, err
	}
	raw, err := c.requestQuote(ctx, req.TokenIn.Address, req.TokenOut.Address, req.AmountIn, req.SlippageBps)
	if err != nil {
		return model.SwapQuote{}, err
	}
	var resp quoteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return model.SwapQuote{}, clierr.Wrap(clierr.CodeUnavailable, "decode jupiter quote", err)
	}
	if strings.TrimSpace(resp.OutAmount) == "" {
		return model.SwapQuote{}, clierr.New(clierr.CodeUnavailable, "jupiter quote missing output amount")
	}

	return model.SwapQuote{
		Source:         c.Name(),
		Chain:          req.Chain.CAIP2,
		TokenIn:        req.TokenIn,
		TokenOut:       req.TokenOut,
		AmountIn:       providers.Amount(req.AmountIn, req.TokenIn.Decimals),
		AmountOut:      providers.Amount(resp.OutAmount, req.TokenOut.Decimals),
		Steps:          routeSteps(resp.RoutePlan),
		PriceImpactPct: parsePriceImpactPct(resp.PriceImpactPct),
		FetchedAt:      c.now().UTC(),
		Raw:            raw,
	}, nil
}

// BuildSwap re-quotes at the requested slippage and returns Jupiter's serialized
// transaction, which the wallet signs in slot 0.
func (c *Client) BuildSwap(ctx context.Context, quote model.SwapQuote, sender string, slippageBps int64) (model.TransactionPayload, error) {
	chain, err := id.ParseChain(quote.Chain)
	if err != nil {
		return model.TransactionPayload{}, err
	}
	if err := c.check(chain); err != nil {
		return model.TransactionPayload{}, err
	}
	if strings.TrimSpace(sender) == "" {
		return model.TransactionPayload{}, clierr.New(clierr.CodeUsage, "jupiter swap requires the wallet public key")
	}
	raw, err := c.requestQuote(ctx, quote.TokenIn.Address, quote.TokenOut.Address, quote.AmountIn.AmountBaseUnits, slippageBps)
	if err != nil {
		return model.TransactionPayload{}, err
	}
	body, err := json.Marshal(map[string]any{
		"quoteResponse":             json.RawMessage(raw),
		"userPublicKey":             sender,
		"wrapAndUnwrapSol":          true,
		"dynamicComputeUnitLimit":   true,
		"prioritizationFeeLamports": "auto",
	})
	if err != nil {
		return model.TransactionPayload{}, clierr.Wrap(clierr.CodeInternal, "marshal jupiter swap request", err)
	}
	var resp swapResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/swap", body, c.headers(), &resp); err != nil {
		return model.TransactionPayload{}, err
	}
	if strings.TrimSpace(resp.SwapTransaction) == "" {
		return model.TransactionPayload{}, clierr.New(clierr.CodeActionPlan, "jupiter swap response missing transaction")
	}
	return model.NewSolanaPayload(chain.CAIP2, model.SolanaTx{Serialized: resp.SwapTransaction}), nil
}

func (c *Client) requestQuote(ctx context.Context, inputMint, outputMint, amount string, slippageBps int64) ([]byte, error) {
	vals := url.Values{}
	vals.Set("inputMint", mint(inputMint))
	vals.Set("outputMint", mint(outputMint))
	vals.Set("amount", amount)
	vals.Set("slippageBps", strconv.FormatInt(providers.Slippage(slippageBps), 10))

	endpoint := fmt.Sprintf("%s/quote?%s", strings.TrimRight(c.baseURL, "/"), vals.Encode())
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build jupiter quote request", err)
	}
	for k, v := range c.headers() {
		hReq.Header.Set(k, v)
	}
	var raw json.RawMessage
	if _, err := c.http.DoJSON(ctx, hReq, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) check(chain id.Chain) error {
	if !chain.IsSolana() {
		return clierr.New(clierr.CodeUnsupported, "jupiter supports only Solana")
	}
	if chain.CAIP2 != solanaMainnetCAIP2 {
		return clierr.New(clierr.CodeUnsupported, "jupiter supports only Solana mainnet")
	}
	return nil
}

func (c *Client) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"x-api-key": c.apiKey}
}

func mint(addr string) string {
	if strings.TrimSpace(addr) == "" {
		return wrappedSOLMint
	}
	return addr
}

func parsePriceImpactPct(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

func routeSteps(plan []routeHop) []model.RouteStep {
	if len(plan) == 0 {
		return []model.RouteStep{{Exchange: "jupiter", Share: 1}}
	}
	steps := make([]model.RouteStep, 0, len(plan))
	for _, hop := range plan {
		label := strings.TrimSpace(hop.SwapInfo.Label)
		if label == "" {
			label = "jupiter"
		}
		steps = append(steps, model.RouteStep{Exchange: label, Pool: hop.SwapInfo.AmmKey, Share: hop.Percent / 100})
	}
	return steps
}
