package fibrous

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/httpx"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
	"github.com/ggonzalez94/defi-autopilot/internal/registry"
)

// chainSlugs maps EVM chain IDs to Fibrous API chain slug identifiers.
var chainSlugs = map[int64]string{
	999:  "hyperevm",
	4114: "citrea",
	8453: "base",
}

type Client struct {
	http    *httpx.Client
	baseURL string
	now     func() time.Time
}

func New(httpClient *httpx.Client) *Client {
	return &Client{
		http:    httpClient,
		baseURL: registry.FibrousBaseURL,
		now:     time.Now,
	}
}

func (c *Client) Name() string { return "fibrous" }

func (c *Client) Supports(chain id.Chain) bool {
	_, ok := chainSlugs[chain.EVMChainID]
	return chain.IsEVM() && ok
}

type routeResponse struct {
	Success               bool     `json:"success"`
	OutputAmount          string   `json:"outputAmount"`
	EstimatedGasUsed      string   `json:"estimatedGasUsed"`
	EstimatedGasUsedInUsd *float64 `json:"estimatedGasUsedInUsd"`
}

type calldataResponse struct {
	Success     bool            `json:"success"`
	Transaction providers.EVMTx `json:"transaction"`
}

func (c *Client) Quote(ctx context.Context, req providers.SwapRequest) (model.SwapQuote, error) {
	slug, err := c.slug(req.Chain)
	if err != nil {
		return model.SwapQuote{}, err
	}

	vals := url.Values{}
	vals.Set("amount", req.AmountIn)
	vals.Set("tokenInAddress", req.TokenIn.Address)
	vals.Set("tokenOutAddress", req.TokenOut.Address)

	var resp routeResponse
	if err := c.get(ctx, slug, "route", vals, &resp); err != nil {
		return model.SwapQuote{}, err
	}
	if !resp.Success {
		return model.SwapQuote{}, clierr.New(clierr.CodeUnavailable, "fibrous route returned success=false")
	}
	if resp.OutputAmount == "" {
		return model.SwapQuote{}, clierr.New(clierr.CodeUnavailable, "fibrous route missing output amount")
	}

	quote := model.SwapQuote{
		Source:    c.Name(),
		Chain:     req.Chain.CAIP2,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  providers.Amount(req.AmountIn, req.TokenIn.Decimals),
		AmountOut: providers.Amount(resp.OutputAmount, req.TokenOut.Decimals),
		Steps:     []model.RouteStep{{Exchange: "fibrous", Input: req.TokenIn.Symbol, Output: req.TokenOut.Symbol, Share: 1}},
		FetchedAt: c.now().UTC(),
	}
	if gas, err := decimal.NewFromString(resp.EstimatedGasUsed); err == nil && gas.IsPositive() {
		quote.GasUnits = uint64(gas.IntPart())
	}
	if resp.EstimatedGasUsedInUsd != nil {
		quote.GasUSD = decimal.NewFromFloat(*resp.EstimatedGasUsedInUsd)
	}
	quote.Raw, _ = json.Marshal(resp)
	return quote, nil
}

// BuildSwap asks for router calldata paying out to sender.
func (c *Client) BuildSwap(ctx context.Context, quote model.SwapQuote, sender string, slippageBps int64) (model.TransactionPayload, error) {
	chain, err := id.ParseChain(quote.Chain)
	if err != nil {
		return model.TransactionPayload{}, clierr.Wrap(clierr.CodeUsage, "parse quote chain", err)
	}
	slug, err := c.slug(chain)
	if err != nil {
		return model.TransactionPayload{}, err
	}
	if strings.TrimSpace(sender) == "" {
		return model.TransactionPayload{}, clierr.New(clierr.CodeUsage, "fibrous swap requires a sender address")
	}

	vals := url.Values{}
	vals.Set("amount", quote.AmountIn.AmountBaseUnits)
	vals.Set("tokenInAddress", quote.TokenIn.Address)
	vals.Set("tokenOutAddress", quote.TokenOut.Address)
	vals.Set("slippage", providers.SlippagePercent(slippageBps))
	vals.Set("destination", sender)

	var resp calldataResponse
	if err := c.get(ctx, slug, "calldata", vals, &resp); err != nil {
		return model.TransactionPayload{}, err
	}
	if !resp.Success {
		return model.TransactionPayload{}, clierr.New(clierr.CodeUnavailable, "fibrous calldata returned success=false")
	}
	return resp.Transaction.Payload(chain)
}

func (c *Client) slug(chain id.Chain) (string, error) {
	slug, ok := chainSlugs[chain.EVMChainID]
	if ok && chain.IsEVM() {
		return slug, nil
	}
	supported := make([]string, 0, len(chainSlugs))
	for _, s := range chainSlugs {
		supported = append(supported, s)
	}
	sort.Strings(supported)
	return "", clierr.New(clierr.CodeUnsupported,
		fmt.Sprintf("fibrous does not support chain %s (supported: %s)", chain.Slug, strings.Join(supported, ", ")))
}

func (c *Client) get(ctx context.Context, slug, method string, vals url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/%s/%s?%s", c.baseURL, slug, method, vals.Encode())
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "build fibrous request", err)
	}
	_, err = c.http.DoJSON(ctx, hReq, out)
	return err
}
