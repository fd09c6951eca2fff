package oneinch

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

const nativeToken = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	now     func() time.Time
}

func New(httpClient *httpx.Client, apiKey string) *Client {
	return &Client{http: httpClient, baseURL: registry.OneInchBaseURL, apiKey: strings.TrimSpace(apiKey), now: time.Now}
}

func (c *Client) Name() string { return "1inch" }

func (c *Client) Supports(chain id.Chain) bool { return chain.IsEVM() }

type quoteResponse struct {
	DstAmount string  `json:"dstAmount"`
	Gas       float64 `json:"gas"`
}

type swapResponse struct {
	DstAmount string `json:"dstAmount"`
	Tx        struct {
		providers.EVMTx
		Gas uint64 `json:"gas"`
	} `json:"tx"`
}

func (c *Client) Quote(ctx context.Context, req providers.SwapRequest) (model.SwapQuote, error) {
	if err := c.check(req.Chain); err != nil {
		return model.SwapQuote{}, err
	}
	vals := url.Values{}
	vals.Set("src", tokenParam(req.Chain, req.TokenIn.Address))
	vals.Set("dst", tokenParam(req.Chain, req.TokenOut.Address))
	vals.Set("amount", req.AmountIn)
	vals.Set("includeGas", "true")

	var resp quoteResponse
	if err := c.get(ctx, req.Chain, "quote", vals, &resp); err != nil {
		return model.SwapQuote{}, err
	}
	if resp.DstAmount == "" {
		return model.SwapQuote{}, clierr.New(clierr.CodeUnavailable, "1inch quote missing destination amount")
	}

	raw, _ := json.Marshal(resp)
	return model.SwapQuote{
		Source:    c.Name(),
		Chain:     req.Chain.CAIP2,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  providers.Amount(req.AmountIn, req.TokenIn.Decimals),
		AmountOut: providers.Amount(resp.DstAmount, req.TokenOut.Decimals),
		Steps:     []model.RouteStep{{Exchange: "1inch", Input: req.TokenIn.Symbol, Output: req.TokenOut.Symbol, Share: 1}},
		GasUnits:  uint64(resp.Gas),
		FetchedAt: c.now().UTC(),
		Raw:       raw,
	}, nil
}

func (c *Client) BuildSwap(ctx context.Context, quote model.SwapQuote, sender string, slippageBps int64) (model.TransactionPayload, error) {
	chain, err := id.ParseChain(quote.Chain)
	if err != nil {
		return model.TransactionPayload{}, err
	}
	if err := c.check(chain); err != nil {
		return model.TransactionPayload{}, err
	}
	if strings.TrimSpace(sender) == "" {
		return model.TransactionPayload{}, clierr.New(clierr.CodeUsage, "1inch swap requires a sender address")
	}
	vals := url.Values{}
	vals.Set("src", tokenParam(chain, quote.TokenIn.Address))
	vals.Set("dst", tokenParam(chain, quote.TokenOut.Address))
	vals.Set("amount", quote.AmountIn.AmountBaseUnits)
	vals.Set("from", sender)
	vals.Set("origin", sender)
	vals.Set("slippage", providers.SlippagePercent(slippageBps))
	vals.Set("disableEstimate", "true")

	var resp swapResponse
	if err := c.get(ctx, chain, "swap", vals, &resp); err != nil {
		return model.TransactionPayload{}, err
	}
	return resp.Tx.Payload(chain)
}

func (c *Client) check(chain id.Chain) error {
	if !chain.IsEVM() {
		return clierr.New(clierr.CodeUnsupported, "1inch supports only EVM chains")
	}
	if c.apiKey == "" {
		return clierr.New(clierr.CodeAuth, "missing required API key for 1inch (providers.oneinch_api_key)")
	}
	return nil
}

func (c *Client) get(ctx context.Context, chain id.Chain, method string, vals url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/swap/v6.0/%s/%s?%s", c.baseURL, strconv.FormatInt(chain.EVMChainID, 10), method, vals.Encode())
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "build 1inch request", err)
	}
	hReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	_, err = c.http.DoJSON(ctx, hReq, out)
	return err
}

func tokenParam(chain id.Chain, addr string) string {
	if id.IsNative(chain, addr) {
		return nativeToken
	}
	return addr
}
