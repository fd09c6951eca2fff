package lifi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
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

// quoteAddress stands in for the sender when a quote is requested before a
// wallet is known. LI.FI requires some fromAddress.
const quoteAddress = "0x0000000000000000000000000000000000000001"

const nativeToken = "0x0000000000000000000000000000000000000000"

// Client is the LI.FI bridge source. Swaps exposes the same API as a
// same-chain QuoteSource.
type Client struct {
	http       *httpx.Client
	baseURL    string
	integrator string
	allowances providers.Allowances
	now        func() time.Time
}

type Option func(*Client)

// WithAllowances lets BuildSteps skip the approval when the allowance already covers the amount.
func WithAllowances(reader providers.Allowances) Option {
	return func(c *Client) { c.allowances = reader }
}

func New(httpClient *httpx.Client, integrator string, opts ...Option) *Client {
	c := &Client{http: httpClient, baseURL: registry.LiFiBaseURL, integrator: strings.TrimSpace(integrator), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "lifi" }

func (c *Client) Supports(from, to id.Chain) bool {
	return from.IsEVM() && to.IsEVM() && from.CAIP2 != to.CAIP2
}

type costItem struct {
	AmountUSD string `json:"amountUSD"`
	Estimate  string `json:"estimate"`
}

type quoteResponse struct {
	ID       string `json:"id"`
	Tool     string `json:"tool"`
	Estimate struct {
		ToAmount          string     `json:"toAmount"`
		ToAmountMin       string     `json:"toAmountMin"`
		ApprovalAddress   string     `json:"approvalAddress"`
		FeeCosts          []costItem `json:"feeCosts"`
		GasCosts          []costItem `json:"gasCosts"`
		ExecutionDuration float64    `json:"executionDuration"`
	} `json:"estimate"`
	ToolDetails struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"toolDetails"`
	IncludedSteps []struct {
		Type        string `json:"type"`
		Tool        string `json:"tool"`
		ToolDetails struct {
			Name string `json:"name"`
		} `json:"toolDetails"`
	} `json:"includedSteps"`
	TransactionRequest struct {
		providers.EVMTx
		ChainID  int64  `json:"chainId"`
		GasLimit string `json:"gasLimit"`
	} `json:"transactionRequest"`
}

func (q quoteResponse) bridgeKey() string {
	if key := strings.TrimSpace(q.ToolDetails.Key); key != "" {
		return key
	}
	return strings.TrimSpace(q.Tool)
}

func sumUSD(items []costItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		if v, err := decimal.NewFromString(strings.TrimSpace(item.AmountUSD)); err == nil {
			total = total.Add(v)
		}
	}
	return total
}

func sumGasUnits(items []costItem) uint64 {
	var total uint64
	for _, item := range items {
		if v, err := strconv.ParseUint(strings.TrimSpace(item.Estimate), 10, 64); err == nil {
			total += v
		}
	}
	return total
}

type quoteParams struct {
	from, to           id.Chain
	fromToken, toToken string
	amount             string
	sender, recipient  string
	slippageBps        int64
}

func (c *Client) fetch(ctx context.Context, p quoteParams) (quoteResponse, json.RawMessage, error) {
	if !p.from.IsEVM() || !p.to.IsEVM() {
		return quoteResponse{}, nil, clierr.New(clierr.CodeUnsupported, "lifi supports only EVM chains")
	}
	if _, err := providers.ParseAmount(p.amount); err != nil {
		return quoteResponse{}, nil, err
	}
	sender := strings.TrimSpace(p.sender)
	if sender == "" {
		sender = quoteAddress
	}
	vals := url.Values{}
	vals.Set("fromChain", strconv.FormatInt(p.from.EVMChainID, 10))
	vals.Set("toChain", strconv.FormatInt(p.to.EVMChainID, 10))
	vals.Set("fromToken", tokenParam(p.from, p.fromToken))
	vals.Set("toToken", tokenParam(p.to, p.toToken))
	vals.Set("fromAmount", p.amount)
	vals.Set("fromAddress", sender)
	if strings.TrimSpace(p.recipient) != "" {
		vals.Set("toAddress", p.recipient)
	}
	vals.Set("slippage", providers.SlippageFraction(p.slippageBps))
	if c.integrator != "" {
		vals.Set("integrator", c.integrator)
	}

	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+vals.Encode(), nil)
	if err != nil {
		return quoteResponse{}, nil, clierr.Wrap(clierr.CodeInternal, "build lifi quote request", err)
	}
	var raw json.RawMessage
	if _, err := c.http.DoJSON(ctx, hReq, &raw); err != nil {
		return quoteResponse{}, nil, err
	}
	var resp quoteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return quoteResponse{}, nil, clierr.Wrap(clierr.CodeUnavailable, "decode lifi quote", err)
	}
	if strings.TrimSpace(resp.Estimate.ToAmount) == "" {
		return quoteResponse{}, nil, clierr.New(clierr.CodeUnavailable, "lifi quote missing output amount")
	}
	return resp, raw, nil
}

func (c *Client) Quote(ctx context.Context, req providers.RouteRequest) ([]model.CrossChainQuote, error) {
	resp, raw, err := c.fetch(ctx, routeParams(req))
	if err != nil {
		return nil, err
	}
	return []model.CrossChainQuote{{
		Source:           c.Name(),
		Bridge:           resp.bridgeKey(),
		FromChain:        req.FromChain.CAIP2,
		ToChain:          req.ToChain.CAIP2,
		FromToken:        req.FromToken,
		ToToken:          req.ToToken,
		AmountIn:         providers.Amount(req.AmountIn, req.FromToken.Decimals),
		AmountOut:        providers.Amount(resp.Estimate.ToAmount, req.ToToken.Decimals),
		FeeUSD:           sumUSD(resp.Estimate.FeeCosts).Add(sumUSD(resp.Estimate.GasCosts)),
		EstimatedSeconds: int64(resp.Estimate.ExecutionDuration),
		FetchedAt:        c.now().UTC(),
		Raw:              raw,
	}}, nil
}

// BuildSteps re-quotes with the real sender so the transaction request is
// bound to it, then prepends an approval when the allowance is short.
func (c *Client) BuildSteps(ctx context.Context, quote model.CrossChainQuote, req providers.RouteRequest) ([]model.CrossChainStep, error) {
	if strings.TrimSpace(req.Sender) == "" {
		return nil, clierr.New(clierr.CodeUsage, "lifi route requires a sender address")
	}
	if req.AmountIn == "" {
		req.AmountIn = quote.AmountIn.AmountBaseUnits
	}
	resp, _, err := c.fetch(ctx, routeParams(req))
	if err != nil {
		return nil, err
	}
	if bridge := resp.bridgeKey(); quote.Bridge != "" && !strings.EqualFold(bridge, quote.Bridge) {
		return nil, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("lifi re-quote switched bridge from %s to %s", quote.Bridge, bridge))
	}
	if resp.TransactionRequest.ChainID != 0 && resp.TransactionRequest.ChainID != req.FromChain.EVMChainID {
		return nil, clierr.New(clierr.CodeActionPlan, "lifi transaction chain does not match source chain")
	}
	payload, err := resp.TransactionRequest.Payload(req.FromChain)
	if err != nil {
		return nil, err
	}

	amount, err := providers.ParseAmount(req.AmountIn)
	if err != nil {
		return nil, err
	}
	var steps []model.CrossChainStep
	approve, err := providers.ApproveIfNeeded(ctx, c.allowances, req.FromChain, req.FromToken, req.Sender, resp.Estimate.ApprovalAddress, amount)
	if err != nil {
		return nil, err
	}
	if approve != nil {
		steps = append(steps, *approve)
	}
	steps = append(steps, model.CrossChainStep{
		Kind:        model.StepBridge,
		Chain:       req.FromChain.CAIP2,
		Description: fmt.Sprintf("Bridge %s from %s to %s via %s", strings.ToUpper(req.FromToken.Symbol), req.FromChain.Slug, req.ToChain.Slug, resp.bridgeKey()),
		Payload:     payload,
	})
	return steps, nil
}

func routeParams(req providers.RouteRequest) quoteParams {
	return quoteParams{
		from:        req.FromChain,
		to:          req.ToChain,
		fromToken:   req.FromToken.Address,
		toToken:     req.ToToken.Address,
		amount:      req.AmountIn,
		sender:      req.Sender,
		recipient:   req.Recipient,
		slippageBps: req.SlippageBps,
	}
}

// Swaps returns the same-chain QuoteSource view of the client.
func (c *Client) Swaps() *Swaps { return &Swaps{c: c} }

type Swaps struct {
	c *Client
}

func (s *Swaps) Name() string { return "lifi" }

func (s *Swaps) Supports(chain id.Chain) bool { return chain.IsEVM() }

func (s *Swaps) Quote(ctx context.Context, req providers.SwapRequest) (model.SwapQuote, error) {
	resp, raw, err := s.c.fetch(ctx, quoteParams{
		from:        req.Chain,
		to:          req.Chain,
		fromToken:   req.TokenIn.Address,
		toToken:     req.TokenOut.Address,
		amount:      req.AmountIn,
		sender:      req.Sender,
		slippageBps: req.SlippageBps,
	})
	if err != nil {
		return model.SwapQuote{}, err
	}
	steps := make([]model.RouteStep, 0, len(resp.IncludedSteps))
	for _, step := range resp.IncludedSteps {
		name := step.ToolDetails.Name
		if name == "" {
			name = step.Tool
		}
		steps = append(steps, model.RouteStep{Exchange: name, Input: req.TokenIn.Symbol, Output: req.TokenOut.Symbol})
	}
	if len(steps) == 0 {
		steps = append(steps, model.RouteStep{Exchange: resp.bridgeKey(), Input: req.TokenIn.Symbol, Output: req.TokenOut.Symbol, Share: 1})
	}
	return model.SwapQuote{
		Source:    s.Name(),
		Chain:     req.Chain.CAIP2,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  providers.Amount(req.AmountIn, req.TokenIn.Decimals),
		AmountOut: providers.Amount(resp.Estimate.ToAmount, req.TokenOut.Decimals),
		Steps:     steps,
		GasUnits:  sumGasUnits(resp.Estimate.GasCosts),
		GasUSD:    sumUSD(resp.Estimate.GasCosts),
		FetchedAt: s.c.now().UTC(),
		Raw:       raw,
	}, nil
}

func (s *Swaps) BuildSwap(ctx context.Context, quote model.SwapQuote, sender string, slippageBps int64) (model.TransactionPayload, error) {
	chain, err := id.ParseChain(quote.Chain)
	if err != nil {
		return model.TransactionPayload{}, err
	}
	if strings.TrimSpace(sender) == "" {
		return model.TransactionPayload{}, clierr.New(clierr.CodeUsage, "lifi swap requires a sender address")
	}
	resp, _, err := s.c.fetch(ctx, quoteParams{
		from:        chain,
		to:          chain,
		fromToken:   quote.TokenIn.Address,
		toToken:     quote.TokenOut.Address,
		amount:      quote.AmountIn.AmountBaseUnits,
		sender:      sender,
		slippageBps: slippageBps,
	})
	if err != nil {
		return model.TransactionPayload{}, err
	}
	return resp.TransactionRequest.Payload(chain)
}

func tokenParam(chain id.Chain, addr string) string {
	if id.IsNative(chain, addr) {
		return nativeToken
	}
	return addr
}
