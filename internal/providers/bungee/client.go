package bungee

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/httpx"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
	"github.com/ggonzalez94/defi-autopilot/internal/registry"
)

// placeholderUser stands in for the sender on quote-only requests.
const placeholderUser = "0x0000000000000000000000000000000000000001"

const defaultServiceSeconds = 300

type Client struct {
	http             *httpx.Client
	baseURL          string
	dedicatedBaseURL string
	apiKey           string
	affiliate        string
	now              func() time.Time
}

func New(httpClient *httpx.Client, apiKey, affiliate string) *Client {
	return &Client{
		http:             httpClient,
		baseURL:          registry.BungeeBaseURL,
		dedicatedBaseURL: registry.BungeeDedicatedBaseURL,
		apiKey:           apiKey,
		affiliate:        affiliate,
		now:              time.Now,
	}
}

func (c *Client) Name() string { return "bungee" }

func (c *Client) Supports(from, to id.Chain) bool {
	return from.IsEVM() && to.IsEVM() && from.CAIP2 != to.CAIP2
}

type quoteResponse struct {
	Success bool        `json:"success"`
	Result  quoteResult `json:"result"`
	Error   any         `json:"error"`
}

type quoteResult struct {
	OriginChainID      int64           `json:"originChainId"`
	DestinationChainID int64           `json:"destinationChainId"`
	Output             quoteOutput     `json:"output"`
	AutoRoute          *quoteAutoRoute `json:"autoRoute"`
}

type quoteOutput struct {
	Amount   string `json:"amount"`
	Decimals int    `json:"decimals"`
	Token    struct {
		Decimals int `json:"decimals"`
	} `json:"token"`
}

type quoteAutoRoute struct {
	QuoteID       string        `json:"quoteId"`
	Output        quoteOutput   `json:"output"`
	OutputAmount  string        `json:"outputAmount"`
	EstimatedTime int64         `json:"estimatedTime"`
	GasFee        *quoteGasFee  `json:"gasFee"`
	RouteDetails  quoteDetails  `json:"routeDetails"`
	UserTxs       []quoteUserTx `json:"userTxs"`
}

type quoteGasFee struct {
	FeeInUSD float64 `json:"feeInUsd"`
}

type quoteUserTx struct {
	StepType     string             `json:"stepType"`
	RouteDetails quoteDetails       `json:"routeDetails"`
	SwapRoutes   []quoteSwapRoute   `json:"swapRoutes"`
	BridgeRoutes []quoteBridgeRoute `json:"bridgeRoutes"`
}

type quoteDetails struct {
	Name string `json:"name"`
}

type quoteSwapRoute struct {
	UsedDexName string `json:"usedDexName"`
}

type quoteBridgeRoute struct {
	UsedBridgeNames []string `json:"usedBridgeNames"`
}

// summary is the part of a quote the router ranks on.
type summary struct {
	quoteID     string
	amountOut   string
	decimals    int
	feeUSD      float64
	seconds     int64
	route       string
	bridgeNames []string
}

func (c *Client) Quote(ctx context.Context, req providers.RouteRequest) ([]model.CrossChainQuote, error) {
	if !c.Supports(req.FromChain, req.ToChain) {
		return nil, clierr.New(clierr.CodeUnsupported, "bungee supports only transfers between distinct EVM chains")
	}
	if _, err := providers.ParseAmount(req.AmountIn); err != nil {
		return nil, err
	}
	resp, err := c.quote(ctx, req, placeholderUser, placeholderUser)
	if err != nil {
		return nil, err
	}
	sum, err := summarize(resp, req.ToToken.Decimals)
	if err != nil {
		return nil, err
	}
	seconds := sum.seconds
	if seconds <= 0 {
		seconds = defaultServiceSeconds
	}
	bridge := c.Name()
	if len(sum.bridgeNames) == 1 {
		bridge = sum.bridgeNames[0]
	}
	raw, _ := json.Marshal(map[string]any{"quoteId": sum.quoteID, "route": sum.route})

	return []model.CrossChainQuote{{
		Source:           c.Name(),
		Bridge:           bridge,
		FromChain:        req.FromChain.CAIP2,
		ToChain:          req.ToChain.CAIP2,
		FromToken:        req.FromToken,
		ToToken:          req.ToToken,
		AmountIn:         providers.Amount(req.AmountIn, req.FromToken.Decimals),
		AmountOut:        providers.Amount(sum.amountOut, sum.decimals),
		FeeUSD:           decimal.NewFromFloat(sum.feeUSD),
		EstimatedSeconds: seconds,
		FetchedAt:        c.now().UTC(),
		Raw:              raw,
	}}, nil
}

type buildResponse struct {
	Success bool        `json:"success"`
	Result  buildResult `json:"result"`
	Error   any         `json:"error"`
}

type buildResult struct {
	TxData struct {
		providers.EVMTx
		ChainID int64 `json:"chainId"`
	} `json:"txData"`
	ApprovalData *struct {
		SpenderAddress string `json:"spenderAddress"`
		Amount         string `json:"amount"`
		TokenAddress   string `json:"tokenAddress"`
	} `json:"approvalData"`
}

// BuildSteps re-quotes with the real sender, since quote ids are bound to the
// user address, then asks /bungee/build-tx for the transaction.
func (c *Client) BuildSteps(ctx context.Context, quote model.CrossChainQuote, req providers.RouteRequest) ([]model.CrossChainStep, error) {
	sender := strings.TrimSpace(req.Sender)
	if !common.IsHexAddress(sender) {
		return nil, clierr.New(clierr.CodeUsage, "bungee route requires a valid EVM sender address")
	}
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		recipient = sender
	}
	if !common.IsHexAddress(recipient) {
		return nil, clierr.New(clierr.CodeUsage, "bungee recipient must be a valid EVM address")
	}
	if req.AmountIn == "" {
		req.AmountIn = quote.AmountIn.AmountBaseUnits
	}
	if _, err := providers.ParseAmount(req.AmountIn); err != nil {
		return nil, err
	}

	resp, err := c.quote(ctx, req, sender, recipient)
	if err != nil {
		return nil, err
	}
	sum, err := summarize(resp, req.ToToken.Decimals)
	if err != nil {
		return nil, err
	}
	if sum.quoteID == "" {
		return nil, clierr.New(clierr.CodeActionPlan, "bungee quote has no auto route to build")
	}

	var built buildResponse
	vals := url.Values{}
	vals.Set("quoteId", sum.quoteID)
	if err := c.get(ctx, "/bungee/build-tx", vals, &built); err != nil {
		return nil, err
	}
	if !built.Success {
		return nil, clierr.New(clierr.CodeActionPlan, bungeeError(built.Error))
	}
	if built.Result.TxData.ChainID != 0 && built.Result.TxData.ChainID != bungeeChainID(req.FromChain) {
		return nil, clierr.New(clierr.CodeActionPlan, "bungee transaction chain does not match source chain")
	}

	steps := make([]model.CrossChainStep, 0, 2)
	if a := built.Result.ApprovalData; a != nil && strings.TrimSpace(a.SpenderAddress) != "" {
		amount, err := providers.ParseAmount(a.Amount)
		if err != nil {
			amount, _ = providers.ParseAmount(req.AmountIn)
		}
		token := req.FromToken
		if common.IsHexAddress(a.TokenAddress) {
			token.Address = a.TokenAddress
		}
		step, err := providers.ApproveIfNeeded(ctx, nil, req.FromChain, token, sender, a.SpenderAddress, amount)
		if err != nil {
			return nil, err
		}
		if step != nil {
			steps = append(steps, *step)
		}
	}
	payload, err := built.Result.TxData.Payload(req.FromChain)
	if err != nil {
		return nil, err
	}
	steps = append(steps, model.CrossChainStep{
		Kind:        model.StepBridge,
		Chain:       req.FromChain.CAIP2,
		Description: fmt.Sprintf("Bridge %s from %s to %s via Bungee (%s)", strings.ToUpper(req.FromToken.Symbol), req.FromChain.Slug, req.ToChain.Slug, sum.route),
		Payload:     payload,
	})
	return steps, nil
}

func (c *Client) quote(ctx context.Context, req providers.RouteRequest, user, receiver string) (quoteResponse, error) {
	vals := url.Values{}
	vals.Set("originChainId", strconv.FormatInt(bungeeChainID(req.FromChain), 10))
	vals.Set("destinationChainId", strconv.FormatInt(bungeeChainID(req.ToChain), 10))
	vals.Set("inputToken", req.FromToken.Address)
	vals.Set("outputToken", req.ToToken.Address)
	vals.Set("inputAmount", req.AmountIn)
	vals.Set("userAddress", user)
	vals.Set("receiverAddress", receiver)
	vals.Set("slippage", providers.SlippagePercent(req.SlippageBps))

	var resp quoteResponse
	if err := c.get(ctx, "/bungee/quote", vals, &resp); err != nil {
		return quoteResponse{}, err
	}
	if !resp.Success {
		return quoteResponse{}, clierr.New(clierr.CodeUnavailable, bungeeError(resp.Error))
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, vals url.Values, out any) error {
	base := c.baseURL
	apiKey, affiliate, dedicated := c.dedicatedAuth()
	if dedicated {
		base = c.dedicatedBaseURL
	}
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path+"?"+vals.Encode(), nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "build bungee request", err)
	}
	if dedicated {
		hReq.Header.Set("x-api-key", apiKey)
		hReq.Header.Set("affiliate", affiliate)
	}
	_, err = c.http.DoJSON(ctx, hReq, out)
	return err
}

func (c *Client) dedicatedAuth() (apiKey, affiliate string, ok bool) {
	apiKey = strings.TrimSpace(c.apiKey)
	affiliate = strings.TrimSpace(c.affiliate)
	return apiKey, affiliate, apiKey != "" && affiliate != ""
}

func summarize(resp quoteResponse, fallbackDecimals int) (summary, error) {
	s := summary{
		amountOut: strings.TrimSpace(resp.Result.Output.Amount),
		decimals:  positiveOr(resp.Result.Output.Token.Decimals, positiveOr(resp.Result.Output.Decimals, fallbackDecimals)),
	}
	if auto := resp.Result.AutoRoute; auto != nil {
		s.quoteID = strings.TrimSpace(auto.QuoteID)
		if v := strings.TrimSpace(auto.Output.Amount); v != "" {
			s.amountOut = v
		}
		if v := strings.TrimSpace(auto.OutputAmount); v != "" {
			s.amountOut = v
		}
		s.decimals = positiveOr(auto.Output.Token.Decimals, positiveOr(auto.Output.Decimals, s.decimals))
		if auto.GasFee != nil {
			s.feeUSD = auto.GasFee.FeeInUSD
		}
		s.seconds = auto.EstimatedTime
		s.route = routeDetails(auto.UserTxs, auto.RouteDetails.Name)
		s.bridgeNames = bridgeNames(auto.UserTxs)
	}
	if s.amountOut == "" {
		return summary{}, clierr.New(clierr.CodeUnavailable, "bungee quote missing output amount")
	}
	if s.decimals < 0 {
		s.decimals = 0
	}
	if s.route == "" {
		s.route = "auto"
	}
	return s, nil
}

func routeDetails(userTxs []quoteUserTx, routeName string) string {
	if routeName = strings.TrimSpace(routeName); routeName != "" {
		return strings.ToLower(routeName)
	}
	steps := make([]string, 0, len(userTxs))
	for _, tx := range userTxs {
		step := strings.ToLower(strings.TrimSpace(tx.StepType))
		switch step {
		case "swap":
			names := make([]string, 0, len(tx.SwapRoutes))
			for _, r := range tx.SwapRoutes {
				if n := strings.ToLower(strings.TrimSpace(r.UsedDexName)); n != "" {
					names = append(names, n)
				}
			}
			steps = append(steps, labelled("swap", names))
		case "bridge":
			steps = append(steps, labelled("bridge", bridgeNames([]quoteUserTx{tx})))
		default:
			if name := strings.ToLower(strings.TrimSpace(tx.RouteDetails.Name)); name != "" {
				steps = append(steps, name)
			} else if step != "" {
				steps = append(steps, step)
			}
		}
	}
	return strings.Join(steps, "->")
}

func bridgeNames(userTxs []quoteUserTx) []string {
	var names []string
	for _, tx := range userTxs {
		for _, r := range tx.BridgeRoutes {
			for _, b := range r.UsedBridgeNames {
				if n := strings.ToLower(strings.TrimSpace(b)); n != "" {
					names = append(names, n)
				}
			}
		}
	}
	sort.Strings(names)
	return unique(names)
}

func labelled(kind string, names []string) string {
	sort.Strings(names)
	names = unique(names)
	if len(names) == 0 {
		return kind
	}
	return kind + "(" + strings.Join(names, "+") + ")"
}

func unique(items []string) []string {
	if len(items) <= 1 {
		return items
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		if i == 0 || item != items[i-1] {
			out = append(out, item)
		}
	}
	return out
}

func bungeeChainID(chain id.Chain) int64 {
	// Bungee expects HyperEVM on chain ID 999.
	if chain.CAIP2 == "eip155:998" {
		return 999
	}
	return chain.EVMChainID
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func bungeeError(v any) string {
	switch t := v.(type) {
	case string:
		if msg := strings.TrimSpace(t); msg != "" {
			return msg
		}
	case map[string]any:
		if msg, ok := t["message"].(string); ok && strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
	}
	return "bungee request failed"
}
