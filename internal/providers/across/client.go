package across

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
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

// defaultFillSeconds applies when suggested-fees omits a fill time estimate.
const defaultFillSeconds = 120

type Client struct {
	http    *httpx.Client
	baseURL string
	now     func() time.Time
}

func New(httpClient *httpx.Client) *Client {
	return &Client{http: httpClient, baseURL: registry.AcrossBaseURL, now: time.Now}
}

func (c *Client) Name() string { return "across" }

// Supports reports EVM-to-EVM transfers. Across moves ERC20s only.
func (c *Client) Supports(from, to id.Chain) bool {
	return from.IsEVM() && to.IsEVM() && from.CAIP2 != to.CAIP2
}

func (c *Client) Quote(ctx context.Context, req providers.RouteRequest) ([]model.CrossChainQuote, error) {
	if !c.Supports(req.FromChain, req.ToChain) {
		return nil, clierr.New(clierr.CodeUnsupported, "across supports only transfers between distinct EVM chains")
	}
	if !common.IsHexAddress(req.FromToken.Address) || id.IsNative(req.FromChain, req.FromToken.Address) {
		return nil, clierr.New(clierr.CodeUnsupported, "across quotes require an ERC20 input token")
	}
	if _, err := providers.ParseAmount(req.AmountIn); err != nil {
		return nil, err
	}

	vals := url.Values{}
	vals.Set("originChainId", strconv.FormatInt(req.FromChain.EVMChainID, 10))
	vals.Set("destinationChainId", strconv.FormatInt(req.ToChain.EVMChainID, 10))
	vals.Set("token", req.FromToken.Address)
	vals.Set("amount", req.AmountIn)

	var limits map[string]any
	if err := c.get(ctx, "/limits", vals, &limits); err != nil {
		return nil, err
	}
	if !withinLimits(req.AmountIn, limits) {
		return nil, clierr.New(clierr.CodeUsage, "amount is outside across bridge limits")
	}

	var fees map[string]any
	if err := c.get(ctx, "/suggested-fees", vals, &fees); err != nil {
		return nil, err
	}

	feeBase := pickNumberString(fees, "totalRelayFee", "relayFeeTotal")
	out := pickNumberString(fees, "outputAmount")
	if out == "" {
		out = subtractBaseUnits(req.AmountIn, feeBase)
	}
	feeUSD := pickDecimal(fees, "totalRelayFeeUsd", "feeUsd")
	if feeUSD.IsZero() && feeBase != "" {
		feeUSD = approximateStableUSD(req.FromToken.Symbol, feeBase, req.FromToken.Decimals)
	}
	fill := int64(pickFloat(fees, "estimatedFillTimeSec", "estimatedFillTime"))
	if fill <= 0 {
		fill = defaultFillSeconds
	}
	raw, _ := json.Marshal(fees)

	return []model.CrossChainQuote{{
		Source:           c.Name(),
		Bridge:           c.Name(),
		FromChain:        req.FromChain.CAIP2,
		ToChain:          req.ToChain.CAIP2,
		FromToken:        req.FromToken,
		ToToken:          req.ToToken,
		AmountIn:         providers.Amount(req.AmountIn, req.FromToken.Decimals),
		AmountOut:        providers.Amount(out, req.ToToken.Decimals),
		FeeUSD:           feeUSD,
		EstimatedSeconds: fill,
		FetchedAt:        c.now().UTC(),
		Raw:              raw,
	}}, nil
}

type approvalResponse struct {
	ApprovalTxns []struct {
		providers.EVMTx
		ChainID int64 `json:"chainId"`
	} `json:"approvalTxns"`
	SwapTx struct {
		providers.EVMTx
		ChainID int64 `json:"chainId"`
	} `json:"swapTx"`
	MinOutputAmount      string `json:"minOutputAmount"`
	ExpectedOutputAmount string `json:"expectedOutputAmount"`
}

// BuildSteps asks /swap/approval for the deposit transaction bound to the
// sender. Approvals returned by the API come first.
func (c *Client) BuildSteps(ctx context.Context, quote model.CrossChainQuote, req providers.RouteRequest) ([]model.CrossChainStep, error) {
	sender := strings.TrimSpace(req.Sender)
	if !common.IsHexAddress(sender) {
		return nil, clierr.New(clierr.CodeUsage, "across route requires a valid EVM sender address")
	}
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		recipient = sender
	}
	if !common.IsHexAddress(recipient) {
		return nil, clierr.New(clierr.CodeUsage, "across recipient must be a valid EVM address")
	}
	if !common.IsHexAddress(req.FromToken.Address) || !common.IsHexAddress(req.ToToken.Address) {
		return nil, clierr.New(clierr.CodeUsage, "across route requires ERC20 token addresses")
	}
	amount := req.AmountIn
	if amount == "" {
		amount = quote.AmountIn.AmountBaseUnits
	}
	if _, err := providers.ParseAmount(amount); err != nil {
		return nil, err
	}

	vals := url.Values{}
	vals.Set("amount", amount)
	vals.Set("inputToken", req.FromToken.Address)
	vals.Set("outputToken", req.ToToken.Address)
	vals.Set("originChainId", strconv.FormatInt(req.FromChain.EVMChainID, 10))
	vals.Set("destinationChainId", strconv.FormatInt(req.ToChain.EVMChainID, 10))
	vals.Set("depositor", sender)
	vals.Set("recipient", recipient)
	vals.Set("slippage", providers.SlippageFraction(req.SlippageBps))

	var resp approvalResponse
	if err := c.get(ctx, "/swap/approval", vals, &resp); err != nil {
		return nil, err
	}
	if resp.SwapTx.ChainID != 0 && resp.SwapTx.ChainID != req.FromChain.EVMChainID {
		return nil, clierr.New(clierr.CodeActionPlan, "across deposit transaction chain does not match source chain")
	}

	steps := make([]model.CrossChainStep, 0, len(resp.ApprovalTxns)+1)
	for _, approval := range resp.ApprovalTxns {
		if approval.ChainID != 0 && approval.ChainID != req.FromChain.EVMChainID {
			continue
		}
		payload, err := approval.Payload(req.FromChain)
		if err != nil {
			continue
		}
		steps = append(steps, model.CrossChainStep{
			Kind:        model.StepApprove,
			Chain:       req.FromChain.CAIP2,
			Description: fmt.Sprintf("Approve %s for Across", strings.ToUpper(req.FromToken.Symbol)),
			Payload:     payload,
		})
	}
	payload, err := resp.SwapTx.Payload(req.FromChain)
	if err != nil {
		return nil, err
	}
	steps = append(steps, model.CrossChainStep{
		Kind:        model.StepBridge,
		Chain:       req.FromChain.CAIP2,
		Description: fmt.Sprintf("Bridge %s from %s to %s via Across", strings.ToUpper(req.FromToken.Symbol), req.FromChain.Slug, req.ToChain.Slug),
		Payload:     payload,
	})
	return steps, nil
}

func (c *Client) get(ctx context.Context, path string, vals url.Values, out any) error {
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+vals.Encode(), nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "build across request", err)
	}
	_, err = c.http.DoJSON(ctx, hReq, out)
	return err
}

func withinLimits(amount string, limits map[string]any) bool {
	min := pickNumberString(limits, "minDeposit", "minLimit")
	max := pickNumberString(limits, "maxDeposit", "maxLimit")
	if min != "" && compareBaseUnits(amount, min) < 0 {
		return false
	}
	if max != "" && compareBaseUnits(amount, max) > 0 {
		return false
	}
	return true
}

func pickNumberString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if out := numberString(v); out != "" {
				return out
			}
		}
	}
	return ""
}

func pickFloat(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if out, ok := floatValue(v); ok {
				return out
			}
		}
	}
	return 0
}

func pickDecimal(m map[string]any, keys ...string) decimal.Decimal {
	return decimal.NewFromFloat(pickFloat(m, keys...))
}

// numberString reads a base-unit amount that may be a string, a number or a
// {total|amount} object.
func numberString(v any) string {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return ""
		}
		return trimLeadingZeros(s)
	case float64:
		return trimLeadingZeros(strconv.FormatFloat(t, 'f', 0, 64))
	case map[string]any:
		if out := numberString(t["total"]); out != "" {
			return out
		}
		return numberString(t["amount"])
	default:
		return ""
	}
}

func floatValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case map[string]any:
		if f, ok := floatValue(t["usd"]); ok {
			return f, true
		}
		return floatValue(t["value"])
	default:
		return 0, false
	}
}

func approximateStableUSD(symbol, amountBase string, decimals int) decimal.Decimal {
	switch strings.ToUpper(strings.TrimSpace(symbol)) {
	case "USDC", "USDT", "USDT0", "DAI", "USDE", "USDS", "FRAX", "GHO", "PYUSD":
	default:
		return decimal.Zero
	}
	v, err := decimal.NewFromString(id.FormatDecimalCompat(amountBase, decimals))
	if err != nil {
		return decimal.Zero
	}
	return v
}

func compareBaseUnits(a, b string) int {
	a = trimLeadingZeros(a)
	b = trimLeadingZeros(b)
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// subtractBaseUnits returns amount-fee, floored at zero. An empty fee leaves amount unchanged.
func subtractBaseUnits(amount, fee string) string {
	a, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return amount
	}
	f, err := decimal.NewFromString(strings.TrimSpace(fee))
	if err != nil {
		return amount
	}
	out := a.Sub(f)
	if out.IsNegative() {
		return "0"
	}
	return out.String()
}

func trimLeadingZeros(v string) string {
	v = strings.TrimLeft(v, "0")
	if v == "" {
		return "0"
	}
	return v
}
