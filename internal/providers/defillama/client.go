// Package defillama reads pool yields and token prices from the DefiLlama public APIs.
package defillama

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/httpx"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/registry"
)

type Client struct {
	http       *httpx.Client
	yieldsBase string
	coinsBase  string
}

func New(httpClient *httpx.Client) *Client {
	return &Client{
		http:       httpClient,
		yieldsBase: registry.DefiLlamaYieldsURL,
		coinsBase:  registry.DefiLlamaCoinsURL,
	}
}

func (c *Client) Name() string { return "defillama" }

type poolsEnvelope struct {
	Status string      `json:"status"`
	Data   []poolEntry `json:"data"`
}

type poolEntry struct {
	Pool       string   `json:"pool"`
	Chain      string   `json:"chain"`
	Project    string   `json:"project"`
	Symbol     string   `json:"symbol"`
	Underlying []string `json:"underlyingTokens"`
	APYBase    *float64 `json:"apyBase"`
	APYReward  *float64 `json:"apyReward"`
	APY        *float64 `json:"apy"`
	TVLUSD     *float64 `json:"tvlUsd"`
	ILRisk     string   `json:"ilRisk"`
	Stablecoin bool     `json:"stablecoin"`
	Exposure   string   `json:"exposure"`
}

func (c *Client) getPools(ctx context.Context) ([]poolEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.yieldsBase+"/pools", nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build yields request", err)
	}
	var env poolsEnvelope
	if _, err := c.http.DoJSON(ctx, req, &env); err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, "defillama yields returned no pools")
	}
	return env.Data, nil
}

// Pools returns pools on the given chains with at least minTVL, best score first.
// A limit of zero or less returns every match.
func (c *Client) Pools(ctx context.Context, chains []id.Chain, minTVL float64, limit int) ([]model.PoolSnapshot, error) {
	pools, err := c.getPools(ctx)
	if err != nil {
		return nil, err
	}

	type scored struct {
		snap  model.PoolSnapshot
		score float64
	}
	matched := make([]scored, 0)
	for _, p := range pools {
		chain, ok := matchChain(p.Chain, chains)
		if !ok {
			continue
		}
		apy := numOrZero(p.APY)
		tvl := numOrZero(p.TVLUSD)
		if apy <= 0 || tvl <= 0 || tvl < minTVL {
			continue
		}
		risk := deriveRisk(p)
		matched = append(matched, scored{
			snap: model.PoolSnapshot{
				PoolID:     p.Pool,
				ProtocolID: strings.ToLower(p.Project),
				Chain:      chain.CAIP2,
				Symbol:     p.Symbol,
				APR:        apy,
				TVLUSD:     tvl,
				RiskScore:  riskScore(risk),
				Tokens:     p.Underlying,
			},
			score: scorePool(apy, tvl, risk),
		})
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].score != matched[j].score {
			return matched[i].score > matched[j].score
		}
		return matched[i].snap.PoolID < matched[j].snap.PoolID
	})
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}
	out := make([]model.PoolSnapshot, 0, limit)
	for _, m := range matched[:limit] {
		out = append(out, m.snap)
	}
	return out, nil
}

type Price struct {
	Price      float64 `json:"price"`
	Symbol     string  `json:"symbol"`
	Decimals   int     `json:"decimals"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
}

type pricesEnvelope struct {
	Coins map[string]Price `json:"coins"`
}

// Prices looks up current USD prices. Keys are DefiLlama coin ids as built by CoinKey.
// Coins the API does not know are absent from the result.
func (c *Client) Prices(ctx context.Context, coins []string) (map[string]Price, error) {
	if len(coins) == 0 {
		return map[string]Price{}, nil
	}
	endpoint := c.coinsBase + "/prices/current/" + url.PathEscape(strings.Join(coins, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build prices request", err)
	}
	var env pricesEnvelope
	if _, err := c.http.DoJSON(ctx, req, &env); err != nil {
		return nil, err
	}
	if env.Coins == nil {
		env.Coins = map[string]Price{}
	}
	return env.Coins, nil
}

var coinPrefixBySlug = map[string]string{
	"ethereum":  "ethereum",
	"arbitrum":  "arbitrum",
	"base":      "base",
	"optimism":  "optimism",
	"polygon":   "polygon",
	"bsc":       "bsc",
	"avalanche": "avax",
	"taiko":     "taiko",
	"solana":    "solana",
	"aptos":     "aptos",
}

// CoinKey builds the DefiLlama coin id of a token. Native assets resolve through
// their coingecko id.
func CoinKey(chain id.Chain, token string) (string, error) {
	if id.IsNative(chain, token) || strings.TrimSpace(token) == "" {
		native, ok := id.NativeAsset(chain)
		if !ok || native.CoinGeckoID == "" {
			return "", clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no native price id for %s", chain.CAIP2))
		}
		return "coingecko:" + native.CoinGeckoID, nil
	}
	prefix, ok := coinPrefixBySlug[chain.Slug]
	if !ok {
		return "", clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no price namespace for %s", chain.CAIP2))
	}
	addr := strings.TrimSpace(token)
	if chain.IsEVM() {
		addr = strings.ToLower(addr)
	}
	return prefix + ":" + addr, nil
}

func matchChain(input string, chains []id.Chain) (id.Chain, bool) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(input)), " ", "-")
	if norm == "" {
		return id.Chain{}, false
	}
	for _, c := range chains {
		if norm == strings.ToLower(c.Name) || norm == c.Slug {
			return c, true
		}
	}
	return id.Chain{}, false
}

func numOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0
	}
	return *v
}

func deriveRisk(p poolEntry) string {
	if p.Stablecoin && strings.TrimSpace(p.ILRisk) == "no" {
		return "low"
	}
	if strings.EqualFold(strings.TrimSpace(p.ILRisk), "yes") || strings.EqualFold(strings.TrimSpace(p.Exposure), "volatile") {
		return "high"
	}
	if strings.TrimSpace(p.ILRisk) == "" {
		return "unknown"
	}
	return "medium"
}

// riskScore maps the qualitative risk level onto [0,1], higher is riskier.
func riskScore(level string) float64 {
	switch level {
	case "low":
		return 0.2
	case "medium":
		return 0.5
	case "high":
		return 0.8
	default:
		return 0.6
	}
}

func scorePool(apy, tvlUSD float64, riskLevel string) float64 {
	apyNorm := clamp(apy, 0, 100) / 100
	tvlNorm := clamp(math.Log10(tvlUSD+1)/10, 0, 1)
	penalty := map[string]float64{
		"low":     0.10,
		"medium":  0.30,
		"high":    0.60,
		"unknown": 0.45,
	}[riskLevel]
	raw := 0.55*apyNorm + 0.45*tvlNorm - 0.25*penalty
	return math.Round(clamp(raw, 0, 1)*100*100) / 100
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
