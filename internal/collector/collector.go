// Package collector harvests pending protocol rewards and consolidates them
// into one target asset.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defi-autopilot/internal/adapters"
	"github.com/ggonzalez94/defi-autopilot/internal/aggregator"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
)

type Config struct {
	// MinHarvestUSD is the pending value below which gas would exceed the reward.
	MinHarvestUSD decimal.Decimal
	MinSwapUSD    decimal.Decimal
	TargetSymbol  string
	ExtraPools    []model.PositionRef
}

type Result struct {
	Harvested    int             `json:"harvested"`
	Swapped      int             `json:"swapped"`
	CollectedUSD decimal.Decimal `json:"collected_usd"`
	GasSpentUSD  decimal.Decimal `json:"gas_spent_usd"`
	Errors       []string        `json:"errors"`
}

type Positions interface {
	OpenPositions(ctx context.Context) ([]model.PositionRef, error)
}

type Wallet interface {
	Address(chain id.Chain) (string, error)
}

// Swapper is the slice of the DEX aggregator the collector needs.
type Swapper interface {
	GetBestQuote(ctx context.Context, req providers.SwapRequest) (model.SwapQuote, bool)
	Execute(ctx context.Context, exec aggregator.TxExecutor, quote model.SwapQuote, sender string, amountUSD decimal.Decimal, metadata map[string]string) (model.TransactionRecord, error)
}

type Collector struct {
	adapters  *adapters.Registry
	positions Positions
	wallet    Wallet
	exec      aggregator.TxExecutor
	swaps     Swapper
	log       *slog.Logger
}

type Option func(*Collector)

func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.log = l }
}

func New(registry *adapters.Registry, positions Positions, wallet Wallet, exec aggregator.TxExecutor, swaps Swapper, opts ...Option) *Collector {
	c := &Collector{adapters: registry, positions: positions, wallet: wallet, exec: exec, swaps: swaps, log: logger.Named("collector")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type candidate struct {
	ref     model.PositionRef
	chain   id.Chain
	adapter adapters.Adapter
	owner   string
	rewards []model.PendingReward
	total   decimal.Decimal
}

// CollectAll scans positions on chains (all chains when empty), harvests the
// ones worth it and swaps the harvested tokens into the target asset. Item
// failures land in Result.Errors; only missing wiring returns an error.
func (c *Collector) CollectAll(ctx context.Context, chains []id.Chain, cfg Config) (Result, error) {
	res := Result{CollectedUSD: decimal.Zero, GasSpentUSD: decimal.Zero, Errors: []string{}}
	if c.adapters == nil || c.wallet == nil || c.exec == nil {
		return res, clierr.New(clierr.CodeInternal, "collector requires adapters, a wallet and an executor")
	}

	candidates := c.scan(ctx, chains, cfg, &res)
	harvested := c.harvest(ctx, candidates, cfg, &res)
	c.consolidate(ctx, harvested, cfg, &res)

	c.log.Info("collection finished",
		"harvested", res.Harvested, "swapped", res.Swapped,
		"collected_usd", res.CollectedUSD.StringFixed(2), "gas_usd", res.GasSpentUSD.StringFixed(2),
		"errors", len(res.Errors))
	return res, nil
}

func (c *Collector) scan(ctx context.Context, chains []id.Chain, cfg Config, res *Result) []candidate {
	var refs []model.PositionRef
	if c.positions != nil {
		open, err := c.positions.OpenPositions(ctx)
		if err != nil {
			res.Errors = append(res.Errors, "scan: open positions: "+err.Error())
		}
		refs = append(refs, open...)
	}
	refs = append(refs, cfg.ExtraPools...)

	allowed := map[string]bool{}
	for _, ch := range chains {
		allowed[ch.CAIP2] = true
	}
	seen := map[string]bool{}
	var out []candidate
	for _, ref := range refs {
		chain, err := id.ParseChain(ref.Chain)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("scan %s/%s: %v", ref.Protocol, ref.PoolID, err))
			continue
		}
		key := ref.Protocol + "|" + chain.CAIP2 + "|" + ref.PoolID
		if seen[key] || (len(allowed) > 0 && !allowed[chain.CAIP2]) {
			continue
		}
		seen[key] = true

		adapter, ok := c.adapters.Get(ref.Protocol, chain)
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("scan %s on %s: no adapter", ref.Protocol, chain.Slug))
			continue
		}
		owner, err := c.wallet.Address(chain)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("scan %s on %s: %v", ref.Protocol, chain.Slug, err))
			continue
		}
		rewards, err := adapter.GetPendingRewards(ctx, chain, ref.PoolID, owner)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("scan %s/%s: %v", ref.Protocol, ref.PoolID, err))
			continue
		}
		total := decimal.Zero
		for _, r := range rewards {
			total = total.Add(r.ValueUSD)
		}
		out = append(out, candidate{ref: ref, chain: chain, adapter: adapter, owner: owner, rewards: rewards, total: total})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].total.GreaterThan(out[j].total) })
	return out
}

func (c *Collector) harvest(ctx context.Context, candidates []candidate, cfg Config, res *Result) []candidate {
	var done []candidate
	for _, cand := range candidates {
		if cand.total.IsZero() || cand.total.LessThan(cfg.MinHarvestUSD) {
			continue
		}
		steps, err := cand.adapter.Harvest(ctx, cand.chain, cand.ref.PoolID, cand.owner)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("harvest %s/%s: %v", cand.ref.Protocol, cand.ref.PoolID, err))
			continue
		}
		ok := true
		for _, step := range steps {
			rec, err := c.exec.Execute(ctx, step.Payload, step.Type, decimal.Zero, map[string]string{
				"protocol":    cand.ref.Protocol,
				"pool":        cand.ref.PoolID,
				"rewards_usd": cand.total.StringFixed(2),
				"source":      "collector",
			})
			res.GasSpentUSD = res.GasSpentUSD.Add(rec.GasCostUSD)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("harvest %s/%s: %v", cand.ref.Protocol, cand.ref.PoolID, err))
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		res.Harvested++
		res.CollectedUSD = res.CollectedUSD.Add(cand.total)
		done = append(done, cand)
	}
	return done
}

type rewardTotal struct {
	chain    id.Chain
	token    model.Token
	amount   *big.Int
	valueUSD decimal.Decimal
	owner    string
}

// consolidate sums harvested rewards per (chain, token) and swaps each sum
// into the target asset.
func (c *Collector) consolidate(ctx context.Context, harvested []candidate, cfg Config, res *Result) {
	var order []string
	totals := map[string]*rewardTotal{}
	for _, cand := range harvested {
		for _, r := range cand.rewards {
			amount, ok := new(big.Int).SetString(r.Amount.AmountBaseUnits, 10)
			if !ok {
				continue
			}
			key := cand.chain.CAIP2 + "|" + strings.ToLower(r.Token.Address)
			t, exists := totals[key]
			if !exists {
				t = &rewardTotal{chain: cand.chain, token: r.Token, amount: new(big.Int), valueUSD: decimal.Zero, owner: cand.owner}
				totals[key] = t
				order = append(order, key)
			}
			t.amount.Add(t.amount, amount)
			t.valueUSD = t.valueUSD.Add(r.ValueUSD)
		}
	}

	for _, key := range order {
		t := totals[key]
		if t.valueUSD.LessThan(cfg.MinSwapUSD) {
			continue
		}
		if strings.EqualFold(t.token.Symbol, cfg.TargetSymbol) {
			continue
		}
		target, ok := id.KnownToken(t.chain.CAIP2, cfg.TargetSymbol)
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("swap %s on %s: unknown target %s", t.token.Symbol, t.chain.Slug, cfg.TargetSymbol))
			continue
		}
		if strings.EqualFold(target.Address, t.token.Address) {
			continue
		}
		if c.swaps == nil {
			res.Errors = append(res.Errors, "swap: no aggregator configured")
			return
		}
		req := providers.SwapRequest{
			Chain:    t.chain,
			TokenIn:  t.token,
			TokenOut: model.Token{ChainID: t.chain.CAIP2, Address: target.Address, Symbol: target.Symbol, Decimals: target.Decimals},
			AmountIn: t.amount.String(),
			Sender:   t.owner,
		}
		quote, ok := c.swaps.GetBestQuote(ctx, req)
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("swap %s on %s: no quote", t.token.Symbol, t.chain.Slug))
			continue
		}
		rec, err := c.swaps.Execute(ctx, c.exec, quote, t.owner, t.valueUSD, map[string]string{"source": "collector", "reward_token": t.token.Address})
		res.GasSpentUSD = res.GasSpentUSD.Add(rec.GasCostUSD)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("swap %s on %s: %v", t.token.Symbol, t.chain.Slug, err))
			continue
		}
		res.Swapped++
	}
}

// ParsePoolRef reads "protocol:chain:pool"; the chain part may itself contain
// colons (eip155:8453).
func ParsePoolRef(s string) (model.PositionRef, error) {
	first := strings.Index(s, ":")
	last := strings.LastIndex(s, ":")
	if first <= 0 || last <= first+1 || last == len(s)-1 {
		return model.PositionRef{}, clierr.New(clierr.CodeUsage, "pool reference must look like protocol:chain:pool, got "+s)
	}
	return model.PositionRef{Protocol: s[:first], Chain: s[first+1 : last], PoolID: s[last+1:]}, nil
}
