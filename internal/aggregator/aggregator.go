// Package aggregator fans a swap request out to every DEX router that supports
// the chain and ranks the answers by USD value delivered after gas.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/execution"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/metrics"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/pricing"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
)

const DefaultQuoteTimeout = 10 * time.Second

type Config struct {
	QuoteTimeout time.Duration
	SlippageBps  int64
	// OfflineFallback replaces a failed source with a price-derived estimate.
	// Estimates are ranked but never chosen as Best.
	OfflineFallback bool
}

// TxExecutor is the safety-gated executor swaps are sent through.
type TxExecutor interface {
	Execute(ctx context.Context, p model.TransactionPayload, txType model.TxType, amountUSD decimal.Decimal, metadata map[string]string) (model.TransactionRecord, error)
}

type Aggregator struct {
	sources    []providers.QuoteSource
	prices     pricing.Prices
	fees       execution.FeeOptimizer
	allowances providers.Allowances
	cfg        Config
	log        *slog.Logger
}

type Option func(*Aggregator)

// WithFeeOptimizer prices gas units with live chain fees instead of the static table.
func WithFeeOptimizer(f execution.FeeOptimizer) Option {
	return func(a *Aggregator) { a.fees = f }
}

// WithAllowances lets Execute skip approvals that are already in place.
func WithAllowances(r providers.Allowances) Option {
	return func(a *Aggregator) { a.allowances = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.log = l }
}

func New(sources []providers.QuoteSource, prices pricing.Prices, cfg Config, opts ...Option) *Aggregator {
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = DefaultQuoteTimeout
	}
	if prices == nil {
		prices = pricing.New(nil)
	}
	a := &Aggregator{sources: sources, prices: prices, cfg: cfg, log: logger.Named("aggregator")}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SourceFailure records why one router produced no quote.
type SourceFailure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

type MultiQuote struct {
	Best *model.SwapQuote  `json:"best,omitempty"`
	All  []model.SwapQuote `json:"all"`
	// Savings is best minus worst, in USD when every quote is priced and in
	// output units otherwise.
	Savings decimal.Decimal `json:"savings"`
	Failed  []SourceFailure `json:"failed,omitempty"`
}

// GetBestQuote returns the best executable quote, or false when no router answered.
func (a *Aggregator) GetBestQuote(ctx context.Context, req providers.SwapRequest) (model.SwapQuote, bool) {
	multi := a.GetBestQuoteMultiSource(ctx, req)
	if multi.Best == nil {
		return model.SwapQuote{}, false
	}
	return *multi.Best, true
}

// GetBestQuoteMultiSource queries every supporting source concurrently. A failing
// or slow source is dropped without affecting the others.
func (a *Aggregator) GetBestQuoteMultiSource(ctx context.Context, req providers.SwapRequest) MultiQuote {
	if req.TokenIn.ChainID == "" {
		req.TokenIn.ChainID = req.Chain.CAIP2
	}
	if req.TokenOut.ChainID == "" {
		req.TokenOut.ChainID = req.Chain.CAIP2
	}
	req.SlippageBps = providers.Slippage(firstPositive(req.SlippageBps, a.cfg.SlippageBps))

	type result struct {
		quote model.SwapQuote
		err   error
		name  string
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []result
	)
	for _, src := range a.sources {
		if !src.Supports(req.Chain) {
			continue
		}
		wg.Add(1)
		go func(src providers.QuoteSource) {
			defer wg.Done()
			q, err := a.quoteOne(ctx, src, req)
			mu.Lock()
			results = append(results, result{quote: q, err: err, name: src.Name()})
			mu.Unlock()
		}(src)
	}
	wg.Wait()

	var out MultiQuote
	for _, r := range results {
		if r.err != nil {
			out.Failed = append(out.Failed, SourceFailure{Source: r.name, Error: r.err.Error()})
			if a.cfg.OfflineFallback {
				if est, ok := a.estimate(ctx, r.name, req); ok {
					out.All = append(out.All, est)
				}
			}
			continue
		}
		out.All = append(out.All, a.price(ctx, req.Chain, r.quote))
	}
	sort.Slice(out.Failed, func(i, j int) bool { return out.Failed[i].Source < out.Failed[j].Source })
	if len(out.All) == 0 {
		return out
	}

	allPriced := rank(out.All)
	for i := range out.All {
		if !out.All[i].Estimated {
			best := out.All[i]
			out.Best = &best
			break
		}
	}
	out.Savings = value(out.All[0], allPriced).Sub(value(out.All[len(out.All)-1], allPriced))
	return out
}

func (a *Aggregator) quoteOne(ctx context.Context, src providers.QuoteSource, req providers.SwapRequest) (q model.SwapQuote, err error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.QuoteTimeout)
	defer cancel()
	start := time.Now()
	defer func() {
		metrics.QuoteLatency.WithLabelValues(src.Name()).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			err = clierr.New(clierr.CodeInternal, fmt.Sprintf("%s quote panicked: %v", src.Name(), r))
		}
		if err != nil {
			metrics.QuoteFailures.WithLabelValues(src.Name()).Inc()
			a.log.Warn("quote source failed", "source", src.Name(), "chain", req.Chain.CAIP2, "err", err)
		}
	}()
	q, err = src.Quote(ctx, req)
	if err != nil {
		return model.SwapQuote{}, err
	}
	if q.Source == "" {
		q.Source = src.Name()
	}
	if _, ok := new(big.Int).SetString(q.AmountOut.AmountBaseUnits, 10); !ok {
		return model.SwapQuote{}, clierr.New(clierr.CodeUnavailable, src.Name()+" returned a non-numeric output amount")
	}
	return q, nil
}

// price fills GasUSD and NetOutputUSD. Without an output price the quote stays
// unpriced and is ranked by raw output.
func (a *Aggregator) price(ctx context.Context, chain id.Chain, q model.SwapQuote) model.SwapQuote {
	if q.GasUSD.IsZero() && q.GasUnits > 0 {
		q.GasUSD = a.gasUSD(ctx, chain, q.GasUnits)
	}
	outPrice, ok := a.prices.PriceUSD(ctx, chain, q.TokenOut.Address)
	if !ok || !outPrice.IsPositive() {
		q.Priced = false
		q.NetOutputUSD = decimal.Zero
		return q
	}
	amount, err := decimal.NewFromString(q.AmountOut.AmountDecimal)
	if err != nil {
		amount = decimal.RequireFromString(q.AmountOut.AmountBaseUnits).Shift(-int32(q.TokenOut.Decimals))
	}
	q.NetOutputUSD = amount.Mul(outPrice).Sub(q.GasUSD).Round(6)
	q.Priced = true
	return q
}

func (a *Aggregator) gasUSD(ctx context.Context, chain id.Chain, units uint64) decimal.Decimal {
	native := a.prices.NativePriceUSD(ctx, chain)
	if a.fees != nil {
		return a.fees.Optimize(ctx, chain, units, native, execution.SpeedStandard).CostUSD
	}
	return decimal.NewFromInt(int64(units)).Mul(staticGasPrice(chain)).Mul(native).Round(6)
}

// rank orders best-first. All candidates share the output token, so raw output
// amounts are comparable when USD prices are missing.
// rank sorts quotes best-first and reports whether every quote was priced.
func rank(quotes []model.SwapQuote) bool {
	allPriced := true
	for _, q := range quotes {
		if !q.Priced {
			allPriced = false
			break
		}
	}
	sort.SliceStable(quotes, func(i, j int) bool {
		if allPriced {
			return quotes[i].NetOutputUSD.GreaterThan(quotes[j].NetOutputUSD)
		}
		return rawOut(quotes[i]).Cmp(rawOut(quotes[j])) > 0
	})
	return allPriced
}

// value is the USD net output when the whole set is priced and the raw output
// amount otherwise, so savings never mixes units.
func value(q model.SwapQuote, usd bool) decimal.Decimal {
	if usd {
		return q.NetOutputUSD
	}
	v, err := decimal.NewFromString(q.AmountOut.AmountDecimal)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func rawOut(q model.SwapQuote) *big.Int {
	v, ok := new(big.Int).SetString(q.AmountOut.AmountBaseUnits, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// Execute builds the swap through the source that produced quote and sends it
// through exec, preceded by an ERC20 approval of the router when needed. The
// approval carries no notional.
func (a *Aggregator) Execute(ctx context.Context, exec TxExecutor, quote model.SwapQuote, sender string, amountUSD decimal.Decimal, metadata map[string]string) (model.TransactionRecord, error) {
	if quote.Estimated {
		return model.TransactionRecord{}, clierr.New(clierr.CodeUnsupported, "estimated quotes are not executable")
	}
	src := a.source(quote.Source)
	if src == nil {
		return model.TransactionRecord{}, clierr.New(clierr.CodeUnsupported, "unknown quote source "+quote.Source)
	}
	chain, err := id.ParseChain(quote.Chain)
	if err != nil {
		return model.TransactionRecord{}, clierr.Wrap(clierr.CodeUsage, "parse quote chain", err)
	}
	payload, err := src.BuildSwap(ctx, quote, sender, a.cfg.SlippageBps)
	if err != nil {
		return model.TransactionRecord{}, err
	}

	amountIn, err := providers.ParseAmount(quote.AmountIn.AmountBaseUnits)
	if err != nil {
		return model.TransactionRecord{}, err
	}
	approve, err := providers.ApproveIfNeeded(ctx, a.allowances, chain, quote.TokenIn, sender, payload.To, amountIn)
	if err != nil {
		return model.TransactionRecord{}, err
	}
	if approve != nil {
		rec, err := exec.Execute(ctx, approve.Payload, model.TxApprove, decimal.Zero, withSource(metadata, quote.Source))
		if err != nil {
			return rec, err
		}
	}
	return exec.Execute(ctx, payload, model.TxSwap, amountUSD, withSource(metadata, quote.Source))
}

func (a *Aggregator) source(name string) providers.QuoteSource {
	for _, src := range a.sources {
		if strings.EqualFold(src.Name(), name) {
			return src
		}
	}
	return nil
}

// Sources lists the configured router names.
func (a *Aggregator) Sources() []string {
	names := make([]string, 0, len(a.sources))
	for _, src := range a.sources {
		names = append(names, src.Name())
	}
	return names
}

func withSource(in map[string]string, source string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	out["router"] = source
	return out
}

func firstPositive(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
