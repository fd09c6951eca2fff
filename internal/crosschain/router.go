// Package crosschain finds and executes routes that move a token between chains.
package crosschain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/metrics"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
	"github.com/ggonzalez94/defi-autopilot/internal/registry"
)

// Composite score weights.
const (
	CostWeight   = 0.4
	SpeedWeight  = 0.3
	SafetyWeight = 0.3
)

const (
	DefaultQuoteTimeout = 15 * time.Second
	DefaultMaxRetries   = 2
	DefaultRetryDelay   = 5 * time.Second
)

type Config struct {
	QuoteTimeout   time.Duration
	MinSafetyScore float64
	SlippageBps    int64
	// MaxRetries is the number of retries after the first failed attempt of a route.
	MaxRetries          int
	RetryDelay          time.Duration
	FallbackToNextRoute bool
}

// TxExecutor is the safety-gated executor route steps are sent through.
type TxExecutor interface {
	Execute(ctx context.Context, p model.TransactionPayload, txType model.TxType, amountUSD decimal.Decimal, metadata map[string]string) (model.TransactionRecord, error)
}

type Router struct {
	sources []providers.BridgeSource
	exec    TxExecutor
	cfg     Config
	log     *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

func New(sources []providers.BridgeSource, exec TxExecutor, cfg Config, opts ...Option) *Router {
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = DefaultQuoteTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	r := &Router{sources: sources, exec: exec, cfg: cfg, log: logger.Named("crosschain"), sleep: sleepCtx}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOptimalRoute collects quotes from every supporting source, drops routes
// under the safety floor and returns the rest best-first.
func (r *Router) GetOptimalRoute(ctx context.Context, req providers.RouteRequest) ([]model.CrossChainQuote, error) {
	req.SlippageBps = providers.Slippage(firstPositive(req.SlippageBps, r.cfg.SlippageBps))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		routes []model.CrossChainQuote
		errs   []string
	)
	for _, src := range r.sources {
		if !src.Supports(req.FromChain, req.ToChain) {
			continue
		}
		wg.Add(1)
		go func(src providers.BridgeSource) {
			defer wg.Done()
			quotes, err := r.quoteOne(ctx, src, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, src.Name()+": "+err.Error())
				return
			}
			routes = append(routes, quotes...)
		}(src)
	}
	wg.Wait()

	if len(routes) == 0 {
		if len(errs) == 0 {
			return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no bridge source supports %s -> %s", req.FromChain.Slug, req.ToChain.Slug))
		}
		sort.Strings(errs)
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("no cross-chain route available: %v", errs))
	}

	kept := routes[:0]
	for _, q := range routes {
		q.SafetyScore = registry.BridgeReputation(q.Bridge)
		if q.SafetyScore < r.cfg.MinSafetyScore {
			r.log.Info("route below safety floor", "source", q.Source, "bridge", q.Bridge, "safety", q.SafetyScore, "min", r.cfg.MinSafetyScore)
			continue
		}
		kept = append(kept, q)
	}
	if len(kept) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("no route meets the minimum safety score %.0f", r.cfg.MinSafetyScore))
	}
	Score(kept)
	return kept, nil
}

func (r *Router) quoteOne(ctx context.Context, src providers.BridgeSource, req providers.RouteRequest) (quotes []model.CrossChainQuote, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.QuoteTimeout)
	defer cancel()
	start := time.Now()
	defer func() {
		metrics.QuoteLatency.WithLabelValues(src.Name()).Observe(time.Since(start).Seconds())
		if rec := recover(); rec != nil {
			err = clierr.New(clierr.CodeInternal, fmt.Sprintf("%s quote panicked: %v", src.Name(), rec))
		}
		if err != nil {
			metrics.QuoteFailures.WithLabelValues(src.Name()).Inc()
			r.log.Warn("bridge source failed", "source", src.Name(), "from", req.FromChain.CAIP2, "to", req.ToChain.CAIP2, "err", err)
		}
	}()
	quotes, err = src.Quote(ctx, req)
	for i := range quotes {
		if quotes[i].Source == "" {
			quotes[i].Source = src.Name()
		}
	}
	return quotes, err
}

// Score fills cost, speed and composite scores and sorts best-first. Cost and
// speed are min-max rescaled so the cheapest and fastest route get 100.
func Score(routes []model.CrossChainQuote) {
	if len(routes) == 0 {
		return
	}
	fees := make([]float64, len(routes))
	secs := make([]float64, len(routes))
	for i, q := range routes {
		fees[i] = q.FeeUSD.InexactFloat64()
		secs[i] = float64(q.EstimatedSeconds)
	}
	for i := range routes {
		routes[i].CostScore = lowerIsBetter(fees, fees[i])
		routes[i].SpeedScore = lowerIsBetter(secs, secs[i])
		routes[i].Score = routes[i].CostScore*CostWeight + routes[i].SpeedScore*SpeedWeight + routes[i].SafetyScore*SafetyWeight
	}
	sort.SliceStable(routes, func(i, j int) bool { return routes[i].Score > routes[j].Score })
}

func lowerIsBetter(values []float64, v float64) float64 {
	lo, hi := values[0], values[0]
	for _, x := range values[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	if hi == lo {
		return 100
	}
	return (hi - v) / (hi - lo) * 100
}

// BuildRouteTransactions materializes the executable steps of routes[index].
func (r *Router) BuildRouteTransactions(ctx context.Context, routes []model.CrossChainQuote, index int, req providers.RouteRequest) ([]model.CrossChainStep, error) {
	if index < 0 || index >= len(routes) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("route index %d out of range (%d routes)", index, len(routes)))
	}
	route := routes[index]
	src := r.source(route.Source)
	if src == nil {
		return nil, clierr.New(clierr.CodeUnsupported, "unknown bridge source "+route.Source)
	}
	req.SlippageBps = providers.Slippage(firstPositive(req.SlippageBps, r.cfg.SlippageBps))
	steps, err := src.BuildSteps(ctx, route, req)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, clierr.New(clierr.CodeActionPlan, route.Source+" returned no steps")
	}
	return steps, nil
}

// ExecuteOptions carries the intent notional charged on the bridge step.
type ExecuteOptions struct {
	AmountUSD decimal.Decimal
	Metadata  map[string]string
}

// RouteResult describes the route that finally went through. Attempts is the
// highest attempt count any single step needed.
type RouteResult struct {
	RouteIndex int                       `json:"route_index"`
	Route      model.CrossChainQuote     `json:"route"`
	Attempts   int                       `json:"attempts"`
	Records    []model.TransactionRecord `json:"records"`
}

// ExecuteRoute runs routes[index] step by step through the executor. A failed
// step is retried MaxRetries times after RetryDelay; steps that already went
// through are never replayed. With FallbackToNextRoute the following routes are
// tried in order, but only while no value-moving step has completed. Gate
// rejections stop immediately.
func (r *Router) ExecuteRoute(ctx context.Context, routes []model.CrossChainQuote, index int, req providers.RouteRequest, opts ExecuteOptions) (RouteResult, error) {
	if r.exec == nil {
		return RouteResult{}, clierr.New(clierr.CodeInternal, "cross-chain router has no executor")
	}
	if index < 0 || index >= len(routes) {
		return RouteResult{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("route index %d out of range (%d routes)", index, len(routes)))
	}
	last := index
	if r.cfg.FallbackToNextRoute {
		last = len(routes) - 1
	}

	var lastErr error
	for i := index; i <= last; i++ {
		run, err := r.runRoute(ctx, routes, i, req, opts)
		if err == nil {
			route := routes[i]
			route.Steps = run.steps
			return RouteResult{RouteIndex: i, Route: route, Attempts: run.attempts, Records: run.records}, nil
		}
		lastErr = err
		partial := RouteResult{RouteIndex: i, Attempts: run.attempts, Records: run.records}
		if clierr.Is(err, clierr.CodeRejected) {
			return partial, err
		}
		if run.moved {
			r.log.Error("route failed after moving funds", "route", i, "bridge", routes[i].Bridge, "completed_steps", run.completed, "err", err)
			partial.Route = routes[i]
			partial.Route.Steps = run.steps
			return partial, clierr.Wrap(clierr.CodeExecutionFailed,
				fmt.Sprintf("route %d failed after %d completed steps", i, run.completed), err)
		}
	}
	return RouteResult{RouteIndex: last}, lastErr
}

type routeRun struct {
	steps     []model.CrossChainStep
	records   []model.TransactionRecord
	attempts  int
	completed int
	// moved is set once a swap or bridge step has gone through.
	moved bool
}

func (r *Router) runRoute(ctx context.Context, routes []model.CrossChainQuote, index int, req providers.RouteRequest, opts ExecuteOptions) (routeRun, error) {
	var run routeRun
	err := r.retry(ctx, index, "build", func(int) error {
		steps, err := r.BuildRouteTransactions(ctx, routes, index, req)
		run.steps = steps
		return err
	})
	if err != nil {
		return run, err
	}

	charged := chargedStep(run.steps)
	for i, step := range run.steps {
		amount := decimal.Zero
		if i == charged {
			amount = opts.AmountUSD
		}
		attempts := 0
		err := r.retry(ctx, index, string(step.Kind), func(attempt int) error {
			attempts = attempt
			meta := make(map[string]string, len(opts.Metadata)+5)
			for k, v := range opts.Metadata {
				meta[k] = v
			}
			meta["route_source"] = routes[index].Source
			meta["route_bridge"] = routes[index].Bridge
			meta["route_index"] = strconv.Itoa(index)
			meta["route_step"] = strconv.Itoa(i)
			meta["attempt"] = strconv.Itoa(attempt)
			rec, err := r.exec.Execute(ctx, step.Payload, step.TxType(), amount, meta)
			run.records = append(run.records, rec)
			return err
		})
		run.attempts = max(run.attempts, attempts)
		if err != nil {
			return run, err
		}
		run.completed++
		if step.Kind != model.StepApprove {
			run.moved = true
		}
	}
	return run, nil
}

// retry calls fn up to MaxRetries+1 times with RetryDelay between calls. Gate
// rejections are returned at once.
func (r *Router) retry(ctx context.Context, route int, what string, fn func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= r.cfg.MaxRetries+1; attempt++ {
		if attempt > 1 {
			if serr := r.sleep(ctx, r.cfg.RetryDelay); serr != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "route execution cancelled", serr)
			}
		}
		if err = fn(attempt); err == nil {
			return nil
		}
		r.log.Warn("route step failed", "route", route, "step", what, "attempt", attempt, "err", err)
		if clierr.Is(err, clierr.CodeRejected) {
			return err
		}
	}
	return err
}

// chargedStep picks the bridge step, or the last step when none is marked.
func chargedStep(steps []model.CrossChainStep) int {
	for i, s := range steps {
		if s.Kind == model.StepBridge {
			return i
		}
	}
	return len(steps) - 1
}

func (r *Router) source(name string) providers.BridgeSource {
	for _, src := range r.sources {
		if src.Name() == name {
			return src
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func firstPositive(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
