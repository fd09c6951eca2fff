package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defi-autopilot/internal/adapters"
	"github.com/ggonzalez94/defi-autopilot/internal/aggregator"
	"github.com/ggonzalez94/defi-autopilot/internal/ai"
	"github.com/ggonzalez94/defi-autopilot/internal/alerting"
	"github.com/ggonzalez94/defi-autopilot/internal/autopilot"
	"github.com/ggonzalez94/defi-autopilot/internal/cache"
	"github.com/ggonzalez94/defi-autopilot/internal/collector"
	"github.com/ggonzalez94/defi-autopilot/internal/config"
	"github.com/ggonzalez94/defi-autopilot/internal/crosschain"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/execution"
	"github.com/ggonzalez94/defi-autopilot/internal/httpx"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/pricing"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
	"github.com/ggonzalez94/defi-autopilot/internal/providers/across"
	"github.com/ggonzalez94/defi-autopilot/internal/providers/bungee"
	"github.com/ggonzalez94/defi-autopilot/internal/providers/defillama"
	"github.com/ggonzalez94/defi-autopilot/internal/providers/fibrous"
	"github.com/ggonzalez94/defi-autopilot/internal/providers/jupiter"
	"github.com/ggonzalez94/defi-autopilot/internal/providers/lifi"
	"github.com/ggonzalez94/defi-autopilot/internal/providers/oneinch"
	"github.com/ggonzalez94/defi-autopilot/internal/providers/taikoswap"
	"github.com/ggonzalez94/defi-autopilot/internal/providers/uniswap"
	"github.com/ggonzalez94/defi-autopilot/internal/queue"
	"github.com/ggonzalez94/defi-autopilot/internal/records"
	"github.com/ggonzalez94/defi-autopilot/internal/safety"
	"github.com/ggonzalez94/defi-autopilot/internal/version"
	"github.com/ggonzalez94/defi-autopilot/internal/wallet"
)

// services builds the runtime graph on first use so commands that only touch
// the safety store never dial RPC nodes or brokers.
type services struct {
	settings config.Settings
	log      *slog.Logger

	http      *httpx.Client
	backends  *execution.Backends
	wallet    *wallet.Manager
	cache     *cache.Store
	llama     *defillama.Client
	prices    *pricing.Oracle
	redis     *redis.Client
	safety    safety.Store
	records   records.Store
	executor  *execution.Executor
	reader    *execution.Reader
	agg       *aggregator.Aggregator
	router    *crosschain.Router
	directory *adapters.Directory
	registry  *adapters.Registry
	operator  *autopilot.Operator
	collector *collector.Collector
	alerts    *alerting.FanoutDispatcher
	jobQueue  queue.JobQueue
}

func newServices(settings config.Settings) *services {
	return &services{settings: settings, log: logger.Named("app")}
}

func (s *services) httpClient() *httpx.Client {
	if s.http == nil {
		s.http = httpx.New(s.settings.Timeout, s.settings.Retries,
			httpx.WithRateLimit(s.settings.HTTP.RateLimitRPS, s.settings.HTTP.RateBurst),
			httpx.WithUserAgent(version.CLIName+"/"+version.CLIVersion),
		)
	}
	return s.http
}

func (s *services) chainBackends() *execution.Backends {
	if s.backends == nil {
		s.backends = execution.NewBackends(s.settings.RPCOverride, s.httpClient())
	}
	return s.backends
}

func (s *services) walletManager() *wallet.Manager {
	if s.wallet == nil {
		s.wallet = wallet.New(wallet.Config{
			Mode:                    s.settings.Executor.SigningMode,
			KeySource:               s.settings.Wallet.KeySource,
			EVMKeyFile:              s.settings.Wallet.EVMKeyFile,
			EVMKeystorePath:         s.settings.Wallet.EVMKeystorePath,
			EVMKeystorePasswordFile: s.settings.Wallet.EVMKeystorePasswordFile,
			EVMAddress:              s.settings.Wallet.EVMAddress,
			SolanaAddress:           s.settings.Wallet.SolanaAddress,
			AptosAddress:            s.settings.Wallet.AptosAddress,
		})
	}
	return s.wallet
}

func (s *services) defiLlama() *defillama.Client {
	if s.llama == nil {
		s.llama = defillama.New(s.httpClient())
	}
	return s.llama
}

// oracle prices tokens through DefiLlama, cached in sqlite when enabled.
func (s *services) oracle() *pricing.Oracle {
	if s.prices != nil {
		return s.prices
	}
	var opts []pricing.Option
	if s.settings.Cache.Enabled {
		store, err := cache.Open(s.settings.Cache.Path, s.settings.Cache.LockPath)
		if err != nil {
			s.log.Warn("price cache disabled", "path", s.settings.Cache.Path, "error", err)
		} else {
			s.cache = store
			opts = append(opts, pricing.WithCache(store, s.settings.Cache.PriceTTL, s.settings.Cache.MaxStale))
		}
	}
	s.prices = pricing.New(s.defiLlama(), opts...)
	return s.prices
}

func (s *services) redisClient() *redis.Client {
	if s.redis == nil {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     s.settings.Redis.Addr,
			Password: s.settings.Redis.Password,
			DB:       s.settings.Redis.DB,
		})
	}
	return s.redis
}

func (s *services) safetyStore(ctx context.Context) (safety.Store, error) {
	if s.safety != nil {
		return s.safety, nil
	}
	opts := safety.Options{
		Driver:     s.settings.Safety.Driver,
		KeyPrefix:  s.settings.Safety.KeyPrefix,
		SQLitePath: s.settings.Safety.SQLitePath,
		LockPath:   s.settings.Safety.SQLiteLockPath,
	}
	if opts.Driver == "redis" {
		opts.Redis = s.redisClient()
	}
	store, err := safety.Open(ctx, opts)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "open safety store", err)
	}
	s.safety = store
	return store, nil
}

func (s *services) recordStore(ctx context.Context) (records.Store, error) {
	if s.records != nil {
		return s.records, nil
	}
	store, err := records.Open(ctx, records.Options{
		Driver:   s.settings.Store.Driver,
		DSN:      s.settings.Store.DSN,
		Path:     s.settings.Store.Path,
		LockPath: s.settings.Store.LockPath,
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "open record store", err)
	}
	s.records = store
	return store, nil
}

func (s *services) alerting() *alerting.FanoutDispatcher {
	if s.alerts == nil {
		s.alerts = alerting.NewFanout(
			&alerting.LogNotifier{},
			&alerting.WebhookNotifier{HTTP: s.httpClient(), URL: s.settings.Alerts.WebhookURL},
		)
	}
	return s.alerts
}

func (s *services) allowances() *execution.Reader {
	if s.reader == nil {
		s.reader = execution.NewReader(s.chainBackends())
	}
	return s.reader
}

// gate is the single safety-gated executor every transaction goes through.
func (s *services) gate(ctx context.Context) (*execution.Executor, error) {
	if s.executor != nil {
		return s.executor, nil
	}
	safetyStore, err := s.safetyStore(ctx)
	if err != nil {
		return nil, err
	}
	store, err := s.recordStore(ctx)
	if err != nil {
		return nil, err
	}
	backends := s.chainBackends()
	keys := s.walletManager()
	gas := execution.NewGasOptimizer(backends)
	simulator := execution.NewSimulator(backends, keys,
		execution.WithGasBuffer(s.settings.Executor.GasBuffer),
		execution.WithSimulateTimeout(s.settings.Executor.SimulateTimeout),
	)
	dispatcher := execution.NewChainDispatcher(execution.DispatchConfig{
		Speed:          execution.ParseSpeed(s.settings.Executor.Speed),
		ReceiptTimeout: s.settings.Executor.ReceiptTimeout,
		PollInterval:   s.settings.Executor.PollInterval,
		PrivateRPC:     s.settings.Executor.PrivateRPC,
		UsePrivateRPC:  s.settings.Executor.UsePrivateRPC,
	}, backends, keys, gas, store)

	s.executor = execution.New(execution.Config{
		MaxPerTxUSD:     decimal.NewFromFloat(s.settings.Safety.MaxPerTxUSD),
		MaxDailyUSD:     decimal.NewFromFloat(s.settings.Safety.MaxDailyUSD),
		DryRun:          s.settings.Executor.DryRun,
		DispatchTimeout: s.settings.Executor.DispatchTimeout,
	}, safetyStore, store, keys,
		execution.WithSimulator(simulator),
		execution.WithDispatcher(dispatcher),
		execution.WithPrices(s.oracle()),
	)
	return s.executor, nil
}

func (s *services) evmCaller(ctx context.Context, chain id.Chain) (adapters.ContractCaller, error) {
	return s.chainBackends().EVM(ctx, chain)
}

// swapSources returns the configured DEX routers in configuration order.
func (s *services) swapSources() []providers.QuoteSource {
	h := s.httpClient()
	p := s.settings.Providers
	all := map[string]providers.QuoteSource{
		"1inch":   oneinch.New(h, p.OneInchAPIKey),
		"uniswap": uniswap.New(h, p.UniswapAPIKey),
		"jupiter": jupiter.New(h, p.JupiterAPIKey),
		"lifi":    lifi.New(h, p.LiFiIntegrator).Swaps(),
		"fibrous": fibrous.New(h),
		"taikoswap": taikoswap.New(func(ctx context.Context, chain id.Chain) (taikoswap.Caller, error) {
			return s.chainBackends().EVM(ctx, chain)
		}),
	}
	return pick(all, s.settings.Aggregator.Sources)
}

func (s *services) bridgeSources() []providers.BridgeSource {
	h := s.httpClient()
	p := s.settings.Providers
	all := map[string]providers.BridgeSource{
		"lifi":   lifi.New(h, p.LiFiIntegrator, lifi.WithAllowances(s.allowances())),
		"across": across.New(h),
		"bungee": bungee.New(h, p.BungeeAPIKey, p.BungeeAffiliate),
	}
	return pick(all, s.settings.Router.Sources)
}

func pick[T any](all map[string]T, names []string) []T {
	out := make([]T, 0, len(names))
	seen := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		src, ok := all[name]
		if !ok || slices.Contains(seen, name) {
			continue
		}
		seen = append(seen, name)
		out = append(out, src)
	}
	return out
}

func (s *services) aggregator() *aggregator.Aggregator {
	if s.agg == nil {
		s.agg = aggregator.New(s.swapSources(), s.oracle(), aggregator.Config{
			QuoteTimeout:    s.settings.Aggregator.QuoteTimeout,
			SlippageBps:     int64(s.settings.Aggregator.SlippageBps),
			OfflineFallback: s.settings.Aggregator.OfflineFallback,
		},
			aggregator.WithFeeOptimizer(execution.NewGasOptimizer(s.chainBackends())),
			aggregator.WithAllowances(s.allowances()),
		)
	}
	return s.agg
}

// crossChain needs the gate because route steps are executed through it.
func (s *services) crossChain(ctx context.Context) (*crosschain.Router, error) {
	if s.router != nil {
		return s.router, nil
	}
	exec, err := s.gate(ctx)
	if err != nil {
		return nil, err
	}
	s.router = crosschain.New(s.bridgeSources(), exec, crosschain.Config{
		QuoteTimeout:        s.settings.Router.QuoteTimeout,
		MinSafetyScore:      s.settings.Router.MinSafetyScore,
		SlippageBps:         int64(s.settings.Router.SlippageBps),
		MaxRetries:          s.settings.Router.MaxRetries,
		RetryDelay:          s.settings.Router.RetryDelay,
		FallbackToNextRoute: s.settings.Router.FallbackToNextRoute,
	})
	return s.router, nil
}

// quoteRouter is a router without a gate, used for read-only route quotes.
func (s *services) quoteRouter() *crosschain.Router {
	return crosschain.New(s.bridgeSources(), nil, crosschain.Config{
		QuoteTimeout:   s.settings.Router.QuoteTimeout,
		MinSafetyScore: s.settings.Router.MinSafetyScore,
		SlippageBps:    int64(s.settings.Router.SlippageBps),
	})
}

func (s *services) protocols() (*adapters.Registry, *adapters.Directory) {
	if s.registry == nil {
		s.directory = adapters.NewDirectory()
		s.registry = adapters.NewRegistry(adapters.NewAave(s.evmCaller, s.oracle(), s.directory))
	}
	return s.registry, s.directory
}

func (s *services) jobOperator(ctx context.Context) (*autopilot.Operator, error) {
	if s.operator != nil {
		return s.operator, nil
	}
	exec, err := s.gate(ctx)
	if err != nil {
		return nil, err
	}
	router, err := s.crossChain(ctx)
	if err != nil {
		return nil, err
	}
	registry, _ := s.protocols()
	s.operator = autopilot.NewOperator(exec, registry, s.walletManager(), s.oracle(),
		autopilot.WithSwapper(s.aggregator()),
		autopilot.WithBridger(router),
		autopilot.WithAllowances(s.allowances()),
		autopilot.WithBalances(s.allowances()),
		autopilot.WithSlippage(int64(s.settings.Aggregator.SlippageBps)),
	)
	return s.operator, nil
}

func (s *services) fundCollector(ctx context.Context) (*collector.Collector, error) {
	if s.collector != nil {
		return s.collector, nil
	}
	exec, err := s.gate(ctx)
	if err != nil {
		return nil, err
	}
	store, err := s.recordStore(ctx)
	if err != nil {
		return nil, err
	}
	registry, _ := s.protocols()
	s.collector = collector.New(registry, store, s.walletManager(), exec, s.aggregator())
	return s.collector, nil
}

func (s *services) collectorConfig() (collector.Config, error) {
	c := s.settings.Collector
	cfg := collector.Config{
		MinHarvestUSD: decimal.NewFromFloat(c.MinHarvestUSD),
		MinSwapUSD:    decimal.NewFromFloat(c.MinSwapUSD),
		TargetSymbol:  c.TargetSymbol,
	}
	for _, raw := range c.ExtraPools {
		ref, err := collector.ParsePoolRef(raw)
		if err != nil {
			return collector.Config{}, clierr.Wrap(clierr.CodeUsage, "parse collector.extra_pools", err)
		}
		cfg.ExtraPools = append(cfg.ExtraPools, ref)
	}
	return cfg, nil
}

func parseChains(raw []string) ([]id.Chain, error) {
	chains := make([]id.Chain, 0, len(raw))
	for _, r := range raw {
		chain, err := id.ParseChain(r)
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	return chains, nil
}

func (s *services) autoPilot(ctx context.Context) (*autopilot.AutoPilot, error) {
	a := s.settings.AutoPilot
	chains, err := parseChains(a.Chains)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "parse autopilot.chains", err)
	}
	collectCfg, err := s.collectorConfig()
	if err != nil {
		return nil, err
	}
	safetyStore, err := s.safetyStore(ctx)
	if err != nil {
		return nil, err
	}
	store, err := s.recordStore(ctx)
	if err != nil {
		return nil, err
	}
	var runner autopilot.JobRunner
	if a.DryRun {
		runner = dryRunner{log: s.log}
	} else {
		op, err := s.jobOperator(ctx)
		if err != nil {
			return nil, err
		}
		runner = op
	}
	fundCollector, err := s.fundCollector(ctx)
	if err != nil {
		return nil, err
	}
	_, directory := s.protocols()

	strategy := ai.New(httpx.New(s.settings.AI.Timeout, s.settings.Retries), s.settings.AI.BaseURL)
	return autopilot.New(autopilot.Config{
		CycleInterval:          a.CycleInterval,
		MinCycleInterval:       a.MinCycleInterval,
		MaxCycleInterval:       a.MaxCycleInterval,
		DynamicInterval:        a.DynamicInterval,
		HarvestInterval:        a.HarvestInterval,
		RiskCheckInterval:      a.RiskCheckInterval,
		MinConfidence:          a.MinConfidence,
		MaxConsecutiveFailures: a.MaxConsecutiveFailures,
		PauseCooldown:          a.PauseCooldown,
		TotalCapitalUSD:        a.TotalCapitalUSD,
		Chains:                 chains,
		MinPoolTVLUSD:          a.MinPoolTVLUSD,
		MaxPools:               a.MaxPools,
		Collector:              collectCfg,
	}, safetyStore, s.defiLlama(), strategy, runner,
		autopilot.WithAlerts(s.alerting()),
		autopilot.WithCollector(fundCollector),
		autopilot.WithPositions(store),
		autopilot.WithDirectory(directory),
		autopilot.WithLogger(logger.Named("autopilot")),
	), nil
}

// dryRunner logs the jobs AutoPilot would run without touching the gate.
type dryRunner struct {
	log *slog.Logger
}

func (d dryRunner) Execute(_ context.Context, job model.ExecutionJob) (autopilot.Outcome, error) {
	d.log.Info("dry run: skipping job", "action", job.Action, "pool", job.PoolID, "chain", job.Chain, "amount_usd", job.AmountUSD)
	return autopilot.Outcome{Action: job.Action, Status: autopilot.OutcomeSkipped, Detail: "dry run"}, nil
}

// queueBackend picks the job queue and the event log the bridge reads.
func (s *services) queueBackend() (queue.JobQueue, queue.EventLog, error) {
	q := s.settings.Queue
	switch q.Driver {
	case "redis":
		client := s.redisClient()
		s.jobQueue = queue.NewRedisQueue(client, q.JobList, q.DeadLetter)
		return s.jobQueue, queue.NewRedisLog(client, q.Stream), nil
	case "rabbitmq":
		rq, err := queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:      s.settings.RabbitMQ.URL,
			Queue:    s.settings.RabbitMQ.Queue,
			Prefetch: s.settings.RabbitMQ.Prefetch,
		})
		if err != nil {
			return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "connect rabbitmq", err)
		}
		s.jobQueue = rq
		return rq, queue.NewRedisLog(s.redisClient(), q.Stream), nil
	case "memory":
		s.jobQueue = queue.NewMemoryQueue(1024)
		return s.jobQueue, queue.NewMemoryLog(), nil
	default:
		return nil, nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported queue driver %q", q.Driver))
	}
}

func (s *services) close() {
	if s.jobQueue != nil {
		_ = s.jobQueue.Close()
	}
	if s.records != nil {
		_ = s.records.Close()
	}
	if s.safety != nil {
		// The redis safety store owns the shared client.
		_ = s.safety.Close()
		if _, ok := s.safety.(*safety.Redis); ok {
			s.redis = nil
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.backends != nil {
		s.backends.Close()
	}
}
