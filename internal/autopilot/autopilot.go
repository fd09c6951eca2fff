// Package autopilot runs the strategy control loop and the operator that
// turns strategy actions into transactions.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggonzalez94/defi-autopilot/internal/adapters"
	"github.com/ggonzalez94/defi-autopilot/internal/ai"
	"github.com/ggonzalez94/defi-autopilot/internal/alerting"
	"github.com/ggonzalez94/defi-autopilot/internal/collector"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/metrics"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/safety"
)

type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

func (s State) gauge() float64 {
	switch s {
	case StateRunning:
		return 1
	case StatePaused:
		return 2
	}
	return 0
}

const maxRecordedErrors = 50

type Config struct {
	CycleInterval          time.Duration
	MinCycleInterval       time.Duration
	MaxCycleInterval       time.Duration
	DynamicInterval        bool
	HarvestInterval        time.Duration
	RiskCheckInterval      time.Duration
	MinConfidence          float64
	MaxConsecutiveFailures int
	PauseCooldown          time.Duration
	TotalCapitalUSD        float64
	Chains                 []id.Chain
	MinPoolTVLUSD          float64
	MaxPools               int
	Collector              collector.Config
}

func (c *Config) defaults() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 5 * time.Minute
	}
	if c.MinCycleInterval <= 0 {
		c.MinCycleInterval = time.Minute
	}
	if c.MaxCycleInterval < c.MinCycleInterval {
		c.MaxCycleInterval = c.MinCycleInterval
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.PauseCooldown <= 0 {
		c.PauseCooldown = 30 * time.Minute
	}
}

// CycleError is one recorded cycle failure.
type CycleError struct {
	Phase   string    `json:"phase"`
	Message string    `json:"message"`
	Cycle   int64     `json:"cycle"`
	At      time.Time `json:"at"`
}

type Status struct {
	State               State         `json:"state"`
	Cycle               int64         `json:"cycle"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Interval            time.Duration `json:"interval"`
	VolatilityIndex     float64       `json:"volatility_index"`
	LastCycleAt         time.Time     `json:"last_cycle_at,omitempty"`
	PausedUntil         time.Time     `json:"paused_until,omitempty"`
	Errors              []CycleError  `json:"errors"`
}

type KillSwitch interface {
	KillSwitch(ctx context.Context) (safety.KillSwitch, error)
}

type PoolSource interface {
	Pools(ctx context.Context, chains []id.Chain, minTVL float64, limit int) ([]model.PoolSnapshot, error)
}

type Strategist interface {
	Analyze(ctx context.Context, req ai.AnalyzeRequest) ([]model.AISignal, error)
	Health(ctx context.Context) error
}

type JobRunner interface {
	Execute(ctx context.Context, job model.ExecutionJob) (Outcome, error)
}

type Collector interface {
	CollectAll(ctx context.Context, chains []id.Chain, cfg collector.Config) (collector.Result, error)
}

type Positions interface {
	OpenPositions(ctx context.Context) ([]model.PositionRef, error)
}

type AutoPilot struct {
	cfg       Config
	safety    KillSwitch
	pools     PoolSource
	strategy  Strategist
	operator  JobRunner
	collector Collector
	positions Positions
	directory *adapters.Directory
	alerts    alerting.Dispatcher
	log       *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	state       State
	stopCh      chan struct{}
	cycle       int64
	failures    int
	errs        []CycleError
	interval    time.Duration
	volatility  float64
	prevAPR     map[string]float64
	lastCycle   time.Time
	lastHarvest time.Time
	lastRisk    time.Time
	pausedUntil time.Time
}

type Option func(*AutoPilot)

func WithLogger(l *slog.Logger) Option { return func(a *AutoPilot) { a.log = l } }

func WithAlerts(d alerting.Dispatcher) Option { return func(a *AutoPilot) { a.alerts = d } }

func WithCollector(c Collector) Option { return func(a *AutoPilot) { a.collector = c } }

func WithPositions(p Positions) Option { return func(a *AutoPilot) { a.positions = p } }

// WithDirectory feeds every pool snapshot into d so adapters can resolve pool ids.
func WithDirectory(d *adapters.Directory) Option { return func(a *AutoPilot) { a.directory = d } }

func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *AutoPilot) {
		if now != nil {
			a.now = now
		}
		if sleep != nil {
			a.sleep = sleep
		}
	}
}

func New(cfg Config, killSwitch KillSwitch, pools PoolSource, strategy Strategist, operator JobRunner, opts ...Option) *AutoPilot {
	cfg.defaults()
	a := &AutoPilot{
		cfg:      cfg,
		safety:   killSwitch,
		pools:    pools,
		strategy: strategy,
		operator: operator,
		log:      logger.Named("autopilot"),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
		state:    StateStopped,
		interval: cfg.CycleInterval,
		prevAPR:  map[string]float64{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run drives cycles until Stop is called or ctx ends. It returns nil on a
// requested stop and the context error otherwise.
func (a *AutoPilot) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateStopped {
		a.mu.Unlock()
		return clierr.New(clierr.CodeUsage, "autopilot is already running")
	}
	a.stopCh = make(chan struct{})
	stop := a.stopCh
	a.setState(StateRunning)
	a.mu.Unlock()
	a.log.Info("autopilot started", "interval", a.cfg.CycleInterval, "chains", len(a.cfg.Chains))

	defer func() {
		a.mu.Lock()
		a.setState(StateStopped)
		a.mu.Unlock()
		a.log.Info("autopilot stopped")
	}()

	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		wait := a.step(ctx)
		metrics.CycleInterval.Set(wait.Seconds())

		waitCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-stop:
				cancel()
			case <-waitCtx.Done():
			}
		}()
		err := a.sleep(waitCtx, wait)
		cancel()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// Stop asks the loop to exit at the next iteration boundary. An in-flight
// cycle always completes.
func (a *AutoPilot) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopCh != nil {
		close(a.stopCh)
		a.stopCh = nil
	}
}

func (a *AutoPilot) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	errs := make([]CycleError, len(a.errs))
	copy(errs, a.errs)
	return Status{
		State:               a.state,
		Cycle:               a.cycle,
		ConsecutiveFailures: a.failures,
		Interval:            a.interval,
		VolatilityIndex:     a.volatility,
		LastCycleAt:         a.lastCycle,
		PausedUntil:         a.pausedUntil,
		Errors:              errs,
	}
}

// step runs one loop iteration and returns how long to wait before the next.
func (a *AutoPilot) step(ctx context.Context) time.Duration {
	now := a.now()
	a.mu.Lock()
	if a.state == StatePaused {
		if now.Before(a.pausedUntil) {
			wait := a.pausedUntil.Sub(now)
			a.mu.Unlock()
			return wait
		}
		a.failures = 0
		a.pausedUntil = time.Time{}
		a.setState(StateRunning)
		a.mu.Unlock()
		a.log.Info("autopilot resumed after cooldown")
		logger.Audit().Info("autopilot resumed", "at", now)
	} else {
		a.mu.Unlock()
	}

	a.mu.Lock()
	a.cycle++
	cycle := a.cycle
	a.mu.Unlock()

	phase, err := a.RunCycle(ctx, cycle)

	a.mu.Lock()
	a.lastCycle = a.now()
	if err == nil {
		a.failures = 0
		interval := a.interval
		a.mu.Unlock()
		metrics.Cycles.WithLabelValues("ok").Inc()
		return interval
	}
	metrics.Cycles.WithLabelValues("failed").Inc()
	a.failures++
	a.errs = append(a.errs, CycleError{Phase: phase, Message: err.Error(), Cycle: cycle, At: a.lastCycle})
	if len(a.errs) > maxRecordedErrors {
		a.errs = a.errs[len(a.errs)-maxRecordedErrors:]
	}
	failures := a.failures
	interval := a.interval
	pause := failures >= a.cfg.MaxConsecutiveFailures
	if pause {
		a.pausedUntil = a.lastCycle.Add(a.cfg.PauseCooldown)
		a.setState(StatePaused)
		interval = a.cfg.PauseCooldown
	}
	until := a.pausedUntil
	a.mu.Unlock()

	a.log.Error("cycle failed", "cycle", cycle, "phase", phase, "consecutive", failures, "err", err)
	if pause {
		msg := fmt.Sprintf("autopilot paused after %d consecutive failures; last %s: %v", failures, phase, err)
		a.log.Warn(msg, "until", until)
		logger.Audit().Warn("autopilot paused", "failures", failures, "phase", phase, "until", until)
		a.notify(ctx, alerting.Event{
			Kind:     alerting.KindPaused,
			Severity: alerting.SeverityCritical,
			Message:  msg,
			Metadata: map[string]string{"phase": phase, "cycle": fmt.Sprint(cycle), "resume_at": until.Format(time.RFC3339)},
		})
	}
	return interval
}

// RunCycle executes one cycle and reports the phase that failed.
func (a *AutoPilot) RunCycle(ctx context.Context, cycle int64) (string, error) {
	if a.safety != nil {
		ks, err := a.safety.KillSwitch(ctx)
		if err != nil {
			return "kill_switch", err
		}
		if ks.Active {
			a.log.Warn("kill switch active, skipping cycle", "cycle", cycle, "reason", ks.Reason)
			return "", nil
		}
	}

	pools, err := a.pools.Pools(ctx, a.cfg.Chains, a.cfg.MinPoolTVLUSD, a.cfg.MaxPools)
	if err != nil {
		return "pools", err
	}
	if a.directory != nil {
		a.directory.Update(pools)
	}

	var positions []model.PositionRef
	if a.positions != nil {
		positions, err = a.positions.OpenPositions(ctx)
		if err != nil {
			return "positions", err
		}
	}
	signals, err := a.strategy.Analyze(ctx, ai.AnalyzeRequest{Pools: pools, TotalCapitalUSD: a.cfg.TotalCapitalUSD, CurrentPositions: positions})
	if err != nil {
		return "signals", err
	}
	if err := a.executeSignals(ctx, cycle, signals); err != nil {
		return "execute", err
	}

	now := a.now()
	if a.collector != nil && a.cfg.HarvestInterval > 0 && now.Sub(a.lastHarvest) >= a.cfg.HarvestInterval {
		res, err := a.collector.CollectAll(ctx, a.cfg.Chains, a.cfg.Collector)
		if err != nil {
			return "harvest", err
		}
		a.lastHarvest = now
		a.log.Info("harvest pass", "harvested", res.Harvested, "swapped", res.Swapped, "collected_usd", res.CollectedUSD.StringFixed(2), "errors", len(res.Errors))
	}

	if a.cfg.RiskCheckInterval > 0 && now.Sub(a.lastRisk) >= a.cfg.RiskCheckInterval {
		if err := a.strategy.Health(ctx); err != nil {
			return "risk_check", err
		}
		a.lastRisk = now
	}

	if a.cfg.DynamicInterval {
		a.adjustInterval(pools)
	}
	return "", nil
}

// executeSignals runs confident signals in order. Gate rejections are logged
// and do not fail the cycle; other failures do, after every signal ran.
func (a *AutoPilot) executeSignals(ctx context.Context, cycle int64, signals []model.AISignal) error {
	var errs []error
	for _, s := range signals {
		if s.Confidence < a.cfg.MinConfidence {
			a.log.Debug("signal below confidence", "signal_id", s.SignalID, "confidence", s.Confidence)
			continue
		}
		job := model.JobFromSignal(s, a.now())
		out, err := a.operator.Execute(ctx, job)
		if err == nil {
			continue
		}
		if out.Status == OutcomeRejected {
			a.log.Warn("signal rejected by gate", "cycle", cycle, "signal_id", s.SignalID, "err", err)
			continue
		}
		errs = append(errs, fmt.Errorf("signal %s (%s): %w", s.SignalID, s.Action, err))
	}
	return errors.Join(errs...)
}

func (a *AutoPilot) adjustInterval(pools []model.PoolSnapshot) {
	current := make(map[string]float64, len(pools))
	for _, p := range pools {
		current[p.PoolID] = p.APR
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.volatility = VolatilityIndex(current, a.prevAPR)
	a.prevAPR = current
	a.interval = NextInterval(a.interval, a.volatility, a.cfg.MinCycleInterval, a.cfg.MaxCycleInterval)
	a.log.Debug("cycle interval adjusted", "volatility", a.volatility, "interval", a.interval)
}

func (a *AutoPilot) setState(s State) {
	a.state = s
	metrics.State.Set(s.gauge())
}

func (a *AutoPilot) notify(ctx context.Context, e alerting.Event) {
	if a.alerts == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = a.now()
	}
	if err := a.alerts.Notify(ctx, e); err != nil {
		a.log.Warn("alert delivery failed", "kind", e.Kind, "err", err)
	}
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
