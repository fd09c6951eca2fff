package autopilot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggonzalez94/defi-autopilot/internal/ai"
	"github.com/ggonzalez94/defi-autopilot/internal/alerting"
	"github.com/ggonzalez94/defi-autopilot/internal/collector"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/safety"
)

type fakeKillSwitch struct{ active bool }

func (k *fakeKillSwitch) KillSwitch(context.Context) (safety.KillSwitch, error) {
	return safety.KillSwitch{Active: k.active, Reason: "manual"}, nil
}

type fakePools struct {
	err   error
	pools []model.PoolSnapshot
	calls int
}

func (p *fakePools) Pools(context.Context, []id.Chain, float64, int) ([]model.PoolSnapshot, error) {
	p.calls++
	return p.pools, p.err
}

type fakeStrategy struct {
	signals  []model.AISignal
	analyzed int
	checked  int
}

func (s *fakeStrategy) Analyze(context.Context, ai.AnalyzeRequest) ([]model.AISignal, error) {
	s.analyzed++
	return s.signals, nil
}

func (s *fakeStrategy) Health(context.Context) error {
	s.checked++
	return nil
}

type fakeRunner struct {
	results  map[string]error
	executed []string
}

func (r *fakeRunner) Execute(_ context.Context, job model.ExecutionJob) (Outcome, error) {
	r.executed = append(r.executed, job.SignalID)
	err := r.results[job.SignalID]
	switch {
	case err == nil:
		return Outcome{Action: job.Action, Status: OutcomeExecuted}, nil
	case clierr.Is(err, clierr.CodeRejected):
		return Outcome{Action: job.Action, Status: OutcomeRejected}, err
	default:
		return Outcome{Action: job.Action, Status: OutcomeFailed}, err
	}
}

type fakeCollector struct{ runs int }

func (c *fakeCollector) CollectAll(context.Context, []id.Chain, collector.Config) (collector.Result, error) {
	c.runs++
	return collector.Result{CollectedUSD: decimal.NewFromInt(1)}, nil
}

type recordingAlerts struct{ events []alerting.Event }

func (r *recordingAlerts) Notify(_ context.Context, e alerting.Event) error {
	r.events = append(r.events, e)
	return nil
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPilot(cfg Config, pools *fakePools, strategy *fakeStrategy, runner *fakeRunner, clock *testClock, opts ...Option) *AutoPilot {
	opts = append([]Option{
		WithLogger(logger.Discard()),
		WithClock(clock.now, func(context.Context, time.Duration) error { return nil }),
	}, opts...)
	return New(cfg, &fakeKillSwitch{}, pools, strategy, runner, opts...)
}

func TestPausesAfterConsecutiveFailuresAndResumes(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	pools := &fakePools{err: clierr.New(clierr.CodeUnavailable, "llama down")}
	alerts := &recordingAlerts{}
	cfg := Config{CycleInterval: time.Minute, MaxConsecutiveFailures: 5, PauseCooldown: 10 * time.Minute}
	a := newTestPilot(cfg, pools, &fakeStrategy{}, &fakeRunner{}, clock, WithAlerts(alerts))
	ctx := context.Background()

	for i := 1; i < 5; i++ {
		wait := a.step(ctx)
		assert.Equal(t, time.Minute, wait)
		assert.Equal(t, i, a.Status().ConsecutiveFailures)
		assert.NotEqual(t, StatePaused, a.Status().State)
	}
	wait := a.step(ctx)
	assert.Equal(t, 10*time.Minute, wait)
	st := a.Status()
	assert.Equal(t, StatePaused, st.State)
	assert.Equal(t, 5, st.ConsecutiveFailures)
	require.Len(t, st.Errors, 5)
	assert.Equal(t, "pools", st.Errors[4].Phase)
	require.Len(t, alerts.events, 1)
	assert.Equal(t, alerting.KindPaused, alerts.events[0].Kind)
	assert.Equal(t, alerting.SeverityCritical, alerts.events[0].Severity)

	clock.advance(4 * time.Minute)
	assert.Equal(t, 6*time.Minute, a.step(ctx))
	assert.Equal(t, 5, pools.calls, "no cycle runs while paused")
	assert.Len(t, alerts.events, 1)

	clock.advance(6 * time.Minute)
	pools.err = nil
	assert.Equal(t, time.Minute, a.step(ctx))
	st = a.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, int64(6), st.Cycle)
	assert.Len(t, alerts.events, 1)
}

func TestResumedCounterStartsFromZero(t *testing.T) {
	clock := &testClock{t: time.Unix(0, 0).UTC()}
	pools := &fakePools{err: errors.New("boom")}
	cfg := Config{MaxConsecutiveFailures: 2, PauseCooldown: time.Minute}
	a := newTestPilot(cfg, pools, &fakeStrategy{}, &fakeRunner{}, clock)
	ctx := context.Background()

	a.step(ctx)
	a.step(ctx)
	require.Equal(t, StatePaused, a.Status().State)
	clock.advance(time.Minute)
	a.step(ctx)
	st := a.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

func TestKillSwitchSkipsCycle(t *testing.T) {
	clock := &testClock{t: time.Unix(0, 0).UTC()}
	pools := &fakePools{}
	strategy := &fakeStrategy{}
	a := New(Config{}, &fakeKillSwitch{active: true}, pools, strategy, &fakeRunner{},
		WithLogger(logger.Discard()), WithClock(clock.now, nil))

	phase, err := a.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, phase)
	assert.Zero(t, pools.calls)
	assert.Zero(t, strategy.analyzed)

	a.step(context.Background())
	assert.Zero(t, a.Status().ConsecutiveFailures)
}

func TestSignalsFilteredAndRejectionsTolerated(t *testing.T) {
	clock := &testClock{t: time.Unix(0, 0).UTC()}
	strategy := &fakeStrategy{signals: []model.AISignal{
		{SignalID: "ok", Action: model.ActionEnter, Confidence: 0.9},
		{SignalID: "weak", Action: model.ActionEnter, Confidence: 0.1},
		{SignalID: "capped", Action: model.ActionEnter, Confidence: 0.8},
	}}
	runner := &fakeRunner{results: map[string]error{"capped": clierr.New(clierr.CodeRejected, "daily_limit")}}
	a := newTestPilot(Config{MinConfidence: 0.5}, &fakePools{}, strategy, runner, clock)

	phase, err := a.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, phase)
	assert.Equal(t, []string{"ok", "capped"}, runner.executed)

	strategy.signals = append(strategy.signals, model.AISignal{SignalID: "broken", Action: model.ActionExit, Confidence: 1})
	runner.results["broken"] = clierr.New(clierr.CodeExecutionFailed, "reverted")
	phase, err = a.RunCycle(context.Background(), 2)
	require.Error(t, err)
	assert.Equal(t, "execute", phase)
	assert.Contains(t, err.Error(), "broken")
}

func TestHarvestAndRiskCheckIntervals(t *testing.T) {
	clock := &testClock{t: time.Unix(1_000_000, 0).UTC()}
	coll := &fakeCollector{}
	strategy := &fakeStrategy{}
	cfg := Config{HarvestInterval: time.Hour, RiskCheckInterval: 30 * time.Minute}
	a := newTestPilot(cfg, &fakePools{}, strategy, &fakeRunner{}, clock, WithCollector(coll))
	ctx := context.Background()

	_, err := a.RunCycle(ctx, 1)
	require.NoError(t, err)
	_, err = a.RunCycle(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, coll.runs)
	assert.Equal(t, 1, strategy.checked)

	clock.advance(30 * time.Minute)
	_, err = a.RunCycle(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, coll.runs)
	assert.Equal(t, 2, strategy.checked)

	clock.advance(30 * time.Minute)
	_, err = a.RunCycle(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, coll.runs)
}

func TestDynamicIntervalFollowsVolatility(t *testing.T) {
	clock := &testClock{t: time.Unix(0, 0).UTC()}
	pools := &fakePools{pools: []model.PoolSnapshot{{PoolID: "a", APR: 10}, {PoolID: "b", APR: 10}}}
	cfg := Config{CycleInterval: 10 * time.Minute, MinCycleInterval: time.Minute, MaxCycleInterval: 10 * time.Minute, DynamicInterval: true}
	a := newTestPilot(cfg, pools, &fakeStrategy{}, &fakeRunner{}, clock)

	_, err := a.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, a.Status().Interval)

	pools.pools = []model.PoolSnapshot{{PoolID: "a", APR: 100}, {PoolID: "b", APR: 10}}
	_, err = a.RunCycle(context.Background(), 2)
	require.NoError(t, err)
	st := a.Status()
	assert.Equal(t, 1.0, st.VolatilityIndex)
	assert.Equal(t, 7*time.Minute+18*time.Second, st.Interval)
}

func TestRunStopsOnRequest(t *testing.T) {
	clock := &testClock{t: time.Unix(0, 0).UTC()}
	pools := &fakePools{}
	var a *AutoPilot
	sleeps := 0
	sleep := func(context.Context, time.Duration) error {
		sleeps++
		if sleeps == 3 {
			a.Stop()
		}
		return nil
	}
	a = New(Config{}, &fakeKillSwitch{}, pools, &fakeStrategy{}, &fakeRunner{}, WithLogger(logger.Discard()), WithClock(clock.now, sleep))

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, 3, pools.calls)
	assert.Equal(t, StateStopped, a.Status().State)
}

func TestRunHonoursCancelledContext(t *testing.T) {
	a := New(Config{}, &fakeKillSwitch{}, &fakePools{}, &fakeStrategy{}, &fakeRunner{}, WithLogger(logger.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Run(ctx), context.Canceled)
}

func TestVolatilityIndex(t *testing.T) {
	assert.Zero(t, VolatilityIndex(nil, nil))
	assert.Zero(t, VolatilityIndex(map[string]float64{"a": 5, "b": 5}, nil))
	got := VolatilityIndex(map[string]float64{"a": 10, "b": 30}, map[string]float64{"a": 8, "b": 30})
	assert.InDelta(t, 0.625, got, 1e-9)
	assert.Equal(t, 1.0, VolatilityIndex(map[string]float64{"a": 0, "b": 0, "c": 300}, nil))
}

func TestNextInterval(t *testing.T) {
	assert.Equal(t, 16*time.Minute, NextInterval(10*time.Minute, 0, time.Minute, 30*time.Minute))
	assert.Equal(t, 7*time.Minute+18*time.Second, NextInterval(10*time.Minute, 1, time.Minute, 30*time.Minute))
	assert.Equal(t, 30*time.Minute, NextInterval(0, 0, time.Minute, 30*time.Minute))
	assert.Equal(t, time.Minute, NextInterval(time.Second, 1, time.Minute, 30*time.Minute))
}
