package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggonzalez94/defi-autopilot/internal/alerting"
	"github.com/ggonzalez94/defi-autopilot/internal/autopilot"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
)

const enterJob = `{"signalId":"sig-1","strategyId":"st","action":"enter","poolId":"pool-1","chain":"ethereum","protocolId":"aave-v3","amountUsd":"250","timestamp":1700000000000}`

func TestDecodeJob(t *testing.T) {
	now := time.UnixMilli(42)
	job, err := DecodeJob([]byte(enterJob), now)
	require.NoError(t, err)
	assert.Equal(t, model.ActionEnter, job.Action)
	assert.True(t, job.AmountUSD.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, int64(1700000000000), job.Timestamp)

	job, err = DecodeJob([]byte(`{"action":"exit","poolId":"p","chain":"base","amountUsd":1.5}`), now)
	require.NoError(t, err)
	assert.Equal(t, int64(42), job.Timestamp)

	_, err = DecodeJob([]byte(`{"action":"sell","poolId":"p","chain":"base"}`), now)
	assert.True(t, clierr.Is(err, clierr.CodeUsage))
	_, err = DecodeJob([]byte(`{"action":"exit","chain":"base"}`), now)
	assert.True(t, clierr.Is(err, clierr.CodeUsage))
	_, err = DecodeJob([]byte(`not json`), now)
	assert.True(t, clierr.Is(err, clierr.CodeUsage))
}

func TestBackoff(t *testing.T) {
	base, maxDelay := time.Second, 10*time.Second
	assert.Equal(t, time.Second, Backoff(0, base, maxDelay))
	assert.Equal(t, time.Second, Backoff(1, base, maxDelay))
	assert.Equal(t, 2*time.Second, Backoff(2, base, maxDelay))
	assert.Equal(t, 8*time.Second, Backoff(4, base, maxDelay))
	assert.Equal(t, 10*time.Second, Backoff(5, base, maxDelay))
	assert.Equal(t, 10*time.Second, Backoff(80, base, maxDelay))
}

func TestMemoryLogCursor(t *testing.T) {
	log := NewMemoryLog()
	log.Append([]byte("a"))
	ctx := context.Background()

	events, next, err := log.Read(ctx, "$", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, "1", next)

	log.Append([]byte("b"))
	log.Append([]byte("c"))
	events, next, err = log.Read(ctx, next, 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "b", string(events[0].Data))
	events, _, err = log.Read(ctx, next, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "c", string(events[0].Data))

	all, _, err := log.Read(ctx, "0", 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryLogBlockWakesOnAppend(t *testing.T) {
	log := NewMemoryLog()
	go func() {
		time.Sleep(20 * time.Millisecond)
		log.Append([]byte("late"))
	}()
	events, _, err := log.Read(context.Background(), "0", 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "late", string(events[0].Data))
}

type flakyPublisher struct {
	failAt int
	calls  int
	got    []Envelope
}

func (p *flakyPublisher) Publish(_ context.Context, env Envelope) error {
	p.calls++
	if p.calls == p.failAt {
		return clierr.New(clierr.CodeUnavailable, "broker down")
	}
	p.got = append(p.got, env)
	return nil
}

func TestBridgePollSkipsInvalidAndResumesAfterPublishFailure(t *testing.T) {
	log := NewMemoryLog()
	log.Append([]byte(enterJob))
	log.Append([]byte(`{"action":"nope"}`))
	log.Append([]byte(`{"signalId":"sig-2","action":"harvest","poolId":"pool-2","chain":"base"}`))
	pub := &flakyPublisher{failAt: 2}
	b := NewBridge(log, pub, BridgeConfig{StartID: "0"})
	ctx := context.Background()

	n, err := b.Poll(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "2", b.Cursor())

	n, err = b.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "3", b.Cursor())
	require.Len(t, pub.got, 2)
	assert.Equal(t, "sig-1", pub.got[0].Job.SignalID)
	assert.Equal(t, "sig-2", pub.got[1].Job.SignalID)
	assert.Zero(t, pub.got[1].Attempts)
	assert.NotEmpty(t, pub.got[1].ID)

	n, err = b.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "3", b.Cursor())
}

// recordingQueue captures retries and dead letters without delivering anything.
type recordingQueue struct {
	retries []Envelope
	delays  []time.Duration
	dead    []Envelope
}

func (q *recordingQueue) Publish(context.Context, Envelope) error { return nil }

func (q *recordingQueue) Retry(_ context.Context, env Envelope, delay time.Duration) error {
	q.retries = append(q.retries, env)
	q.delays = append(q.delays, delay)
	return nil
}

func (q *recordingQueue) Consume(context.Context, int, Handler) error { return nil }

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) DeadLetter(_ context.Context, env Envelope, _ string) error {
	q.dead = append(q.dead, env)
	return nil
}

type scriptedRunner struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (r *scriptedRunner) Execute(_ context.Context, job model.ExecutionJob) (autopilot.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var err error
	if len(r.errs) > 0 {
		err = r.errs[0]
		r.errs = r.errs[1:]
	}
	switch {
	case err == nil:
		return autopilot.Outcome{Action: job.Action, Status: autopilot.OutcomeExecuted}, nil
	case clierr.Is(err, clierr.CodeRejected):
		return autopilot.Outcome{Action: job.Action, Status: autopilot.OutcomeRejected}, err
	default:
		return autopilot.Outcome{Action: job.Action, Status: autopilot.OutcomeFailed}, err
	}
}

func (r *scriptedRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type alertLog struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *alertLog) Notify(_ context.Context, e alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *alertLog) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func testEnvelope() Envelope {
	return NewEnvelope(model.ExecutionJob{SignalID: "s", Action: model.ActionHarvest, PoolID: "p", Chain: "base"}, time.Now())
}

func TestWorkerSchedulesBackoffRetry(t *testing.T) {
	q := &recordingQueue{}
	runner := &scriptedRunner{errs: []error{clierr.New(clierr.CodeUnavailable, "rpc down")}}
	w := NewWorkers(q, runner, WorkersConfig{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Minute})

	env := testEnvelope()
	env.Attempts = 2
	require.Error(t, w.handle(context.Background(), env))
	require.Len(t, q.retries, 1)
	assert.Equal(t, 3, q.retries[0].Attempts)
	assert.Equal(t, 4*time.Second, q.delays[0])
	assert.Equal(t, "rpc down", q.retries[0].LastError)
	assert.Empty(t, q.dead)
}

func TestWorkerDeadLettersNonRetryable(t *testing.T) {
	q := &recordingQueue{}
	alerts := &alertLog{}
	runner := &scriptedRunner{errs: []error{clierr.New(clierr.CodeRejected, "daily_limit")}}
	w := NewWorkers(q, runner, WorkersConfig{}, WithAlerts(alerts))

	require.Error(t, w.handle(context.Background(), testEnvelope()))
	assert.Empty(t, q.retries)
	require.Len(t, q.dead, 1)
	assert.Equal(t, 1, q.dead[0].Attempts)
	require.Equal(t, 1, alerts.len())
	assert.Equal(t, alerting.KindDeadLetter, alerts.events[0].Kind)
}

func TestWorkerDeadLettersWhenAttemptsExhausted(t *testing.T) {
	q := &recordingQueue{}
	runner := &scriptedRunner{errs: []error{errors.New("timeout")}}
	w := NewWorkers(q, runner, WorkersConfig{MaxAttempts: 3})

	env := testEnvelope()
	env.Attempts = 2
	require.Error(t, w.handle(context.Background(), env))
	assert.Empty(t, q.retries)
	require.Len(t, q.dead, 1)
	assert.Equal(t, 3, q.dead[0].Attempts)
}

func TestWorkersRetryThroughMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(8)
	defer q.Close()
	unavailable := clierr.New(clierr.CodeUnavailable, "flaky")
	runner := &scriptedRunner{errs: []error{unavailable, unavailable}}
	w := NewWorkers(q, runner, WorkersConfig{Concurrency: 2, MaxAttempts: 5, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, q.Publish(ctx, testEnvelope()))
	require.Eventually(t, func() bool { return runner.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, q.DeadLetters())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	err := q.Publish(context.Background(), testEnvelope())
	assert.True(t, clierr.Is(err, clierr.CodeUnavailable))
}
