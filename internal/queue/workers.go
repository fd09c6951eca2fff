package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggonzalez94/defi-autopilot/internal/alerting"
	"github.com/ggonzalez94/defi-autopilot/internal/autopilot"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/metrics"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
)

// Runner executes one job; autopilot.Operator satisfies it.
type Runner interface {
	Execute(ctx context.Context, job model.ExecutionJob) (autopilot.Outcome, error)
}

type WorkersConfig struct {
	Concurrency int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c *WorkersConfig) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
}

// Workers drains the job queue into the runner with bounded concurrency.
type Workers struct {
	queue  JobQueue
	runner Runner
	cfg    WorkersConfig
	alerts alerting.Dispatcher
	log    *slog.Logger
}

type WorkersOption func(*Workers)

func WithAlerts(d alerting.Dispatcher) WorkersOption { return func(w *Workers) { w.alerts = d } }

func WithWorkersLogger(l *slog.Logger) WorkersOption { return func(w *Workers) { w.log = l } }

func NewWorkers(queue JobQueue, runner Runner, cfg WorkersConfig, opts ...WorkersOption) *Workers {
	cfg.defaults()
	w := &Workers{queue: queue, runner: runner, cfg: cfg, log: logger.Named("workers")}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workers) Run(ctx context.Context) error {
	w.log.Info("queue workers started", "concurrency", w.cfg.Concurrency, "max_attempts", w.cfg.MaxAttempts)
	return w.queue.Consume(ctx, w.cfg.Concurrency, w.handle)
}

// Backoff is base·2^(attempt-1), capped at maxDelay.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func (w *Workers) handle(ctx context.Context, env Envelope) error {
	env.Attempts++
	out, err := w.runner.Execute(ctx, env.Job)
	if err == nil {
		logger.Audit().Info("queue job done",
			"job_id", env.ID, "signal_id", env.Job.SignalID, "action", env.Job.Action,
			"status", out.Status, "attempt", env.Attempts, "records", len(out.Records))
		return nil
	}
	env.LastError = err.Error()

	if ctx.Err() != nil {
		// Shutdown interrupted the job; hand it back without spending an attempt.
		env.Attempts--
		retryCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := w.queue.Retry(retryCtx, env, 0); rerr != nil {
			w.log.Error("requeue on shutdown failed", "job_id", env.ID, "err", rerr)
		}
		return err
	}

	retryable := clierr.Retryable(err) && out.Status != autopilot.OutcomeRejected
	if !retryable || env.Attempts >= w.cfg.MaxAttempts {
		w.deadLetter(ctx, env, err, retryable)
		return err
	}
	delay := Backoff(env.Attempts, w.cfg.BaseBackoff, w.cfg.MaxBackoff)
	if rerr := w.queue.Retry(ctx, env, delay); rerr != nil {
		w.log.Error("schedule retry failed", "job_id", env.ID, "err", rerr)
		w.deadLetter(ctx, env, err, retryable)
		return err
	}
	metrics.QueueRetries.Inc()
	w.log.Warn("queue job failed, retrying", "job_id", env.ID, "signal_id", env.Job.SignalID, "attempt", env.Attempts, "delay", delay, "err", err)
	return err
}

func (w *Workers) deadLetter(ctx context.Context, env Envelope, cause error, retryable bool) {
	metrics.DeadLetters.Inc()
	reason := "non-retryable"
	if retryable {
		reason = "attempts exhausted"
	}
	logger.Audit().Warn("queue job dead-lettered",
		"job_id", env.ID, "signal_id", env.Job.SignalID, "action", env.Job.Action,
		"pool", env.Job.PoolID, "chain", env.Job.Chain, "attempts", env.Attempts, "reason", reason, "err", cause)
	if sink, ok := w.queue.(DeadLetterSink); ok {
		if err := sink.DeadLetter(ctx, env, cause.Error()); err != nil {
			w.log.Error("dead-letter write failed", "job_id", env.ID, "err", err)
		}
	}
	if w.alerts == nil {
		return
	}
	event := alerting.Event{
		Kind:     alerting.KindDeadLetter,
		Severity: alerting.SeverityWarning,
		Message:  fmt.Sprintf("job %s (%s %s) dead-lettered after %d attempts: %v", env.ID, env.Job.Action, env.Job.PoolID, env.Attempts, cause),
		Metadata: map[string]string{"job_id": env.ID, "signal_id": env.Job.SignalID, "reason": reason},
	}
	if err := w.alerts.Notify(ctx, event); err != nil {
		w.log.Warn("dead-letter alert failed", "job_id", env.ID, "err", err)
	}
}
