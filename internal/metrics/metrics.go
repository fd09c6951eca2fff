package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_transactions_total",
		Help: "Executor outcomes by chain, transaction type and record status",
	}, []string{"chain", "type", "status"})

	GateRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_gate_rejects_total",
		Help: "Safety gate rejections by reason",
	}, []string{"reason"})

	DailySpendUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autopilot_daily_spend_usd",
		Help: "USD committed in the current 24h window",
	})

	QuoteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autopilot_quote_latency_seconds",
		Help:    "Latency of router and bridge quote calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	QuoteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_quote_failures_total",
		Help: "Router and bridge quote failures",
	}, []string{"source"})

	Cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_cycles_total",
		Help: "Autopilot cycles by outcome",
	}, []string{"outcome"})

	// State is 0 stopped, 1 running, 2 paused.
	State = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autopilot_state",
		Help: "Current autopilot state",
	})

	CycleInterval = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autopilot_cycle_interval_seconds",
		Help: "Interval until the next autopilot cycle",
	})

	Jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_jobs_total",
		Help: "Queue jobs handled by action and outcome",
	}, []string{"action", "outcome"})

	QueueEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_queue_events_total",
		Help: "Event log entries bridged into the job queue by result",
	}, []string{"result"})

	QueueRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopilot_queue_retries_total",
		Help: "Jobs parked for a delayed retry",
	})

	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopilot_queue_dead_letters_total",
		Help: "Jobs moved to the dead letter list",
	})

	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autopilot_http_request_seconds",
		Help:    "Operations API latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
