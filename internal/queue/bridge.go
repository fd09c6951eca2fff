package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/metrics"
)

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

type BridgeConfig struct {
	// StartID is the first cursor; "$" skips entries older than the first read.
	StartID   string
	ReadCount int64
	ReadBlock time.Duration
	// ErrorBackoff is the pause after a failed read or publish.
	ErrorBackoff time.Duration
}

// Bridge copies execution jobs from the event log onto the job queue. The
// cursor lives in memory; a restart re-reads from StartID and relies on the
// operator re-checking positions before acting.
type Bridge struct {
	events EventLog
	queue  Publisher
	cfg    BridgeConfig
	log    *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cursor string
}

func NewBridge(events EventLog, queue Publisher, cfg BridgeConfig) *Bridge {
	if cfg.StartID == "" {
		cfg.StartID = "$"
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Bridge{
		events: events,
		queue:  queue,
		cfg:    cfg,
		log:    logger.Named("bridge"),
		now:    time.Now,
		cursor: cfg.StartID,
	}
}

func (b *Bridge) Cursor() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

func (b *Bridge) Run(ctx context.Context) error {
	b.log.Info("event bridge started", "cursor", b.Cursor())
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := b.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("event bridge poll failed", "err", err)
			timer := time.NewTimer(b.cfg.ErrorBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// Poll reads one batch and publishes every valid job in it. The cursor only
// moves past events that were published or are undecodable, so a failed
// publish is retried on the next poll.
func (b *Bridge) Poll(ctx context.Context) (int, error) {
	cursor := b.Cursor()
	events, next, err := b.events.Read(ctx, cursor, b.cfg.ReadCount, b.cfg.ReadBlock)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, ev := range events {
		job, err := DecodeJob(ev.Data, b.now())
		if err != nil {
			metrics.QueueEvents.WithLabelValues("invalid").Inc()
			b.log.Warn("skipping invalid event", "event_id", ev.ID, "err", err)
			b.setCursor(ev.ID)
			continue
		}
		env := NewEnvelope(job, b.now())
		if err := b.queue.Publish(ctx, env); err != nil {
			metrics.QueueEvents.WithLabelValues("publish_failed").Inc()
			return published, err
		}
		metrics.QueueEvents.WithLabelValues("published").Inc()
		b.log.Debug("event bridged", "event_id", ev.ID, "job_id", env.ID, "signal_id", job.SignalID, "action", job.Action)
		b.setCursor(ev.ID)
		published++
	}
	if len(events) == 0 {
		b.setCursor(next)
	}
	return published, nil
}

func (b *Bridge) setCursor(c string) {
	b.mu.Lock()
	b.cursor = c
	b.mu.Unlock()
}
