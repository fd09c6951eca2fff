// Package alerting delivers operational events (pauses, kill switch changes,
// dead-lettered jobs) to operators.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ggonzalez94/defi-autopilot/internal/httpx"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Kind string

const (
	KindPaused        Kind = "autopilot_paused"
	KindKillSwitch    Kind = "kill_switch"
	KindDeadLetter    Kind = "job_dead_lettered"
	KindCriticalError Kind = "critical_error"
)

type Event struct {
	Kind       Kind              `json:"kind"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type Notifier interface {
	Channel() string
	Notify(ctx context.Context, event Event) error
}

type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher sends each event to every registered notifier.
type FanoutDispatcher struct {
	notifiers map[string]Notifier
}

func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[string]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	channels := make([]string, 0, len(d.notifiers))
	for ch := range d.notifiers {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	var errs []error
	for _, ch := range channels {
		if err := d.notifiers[ch].Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to the audit log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Channel() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := n.Logger
	if l == nil {
		l = logger.Audit()
	}
	attrs := []any{"kind", event.Kind, "severity", event.Severity, "occurred_at", event.OccurredAt}
	for k, v := range event.Metadata {
		attrs = append(attrs, k, v)
	}
	l.Warn(event.Message, attrs...)
	return nil
}

// WebhookNotifier posts the event as JSON to URL.
type WebhookNotifier struct {
	HTTP *httpx.Client
	URL  string
}

func (n *WebhookNotifier) Channel() string { return "webhook" }

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.HTTP == nil || n.URL == "" {
		logger.L().Warn("webhook notifier not configured, skipping", "kind", event.Kind)
		return nil
	}
	_, err := httpx.PostJSON(ctx, n.HTTP, n.URL, event, nil, nil)
	return err
}
