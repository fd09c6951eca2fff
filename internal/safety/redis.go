package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Redis keeps the counter in a hash <prefix>:daily_spend {spent, reset_at} and the
// kill switch in a hash <prefix>:kill_switch {active, reason, updated_at}.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "autopilot"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) spendKey() string { return r.prefix + ":daily_spend" }
func (r *Redis) killKey() string  { return r.prefix + ":kill_switch" }

func (r *Redis) KillSwitch(ctx context.Context) (KillSwitch, error) {
	vals, err := r.client.HGetAll(ctx, r.killKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return KillSwitch{}, fmt.Errorf("read kill switch: %w", err)
	}
	out := KillSwitch{Active: vals["active"] == "1", Reason: vals["reason"]}
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		out.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return out, nil
}

func (r *Redis) SetKillSwitch(ctx context.Context, active bool, reason string) error {
	flag := "0"
	if active {
		flag = "1"
	}
	err := r.client.HSet(ctx, r.killKey(),
		"active", flag,
		"reason", reason,
		"updated_at", strconv.FormatInt(r.now().UTC().UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("write kill switch: %w", err)
	}
	return nil
}

func (r *Redis) LoadDailySpend(ctx context.Context) (DailySpend, error) {
	vals, err := r.client.HGetAll(ctx, r.spendKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return DailySpend{}, fmt.Errorf("read daily spend: %w", err)
	}
	return parseSpend(vals["spent"], vals["reset_at"])
}

func (r *Redis) ResetDailySpend(ctx context.Context, at time.Time) (DailySpend, error) {
	at = at.UTC()
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.spendKey(), "spent", "0", "reset_at", strconv.FormatInt(at.UnixMilli(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return DailySpend{}, fmt.Errorf("reset daily spend: %w", err)
	}
	return DailySpend{SpentUSD: decimal.Zero, ResetAt: at}, nil
}

func (r *Redis) AddDailySpend(ctx context.Context, amount decimal.Decimal) (DailySpend, error) {
	pipe := r.client.TxPipeline()
	spent := pipe.HIncrByFloat(ctx, r.spendKey(), "spent", amount.InexactFloat64())
	pipe.HSetNX(ctx, r.spendKey(), "reset_at", strconv.FormatInt(r.now().UTC().UnixMilli(), 10))
	resetAt := pipe.HGet(ctx, r.spendKey(), "reset_at")
	if _, err := pipe.Exec(ctx); err != nil {
		return DailySpend{}, fmt.Errorf("increment daily spend: %w", err)
	}
	return parseSpend(strconv.FormatFloat(spent.Val(), 'f', -1, 64), resetAt.Val())
}

func (r *Redis) Close() error { return r.client.Close() }

func parseSpend(spent, resetAt string) (DailySpend, error) {
	out := DailySpend{SpentUSD: decimal.Zero}
	if strings.TrimSpace(spent) != "" {
		v, err := decimal.NewFromString(spent)
		if err != nil {
			return DailySpend{}, fmt.Errorf("parse daily spend %q: %w", spent, err)
		}
		out.SpentUSD = v
	}
	if strings.TrimSpace(resetAt) != "" {
		ms, err := strconv.ParseInt(resetAt, 10, 64)
		if err != nil {
			return DailySpend{}, fmt.Errorf("parse reset time %q: %w", resetAt, err)
		}
		out.ResetAt = time.UnixMilli(ms).UTC()
	}
	return out, nil
}
