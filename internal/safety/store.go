// Package safety holds the process-wide gate state consulted before every
// execution: the emergency kill switch and the rolling daily spend counter.
// Values live in an external store and are re-read on every check so several
// executor processes can share them.
package safety

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Window is the length of the rolling spend window.
const Window = 24 * time.Hour

type DailySpend struct {
	SpentUSD decimal.Decimal `json:"spent_usd"`
	ResetAt  time.Time       `json:"reset_at"`
}

// Expired reports whether the window that started at ResetAt has elapsed.
func (d DailySpend) Expired(now time.Time) bool {
	return d.ResetAt.IsZero() || !now.Before(d.ResetAt.Add(Window))
}

type KillSwitch struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store interface {
	KillSwitch(ctx context.Context) (KillSwitch, error)
	SetKillSwitch(ctx context.Context, active bool, reason string) error
	LoadDailySpend(ctx context.Context) (DailySpend, error)
	// ResetDailySpend zeroes the counter and starts a new window at the given time.
	ResetDailySpend(ctx context.Context, at time.Time) (DailySpend, error)
	// AddDailySpend increments the counter atomically and returns the new value.
	AddDailySpend(ctx context.Context, amount decimal.Decimal) (DailySpend, error)
	Close() error
}

type Options struct {
	// Driver is redis, sqlite or memory.
	Driver     string
	KeyPrefix  string
	SQLitePath string
	LockPath   string
	Redis      *redis.Client
}

// Open builds the store named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "memory":
		return NewMemory(), nil
	case "", "sqlite":
		return OpenSQLite(opts.SQLitePath, opts.LockPath)
	case "redis":
		if opts.Redis == nil {
			return nil, fmt.Errorf("safety store: redis client is required")
		}
		if err := opts.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("safety store: connect redis: %w", err)
		}
		return NewRedis(opts.Redis, opts.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported safety driver %q", opts.Driver)
	}
}
