package safety

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Memory struct {
	mu    sync.Mutex
	kill  KillSwitch
	spend DailySpend
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) KillSwitch(context.Context) (KillSwitch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kill, nil
}

func (m *Memory) SetKillSwitch(_ context.Context, active bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kill = KillSwitch{Active: active, Reason: reason, UpdatedAt: m.now().UTC()}
	return nil
}

func (m *Memory) LoadDailySpend(context.Context) (DailySpend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spend, nil
}

func (m *Memory) ResetDailySpend(_ context.Context, at time.Time) (DailySpend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spend = DailySpend{SpentUSD: decimal.Zero, ResetAt: at.UTC()}
	return m.spend, nil
}

func (m *Memory) AddDailySpend(_ context.Context, amount decimal.Decimal) (DailySpend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spend.ResetAt.IsZero() {
		m.spend.ResetAt = m.now().UTC()
	}
	m.spend.SpentUSD = m.spend.SpentUSD.Add(amount)
	return m.spend, nil
}

func (m *Memory) Close() error { return nil }
