package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionEnter     Action = "enter"
	ActionExit      Action = "exit"
	ActionHarvest   Action = "harvest"
	ActionCompound  Action = "compound"
	ActionRebalance Action = "rebalance"
)

func (a Action) Valid() bool {
	switch a {
	case ActionEnter, ActionExit, ActionHarvest, ActionCompound, ActionRebalance:
		return true
	}
	return false
}

// AISignal is one recommendation returned by the strategy engine.
type AISignal struct {
	SignalID    string          `json:"signalId"`
	StrategyID  string          `json:"strategyId"`
	Action      Action          `json:"action"`
	PoolID      string          `json:"poolId"`
	Chain       string          `json:"chain"`
	ProtocolID  string          `json:"protocolId"`
	AmountUSD   decimal.Decimal `json:"amountUsd"`
	Reason      string          `json:"reason"`
	Confidence  float64         `json:"confidence"`
	RiskScore   float64         `json:"riskScore"`
	ExpectedAPR float64         `json:"expectedApr"`
	Timestamp   string          `json:"timestamp"`
}

// ExecutionJob is the queue wire format for a strategy action.
type ExecutionJob struct {
	SignalID   string          `json:"signalId"`
	StrategyID string          `json:"strategyId"`
	Action     Action          `json:"action"`
	PoolID     string          `json:"poolId"`
	Chain      string          `json:"chain"`
	ProtocolID string          `json:"protocolId"`
	AmountUSD  decimal.Decimal `json:"amountUsd"`
	Params     map[string]any  `json:"params,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// JobFromSignal converts a strategy signal into an execution job.
func JobFromSignal(s AISignal, now time.Time) ExecutionJob {
	return ExecutionJob{
		SignalID:   s.SignalID,
		StrategyID: s.StrategyID,
		Action:     s.Action,
		PoolID:     s.PoolID,
		Chain:      s.Chain,
		ProtocolID: s.ProtocolID,
		AmountUSD:  s.AmountUSD,
		Params:     map[string]any{"confidence": s.Confidence, "reason": s.Reason},
		Timestamp:  now.UnixMilli(),
	}
}

// ParamString reads a string parameter from the job.
func (j ExecutionJob) ParamString(key string) string {
	if j.Params == nil {
		return ""
	}
	if v, ok := j.Params[key].(string); ok {
		return v
	}
	return ""
}

type PendingReward struct {
	Protocol string          `json:"protocol"`
	Chain    string          `json:"chain"`
	PoolID   string          `json:"pool_id"`
	Token    Token           `json:"token"`
	Amount   AmountInfo      `json:"amount"`
	ValueUSD decimal.Decimal `json:"value_usd"`
}

type PositionToken struct {
	Token  Token      `json:"token"`
	Amount AmountInfo `json:"amount"`
	// Weight is the pool's share for this token; zero means equal split.
	Weight float64 `json:"weight,omitempty"`
}

type Position struct {
	Protocol string          `json:"protocol"`
	Chain    string          `json:"chain"`
	PoolID   string          `json:"pool_id"`
	Wallet   string          `json:"wallet"`
	Tokens   []PositionToken `json:"tokens"`
	ValueUSD decimal.Decimal `json:"value_usd"`
}

// PositionRef names an open position without its balances.
type PositionRef struct {
	Protocol string `json:"protocol"`
	Chain    string `json:"chain"`
	PoolID   string `json:"pool_id"`
}

// PoolSnapshot is the market view of a pool sent to the strategy engine.
type PoolSnapshot struct {
	PoolID     string   `json:"poolId"`
	ProtocolID string   `json:"protocolId"`
	Chain      string   `json:"chain"`
	Symbol     string   `json:"symbol"`
	APR        float64  `json:"apr"`
	TVLUSD     float64  `json:"tvlUsd"`
	RiskScore  float64  `json:"riskScore"`
	Tokens     []string `json:"tokens,omitempty"`
}
