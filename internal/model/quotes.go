package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type RouteStep struct {
	Exchange string  `json:"exchange"`
	Pool     string  `json:"pool,omitempty"`
	Input    string  `json:"input,omitempty"`
	Output   string  `json:"output,omitempty"`
	Share    float64 `json:"share,omitempty"`
}

// SwapQuote is a same-chain quote from one router.
// NetOutputUSD is only meaningful when Priced is true.
type SwapQuote struct {
	Source         string          `json:"source"`
	Chain          string          `json:"chain"`
	TokenIn        Token           `json:"token_in"`
	TokenOut       Token           `json:"token_out"`
	AmountIn       AmountInfo      `json:"amount_in"`
	AmountOut      AmountInfo      `json:"amount_out"`
	Steps          []RouteStep     `json:"steps,omitempty"`
	PriceImpactPct float64         `json:"price_impact_pct"`
	GasUnits       uint64          `json:"gas_units,omitempty"`
	GasUSD         decimal.Decimal `json:"gas_usd"`
	NetOutputUSD   decimal.Decimal `json:"net_output_usd"`
	Priced         bool            `json:"priced"`
	Estimated      bool            `json:"estimated"`
	FetchedAt      time.Time       `json:"fetched_at"`
	Raw            json.RawMessage `json:"-"`
}

type StepKind string

const (
	StepApprove StepKind = "approve"
	StepSwap    StepKind = "swap"
	StepBridge  StepKind = "bridge"
)

// CrossChainStep is one executable leg of a cross-chain route.
type CrossChainStep struct {
	Kind        StepKind           `json:"kind"`
	Chain       string             `json:"chain"`
	Description string             `json:"description"`
	Payload     TransactionPayload `json:"payload"`
}

func (s CrossChainStep) TxType() TxType {
	switch s.Kind {
	case StepApprove:
		return TxApprove
	case StepSwap:
		return TxSwap
	default:
		return TxBridge
	}
}

type CrossChainQuote struct {
	Source           string           `json:"source"`
	Bridge           string           `json:"bridge"`
	FromChain        string           `json:"from_chain"`
	ToChain          string           `json:"to_chain"`
	FromToken        Token            `json:"from_token"`
	ToToken          Token            `json:"to_token"`
	AmountIn         AmountInfo       `json:"amount_in"`
	AmountOut        AmountInfo       `json:"amount_out"`
	FeeUSD           decimal.Decimal  `json:"fee_usd"`
	EstimatedSeconds int64            `json:"estimated_seconds"`
	SafetyScore      float64          `json:"safety_score"`
	CostScore        float64          `json:"cost_score"`
	SpeedScore       float64          `json:"speed_score"`
	Score            float64          `json:"score"`
	FetchedAt        time.Time        `json:"fetched_at"`
	Steps            []CrossChainStep `json:"steps,omitempty"`
	Raw              json.RawMessage  `json:"-"`
}
