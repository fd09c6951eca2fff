// Package ai talks to the strategy engine that turns pool snapshots into signals.
package ai

import (
	"context"
	"net/http"
	"strings"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/httpx"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
)

type Client struct {
	http    *httpx.Client
	baseURL string
}

func New(httpClient *httpx.Client, baseURL string) *Client {
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

type AnalyzeRequest struct {
	Pools            []model.PoolSnapshot
	TotalCapitalUSD  float64
	CurrentPositions []model.PositionRef
}

type analyzeBody struct {
	Pools            []wirePool     `json:"pools"`
	TotalCapitalUSD  float64        `json:"total_capital_usd"`
	CurrentPositions []wirePosition `json:"current_positions"`
}

// wirePool is the pool shape the engine scores; it reads aprTotal, not apr.
type wirePool struct {
	PoolID     string   `json:"poolId"`
	ProtocolID string   `json:"protocolId"`
	Chain      string   `json:"chain"`
	Symbol     string   `json:"symbol"`
	APRTotal   float64  `json:"aprTotal"`
	TVLUSD     float64  `json:"tvlUsd"`
	RiskScore  float64  `json:"riskScore"`
	Tokens     []string `json:"tokens,omitempty"`
}

type wirePosition struct {
	PoolID     string `json:"poolId"`
	ProtocolID string `json:"protocolId"`
	Chain      string `json:"chain"`
}

type analyzeResponse struct {
	Signals      []model.AISignal `json:"signals"`
	TotalSignals int              `json:"totalSignals"`
}

// Analyze posts the market view and returns the engine's signals. Signals
// with an unknown action are dropped.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) ([]model.AISignal, error) {
	body := analyzeBody{
		Pools:            make([]wirePool, 0, len(req.Pools)),
		TotalCapitalUSD:  req.TotalCapitalUSD,
		CurrentPositions: make([]wirePosition, 0, len(req.CurrentPositions)),
	}
	for _, p := range req.Pools {
		body.Pools = append(body.Pools, wirePool{
			PoolID:     p.PoolID,
			ProtocolID: p.ProtocolID,
			Chain:      p.Chain,
			Symbol:     p.Symbol,
			APRTotal:   p.APR,
			TVLUSD:     p.TVLUSD,
			RiskScore:  p.RiskScore,
			Tokens:     p.Tokens,
		})
	}
	for _, p := range req.CurrentPositions {
		body.CurrentPositions = append(body.CurrentPositions, wirePosition{PoolID: p.PoolID, ProtocolID: p.Protocol, Chain: p.Chain})
	}

	var resp analyzeResponse
	if _, err := httpx.PostJSON(ctx, c.http, c.baseURL+"/strategy/analyze", body, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.AISignal, 0, len(resp.Signals))
	for _, s := range resp.Signals {
		if !s.Action.Valid() {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// Health reports whether the engine answers with status "healthy".
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "build health request", err)
	}
	var resp healthResponse
	if _, err := c.http.DoJSON(ctx, req, &resp); err != nil {
		return err
	}
	if resp.Status != "healthy" {
		return clierr.New(clierr.CodeUnavailable, "strategy engine reports status "+resp.Status)
	}
	return nil
}
