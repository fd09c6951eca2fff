package crosschain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
)

const sender = "0x00000000000000000000000000000000000000AA"

type stubBridge struct {
	name   string
	quotes []model.CrossChainQuote
	err    error
	target string
	builds int
}

func (s *stubBridge) Name() string { return s.name }

func (s *stubBridge) Supports(from, to id.Chain) bool { return from.IsEVM() && to.IsEVM() }

func (s *stubBridge) Quote(context.Context, providers.RouteRequest) ([]model.CrossChainQuote, error) {
	return s.quotes, s.err
}

func (s *stubBridge) BuildSteps(_ context.Context, _ model.CrossChainQuote, req providers.RouteRequest) ([]model.CrossChainStep, error) {
	s.builds++
	return []model.CrossChainStep{
		{Kind: model.StepApprove, Chain: req.FromChain.CAIP2, Payload: model.NewEVMPayload(req.FromChain.CAIP2, s.target, []byte{0x09}, nil)},
		{Kind: model.StepBridge, Chain: req.FromChain.CAIP2, Payload: model.NewEVMPayload(req.FromChain.CAIP2, s.target, []byte{0x0b}, nil)},
	}, nil
}

type call struct {
	to     string
	txType model.TxType
	amount decimal.Decimal
	meta   map[string]string
}

// scriptedExecutor fails every call whose target is in failFor.
type scriptedExecutor struct {
	failFor map[string]error
	calls   []call
}

func (e *scriptedExecutor) Execute(_ context.Context, p model.TransactionPayload, txType model.TxType, amountUSD decimal.Decimal, meta map[string]string) (model.TransactionRecord, error) {
	e.calls = append(e.calls, call{to: p.To, txType: txType, amount: amountUSD, meta: meta})
	if err, ok := e.failFor[p.To]; ok {
		return model.TransactionRecord{Status: model.RecordFailed, Type: txType}, err
	}
	return model.TransactionRecord{Status: model.RecordSubmitted, Type: txType, Hash: "0xabc"}, nil
}

func (e *scriptedExecutor) countTo(to string) int {
	n := 0
	for _, c := range e.calls {
		if c.to == to {
			n++
		}
	}
	return n
}

func quote(source, bridge string, feeUSD float64, seconds int64) model.CrossChainQuote {
	return model.CrossChainQuote{Source: source, Bridge: bridge, FeeUSD: decimal.NewFromFloat(feeUSD), EstimatedSeconds: seconds}
}

func routeReq(t *testing.T) providers.RouteRequest {
	t.Helper()
	eth, err := id.ParseChain("ethereum")
	require.NoError(t, err)
	base, err := id.ParseChain("base")
	require.NoError(t, err)
	return providers.RouteRequest{FromChain: eth, ToChain: base, AmountIn: "1000000", Sender: sender}
}

func newRouter(cfg Config, exec TxExecutor, sources ...providers.BridgeSource) *Router {
	r := New(sources, exec, cfg, WithLogger(logger.Discard()))
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestScoreWeightsCostSpeedAndSafety(t *testing.T) {
	routes := []model.CrossChainQuote{
		quote("s", "stargate", 3, 60),
		quote("s", "across", 1, 300),
	}
	routes[0].SafetyScore = 85
	routes[1].SafetyScore = 90
	Score(routes)

	assert.Equal(t, "across", routes[0].Bridge)
	assert.InDelta(t, 67.0, routes[0].Score, 1e-9)
	assert.InDelta(t, 100.0, routes[0].CostScore, 1e-9)
	assert.InDelta(t, 0.0, routes[0].SpeedScore, 1e-9)
	assert.InDelta(t, 55.5, routes[1].Score, 1e-9)
}

func TestScoreEqualValuesGetFullMarks(t *testing.T) {
	routes := []model.CrossChainQuote{quote("s", "across", 2, 60)}
	routes[0].SafetyScore = 90
	Score(routes)
	assert.InDelta(t, 100.0, routes[0].CostScore, 1e-9)
	assert.InDelta(t, 97.0, routes[0].Score, 1e-9)
}

func TestGetOptimalRouteRespectsSafetyFloor(t *testing.T) {
	src := &stubBridge{name: "agg", quotes: []model.CrossChainQuote{
		quote("", "across", 2, 60),
		quote("", "sketchybridge", 0.1, 10),
	}}
	r := newRouter(Config{MinSafetyScore: 70}, nil, src)

	routes, err := r.GetOptimalRoute(context.Background(), routeReq(t))
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "across", routes[0].Bridge)
	assert.Equal(t, "agg", routes[0].Source)
	for _, q := range routes {
		assert.GreaterOrEqual(t, q.SafetyScore, 70.0)
	}
}

func TestGetOptimalRouteAllBelowFloor(t *testing.T) {
	src := &stubBridge{name: "agg", quotes: []model.CrossChainQuote{quote("", "sketchybridge", 1, 10)}}
	r := newRouter(Config{MinSafetyScore: 70}, nil, src)
	_, err := r.GetOptimalRoute(context.Background(), routeReq(t))
	require.Error(t, err)
}

func TestGetOptimalRouteSurvivesFailingSource(t *testing.T) {
	bad := &stubBridge{name: "bad", err: errors.New("503")}
	good := &stubBridge{name: "good", quotes: []model.CrossChainQuote{quote("", "across", 1, 60)}}
	r := newRouter(Config{}, nil, bad, good)

	routes, err := r.GetOptimalRoute(context.Background(), routeReq(t))
	require.NoError(t, err)
	require.Len(t, routes, 1)

	_, err = newRouter(Config{}, nil, bad).GetOptimalRoute(context.Background(), routeReq(t))
	require.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeUnavailable))
}

func TestExecuteRouteFallsBackAfterRetries(t *testing.T) {
	first := &stubBridge{name: "first", target: "0x0000000000000000000000000000000000000001"}
	second := &stubBridge{name: "second", target: "0x0000000000000000000000000000000000000002"}
	exec := &scriptedExecutor{failFor: map[string]error{
		"0x0000000000000000000000000000000000000001": clierr.New(clierr.CodeExecutionFailed, "execution_revert: reverted"),
	}}
	r := newRouter(Config{MaxRetries: 2, RetryDelay: time.Second, FallbackToNextRoute: true}, exec, first, second)
	routes := []model.CrossChainQuote{quote("first", "across", 1, 60), quote("second", "stargate", 2, 90)}

	res, err := r.ExecuteRoute(context.Background(), routes, 0, routeReq(t), ExecuteOptions{AmountUSD: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RouteIndex)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, first.builds)
	assert.Equal(t, 3, exec.countTo("0x0000000000000000000000000000000000000001"), "approve is tried once plus two retries")
	assert.Equal(t, 1, second.builds)
	require.Len(t, res.Records, 2)
	require.Len(t, res.Route.Steps, 2)

	last := exec.calls[len(exec.calls)-2:]
	assert.Equal(t, model.TxApprove, last[0].txType)
	assert.True(t, last[0].amount.IsZero())
	assert.Equal(t, model.TxBridge, last[1].txType)
	assert.True(t, last[1].amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "stargate", last[1].meta["route_bridge"])
}

func TestExecuteRouteWithoutFallbackReturnsLastError(t *testing.T) {
	first := &stubBridge{name: "first", target: "0x0000000000000000000000000000000000000001"}
	second := &stubBridge{name: "second", target: "0x0000000000000000000000000000000000000002"}
	exec := &scriptedExecutor{failFor: map[string]error{
		"0x0000000000000000000000000000000000000001": clierr.New(clierr.CodeExecutionFailed, "boom"),
	}}
	r := newRouter(Config{MaxRetries: 1}, exec, first, second)
	routes := []model.CrossChainQuote{quote("first", "across", 1, 60), quote("second", "stargate", 2, 90)}

	_, err := r.ExecuteRoute(context.Background(), routes, 0, routeReq(t), ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, 1, first.builds)
	assert.Equal(t, 2, exec.countTo("0x0000000000000000000000000000000000000001"))
	assert.Equal(t, 0, second.builds)
}

func TestExecuteRouteStopsOnGateRejection(t *testing.T) {
	first := &stubBridge{name: "first", target: "0x0000000000000000000000000000000000000001"}
	second := &stubBridge{name: "second", target: "0x0000000000000000000000000000000000000002"}
	exec := &scriptedExecutor{failFor: map[string]error{
		"0x0000000000000000000000000000000000000001": clierr.New(clierr.CodeRejected, "kill_switch: kill switch active"),
	}}
	r := newRouter(Config{MaxRetries: 3, FallbackToNextRoute: true}, exec, first, second)
	routes := []model.CrossChainQuote{quote("first", "across", 1, 60), quote("second", "stargate", 2, 90)}

	_, err := r.ExecuteRoute(context.Background(), routes, 0, routeReq(t), ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeRejected))
	assert.Equal(t, 1, first.builds)
	assert.Equal(t, 0, second.builds)
}

func TestBuildRouteTransactionsIndexOutOfRange(t *testing.T) {
	r := newRouter(Config{}, nil)
	_, err := r.BuildRouteTransactions(context.Background(), nil, 0, routeReq(t))
	require.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeUsage))
}

// swapThenBridge builds a source-chain swap followed by a bridge leg with
// distinct targets so the executor can fail one of them.
type swapThenBridge struct {
	name   string
	swapTo string
	bridge string
}

func (s *swapThenBridge) Name() string { return s.name }

func (s *swapThenBridge) Supports(from, to id.Chain) bool { return true }

func (s *swapThenBridge) Quote(context.Context, providers.RouteRequest) ([]model.CrossChainQuote, error) {
	return nil, nil
}

func (s *swapThenBridge) BuildSteps(_ context.Context, _ model.CrossChainQuote, req providers.RouteRequest) ([]model.CrossChainStep, error) {
	return []model.CrossChainStep{
		{Kind: model.StepSwap, Chain: req.FromChain.CAIP2, Payload: model.NewEVMPayload(req.FromChain.CAIP2, s.swapTo, []byte{0x05}, nil)},
		{Kind: model.StepBridge, Chain: req.FromChain.CAIP2, Payload: model.NewEVMPayload(req.FromChain.CAIP2, s.bridge, []byte{0x0b}, nil)},
	}, nil
}

func TestExecuteRouteRetriesOnlyTheFailedStep(t *testing.T) {
	const (
		swapTarget   = "0x00000000000000000000000000000000000000c1"
		bridgeTarget = "0x00000000000000000000000000000000000000c2"
	)
	first := &swapThenBridge{name: "first", swapTo: swapTarget, bridge: bridgeTarget}
	second := &stubBridge{name: "second", target: "0x0000000000000000000000000000000000000002"}
	exec := &scriptedExecutor{failFor: map[string]error{
		bridgeTarget: clierr.New(clierr.CodeUnavailable, "bridge relayer unavailable"),
	}}
	r := newRouter(Config{MaxRetries: 2, FallbackToNextRoute: true}, exec, first, second)
	routes := []model.CrossChainQuote{quote("first", "across", 1, 60), quote("second", "stargate", 2, 90)}

	res, err := r.ExecuteRoute(context.Background(), routes, 0, routeReq(t), ExecuteOptions{AmountUSD: decimal.NewFromInt(100)})
	require.Error(t, err)
	assert.Equal(t, 1, exec.countTo(swapTarget), "completed swap must not be replayed")
	assert.Equal(t, 3, exec.countTo(bridgeTarget))
	assert.Equal(t, 0, second.builds, "no fallback once the swap moved funds")
	assert.False(t, clierr.Retryable(err))
	assert.Equal(t, 0, res.RouteIndex)
	assert.Equal(t, 3, res.Attempts)
	require.Len(t, res.Records, 4)
	assert.Equal(t, "1", exec.calls[len(exec.calls)-1].meta["route_step"])
	assert.Equal(t, "3", exec.calls[len(exec.calls)-1].meta["attempt"])
}

func TestExecuteRouteRecoversOnStepRetry(t *testing.T) {
	const bridgeTarget = "0x00000000000000000000000000000000000000c2"
	first := &swapThenBridge{name: "first", swapTo: "0x00000000000000000000000000000000000000c1", bridge: bridgeTarget}
	exec := &flakyExecutor{scriptedExecutor: scriptedExecutor{failFor: map[string]error{
		bridgeTarget: clierr.New(clierr.CodeUnavailable, "bridge relayer unavailable"),
	}}, failures: 1}
	r := newRouter(Config{MaxRetries: 2}, exec, first)
	routes := []model.CrossChainQuote{quote("first", "across", 1, 60)}

	res, err := r.ExecuteRoute(context.Background(), routes, 0, routeReq(t), ExecuteOptions{AmountUSD: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, exec.calls, 3)
	require.Len(t, res.Route.Steps, 2)
}

// flakyExecutor fails its targets only for the first failures calls.
type flakyExecutor struct {
	scriptedExecutor
	failures int
}

func (e *flakyExecutor) Execute(ctx context.Context, p model.TransactionPayload, txType model.TxType, amountUSD decimal.Decimal, meta map[string]string) (model.TransactionRecord, error) {
	rec, err := e.scriptedExecutor.Execute(ctx, p, txType, amountUSD, meta)
	if err == nil {
		return rec, nil
	}
	if e.failures > 0 {
		e.failures--
		return rec, err
	}
	return model.TransactionRecord{Status: model.RecordSubmitted, Type: txType, Hash: "0xabc"}, nil
}
