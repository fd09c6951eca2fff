package autopilot

import (
	"context"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggonzalez94/defi-autopilot/internal/adapters"
	"github.com/ggonzalez94/defi-autopilot/internal/aggregator"
	"github.com/ggonzalez94/defi-autopilot/internal/crosschain"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/execution"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
)

const (
	testOwner   = "0x000000000000000000000000000000000000dEaD"
	poolAddress = "0x1111111111111111111111111111111111111111"
	rewardToken = "0x2222222222222222222222222222222222222222"
	ethUSDC     = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	ethWETH     = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	baseUSDC    = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

type fakeGate struct {
	decision execution.GateDecision
	checks   []decimal.Decimal
	calls    []model.TxType
	amounts  []decimal.Decimal
	failOn   model.TxType
}

func newGate() *fakeGate { return &fakeGate{decision: execution.GateDecision{Allowed: true}} }

func (g *fakeGate) CheckGate(_ context.Context, amountUSD decimal.Decimal) (execution.GateDecision, error) {
	g.checks = append(g.checks, amountUSD)
	return g.decision, nil
}

func (g *fakeGate) Execute(_ context.Context, p model.TransactionPayload, txType model.TxType, amountUSD decimal.Decimal, _ map[string]string) (model.TransactionRecord, error) {
	g.calls = append(g.calls, txType)
	g.amounts = append(g.amounts, amountUSD)
	rec := model.TransactionRecord{Chain: p.Chain, Type: txType, AmountUSD: amountUSD, Status: model.RecordSubmitted}
	if txType == g.failOn {
		rec.Status = model.RecordFailed
		return rec, clierr.New(clierr.CodeExecutionFailed, "reverted")
	}
	return rec, nil
}

type fakeAdapter struct {
	positions map[string]model.Position
	rewards   []model.PendingReward
	deposits  map[string][]model.PositionToken
	fractions []decimal.Decimal
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{positions: map[string]model.Position{}, deposits: map[string][]model.PositionToken{}}
}

func (f *fakeAdapter) Protocol() string { return "testpool" }

func (f *fakeAdapter) Supports(chain id.Chain) bool { return chain.IsEVM() }

func (f *fakeAdapter) GetPosition(_ context.Context, _ id.Chain, poolID, _ string) (model.Position, error) {
	return f.positions[poolID], nil
}

func (f *fakeAdapter) GetPendingRewards(context.Context, id.Chain, string, string) ([]model.PendingReward, error) {
	return f.rewards, nil
}

func (f *fakeAdapter) Deposit(_ context.Context, chain id.Chain, poolID, _ string, amounts []model.PositionToken) ([]adapters.Step, error) {
	f.deposits[poolID] = amounts
	first, _ := new(big.Int).SetString(amounts[0].Amount.AmountBaseUnits, 10)
	return []adapters.Step{{
		Type:     model.TxDeposit,
		Payload:  model.NewEVMPayload(chain.CAIP2, poolAddress, []byte{0x01}, nil),
		Approval: &adapters.Approval{Token: amounts[0].Token, Spender: poolAddress, Amount: first},
	}}, nil
}

func (f *fakeAdapter) Withdraw(_ context.Context, chain id.Chain, _, _ string, fraction decimal.Decimal) ([]adapters.Step, error) {
	f.fractions = append(f.fractions, fraction)
	return []adapters.Step{{Type: model.TxWithdraw, Payload: model.NewEVMPayload(chain.CAIP2, poolAddress, []byte{0x02}, nil)}}, nil
}

func (f *fakeAdapter) Harvest(_ context.Context, chain id.Chain, _, _ string) ([]adapters.Step, error) {
	return []adapters.Step{{Type: model.TxHarvest, Payload: model.NewEVMPayload(chain.CAIP2, poolAddress, []byte{0x03}, nil)}}, nil
}

type fakeSwapper struct {
	out      string
	noQuote  bool
	requests []providers.SwapRequest
}

func (s *fakeSwapper) GetBestQuote(_ context.Context, req providers.SwapRequest) (model.SwapQuote, bool) {
	s.requests = append(s.requests, req)
	if s.noQuote {
		return model.SwapQuote{}, false
	}
	return model.SwapQuote{
		Source:    "fake",
		Chain:     req.Chain.CAIP2,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountOut: providers.Amount(s.out, req.TokenOut.Decimals),
	}, true
}

func (s *fakeSwapper) Execute(ctx context.Context, exec aggregator.TxExecutor, q model.SwapQuote, _ string, amountUSD decimal.Decimal, metadata map[string]string) (model.TransactionRecord, error) {
	return exec.Execute(ctx, model.NewEVMPayload(q.Chain, poolAddress, []byte{0x04}, nil), model.TxSwap, amountUSD, metadata)
}

type fakeBridger struct {
	gate *fakeGate
	out  string
	req  providers.RouteRequest
}

func (b *fakeBridger) GetOptimalRoute(_ context.Context, req providers.RouteRequest) ([]model.CrossChainQuote, error) {
	b.req = req
	return []model.CrossChainQuote{{Source: "fake", FromChain: req.FromChain.CAIP2, ToChain: req.ToChain.CAIP2, AmountOut: providers.Amount(b.out, req.ToToken.Decimals)}}, nil
}

func (b *fakeBridger) ExecuteRoute(ctx context.Context, routes []model.CrossChainQuote, index int, req providers.RouteRequest, opts crosschain.ExecuteOptions) (crosschain.RouteResult, error) {
	rec, err := b.gate.Execute(ctx, model.NewEVMPayload(req.FromChain.CAIP2, poolAddress, []byte{0x05}, nil), model.TxBridge, opts.AmountUSD, opts.Metadata)
	return crosschain.RouteResult{RouteIndex: index, Route: routes[index], Attempts: 1, Records: []model.TransactionRecord{rec}}, err
}

type staticWallet struct{}

func (staticWallet) Address(id.Chain) (string, error) { return testOwner, nil }

type flatPrices struct{ native decimal.Decimal }

func (p flatPrices) PriceUSD(context.Context, id.Chain, string) (decimal.Decimal, bool) {
	return decimal.NewFromInt(1), true
}

func (p flatPrices) NativePriceUSD(context.Context, id.Chain) decimal.Decimal { return p.native }

func token(chain, address, sym string, decimals int) model.Token {
	return model.Token{ChainID: chain, Address: address, Symbol: sym, Decimals: decimals}
}

func newTestOperator(gate *fakeGate, adapter *fakeAdapter, opts ...OperatorOption) *Operator {
	return NewOperator(gate, adapters.NewRegistry(adapter), staticWallet{}, flatPrices{native: decimal.NewFromInt(3000)}, opts...)
}

func types(recs []model.TransactionRecord) []model.TxType {
	out := make([]model.TxType, len(recs))
	for i, r := range recs {
		out[i] = r.Type
	}
	return out
}

func TestEnterWrapsSwapsApprovesAndDeposits(t *testing.T) {
	gate := newGate()
	adapter := newFakeAdapter()
	adapter.positions["pool-1"] = model.Position{Tokens: []model.PositionToken{
		{Token: token("eip155:1", ethWETH, "WETH", 18), Weight: 0.5},
		{Token: token("eip155:1", ethUSDC, "USDC", 6), Weight: 0.5},
	}}
	swaps := &fakeSwapper{out: "1500000000"}
	op := newTestOperator(gate, adapter, WithSwapper(swaps))

	job := model.ExecutionJob{SignalID: "s1", Action: model.ActionEnter, PoolID: "pool-1", Chain: "ethereum", ProtocolID: "testpool", AmountUSD: decimal.NewFromInt(3000)}
	out, err := op.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, out.Status)
	assert.Equal(t, []model.TxType{model.TxWrap, model.TxSwap, model.TxApprove, model.TxDeposit}, types(out.Records))

	require.Len(t, gate.checks, 1)
	assert.True(t, gate.checks[0].Equal(decimal.NewFromInt(3000)))
	for i, amount := range gate.amounts[:3] {
		assert.True(t, amount.IsZero(), "leg %d should carry no notional", i)
	}
	assert.True(t, gate.amounts[3].Equal(decimal.NewFromInt(3000)))

	require.Len(t, swaps.requests, 1)
	assert.Equal(t, "500000000000000000", swaps.requests[0].AmountIn)
	deposited := adapter.deposits["pool-1"]
	require.Len(t, deposited, 2)
	assert.Equal(t, "500000000000000000", deposited[0].Amount.AmountBaseUnits)
	assert.Equal(t, "1492500000", deposited[1].Amount.AmountBaseUnits)
}

func TestEnterRejectedByGate(t *testing.T) {
	gate := newGate()
	gate.decision = execution.GateDecision{Allowed: false, Class: execution.RejectDailyLimit, Reason: "over budget"}
	op := newTestOperator(gate, newFakeAdapter())

	out, err := op.Execute(context.Background(), model.ExecutionJob{Action: model.ActionEnter, PoolID: "p", Chain: "ethereum", ProtocolID: "testpool", AmountUSD: decimal.NewFromInt(10)})
	require.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeRejected))
	assert.Equal(t, OutcomeRejected, out.Status)
	assert.Empty(t, gate.calls)
}

func TestEnterNeedsAmount(t *testing.T) {
	op := newTestOperator(newGate(), newFakeAdapter())
	out, err := op.Execute(context.Background(), model.ExecutionJob{Action: model.ActionEnter, PoolID: "p", Chain: "ethereum", ProtocolID: "testpool"})
	require.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeUsage))
	assert.Equal(t, OutcomeFailed, out.Status)
}

func TestUnknownProtocolIsUnsupported(t *testing.T) {
	op := newTestOperator(newGate(), newFakeAdapter())
	_, err := op.Execute(context.Background(), model.ExecutionJob{Action: model.ActionHarvest, PoolID: "p", Chain: "ethereum", ProtocolID: "curve"})
	require.Error(t, err)
	assert.True(t, clierr.Is(err, clierr.CodeUnsupported))
}

func TestExitWithdrawsFraction(t *testing.T) {
	gate := newGate()
	adapter := newFakeAdapter()
	op := newTestOperator(gate, adapter)

	job := model.ExecutionJob{Action: model.ActionExit, PoolID: "p", Chain: "ethereum", ProtocolID: "testpool", AmountUSD: decimal.NewFromInt(40), Params: map[string]any{"fraction": "0.5"}}
	out, err := op.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []model.TxType{model.TxWithdraw}, types(out.Records))
	require.Len(t, adapter.fractions, 1)
	assert.Equal(t, "0.5", adapter.fractions[0].String())
	assert.True(t, gate.amounts[0].Equal(decimal.NewFromInt(40)))

	job.Params = map[string]any{"fraction": 1.5}
	_, err = op.Execute(context.Background(), job)
	assert.True(t, clierr.Is(err, clierr.CodeUsage))
}

func TestHarvestSkipsWithoutRewards(t *testing.T) {
	gate := newGate()
	op := newTestOperator(gate, newFakeAdapter())
	out, err := op.Execute(context.Background(), model.ExecutionJob{Action: model.ActionHarvest, PoolID: "p", Chain: "ethereum", ProtocolID: "testpool"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out.Status)
	assert.Empty(t, gate.calls)
}

func TestCompoundHarvestsSwapsAndRedeposits(t *testing.T) {
	gate := newGate()
	adapter := newFakeAdapter()
	adapter.positions["p"] = model.Position{Tokens: []model.PositionToken{{Token: token("eip155:1", ethUSDC, "USDC", 6)}}}
	adapter.rewards = []model.PendingReward{{
		Token:    token("eip155:1", rewardToken, "RWD", 18),
		Amount:   providers.Amount("10000000000000000000", 18),
		ValueUSD: decimal.NewFromInt(10),
	}}
	swaps := &fakeSwapper{out: "10000000"}
	op := newTestOperator(gate, adapter, WithSwapper(swaps))

	out, err := op.Execute(context.Background(), model.ExecutionJob{Action: model.ActionCompound, PoolID: "p", Chain: "ethereum", ProtocolID: "testpool"})
	require.NoError(t, err)
	assert.Equal(t, []model.TxType{model.TxHarvest, model.TxSwap, model.TxApprove, model.TxDeposit}, types(out.Records))
	require.Len(t, gate.checks, 1)
	assert.True(t, gate.checks[0].Equal(decimal.NewFromInt(10)))
	assert.True(t, gate.amounts[3].Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "9950000", adapter.deposits["p"][0].Amount.AmountBaseUnits)
}

func TestRebalanceAcrossChainsBridges(t *testing.T) {
	gate := newGate()
	adapter := newFakeAdapter()
	adapter.positions["src"] = model.Position{Tokens: []model.PositionToken{
		{Token: token("eip155:1", ethUSDC, "USDC", 6), Amount: providers.Amount("1000000000", 6)},
	}}
	adapter.positions["dst"] = model.Position{Tokens: []model.PositionToken{{Token: token("eip155:8453", baseUSDC, "USDC", 6)}}}
	bridge := &fakeBridger{gate: gate, out: "999000000"}
	op := newTestOperator(gate, adapter, WithBridger(bridge))

	job := model.ExecutionJob{
		Action: model.ActionRebalance, PoolID: "dst", Chain: "base", ProtocolID: "testpool",
		AmountUSD: decimal.NewFromInt(1000),
		Params:    map[string]any{"fromPoolId": "src", "fromChain": "ethereum"},
	}
	out, err := op.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []model.TxType{model.TxWithdraw, model.TxBridge, model.TxApprove, model.TxDeposit}, types(out.Records))
	assert.Equal(t, "eip155:8453", bridge.req.ToChain.CAIP2)
	assert.Equal(t, "1000000000", bridge.req.AmountIn)
	assert.Equal(t, "994005000", adapter.deposits["dst"][0].Amount.AmountBaseUnits)
	assert.True(t, gate.amounts[3].Equal(decimal.NewFromInt(1000)))
	assert.True(t, gate.amounts[1].IsZero())
}

func TestRebalanceStopsOnFailedWithdraw(t *testing.T) {
	gate := newGate()
	gate.failOn = model.TxWithdraw
	adapter := newFakeAdapter()
	adapter.positions["src"] = model.Position{Tokens: []model.PositionToken{
		{Token: token("eip155:1", ethUSDC, "USDC", 6), Amount: providers.Amount("5", 6)},
	}}
	op := newTestOperator(gate, adapter)

	out, err := op.Execute(context.Background(), model.ExecutionJob{Action: model.ActionRebalance, PoolID: "dst", Chain: "ethereum", ProtocolID: "testpool", AmountUSD: decimal.NewFromInt(5), Params: map[string]any{"fromPoolId": "src"}})
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, []model.TxType{model.TxWithdraw}, gate.calls)
}

func TestSplitWeights(t *testing.T) {
	even := splitWeights([]model.PositionToken{{}, {}, {}, {}})
	for _, w := range even {
		assert.Equal(t, "0.25", w.String())
	}
	skewed := splitWeights([]model.PositionToken{{Weight: 3}, {Weight: 1}})
	assert.Equal(t, "0.75", skewed[0].String())
	assert.Equal(t, "0.25", skewed[1].String())
}

func TestApplySlippage(t *testing.T) {
	assert.Equal(t, "9950", applySlippage(big.NewInt(10_000), 50).String())
	assert.Equal(t, "10000", applySlippage(big.NewInt(10_000), 0).String())
}

// wrappedHoldings reports one wrapped unit per wrap leg the gate executed.
type wrappedHoldings struct {
	gate    *fakeGate
	perWrap *big.Int
}

func (h wrappedHoldings) BalanceOf(context.Context, id.Chain, string, string) (*big.Int, error) {
	held := new(big.Int)
	for _, c := range h.gate.calls {
		if c == model.TxWrap {
			held.Add(held, h.perWrap)
		}
	}
	return held, nil
}

func countType(calls []model.TxType, typ model.TxType) int {
	n := 0
	for _, c := range calls {
		if c == typ {
			n++
		}
	}
	return n
}

func enterJob() model.ExecutionJob {
	return model.ExecutionJob{SignalID: "s1", Action: model.ActionEnter, PoolID: "pool-1", Chain: "ethereum", ProtocolID: "testpool", AmountUSD: decimal.NewFromInt(3000)}
}

func wethUSDCPool(adapter *fakeAdapter) {
	adapter.positions["pool-1"] = model.Position{Tokens: []model.PositionToken{
		{Token: token("eip155:1", ethWETH, "WETH", 18), Weight: 0.5},
		{Token: token("eip155:1", ethUSDC, "USDC", 6), Weight: 0.5},
	}}
}

func TestEnterRedeliveryReusesWrappedNative(t *testing.T) {
	gate := newGate()
	adapter := newFakeAdapter()
	wethUSDCPool(adapter)
	oneETH, _ := new(big.Int).SetString("1000000000000000000", 10)
	op := newTestOperator(gate, adapter,
		WithSwapper(&fakeSwapper{noQuote: true}),
		WithBalances(wrappedHoldings{gate: gate, perWrap: oneETH}),
	)

	for delivery := 1; delivery <= 3; delivery++ {
		out, err := op.Execute(context.Background(), enterJob())
		require.Error(t, err)
		assert.Equal(t, OutcomeFailed, out.Status)
		assert.True(t, clierr.Retryable(err), "delivery %d: nothing moved, the job may be retried", delivery)
	}
	assert.Equal(t, 1, countType(gate.calls, model.TxWrap), "only the first delivery wraps")
}

func TestEnterWithoutBalancesStopsRetryAfterWrap(t *testing.T) {
	gate := newGate()
	adapter := newFakeAdapter()
	wethUSDCPool(adapter)
	op := newTestOperator(gate, adapter, WithSwapper(&fakeSwapper{noQuote: true}))

	deliveries := 0
	for deliveries < 3 {
		deliveries++
		_, err := op.Execute(context.Background(), enterJob())
		require.Error(t, err)
		if !clierr.Retryable(err) {
			assert.True(t, clierr.Is(err, clierr.CodeExecutionFailed))
			break
		}
	}
	assert.Equal(t, 1, deliveries)
	assert.Equal(t, 1, countType(gate.calls, model.TxWrap))
}

func TestCompoundFailureAfterHarvestIsTerminal(t *testing.T) {
	gate := newGate()
	adapter := newFakeAdapter()
	adapter.positions["p"] = model.Position{Tokens: []model.PositionToken{{Token: token("eip155:1", ethUSDC, "USDC", 6)}}}
	adapter.rewards = []model.PendingReward{{
		Token:    token("eip155:1", rewardToken, "RWD", 18),
		Amount:   providers.Amount("10000000000000000000", 18),
		ValueUSD: decimal.NewFromInt(10),
	}}
	op := newTestOperator(gate, adapter, WithSwapper(&fakeSwapper{noQuote: true}))

	out, err := op.Execute(context.Background(), model.ExecutionJob{Action: model.ActionCompound, PoolID: "p", Chain: "ethereum", ProtocolID: "testpool"})
	require.Error(t, err)
	assert.False(t, clierr.Retryable(err))
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, []model.TxType{model.TxHarvest}, gate.calls)
}
