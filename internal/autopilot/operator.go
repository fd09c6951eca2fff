package autopilot

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defi-autopilot/internal/adapters"
	"github.com/ggonzalez94/defi-autopilot/internal/aggregator"
	"github.com/ggonzalez94/defi-autopilot/internal/crosschain"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/execution"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/metrics"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/pricing"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
)

// Gate is the executor: the read-only pre-check plus the gated execute.
type Gate interface {
	aggregator.TxExecutor
	CheckGate(ctx context.Context, amountUSD decimal.Decimal) (execution.GateDecision, error)
}

type Wallet interface {
	Address(chain id.Chain) (string, error)
}

type Swapper interface {
	GetBestQuote(ctx context.Context, req providers.SwapRequest) (model.SwapQuote, bool)
	Execute(ctx context.Context, exec aggregator.TxExecutor, quote model.SwapQuote, sender string, amountUSD decimal.Decimal, metadata map[string]string) (model.TransactionRecord, error)
}

type Bridger interface {
	GetOptimalRoute(ctx context.Context, req providers.RouteRequest) ([]model.CrossChainQuote, error)
	ExecuteRoute(ctx context.Context, routes []model.CrossChainQuote, index int, req providers.RouteRequest, opts crosschain.ExecuteOptions) (crosschain.RouteResult, error)
}

type OutcomeStatus string

const (
	OutcomeExecuted OutcomeStatus = "executed"
	OutcomeSkipped  OutcomeStatus = "skipped"
	OutcomeRejected OutcomeStatus = "rejected"
	OutcomeFailed   OutcomeStatus = "failed"
)

// Outcome is what one job did; Records holds every executor call in order.
type Outcome struct {
	Action  model.Action              `json:"action"`
	Status  OutcomeStatus             `json:"status"`
	Detail  string                    `json:"detail,omitempty"`
	Records []model.TransactionRecord `json:"records"`

	// moved is set once a leg that changes holdings went through.
	moved bool
}

// Operator turns strategy actions into gated transactions. AutoPilot and the
// queue workers share one instance.
type Operator struct {
	gate        Gate
	adapters    *adapters.Registry
	wallet      Wallet
	swaps       Swapper
	bridge      Bridger
	prices      pricing.Prices
	allowances  providers.Allowances
	balances    providers.Balances
	slippageBps int64
	log         *slog.Logger
}

type OperatorOption func(*Operator)

func WithSwapper(s Swapper) OperatorOption { return func(o *Operator) { o.swaps = s } }

func WithBridger(b Bridger) OperatorOption { return func(o *Operator) { o.bridge = b } }

func WithAllowances(a providers.Allowances) OperatorOption {
	return func(o *Operator) { o.allowances = a }
}

// WithBalances lets entries reuse wrapped native already in the wallet, which
// makes the wrap leg safe to repeat.
func WithBalances(b providers.Balances) OperatorOption {
	return func(o *Operator) { o.balances = b }
}

// WithSlippage sets the haircut applied to quoted swap outputs before they are deposited.
func WithSlippage(bps int64) OperatorOption { return func(o *Operator) { o.slippageBps = bps } }

func WithOperatorLogger(l *slog.Logger) OperatorOption { return func(o *Operator) { o.log = l } }

func NewOperator(gate Gate, registry *adapters.Registry, wallet Wallet, prices pricing.Prices, opts ...OperatorOption) *Operator {
	o := &Operator{
		gate:        gate,
		adapters:    registry,
		wallet:      wallet,
		prices:      prices,
		slippageBps: 50,
		log:         logger.Named("operator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs one job. Intermediate legs (wrap, swap, approve, withdraw
// during rebalance, bridge) are executed with a zero notional; the job's
// amount is charged once on the final step after a CheckGate pre-check.
// A failure after a leg has moved funds is returned as CodeExecutionFailed so
// the queue does not redeliver the job.
func (o *Operator) Execute(ctx context.Context, job model.ExecutionJob) (Outcome, error) {
	out := Outcome{Action: job.Action, Status: OutcomeExecuted}
	var err error
	switch job.Action {
	case model.ActionEnter:
		err = o.enter(ctx, job, &out)
	case model.ActionExit:
		err = o.exit(ctx, job, &out)
	case model.ActionHarvest:
		err = o.harvest(ctx, job, &out)
	case model.ActionCompound:
		err = o.compound(ctx, job, &out)
	case model.ActionRebalance:
		err = o.rebalance(ctx, job, &out)
	default:
		err = clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown action %q", job.Action))
	}
	if err != nil && out.moved && clierr.Retryable(err) {
		err = clierr.Wrap(clierr.CodeExecutionFailed, "job stopped after moving funds", err)
	}
	if err != nil {
		if clierr.Is(err, clierr.CodeRejected) {
			out.Status = OutcomeRejected
		} else {
			out.Status = OutcomeFailed
		}
		out.Detail = err.Error()
	}
	metrics.Jobs.WithLabelValues(string(job.Action), string(out.Status)).Inc()
	o.log.Info("job finished", "signal_id", job.SignalID, "action", job.Action, "pool", job.PoolID, "chain", job.Chain, "status", out.Status, "records", len(out.Records))
	return out, err
}

type target struct {
	chain   id.Chain
	adapter adapters.Adapter
	owner   string
	poolID  string
	proto   string
}

func (o *Operator) resolve(chainName, protocol, poolID string) (target, error) {
	chain, err := id.ParseChain(chainName)
	if err != nil {
		return target{}, err
	}
	if o.adapters == nil {
		return target{}, clierr.New(clierr.CodeInternal, "operator has no adapters")
	}
	adapter, ok := o.adapters.Get(protocol, chain)
	if !ok {
		return target{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no adapter for %s on %s", protocol, chain.Slug))
	}
	owner, err := o.wallet.Address(chain)
	if err != nil {
		return target{}, err
	}
	return target{chain: chain, adapter: adapter, owner: owner, poolID: poolID, proto: protocol}, nil
}

func (o *Operator) precheck(ctx context.Context, amountUSD decimal.Decimal) error {
	decision, err := o.gate.CheckGate(ctx, amountUSD)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return clierr.New(clierr.CodeRejected, decision.Class+": "+decision.Reason)
	}
	return nil
}

func (o *Operator) run(ctx context.Context, out *Outcome, t target, job model.ExecutionJob, p model.TransactionPayload, txType model.TxType, amountUSD decimal.Decimal, extra map[string]string) error {
	meta := map[string]string{"signal_id": job.SignalID, "strategy_id": job.StrategyID, "action": string(job.Action), "protocol": t.proto, "pool": t.poolID}
	for k, v := range extra {
		meta[k] = v
	}
	rec, err := o.gate.Execute(ctx, p, txType, amountUSD, meta)
	out.Records = append(out.Records, rec)
	if err != nil {
		return err
	}
	if txType != model.TxApprove && txType != model.TxWrap {
		out.moved = true
	}
	return nil
}

// funding is a token already in the wallet that pays for an entry.
type funding struct {
	token  model.Token
	amount *big.Int
}

func (o *Operator) enter(ctx context.Context, job model.ExecutionJob, out *Outcome) error {
	if !job.AmountUSD.IsPositive() {
		return clierr.New(clierr.CodeUsage, "enter needs a positive amountUsd")
	}
	if err := o.precheck(ctx, job.AmountUSD); err != nil {
		return err
	}
	t, err := o.resolve(job.Chain, job.ProtocolID, job.PoolID)
	if err != nil {
		return err
	}
	fund, err := o.wrapNative(ctx, out, t, job)
	if err != nil {
		return err
	}
	return o.enterWith(ctx, out, t, job, fund)
}

// wrapNative converts job.AmountUSD worth of the gas token into its wrapped form.
func (o *Operator) wrapNative(ctx context.Context, out *Outcome, t target, job model.ExecutionJob) (funding, error) {
	wrapped, ok := adapters.WrappedNative(t.chain)
	if !ok {
		return funding{}, clierr.New(clierr.CodeUnsupported, "no wrapped native token on "+t.chain.Slug)
	}
	price := o.prices.NativePriceUSD(ctx, t.chain)
	if !price.IsPositive() {
		return funding{}, clierr.New(clierr.CodeUnavailable, "no native price for "+t.chain.Slug)
	}
	amount := id.ToBaseUnits(job.AmountUSD.Div(price), wrapped.Decimals)
	short := new(big.Int).Set(amount)
	if o.balances != nil {
		held, err := o.balances.BalanceOf(ctx, t.chain, wrapped.Address, t.owner)
		if err != nil {
			return funding{}, clierr.Wrap(clierr.CodeUnavailable, "read wrapped native balance", err)
		}
		short.Sub(short, held)
	}
	if short.Sign() <= 0 {
		o.log.Info("wrapped native already held", "chain", t.chain.Slug, "pool", t.poolID, "amount", amount.String())
		return funding{token: wrapped, amount: amount}, nil
	}
	step, err := adapters.WrapNative(t.chain, short)
	if err != nil {
		return funding{}, err
	}
	if err := o.run(ctx, out, t, job, step.Payload, step.Type, decimal.Zero, map[string]string{"leg": "wrap"}); err != nil {
		return funding{}, err
	}
	if o.balances == nil {
		out.moved = true
	}
	return funding{token: wrapped, amount: amount}, nil
}

// enterWith splits fund across the pool's tokens by weight, swaps the legs
// that are not the funding token and deposits.
func (o *Operator) enterWith(ctx context.Context, out *Outcome, t target, job model.ExecutionJob, fund funding) error {
	pos, err := t.adapter.GetPosition(ctx, t.chain, t.poolID, t.owner)
	if err != nil {
		return err
	}
	if len(pos.Tokens) == 0 {
		return clierr.New(clierr.CodeUnsupported, "pool "+t.poolID+" reports no tokens")
	}

	weights := splitWeights(pos.Tokens)
	remaining := new(big.Int).Set(fund.amount)
	amounts := make([]model.PositionToken, 0, len(pos.Tokens))
	for i, pt := range pos.Tokens {
		leg := decimal.NewFromBigInt(fund.amount, 0).Mul(weights[i]).Floor().BigInt()
		if i == len(pos.Tokens)-1 {
			leg = new(big.Int).Set(remaining)
		}
		remaining.Sub(remaining, leg)
		if leg.Sign() <= 0 {
			continue
		}
		if sameToken(pt.Token, fund.token) {
			amounts = append(amounts, model.PositionToken{Token: pt.Token, Amount: providers.Amount(leg.String(), pt.Token.Decimals)})
			continue
		}
		got, err := o.swap(ctx, out, t, job, fund.token, pt.Token, leg)
		if err != nil {
			return err
		}
		amounts = append(amounts, model.PositionToken{Token: pt.Token, Amount: providers.Amount(got.String(), pt.Token.Decimals)})
	}

	steps, err := t.adapter.Deposit(ctx, t.chain, t.poolID, t.owner, amounts)
	if err != nil {
		return err
	}
	return o.runSteps(ctx, out, t, job, steps, job.AmountUSD)
}

// swap trades amount of from into to and returns the slippage-adjusted output.
func (o *Operator) swap(ctx context.Context, out *Outcome, t target, job model.ExecutionJob, from, to model.Token, amount *big.Int) (*big.Int, error) {
	if o.swaps == nil {
		return nil, clierr.New(clierr.CodeUnsupported, "no swap aggregator configured")
	}
	quote, ok := o.swaps.GetBestQuote(ctx, providers.SwapRequest{
		Chain:       t.chain,
		TokenIn:     from,
		TokenOut:    to,
		AmountIn:    amount.String(),
		Sender:      t.owner,
		SlippageBps: o.slippageBps,
	})
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("no swap quote %s -> %s on %s", symbol(from), symbol(to), t.chain.Slug))
	}
	meta := map[string]string{"signal_id": job.SignalID, "action": string(job.Action), "pool": t.poolID, "leg": "swap"}
	rec, err := o.swaps.Execute(ctx, o.gate, quote, t.owner, decimal.Zero, meta)
	out.Records = append(out.Records, rec)
	if err != nil {
		return nil, err
	}
	out.moved = true
	quoted, ok := new(big.Int).SetString(quote.AmountOut.AmountBaseUnits, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "swap quote has no output amount")
	}
	return applySlippage(quoted, o.slippageBps), nil
}

// runSteps executes adapter steps, approving first where the allowance is
// short. The last step carries notional.
func (o *Operator) runSteps(ctx context.Context, out *Outcome, t target, job model.ExecutionJob, steps []adapters.Step, notional decimal.Decimal) error {
	if len(steps) == 0 {
		return clierr.New(clierr.CodeActionPlan, "adapter returned no steps")
	}
	for i, step := range steps {
		if step.Approval != nil {
			if err := o.approve(ctx, out, t, job, *step.Approval); err != nil {
				return err
			}
		}
		amount := decimal.Zero
		if i == len(steps)-1 {
			amount = notional
		}
		if err := o.run(ctx, out, t, job, step.Payload, step.Type, amount, nil); err != nil {
			return err
		}
	}
	return nil
}

func (o *Operator) approve(ctx context.Context, out *Outcome, t target, job model.ExecutionJob, a adapters.Approval) error {
	approval, err := providers.ApproveIfNeeded(ctx, o.allowances, t.chain, a.Token, t.owner, a.Spender, a.Amount)
	if err != nil {
		return err
	}
	if approval == nil {
		return nil
	}
	return o.run(ctx, out, t, job, approval.Payload, model.TxApprove, decimal.Zero, map[string]string{"leg": "approve", "spender": a.Spender})
}

func (o *Operator) exit(ctx context.Context, job model.ExecutionJob, out *Outcome) error {
	t, err := o.resolve(job.Chain, job.ProtocolID, job.PoolID)
	if err != nil {
		return err
	}
	fraction, err := jobFraction(job)
	if err != nil {
		return err
	}
	steps, err := t.adapter.Withdraw(ctx, t.chain, t.poolID, t.owner, fraction)
	if err != nil {
		return err
	}
	return o.runSteps(ctx, out, t, job, steps, job.AmountUSD)
}

func (o *Operator) harvest(ctx context.Context, job model.ExecutionJob, out *Outcome) error {
	t, err := o.resolve(job.Chain, job.ProtocolID, job.PoolID)
	if err != nil {
		return err
	}
	rewards, err := t.adapter.GetPendingRewards(ctx, t.chain, t.poolID, t.owner)
	if err != nil {
		return err
	}
	if len(rewards) == 0 {
		out.Status = OutcomeSkipped
		out.Detail = "no pending rewards"
		return nil
	}
	steps, err := t.adapter.Harvest(ctx, t.chain, t.poolID, t.owner)
	if err != nil {
		return err
	}
	return o.runSteps(ctx, out, t, job, steps, decimal.Zero)
}

// compound harvests, swaps every reward into the pool's first token and
// deposits the proceeds back.
func (o *Operator) compound(ctx context.Context, job model.ExecutionJob, out *Outcome) error {
	t, err := o.resolve(job.Chain, job.ProtocolID, job.PoolID)
	if err != nil {
		return err
	}
	rewards, err := t.adapter.GetPendingRewards(ctx, t.chain, t.poolID, t.owner)
	if err != nil {
		return err
	}
	total := decimal.Zero
	for _, r := range rewards {
		total = total.Add(r.ValueUSD)
	}
	if len(rewards) == 0 || total.IsZero() {
		out.Status = OutcomeSkipped
		out.Detail = "no pending rewards"
		return nil
	}
	if err := o.precheck(ctx, total); err != nil {
		return err
	}
	pos, err := t.adapter.GetPosition(ctx, t.chain, t.poolID, t.owner)
	if err != nil {
		return err
	}
	if len(pos.Tokens) == 0 {
		return clierr.New(clierr.CodeUnsupported, "pool "+t.poolID+" reports no tokens")
	}
	into := pos.Tokens[0].Token

	steps, err := t.adapter.Harvest(ctx, t.chain, t.poolID, t.owner)
	if err != nil {
		return err
	}
	if err := o.runSteps(ctx, out, t, job, steps, decimal.Zero); err != nil {
		return err
	}

	deposit := new(big.Int)
	for _, r := range rewards {
		amount, ok := new(big.Int).SetString(r.Amount.AmountBaseUnits, 10)
		if !ok || amount.Sign() == 0 {
			continue
		}
		if sameToken(r.Token, into) {
			deposit.Add(deposit, amount)
			continue
		}
		got, err := o.swap(ctx, out, t, job, r.Token, into, amount)
		if err != nil {
			return err
		}
		deposit.Add(deposit, got)
	}
	if deposit.Sign() == 0 {
		return clierr.New(clierr.CodeActionPlan, "compound produced nothing to deposit")
	}
	depositSteps, err := t.adapter.Deposit(ctx, t.chain, t.poolID, t.owner, []model.PositionToken{{Token: into, Amount: providers.Amount(deposit.String(), into.Decimals)}})
	if err != nil {
		return err
	}
	return o.runSteps(ctx, out, t, job, depositSteps, total)
}

// rebalance exits the pool named by params fromPoolId/fromChain/fromProtocolId,
// bridges when the chains differ and enters the job's pool.
func (o *Operator) rebalance(ctx context.Context, job model.ExecutionJob, out *Outcome) error {
	fromPool := job.ParamString("fromPoolId")
	if fromPool == "" {
		return clierr.New(clierr.CodeUsage, "rebalance needs params.fromPoolId")
	}
	fromChain := firstNonEmpty(job.ParamString("fromChain"), job.Chain)
	fromProtocol := firstNonEmpty(job.ParamString("fromProtocolId"), job.ProtocolID)
	if err := o.precheck(ctx, job.AmountUSD); err != nil {
		return err
	}
	src, err := o.resolve(fromChain, fromProtocol, fromPool)
	if err != nil {
		return err
	}
	dst, err := o.resolve(job.Chain, job.ProtocolID, job.PoolID)
	if err != nil {
		return err
	}

	pos, err := src.adapter.GetPosition(ctx, src.chain, src.poolID, src.owner)
	if err != nil {
		return err
	}
	var fund funding
	for _, pt := range pos.Tokens {
		amount, ok := new(big.Int).SetString(pt.Amount.AmountBaseUnits, 10)
		if ok && amount.Sign() > 0 {
			fund = funding{token: pt.Token, amount: amount}
			break
		}
	}
	if fund.amount == nil {
		out.Status = OutcomeSkipped
		out.Detail = "source position is empty"
		return nil
	}
	steps, err := src.adapter.Withdraw(ctx, src.chain, src.poolID, src.owner, decimal.NewFromInt(1))
	if err != nil {
		return err
	}
	if err := o.runSteps(ctx, out, src, job, steps, decimal.Zero); err != nil {
		return err
	}

	if src.chain.CAIP2 != dst.chain.CAIP2 {
		fund, err = o.bridgeFunds(ctx, out, src, dst, fund)
		if err != nil {
			return err
		}
	}
	return o.enterWith(ctx, out, dst, job, fund)
}

func (o *Operator) bridgeFunds(ctx context.Context, out *Outcome, src, dst target, fund funding) (funding, error) {
	if o.bridge == nil {
		return funding{}, clierr.New(clierr.CodeUnsupported, "no cross-chain router configured")
	}
	toToken, ok := counterpart(dst.chain, fund.token)
	if !ok {
		return funding{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no %s counterpart on %s", symbol(fund.token), dst.chain.Slug))
	}
	req := providers.RouteRequest{
		FromChain:   src.chain,
		ToChain:     dst.chain,
		FromToken:   fund.token,
		ToToken:     toToken,
		AmountIn:    fund.amount.String(),
		Sender:      src.owner,
		Recipient:   dst.owner,
		SlippageBps: o.slippageBps,
	}
	routes, err := o.bridge.GetOptimalRoute(ctx, req)
	if err != nil {
		return funding{}, err
	}
	res, err := o.bridge.ExecuteRoute(ctx, routes, 0, req, crosschain.ExecuteOptions{AmountUSD: decimal.Zero, Metadata: map[string]string{"leg": "bridge", "pool": dst.poolID}})
	out.Records = append(out.Records, res.Records...)
	if err != nil {
		return funding{}, err
	}
	out.moved = true
	received, ok := new(big.Int).SetString(res.Route.AmountOut.AmountBaseUnits, 10)
	if !ok || received.Sign() <= 0 {
		return funding{}, clierr.New(clierr.CodeActionPlan, "bridge route has no output amount")
	}
	return funding{token: toToken, amount: applySlippage(received, o.slippageBps)}, nil
}

// counterpart finds the same asset on another chain by symbol, mapping
// wrapped native tokens to the destination's wrapped native.
func counterpart(chain id.Chain, token model.Token) (model.Token, bool) {
	if w, ok := adapters.WrappedNative(chain); ok && strings.EqualFold(w.Symbol, token.Symbol) {
		return w, true
	}
	if token.Symbol == "" {
		return model.Token{}, false
	}
	known, ok := id.KnownToken(chain.CAIP2, token.Symbol)
	if !ok {
		return model.Token{}, false
	}
	return model.Token{ChainID: chain.CAIP2, Address: known.Address, Symbol: known.Symbol, Decimals: known.Decimals}, true
}

// splitWeights normalizes pool weights; all-zero weights split evenly.
func splitWeights(tokens []model.PositionToken) []decimal.Decimal {
	out := make([]decimal.Decimal, len(tokens))
	sum := 0.0
	for _, t := range tokens {
		if t.Weight > 0 {
			sum += t.Weight
		}
	}
	for i, t := range tokens {
		if sum == 0 {
			out[i] = decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(tokens))))
			continue
		}
		w := t.Weight
		if w < 0 {
			w = 0
		}
		out[i] = decimal.NewFromFloat(w / sum)
	}
	return out
}

func jobFraction(job model.ExecutionJob) (decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	if job.Params == nil {
		return one, nil
	}
	raw, ok := job.Params["fraction"]
	if !ok {
		return one, nil
	}
	var f decimal.Decimal
	switch v := raw.(type) {
	case float64:
		f = decimal.NewFromFloat(v)
	case string:
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, clierr.Wrap(clierr.CodeUsage, "invalid params.fraction", err)
		}
		f = parsed
	default:
		return decimal.Zero, clierr.New(clierr.CodeUsage, "invalid params.fraction")
	}
	if f.Sign() <= 0 || f.GreaterThan(one) {
		return decimal.Zero, clierr.New(clierr.CodeUsage, "params.fraction must be in (0, 1]")
	}
	return f, nil
}

func applySlippage(amount *big.Int, bps int64) *big.Int {
	if bps <= 0 {
		return new(big.Int).Set(amount)
	}
	out := new(big.Int).Mul(amount, big.NewInt(10_000-bps))
	return out.Quo(out, big.NewInt(10_000))
}

func sameToken(a, b model.Token) bool {
	return strings.EqualFold(a.Address, b.Address)
}

func symbol(t model.Token) string {
	if t.Symbol != "" {
		return t.Symbol
	}
	return t.Address
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
