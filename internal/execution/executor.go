// Package execution turns transaction payloads into on-chain transactions behind
// a safety gate: kill switch, per-transaction and daily USD limits, then simulation.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defi-autopilot/internal/chain/aptos"
	"github.com/ggonzalez94/defi-autopilot/internal/chain/solana"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/execution/signer"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/metrics"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/pricing"
	"github.com/ggonzalez94/defi-autopilot/internal/records"
	"github.com/ggonzalez94/defi-autopilot/internal/safety"
)

// Wallet supplies addresses and signing keys per chain family.
type Wallet interface {
	Hot() bool
	Address(chain id.Chain) (string, error)
	EVMSigner() (signer.Signer, error)
	SolanaKey() (solana.Keypair, error)
	AptosKey() (aptos.Account, error)
}

// Gate rejection classes.
const (
	RejectKillSwitch  = "kill_switch"
	RejectPerTxLimit  = "per_tx_limit"
	RejectDailyLimit  = "daily_limit"
	RejectSafetyStore = "safety_unavailable"
	RejectInvalid     = "invalid_payload"
)

type Config struct {
	MaxPerTxUSD decimal.Decimal
	MaxDailyUSD decimal.Decimal
	DryRun      bool

	// DispatchTimeout bounds broadcast plus confirmation. Dispatch ignores
	// caller cancellation so a broadcast transaction is always recorded.
	DispatchTimeout time.Duration
}

const defaultDispatchTimeout = 5 * time.Minute

type Executor struct {
	cfg        Config
	safety     safety.Store
	records    records.Store
	wallet     Wallet
	simulator  TxSimulator
	dispatcher Dispatcher
	prices     pricing.Prices
	log        *slog.Logger
	audit      *slog.Logger
	now        func() time.Time
}

type Option func(*Executor)

func WithSimulator(s TxSimulator) Option {
	return func(e *Executor) { e.simulator = s }
}

func WithDispatcher(d Dispatcher) Option {
	return func(e *Executor) { e.dispatcher = d }
}

func WithPrices(p pricing.Prices) Option {
	return func(e *Executor) { e.prices = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

func WithAuditLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.audit = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New builds an executor. Simulator and dispatcher have no usable default and
// must be supplied with WithSimulator and WithDispatcher.
func New(cfg Config, safetyStore safety.Store, recordStore records.Store, wallet Wallet, opts ...Option) *Executor {
	e := &Executor{
		cfg:     cfg,
		safety:  safetyStore,
		records: recordStore,
		wallet:  wallet,
		prices:  pricing.New(nil),
		log:     logger.Named("executor"),
		audit:   logger.Audit(),
		now:     time.Now,
	}
	if e.cfg.DispatchTimeout <= 0 {
		e.cfg.DispatchTimeout = defaultDispatchTimeout
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GateDecision is the outcome of the pre-chain checks.
type GateDecision struct {
	Allowed    bool
	Class      string
	Reason     string
	DailySpend safety.DailySpend
}

// CheckGate evaluates the kill switch and both limits without writing anything,
// so multi-step intents can check before preparing funds.
func (e *Executor) CheckGate(ctx context.Context, amountUSD decimal.Decimal) (GateDecision, error) {
	return e.gate(ctx, amountUSD, false)
}

func (e *Executor) gate(ctx context.Context, amountUSD decimal.Decimal, persistReset bool) (GateDecision, error) {
	ks, err := e.safety.KillSwitch(ctx)
	if err != nil {
		return GateDecision{Class: RejectSafetyStore, Reason: "read kill switch: " + err.Error()}, clierr.Wrap(clierr.CodeUnavailable, "read kill switch", err)
	}
	if ks.Active {
		reason := "kill switch active"
		if ks.Reason != "" {
			reason += ": " + ks.Reason
		}
		return GateDecision{Class: RejectKillSwitch, Reason: reason}, nil
	}
	if amountUSD.GreaterThan(e.cfg.MaxPerTxUSD) {
		return GateDecision{
			Class:  RejectPerTxLimit,
			Reason: fmt.Sprintf("amount $%s exceeds per-transaction limit $%s", amountUSD.StringFixed(2), e.cfg.MaxPerTxUSD.StringFixed(2)),
		}, nil
	}

	spend, err := e.safety.LoadDailySpend(ctx)
	if err != nil {
		return GateDecision{Class: RejectSafetyStore, Reason: "read daily spend: " + err.Error()}, clierr.Wrap(clierr.CodeUnavailable, "read daily spend", err)
	}
	now := e.now().UTC()
	if spend.Expired(now) {
		if persistReset {
			spend, err = e.safety.ResetDailySpend(ctx, now)
			if err != nil {
				return GateDecision{Class: RejectSafetyStore, Reason: "reset daily spend: " + err.Error()}, clierr.Wrap(clierr.CodeUnavailable, "reset daily spend", err)
			}
		} else {
			spend = safety.DailySpend{SpentUSD: decimal.Zero, ResetAt: now}
		}
	}
	metrics.DailySpendUSD.Set(spend.SpentUSD.InexactFloat64())
	if spend.SpentUSD.Add(amountUSD).GreaterThan(e.cfg.MaxDailyUSD) {
		return GateDecision{
			Class: RejectDailyLimit,
			Reason: fmt.Sprintf("daily limit $%s would be exceeded: spent $%s + $%s",
				e.cfg.MaxDailyUSD.StringFixed(2), spend.SpentUSD.StringFixed(2), amountUSD.StringFixed(2)),
			DailySpend: spend,
		}, nil
	}
	return GateDecision{Allowed: true, DailySpend: spend}, nil
}

// Execute runs one payload through the gate, simulation and dispatch. It writes
// exactly one TransactionRecord per call and returns it with any error.
func (e *Executor) Execute(ctx context.Context, p model.TransactionPayload, txType model.TxType, amountUSD decimal.Decimal, metadata map[string]string) (model.TransactionRecord, error) {
	now := e.now().UTC()
	rec := model.TransactionRecord{
		ID:         uuid.NewString(),
		Chain:      p.Chain,
		Type:       txType,
		AmountUSD:  amountUSD,
		GasCostUSD: decimal.Zero,
		Status:     model.RecordPending,
		ProtocolID: metadata["protocol"],
		PoolID:     metadata["pool"],
		Metadata:   copyMetadata(metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// Records and spend outlive the caller; a shutdown must not drop them.
	persistCtx := context.WithoutCancel(ctx)

	if amountUSD.IsNegative() {
		e.finish(persistCtx, &rec, model.RecordRejected, failureReason(RejectInvalid, "negative amount $"+amountUSD.String()))
		return rec, clierr.New(clierr.CodeUsage, rec.FailureReason)
	}

	decision, err := e.gate(ctx, amountUSD, true)
	if err != nil {
		e.finish(persistCtx, &rec, model.RecordRejected, failureReason(decision.Class, decision.Reason))
		return rec, err
	}
	if !decision.Allowed {
		e.finish(persistCtx, &rec, model.RecordRejected, failureReason(decision.Class, decision.Reason))
		return rec, clierr.New(clierr.CodeRejected, rec.FailureReason)
	}

	chain, err := id.ParseChain(p.Chain)
	if err != nil {
		e.finish(persistCtx, &rec, model.RecordFailed, failureReason(RejectInvalid, err.Error()))
		return rec, clierr.Wrap(clierr.CodeUsage, rec.FailureReason, err)
	}
	rec.Chain = chain.CAIP2
	from, err := e.wallet.Address(chain)
	if err != nil {
		e.finish(persistCtx, &rec, model.RecordFailed, failureReason(FailureExecution, err.Error()))
		return rec, clierr.Wrap(clierr.CodeSigner, rec.FailureReason, err)
	}
	rec.Wallet = from

	sim := e.simulator.Simulate(ctx, p, from)
	if !sim.Success {
		class := classifySimulation(sim.Error)
		e.finish(persistCtx, &rec, model.RecordFailed, failureReason(class, sim.Error))
		return rec, clierr.New(clierr.CodeSimulationFailed, rec.FailureReason)
	}

	if e.cfg.DryRun {
		rec.Metadata["dry_run"] = "true"
		rec.Metadata["gas_estimate"] = fmt.Sprintf("%d", sim.GasEstimate)
		e.finish(persistCtx, &rec, model.RecordSubmitted, "")
		return rec, nil
	}

	nativePrice := e.prices.NativePriceUSD(ctx, chain)
	dispatchCtx, cancel := context.WithTimeout(persistCtx, e.cfg.DispatchTimeout)
	res, err := e.dispatcher.Dispatch(dispatchCtx, DispatchRequest{
		RecordID:       rec.ID,
		Chain:          chain,
		Payload:        p,
		From:           from,
		Simulation:     sim,
		NativePriceUSD: nativePrice,
	})
	cancel()
	rec.Hash = res.Hash
	if err != nil {
		class := classifyExecution(err)
		if broadcastUnconfirmed(res, class) {
			// The transaction may still land, so its notional counts against the day.
			rec.Metadata["confirmation"] = "unknown"
			e.charge(persistCtx, &rec)
		}
		e.finish(persistCtx, &rec, model.RecordFailed, failureReason(class, err.Error()))
		return rec, clierr.Wrap(clierr.CodeExecutionFailed, rec.FailureReason, err)
	}

	rec.DeferredID = res.DeferredID
	rec.GasCostUSD = res.GasCostNative.Mul(nativePrice).Round(6)
	e.charge(persistCtx, &rec)
	e.finish(persistCtx, &rec, model.RecordSubmitted, "")
	return rec, nil
}

// broadcastUnconfirmed reports a dispatch that reached the chain but whose
// outcome was never observed. Confirmed reverts and pre-broadcast failures
// return false and are not charged.
func broadcastUnconfirmed(res DispatchResult, class string) bool {
	return res.Hash != "" && class == FailureExecutionTimeout
}

func (e *Executor) charge(ctx context.Context, rec *model.TransactionRecord) {
	if !rec.AmountUSD.IsPositive() {
		return
	}
	spend, err := e.safety.AddDailySpend(ctx, rec.AmountUSD)
	if err != nil {
		e.log.Error("daily spend increment failed", "record", rec.ID, "amount_usd", rec.AmountUSD.String(), "err", err)
		rec.Metadata["spend_error"] = err.Error()
		return
	}
	metrics.DailySpendUSD.Set(spend.SpentUSD.InexactFloat64())
}

func (e *Executor) finish(ctx context.Context, rec *model.TransactionRecord, status model.RecordStatus, reason string) {
	rec.Status = status
	rec.FailureReason = reason
	rec.UpdatedAt = e.now().UTC()
	if err := e.records.Save(ctx, *rec); err != nil {
		e.log.Error("persist transaction record failed", "record", rec.ID, "status", status, "err", err)
	}

	metrics.Transactions.WithLabelValues(rec.Chain, string(rec.Type), string(status)).Inc()
	if status == model.RecordRejected {
		metrics.GateRejects.WithLabelValues(reasonClass(reason)).Inc()
	}
	e.audit.Info("transaction",
		"id", rec.ID,
		"chain", rec.Chain,
		"wallet", rec.Wallet,
		"type", rec.Type,
		"status", status,
		"amount_usd", rec.AmountUSD.String(),
		"gas_cost_usd", rec.GasCostUSD.String(),
		"hash", rec.Hash,
		"deferred_id", rec.DeferredID,
		"failure_reason", reason,
	)
}

func reasonClass(reason string) string {
	for i := 0; i < len(reason); i++ {
		if reason[i] == ':' {
			return reason[:i]
		}
	}
	return reason
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
