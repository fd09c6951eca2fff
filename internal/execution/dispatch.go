package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defi-autopilot/internal/chain/solana"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/records"
	"github.com/ggonzalez94/defi-autopilot/internal/registry"
)

type DispatchRequest struct {
	RecordID       string
	Chain          id.Chain
	Payload        model.TransactionPayload
	From           string
	Simulation     model.SimulationResult
	NativePriceUSD decimal.Decimal
}

// DispatchResult carries either a chain hash or, for payloads parked for an
// external signer, a DeferredID.
type DispatchResult struct {
	Hash          string
	DeferredID    string
	GasCostNative decimal.Decimal
	Fee           model.FeeParams
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error)
}

type DispatchConfig struct {
	Speed          Speed
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	// PrivateRPC maps a chain slug or CAIP-2 id to a submission endpoint.
	PrivateRPC    map[string]string
	UsePrivateRPC bool
}

type ChainDispatcher struct {
	cfg      DispatchConfig
	backends *Backends
	wallet   Wallet
	gas      FeeOptimizer
	pending  records.Store
	log      *slog.Logger
	now      func() time.Time
}

func NewChainDispatcher(cfg DispatchConfig, backends *Backends, wallet Wallet, gas FeeOptimizer, pending records.Store) *ChainDispatcher {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Speed == "" {
		cfg.Speed = SpeedStandard
	}
	return &ChainDispatcher{
		cfg:      cfg,
		backends: backends,
		wallet:   wallet,
		gas:      gas,
		pending:  pending,
		log:      logger.Named("dispatch"),
		now:      time.Now,
	}
}

func (d *ChainDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	switch req.Chain.Family() {
	case id.FamilyEVM:
		if !d.wallet.Hot() {
			return d.deferToSigner(ctx, req)
		}
		return d.dispatchEVM(ctx, req)
	case id.FamilyAptos:
		return d.dispatchAptos(ctx, req)
	case id.FamilySolana:
		return d.dispatchSolana(ctx, req)
	default:
		return DispatchResult{}, clierr.New(clierr.CodeUnsupported, "unsupported chain "+req.Chain.CAIP2)
	}
}

// deferToSigner parks an EVM payload for an external signer.
func (d *ChainDispatcher) deferToSigner(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	now := d.now().UTC()
	pending := model.PendingSignature{
		ID:        uuid.NewString(),
		RecordID:  req.RecordID,
		Chain:     req.Chain.CAIP2,
		From:      req.From,
		Payload:   req.Payload,
		GasLimit:  req.Simulation.GasEstimate,
		Status:    model.SignaturePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.pending.SavePending(ctx, pending); err != nil {
		return DispatchResult{}, clierr.Wrap(clierr.CodeUnavailable, "enqueue pending signature", err)
	}
	fee := d.gas.Optimize(ctx, req.Chain, req.Simulation.GasEstimate, req.NativePriceUSD, d.cfg.Speed)
	d.log.Info("deferred to external signer", "pending", pending.ID, "record", req.RecordID, "chain", req.Chain.CAIP2)
	return DispatchResult{DeferredID: pending.ID, GasCostNative: fee.CostNative, Fee: fee}, nil
}

func (d *ChainDispatcher) privateRPC(chain id.Chain) string {
	for _, key := range []string{chain.Slug, chain.CAIP2} {
		if url := strings.TrimSpace(d.cfg.PrivateRPC[key]); url != "" {
			return url
		}
	}
	if d.cfg.UsePrivateRPC {
		if url, ok := registry.DefaultPrivateRPCURL(chain.EVMChainID); ok {
			return url
		}
	}
	return ""
}

func (d *ChainDispatcher) dispatchEVM(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	txSigner, err := d.wallet.EVMSigner()
	if err != nil {
		return DispatchResult{}, err
	}
	backend, err := d.backends.EVM(ctx, req.Chain)
	if err != nil {
		return DispatchResult{}, err
	}
	msg, err := callMsg(req.Payload, txSigner.Address().Hex())
	if err != nil {
		return DispatchResult{}, err
	}
	chainID := big.NewInt(req.Chain.EVMChainID)
	if chainID.Sign() == 0 {
		if chainID, err = backend.ChainID(ctx); err != nil {
			return DispatchResult{}, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
		}
	}

	fee := d.gas.Optimize(ctx, req.Chain, req.Simulation.GasEstimate, req.NativePriceUSD, d.cfg.Speed)

	unlock := acquireSignerNonceLock(chainID, txSigner.Address())
	nonce, err := backend.PendingNonceAt(ctx, txSigner.Address())
	if err != nil {
		unlock()
		return DispatchResult{}, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: fee.PriorityFee,
		GasFeeCap: fee.MaxFee,
		Gas:       fee.GasLimit,
		To:        msg.To,
		Value:     msg.Value,
		Data:      msg.Data,
	})
	signed, err := txSigner.SignTx(chainID, tx)
	if err != nil {
		unlock()
		return DispatchResult{}, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}

	sender := backend
	if url := d.privateRPC(req.Chain); url != "" {
		if sender, err = d.backends.EVMAt(ctx, url); err != nil {
			unlock()
			return DispatchResult{}, err
		}
	}
	err = sender.SendTransaction(ctx, signed)
	unlock()
	if err != nil {
		return DispatchResult{}, wrapEVMExecutionError(clierr.CodeExecutionFailed, "broadcast transaction", err)
	}

	hash := signed.Hash()
	res := DispatchResult{Hash: hash.Hex(), Fee: fee, GasCostNative: fee.CostNative}
	receipt, err := d.waitReceipt(ctx, backend, signed)
	if err != nil {
		return res, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return res, clierr.New(clierr.CodeExecutionFailed, fmt.Sprintf("transaction %s reverted on-chain%s", hash.Hex(), d.replayRevert(ctx, backend, msg, receipt)))
	}
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = fee.MaxFee
	}
	costWei := new(big.Int).Mul(price, new(big.Int).SetUint64(receipt.GasUsed))
	res.GasCostNative = decimal.NewFromBigInt(costWei, -nativeDecimals(req.Chain, 18))
	return res, nil
}

// replayRevert re-runs a reverted call at its block to surface the revert reason.
func (d *ChainDispatcher) replayRevert(ctx context.Context, backend EVMBackend, msg ethereum.CallMsg, receipt *types.Receipt) string {
	if _, err := backend.CallContract(ctx, msg, receipt.BlockNumber); err != nil {
		return ": " + revertMessage(err)
	}
	return ""
}

func (d *ChainDispatcher) waitReceipt(ctx context.Context, backend EVMBackend, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := backend.TransactionReceipt(waitCtx, tx.Hash())
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			d.log.Debug("receipt poll failed", "hash", tx.Hash().Hex(), "err", err)
		}
		select {
		case <-waitCtx.Done():
			return nil, clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (d *ChainDispatcher) dispatchAptos(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	if req.Payload.Aptos == nil {
		return DispatchResult{}, clierr.New(clierr.CodeUsage, "aptos payload has no entry function")
	}
	account, err := d.wallet.AptosKey()
	if err != nil {
		return DispatchResult{}, err
	}
	backend, err := d.backends.Aptos(req.Chain)
	if err != nil {
		return DispatchResult{}, err
	}
	fee := d.gas.Optimize(ctx, req.Chain, req.Simulation.GasEstimate, req.NativePriceUSD, d.cfg.Speed)

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.ReceiptTimeout)
	defer cancel()
	tx, err := backend.Submit(waitCtx, account, *req.Payload.Aptos, fee.BaseFee.Uint64())
	res := DispatchResult{Hash: tx.Hash, Fee: fee, GasCostNative: fee.CostNative}
	if err != nil {
		if waitCtx.Err() != nil {
			return res, clierr.Wrap(clierr.CodeActionTimeout, "aptos submission timed out", err)
		}
		return res, err
	}
	used := new(big.Int).SetUint64(tx.GasUsedUnits())
	res.GasCostNative = decimal.NewFromBigInt(used.Mul(used, fee.BaseFee), -nativeDecimals(req.Chain, 8))
	return res, nil
}

func (d *ChainDispatcher) dispatchSolana(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	if req.Payload.Solana == nil {
		return DispatchResult{}, clierr.New(clierr.CodeUsage, "solana payload is empty")
	}
	keypair, err := d.wallet.SolanaKey()
	if err != nil {
		return DispatchResult{}, err
	}
	backend, err := d.backends.Solana(req.Chain)
	if err != nil {
		return DispatchResult{}, err
	}
	fee := d.gas.Optimize(ctx, req.Chain, req.Simulation.GasEstimate, req.NativePriceUSD, d.cfg.Speed)

	var tx solana.Transaction
	if serialized := strings.TrimSpace(req.Payload.Solana.Serialized); serialized != "" {
		if tx, err = solana.DecodeTransaction(serialized); err != nil {
			return DispatchResult{}, clierr.Wrap(clierr.CodeUsage, "decode solana transaction", err)
		}
	} else {
		ixs, err := solanaInstructions(req.Payload.Solana.Instructions)
		if err != nil {
			return DispatchResult{}, clierr.Wrap(clierr.CodeUsage, "decode solana instructions", err)
		}
		if fee.PriorityFee != nil && fee.PriorityFee.Sign() > 0 {
			ixs = append([]solana.Instruction{solana.SetComputeUnitPrice(fee.PriorityFee.Uint64())}, ixs...)
		}
		blockhash, err := backend.GetLatestBlockhash(ctx)
		if err != nil {
			return DispatchResult{}, clierr.Wrap(clierr.CodeUnavailable, "fetch blockhash", err)
		}
		msg, err := solana.CompileMessage(keypair.PublicKey(), ixs, blockhash)
		if err != nil {
			return DispatchResult{}, clierr.Wrap(clierr.CodeUsage, "compile solana message", err)
		}
		if tx, err = solana.NewTransaction(msg); err != nil {
			return DispatchResult{}, clierr.Wrap(clierr.CodeUsage, "build solana transaction", err)
		}
		if len(tx.Signatures) > 1 {
			return DispatchResult{}, clierr.New(clierr.CodeUsage, "solana instructions require signers other than the wallet")
		}
	}
	if err := tx.SignFeePayer(keypair); err != nil {
		return DispatchResult{}, clierr.Wrap(clierr.CodeSigner, "sign solana transaction", err)
	}

	sig, err := backend.SendTransaction(ctx, tx.Base64())
	if err != nil {
		return DispatchResult{Fee: fee}, err
	}
	res := DispatchResult{Hash: sig, Fee: fee, GasCostNative: fee.CostNative}
	return res, d.waitSolana(ctx, backend, sig)
}

func (d *ChainDispatcher) waitSolana(ctx context.Context, backend SolanaBackend, sig string) error {
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		statuses, err := backend.GetSignatureStatuses(waitCtx, []string{sig})
		if err == nil && len(statuses) > 0 && statuses[0] != nil {
			status := statuses[0]
			if status.Failed() {
				return clierr.New(clierr.CodeExecutionFailed, fmt.Sprintf("transaction %s failed: %s", sig, string(status.Err)))
			}
			if status.Confirmed() {
				return nil
			}
		}
		select {
		case <-waitCtx.Done():
			return clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for confirmation", waitCtx.Err())
		case <-ticker.C:
		}
	}
}
