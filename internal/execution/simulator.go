package execution

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ggonzalez94/defi-autopilot/internal/chain/solana"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
)

const (
	DefaultGasBuffer       = 1.3
	DefaultSimulateTimeout = 15 * time.Second
)

// zeroBlockhash stands in for the recent blockhash when the node replaces it.
const zeroBlockhash = "11111111111111111111111111111111"

// TxSimulator dry-runs a payload. Failures are reported inside the result.
type TxSimulator interface {
	Simulate(ctx context.Context, p model.TransactionPayload, from string) model.SimulationResult
}

type Simulator struct {
	backends  *Backends
	keys      Wallet
	gasBuffer float64
	timeout   time.Duration
	log       *slog.Logger
}

type SimulatorOption func(*Simulator)

func WithGasBuffer(multiplier float64) SimulatorOption {
	return func(s *Simulator) {
		if multiplier >= 1 {
			s.gasBuffer = multiplier
		}
	}
}

func WithSimulateTimeout(d time.Duration) SimulatorOption {
	return func(s *Simulator) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithSimulatorLogger(l *slog.Logger) SimulatorOption {
	return func(s *Simulator) { s.log = l }
}

// NewSimulator builds a simulator. keys supplies the Aptos public key used for
// the simulated signature and may be nil when Aptos is not in use.
func NewSimulator(backends *Backends, keys Wallet, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		backends:  backends,
		keys:      keys,
		gasBuffer: DefaultGasBuffer,
		timeout:   DefaultSimulateTimeout,
		log:       logger.Named("simulator"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) Simulate(ctx context.Context, p model.TransactionPayload, from string) model.SimulationResult {
	chain, err := id.ParseChain(p.Chain)
	if err != nil {
		return failedSimulation(err.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var res model.SimulationResult
	switch chain.Family() {
	case id.FamilyEVM:
		res = s.simulateEVM(ctx, chain, p, from)
	case id.FamilyAptos:
		res = s.simulateAptos(ctx, chain, p, from)
	case id.FamilySolana:
		res = s.simulateSolana(ctx, chain, p, from)
	default:
		res = failedSimulation("unsupported chain " + chain.CAIP2)
	}
	s.log.Debug("simulated", "chain", chain.CAIP2, "success", res.Success, "gas", res.GasEstimate, "error", res.Error)
	return res
}

func failedSimulation(msg string) model.SimulationResult {
	return model.SimulationResult{Success: false, Error: msg}
}

func (s *Simulator) simulateEVM(ctx context.Context, chain id.Chain, p model.TransactionPayload, from string) model.SimulationResult {
	msg, err := callMsg(p, from)
	if err != nil {
		return failedSimulation(err.Error())
	}
	backend, err := s.backends.EVM(ctx, chain)
	if err != nil {
		return failedSimulation(err.Error())
	}
	gas, err := estimateGasWithBlockTag(ctx, backend, msg, blockTagPending)
	if err != nil {
		return failedSimulation(revertMessage(err))
	}
	return model.SimulationResult{Success: true, GasEstimate: uint64(math.Ceil(float64(gas) * s.gasBuffer))}
}

func (s *Simulator) simulateAptos(ctx context.Context, chain id.Chain, p model.TransactionPayload, from string) model.SimulationResult {
	if p.Aptos == nil {
		return failedSimulation("aptos payload has no entry function")
	}
	if s.keys == nil {
		return failedSimulation("no aptos key available for simulation")
	}
	acct, err := s.keys.AptosKey()
	if err != nil {
		return failedSimulation(err.Error())
	}
	if strings.TrimSpace(from) == "" {
		from = acct.Address()
	}
	backend, err := s.backends.Aptos(chain)
	if err != nil {
		return failedSimulation(err.Error())
	}
	tx, err := backend.Simulate(ctx, from, acct.PublicKeyHex(), *p.Aptos)
	if err != nil {
		return failedSimulation(err.Error())
	}
	if !tx.Success {
		return model.SimulationResult{Success: false, GasEstimate: tx.GasUsedUnits(), Error: tx.VMStatus}
	}
	return model.SimulationResult{Success: true, GasEstimate: tx.GasUsedUnits()}
}

func (s *Simulator) simulateSolana(ctx context.Context, chain id.Chain, p model.TransactionPayload, from string) model.SimulationResult {
	if p.Solana == nil {
		return failedSimulation("solana payload is empty")
	}
	encoded := strings.TrimSpace(p.Solana.Serialized)
	if encoded == "" {
		payer, err := solana.ParsePublicKey(from)
		if err != nil {
			return failedSimulation(fmt.Sprintf("invalid fee payer %q: %v", from, err))
		}
		ixs, err := solanaInstructions(p.Solana.Instructions)
		if err != nil {
			return failedSimulation(err.Error())
		}
		msg, err := solana.CompileMessage(payer, ixs, zeroBlockhash)
		if err != nil {
			return failedSimulation(err.Error())
		}
		tx, err := solana.NewTransaction(msg)
		if err != nil {
			return failedSimulation(err.Error())
		}
		encoded = tx.Base64()
	}
	backend, err := s.backends.Solana(chain)
	if err != nil {
		return failedSimulation(err.Error())
	}
	res, err := backend.SimulateTransaction(ctx, encoded)
	if err != nil {
		return failedSimulation(err.Error())
	}
	out := model.SimulationResult{Success: !res.Failed(), GasEstimate: res.UnitsConsumed, Logs: res.Logs}
	if res.Failed() {
		out.Error = string(res.Err)
		if len(res.Logs) > 0 {
			out.Error += ": " + res.Logs[len(res.Logs)-1]
		}
	}
	return out
}

// solanaInstructions decodes payload instructions. Instruction data is base64.
func solanaInstructions(in []model.SolanaInstruction) ([]solana.Instruction, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("solana payload has no instructions")
	}
	out := make([]solana.Instruction, 0, len(in))
	for i, ix := range in {
		program, err := solana.ParsePublicKey(ix.ProgramID)
		if err != nil {
			return nil, fmt.Errorf("instruction %d program: %w", i, err)
		}
		data, err := base64.StdEncoding.DecodeString(ix.Data)
		if err != nil {
			return nil, fmt.Errorf("instruction %d data: %w", i, err)
		}
		metas := make([]solana.AccountMeta, 0, len(ix.Accounts))
		for j, acc := range ix.Accounts {
			key, err := solana.ParsePublicKey(acc.Pubkey)
			if err != nil {
				return nil, fmt.Errorf("instruction %d account %d: %w", i, j, err)
			}
			metas = append(metas, solana.AccountMeta{PublicKey: key, IsSigner: acc.IsSigner, IsWritable: acc.IsWritable})
		}
		out = append(out, solana.Instruction{ProgramID: program, Accounts: metas, Data: data})
	}
	return out, nil
}
