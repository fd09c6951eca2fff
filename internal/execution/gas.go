package execution

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defi-autopilot/internal/chain/aptos"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
)

type Speed string

const (
	SpeedSlow     Speed = "slow"
	SpeedStandard Speed = "standard"
	SpeedFast     Speed = "fast"
)

func ParseSpeed(raw string) Speed {
	switch Speed(strings.ToLower(strings.TrimSpace(raw))) {
	case SpeedSlow:
		return SpeedSlow
	case SpeedFast:
		return SpeedFast
	default:
		return SpeedStandard
	}
}

// multiplierPct is the tip multiplier in percent.
func (s Speed) multiplierPct() int64 {
	switch s {
	case SpeedSlow:
		return 80
	case SpeedFast:
		return 150
	default:
		return 100
	}
}

const (
	FeeSourceLive   = "rpc"
	FeeSourceStatic = "static"

	defaultEVMTipWei        = 2_000_000_000
	defaultEVMBaseFeeWei    = 1_000_000_000
	defaultEVMGasLimit      = 21_000
	solanaSignatureLamports = 5000
	defaultSolanaPriority   = 1000
	defaultSolanaUnits      = 200_000
	defaultAptosGasUnits    = 2000
)

// FeeOptimizer prices a transaction for its chain.
type FeeOptimizer interface {
	Optimize(ctx context.Context, chain id.Chain, gasEstimate uint64, nativePriceUSD decimal.Decimal, speed Speed) model.FeeParams
}

type GasOptimizer struct {
	backends *Backends
	log      *slog.Logger
}

func NewGasOptimizer(backends *Backends) *GasOptimizer {
	return &GasOptimizer{backends: backends, log: logger.Named("gas")}
}

// Optimize never fails; live lookups that error fall back to static defaults.
func (g *GasOptimizer) Optimize(ctx context.Context, chain id.Chain, gasEstimate uint64, nativePriceUSD decimal.Decimal, speed Speed) model.FeeParams {
	var fee model.FeeParams
	switch chain.Family() {
	case id.FamilySolana:
		fee = g.solana(ctx, chain, gasEstimate, speed)
	case id.FamilyAptos:
		fee = g.aptos(ctx, chain, gasEstimate, speed)
	default:
		fee = g.evm(ctx, chain, gasEstimate, speed)
	}
	fee.CostUSD = fee.CostNative.Mul(nativePriceUSD)
	return fee
}

func scalePct(v *big.Int, pct int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(pct))
	return out.Quo(out, big.NewInt(100))
}

func nativeDecimals(chain id.Chain, fallback int) int32 {
	if n, ok := id.NativeAsset(chain); ok {
		return int32(n.Decimals)
	}
	return int32(fallback)
}

func (g *GasOptimizer) evm(ctx context.Context, chain id.Chain, gasEstimate uint64, speed Speed) model.FeeParams {
	if gasEstimate == 0 {
		gasEstimate = defaultEVMGasLimit
	}
	tip := big.NewInt(defaultEVMTipWei)
	base := big.NewInt(defaultEVMBaseFeeWei)
	source := FeeSourceStatic

	if g.backends != nil {
		if backend, err := g.backends.EVM(ctx, chain); err == nil {
			live := 0
			if suggested, err := backend.SuggestGasTipCap(ctx); err == nil && suggested != nil {
				tip = suggested
				live++
			} else {
				g.log.Debug("tip cap fallback", "chain", chain.CAIP2, "err", err)
			}
			if header, err := backend.HeaderByNumber(ctx, nil); err == nil && header != nil && header.BaseFee != nil {
				base = new(big.Int).Set(header.BaseFee)
				live++
			}
			if live == 2 {
				source = FeeSourceLive
			}
		} else {
			g.log.Debug("evm backend unavailable for fees", "chain", chain.CAIP2, "err", err)
		}
	}

	tip = scalePct(tip, speed.multiplierPct())
	maxFee := new(big.Int).Mul(base, big.NewInt(2))
	maxFee.Add(maxFee, tip)

	perGas := new(big.Int).Add(base, tip)
	costWei := new(big.Int).Mul(perGas, new(big.Int).SetUint64(gasEstimate))
	return model.FeeParams{
		GasLimit:    gasEstimate,
		BaseFee:     base,
		PriorityFee: tip,
		MaxFee:      maxFee,
		CostNative:  decimal.NewFromBigInt(costWei, -nativeDecimals(chain, 18)),
		Source:      source,
	}
}

func median(values []uint64) uint64 {
	sorted := append([]uint64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func (g *GasOptimizer) solana(ctx context.Context, chain id.Chain, units uint64, speed Speed) model.FeeParams {
	if units == 0 {
		units = defaultSolanaUnits
	}
	priority := uint64(defaultSolanaPriority)
	source := FeeSourceStatic
	if g.backends != nil {
		if backend, err := g.backends.Solana(chain); err == nil {
			if fees, err := backend.GetRecentPrioritizationFees(ctx); err == nil && len(fees) > 0 {
				priority = median(fees)
				source = FeeSourceLive
			}
		}
	}
	priorityFee := scalePct(new(big.Int).SetUint64(priority), speed.multiplierPct())

	// micro-lamports per CU times CU, in lamports.
	priorityLamports := new(big.Int).Mul(priorityFee, new(big.Int).SetUint64(units))
	priorityLamports.Quo(priorityLamports, big.NewInt(1_000_000))
	total := new(big.Int).Add(big.NewInt(solanaSignatureLamports), priorityLamports)
	return model.FeeParams{
		GasLimit:    units,
		BaseFee:     big.NewInt(solanaSignatureLamports),
		PriorityFee: priorityFee,
		MaxFee:      total,
		CostNative:  decimal.NewFromBigInt(total, -nativeDecimals(chain, 9)),
		Source:      source,
	}
}

func (g *GasOptimizer) aptos(ctx context.Context, chain id.Chain, units uint64, speed Speed) model.FeeParams {
	if units == 0 {
		units = defaultAptosGasUnits
	}
	price := uint64(aptos.DefaultGasUnitPrice)
	source := FeeSourceStatic
	if g.backends != nil {
		if backend, err := g.backends.Aptos(chain); err == nil {
			if est, err := backend.EstimateGasPrice(ctx); err == nil && est.Estimate > 0 {
				price = est.Estimate
				switch {
				case speed == SpeedFast && est.Prioritized > 0:
					price = est.Prioritized
				case speed == SpeedSlow && est.Deprioritized > 0:
					price = est.Deprioritized
				}
				source = FeeSourceLive
			}
		}
	}
	unitPrice := new(big.Int).SetUint64(price)
	total := new(big.Int).Mul(unitPrice, new(big.Int).SetUint64(units))
	return model.FeeParams{
		GasLimit:    units,
		BaseFee:     unitPrice,
		PriorityFee: big.NewInt(0),
		MaxFee:      new(big.Int).Set(unitPrice),
		CostNative:  decimal.NewFromBigInt(total, -nativeDecimals(chain, 8)),
		Source:      source,
	}
}
