// Package providers defines the quote and route sources the aggregator and
// cross-chain router fan out to, plus helpers shared by their EVM builders.
package providers

import (
	"context"
	"math/big"

	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
)

// DefaultSlippageBps applies when a request leaves slippage unset.
const DefaultSlippageBps int64 = 50

// SwapRequest is an exact-input, same-chain swap.
type SwapRequest struct {
	Chain    id.Chain
	TokenIn  model.Token
	TokenOut model.Token
	// AmountIn is in TokenIn base units.
	AmountIn    string
	Sender      string
	SlippageBps int64
}

// QuoteSource is one DEX router.
type QuoteSource interface {
	Name() string
	Supports(chain id.Chain) bool
	Quote(ctx context.Context, req SwapRequest) (model.SwapQuote, error)
	BuildSwap(ctx context.Context, quote model.SwapQuote, sender string, slippageBps int64) (model.TransactionPayload, error)
}

// RouteRequest is a cross-chain transfer of AmountIn FromToken base units.
type RouteRequest struct {
	FromChain   id.Chain
	ToChain     id.Chain
	FromToken   model.Token
	ToToken     model.Token
	AmountIn    string
	Sender      string
	Recipient   string
	SlippageBps int64
}

// BridgeSource is one cross-chain aggregator or bridge.
type BridgeSource interface {
	Name() string
	Supports(from, to id.Chain) bool
	Quote(ctx context.Context, req RouteRequest) ([]model.CrossChainQuote, error)
	BuildSteps(ctx context.Context, quote model.CrossChainQuote, req RouteRequest) ([]model.CrossChainStep, error)
}

// Allowances reads ERC20 allowances.
type Allowances interface {
	Allowance(ctx context.Context, chain id.Chain, token, owner, spender string) (*big.Int, error)
}

// Balances reads ERC20 balances.
type Balances interface {
	BalanceOf(ctx context.Context, chain id.Chain, token, owner string) (*big.Int, error)
}

func Slippage(bps int64) int64 {
	if bps <= 0 {
		return DefaultSlippageBps
	}
	return bps
}
