// Package taikoswap quotes and builds swaps directly against Uniswap V3
// compatible contracts on Taiko, without an off-chain routing API.
package taikoswap

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
	"github.com/ggonzalez94/defi-autopilot/internal/registry"
)

var (
	feeTiers = []uint32{100, 500, 3000, 10000}

	quoterABI = providers.MustABI(registry.UniswapV3QuoterV2ABI)
	routerABI = providers.MustABI(registry.UniswapV3RouterABI)
)

type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Callers hands out an RPC caller per chain.
type Callers func(ctx context.Context, chain id.Chain) (Caller, error)

type Client struct {
	callers Callers
	now     func() time.Time
}

func New(callers Callers) *Client {
	return &Client{callers: callers, now: time.Now}
}

func (c *Client) Name() string { return "taikoswap" }

func (c *Client) Supports(chain id.Chain) bool {
	_, _, ok := registry.UniswapV3Contracts(chain.EVMChainID)
	return chain.IsEVM() && ok
}

type quoteExactInputSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	AmountIn          *big.Int       `abi:"amountIn"`
	Fee               *big.Int       `abi:"fee"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

type exactInputSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	Fee               *big.Int       `abi:"fee"`
	Recipient         common.Address `abi:"recipient"`
	AmountIn          *big.Int       `abi:"amountIn"`
	AmountOutMinimum  *big.Int       `abi:"amountOutMinimum"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

// quoteMeta is carried in SwapQuote.Raw so BuildSwap reuses the quoted tier.
type quoteMeta struct {
	Fee uint32 `json:"fee"`
}

// Quote asks the QuoterV2 for every fee tier and keeps the best output,
// breaking ties on gas.
func (c *Client) Quote(ctx context.Context, req providers.SwapRequest) (model.SwapQuote, error) {
	quoter, _, err := contracts(req.Chain)
	if err != nil {
		return model.SwapQuote{}, err
	}
	if !common.IsHexAddress(req.TokenIn.Address) || !common.IsHexAddress(req.TokenOut.Address) {
		return model.SwapQuote{}, clierr.New(clierr.CodeUnsupported, "taikoswap quotes require ERC20 token addresses")
	}
	amountIn, err := providers.ParseAmount(req.AmountIn)
	if err != nil {
		return model.SwapQuote{}, err
	}
	caller, err := c.callers(ctx, req.Chain)
	if err != nil {
		return model.SwapQuote{}, clierr.Wrap(clierr.CodeUnavailable, "connect taiko rpc", err)
	}
	out, fee, gas, err := quoteBestFee(ctx, caller, quoter, common.HexToAddress(req.TokenIn.Address), common.HexToAddress(req.TokenOut.Address), amountIn)
	if err != nil {
		return model.SwapQuote{}, err
	}
	raw, _ := json.Marshal(quoteMeta{Fee: fee})
	return model.SwapQuote{
		Source:    c.Name(),
		Chain:     req.Chain.CAIP2,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  providers.Amount(amountIn.String(), req.TokenIn.Decimals),
		AmountOut: providers.Amount(out.String(), req.TokenOut.Decimals),
		Steps: []model.RouteStep{{
			Exchange: "taikoswap-v3",
			Pool:     fmt.Sprintf("fee-%d", fee),
			Input:    req.TokenIn.Address,
			Output:   req.TokenOut.Address,
			Share:    1,
		}},
		GasUnits:  gas.Uint64(),
		FetchedAt: c.now().UTC(),
		Raw:       raw,
	}, nil
}

// BuildSwap encodes exactInputSingle on the router with the quoted tier and a
// slippage-bounded minimum output.
func (c *Client) BuildSwap(_ context.Context, quote model.SwapQuote, sender string, slippageBps int64) (model.TransactionPayload, error) {
	sender = strings.TrimSpace(sender)
	if !common.IsHexAddress(sender) {
		return model.TransactionPayload{}, clierr.New(clierr.CodeUsage, "taikoswap swap requires a valid EVM sender address")
	}
	chain, err := id.ParseChain(quote.Chain)
	if err != nil {
		return model.TransactionPayload{}, clierr.Wrap(clierr.CodeUsage, "parse quote chain", err)
	}
	_, router, err := contracts(chain)
	if err != nil {
		return model.TransactionPayload{}, err
	}
	var meta quoteMeta
	if err := json.Unmarshal(quote.Raw, &meta); err != nil || meta.Fee == 0 {
		return model.TransactionPayload{}, clierr.New(clierr.CodeActionPlan, "taikoswap quote is missing its fee tier")
	}
	amountIn, err := providers.ParseAmount(quote.AmountIn.AmountBaseUnits)
	if err != nil {
		return model.TransactionPayload{}, err
	}
	quoted, err := providers.ParseAmount(quote.AmountOut.AmountBaseUnits)
	if err != nil {
		return model.TransactionPayload{}, err
	}
	slippage := providers.Slippage(slippageBps)
	if slippage >= 10_000 {
		return model.TransactionPayload{}, clierr.New(clierr.CodeUsage, "slippage bps must be less than 10000")
	}
	minOut := new(big.Int).Mul(quoted, big.NewInt(10_000-slippage))
	minOut.Div(minOut, big.NewInt(10_000))

	data, err := routerABI.Pack("exactInputSingle", exactInputSingleParams{
		TokenIn:           common.HexToAddress(quote.TokenIn.Address),
		TokenOut:          common.HexToAddress(quote.TokenOut.Address),
		Fee:               big.NewInt(int64(meta.Fee)),
		Recipient:         common.HexToAddress(sender),
		AmountIn:          amountIn,
		AmountOutMinimum:  minOut,
		SqrtPriceLimitX96: big.NewInt(0),
	})
	if err != nil {
		return model.TransactionPayload{}, clierr.Wrap(clierr.CodeInternal, "pack swap calldata", err)
	}
	return model.NewEVMPayload(chain.CAIP2, router.Hex(), data, nil), nil
}

func contracts(chain id.Chain) (quoter, router common.Address, err error) {
	q, r, ok := registry.UniswapV3Contracts(chain.EVMChainID)
	if !ok {
		return common.Address{}, common.Address{}, clierr.New(clierr.CodeUnsupported, "taikoswap only supports taiko mainnet and hoodi")
	}
	return common.HexToAddress(q), common.HexToAddress(r), nil
}

func quoteBestFee(ctx context.Context, caller Caller, quoter, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, uint32, *big.Int, error) {
	var (
		bestOut *big.Int
		bestGas *big.Int
		bestFee uint32
	)
	for _, fee := range feeTiers {
		callData, err := quoterABI.Pack("quoteExactInputSingle", quoteExactInputSingleParams{
			TokenIn:           tokenIn,
			TokenOut:          tokenOut,
			AmountIn:          amountIn,
			Fee:               big.NewInt(int64(fee)),
			SqrtPriceLimitX96: big.NewInt(0),
		})
		if err != nil {
			return nil, 0, nil, clierr.Wrap(clierr.CodeInternal, "pack quoter calldata", err)
		}
		out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &quoter, Data: callData}, nil)
		if err != nil {
			// A tier without a pool reverts.
			continue
		}
		decoded, err := quoterABI.Unpack("quoteExactInputSingle", out)
		if err != nil || len(decoded) < 4 {
			continue
		}
		amountOut, ok := decoded[0].(*big.Int)
		if !ok || amountOut == nil || amountOut.Sign() <= 0 {
			continue
		}
		gasEstimate, ok := decoded[3].(*big.Int)
		if !ok || gasEstimate == nil {
			gasEstimate = big.NewInt(0)
		}
		if bestOut == nil || amountOut.Cmp(bestOut) > 0 || (amountOut.Cmp(bestOut) == 0 && gasEstimate.Cmp(bestGas) < 0) {
			bestOut = new(big.Int).Set(amountOut)
			bestGas = new(big.Int).Set(gasEstimate)
			bestFee = fee
		}
	}
	if bestOut == nil {
		return nil, 0, nil, clierr.New(clierr.CodeUnavailable, "taikoswap quote unavailable for token pair")
	}
	return bestOut, bestFee, bestGas, nil
}
