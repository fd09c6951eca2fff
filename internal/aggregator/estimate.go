package aggregator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
)

// offlineFeeRate approximates a single-hop pool fee for estimated quotes.
var offlineFeeRate = decimal.RequireFromString("0.003")

var offlineGasUnits = map[id.Family]uint64{
	id.FamilyEVM:    150_000,
	id.FamilySolana: 200_000,
	id.FamilyAptos:  2_000,
}

// Native token cost of one gas unit when no live fee data is wired in.
var staticGasPrices = map[id.Family]decimal.Decimal{
	id.FamilyEVM:    decimal.New(3, -9),   // 3 gwei
	id.FamilySolana: decimal.New(25, -12), // 5000 lamports over 200k CU
	id.FamilyAptos:  decimal.New(1, -6),   // 100 octas
}

func staticGasPrice(chain id.Chain) decimal.Decimal {
	if p, ok := staticGasPrices[chain.Family()]; ok {
		return p
	}
	return staticGasPrices[id.FamilyEVM]
}

// estimate synthesizes a deterministic quote for source from oracle prices.
// It needs USD prices for both tokens.
func (a *Aggregator) estimate(ctx context.Context, source string, req providers.SwapRequest) (model.SwapQuote, bool) {
	priceIn, okIn := a.prices.PriceUSD(ctx, req.Chain, req.TokenIn.Address)
	priceOut, okOut := a.prices.PriceUSD(ctx, req.Chain, req.TokenOut.Address)
	if !okIn || !okOut || !priceIn.IsPositive() || !priceOut.IsPositive() {
		return model.SwapQuote{}, false
	}
	amountIn, err := decimal.NewFromString(req.AmountIn)
	if err != nil || !amountIn.IsPositive() {
		return model.SwapQuote{}, false
	}
	usdIn := amountIn.Shift(-int32(req.TokenIn.Decimals)).Mul(priceIn)
	out := usdIn.Mul(decimal.NewFromInt(1).Sub(offlineFeeRate)).Div(priceOut)
	outBase := out.Shift(int32(req.TokenOut.Decimals)).Floor().String()

	q := model.SwapQuote{
		Source:    source,
		Chain:     req.Chain.CAIP2,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  providers.Amount(req.AmountIn, req.TokenIn.Decimals),
		AmountOut: providers.Amount(outBase, req.TokenOut.Decimals),
		Steps:     []model.RouteStep{{Exchange: "offline-estimate", Input: req.TokenIn.Symbol, Output: req.TokenOut.Symbol, Share: 1}},
		GasUnits:  offlineGasUnits[req.Chain.Family()],
		Estimated: true,
		FetchedAt: time.Now().UTC(),
	}
	return a.price(ctx, req.Chain, q), true
}
