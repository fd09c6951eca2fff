package adapters

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/pricing"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
	"github.com/ggonzalez94/defi-autopilot/internal/registry"
)

const AaveProtocol = "aave-v3"

var (
	aaveProviderABI = providers.MustABI(registry.AavePoolAddressProviderABI)
	aavePoolABI     = providers.MustABI(registry.AavePoolABI)
	aaveRewardsABI  = providers.MustABI(registry.AaveRewardsABI)

	incentivesControllerID = crypto.Keccak256Hash([]byte("INCENTIVES_CONTROLLER"))
)

// Aave supplies single assets to Aave v3 pools. A pool id is either the
// reserve asset address or a directory id resolving to exactly one token.
type Aave struct {
	callers CallerFunc
	prices  pricing.Prices
	dir     *Directory

	mu          sync.Mutex
	pools       map[string]common.Address
	controllers map[string]common.Address
}

func NewAave(callers CallerFunc, prices pricing.Prices, dir *Directory) *Aave {
	return &Aave{
		callers:     callers,
		prices:      prices,
		dir:         dir,
		pools:       map[string]common.Address{},
		controllers: map[string]common.Address{},
	}
}

func (a *Aave) Protocol() string { return AaveProtocol }

func (a *Aave) Supports(chain id.Chain) bool {
	if !chain.IsEVM() {
		return false
	}
	_, ok := registry.AavePoolAddressProvider(chain.EVMChainID)
	return ok
}

func (a *Aave) GetPosition(ctx context.Context, chain id.Chain, poolID, wallet string) (model.Position, error) {
	caller, asset, owner, err := a.prepare(ctx, chain, poolID, wallet)
	if err != nil {
		return model.Position{}, err
	}
	aToken, err := a.aToken(ctx, caller, chain, asset)
	if err != nil {
		return model.Position{}, err
	}
	balance, err := balanceOf(ctx, caller, aToken, owner)
	if err != nil {
		return model.Position{}, err
	}
	token, err := TokenInfo(ctx, caller, chain, asset.Hex())
	if err != nil {
		return model.Position{}, err
	}
	pos := model.Position{
		Protocol: AaveProtocol,
		Chain:    chain.CAIP2,
		PoolID:   poolID,
		Wallet:   owner.Hex(),
		Tokens:   []model.PositionToken{{Token: token, Amount: providers.Amount(balance.String(), token.Decimals), Weight: 1}},
	}
	pos.ValueUSD = a.valueUSD(ctx, chain, token, balance)
	return pos, nil
}

func (a *Aave) GetPendingRewards(ctx context.Context, chain id.Chain, poolID, wallet string) ([]model.PendingReward, error) {
	caller, asset, owner, err := a.prepare(ctx, chain, poolID, wallet)
	if err != nil {
		return nil, err
	}
	aToken, err := a.aToken(ctx, caller, chain, asset)
	if err != nil {
		return nil, err
	}
	controller, err := a.controller(ctx, caller, chain)
	if err != nil {
		return nil, err
	}
	out, err := call(ctx, caller, aaveRewardsABI, controller, "getAllUserRewards", []common.Address{aToken}, owner)
	if err != nil {
		return nil, err
	}
	if len(out) < 2 {
		return nil, clierr.New(clierr.CodeUnavailable, "unexpected getAllUserRewards result")
	}
	tokens, ok1 := out[0].([]common.Address)
	amounts, ok2 := out[1].([]*big.Int)
	if !ok1 || !ok2 || len(tokens) != len(amounts) {
		return nil, clierr.New(clierr.CodeUnavailable, "unexpected getAllUserRewards result")
	}

	rewards := make([]model.PendingReward, 0, len(tokens))
	for i, rewardToken := range tokens {
		if amounts[i] == nil || amounts[i].Sign() == 0 {
			continue
		}
		token, err := TokenInfo(ctx, caller, chain, rewardToken.Hex())
		if err != nil {
			return nil, err
		}
		rewards = append(rewards, model.PendingReward{
			Protocol: AaveProtocol,
			Chain:    chain.CAIP2,
			PoolID:   poolID,
			Token:    token,
			Amount:   providers.Amount(amounts[i].String(), token.Decimals),
			ValueUSD: a.valueUSD(ctx, chain, token, amounts[i]),
		})
	}
	return rewards, nil
}

func (a *Aave) Deposit(ctx context.Context, chain id.Chain, poolID, wallet string, amounts []model.PositionToken) ([]Step, error) {
	caller, asset, owner, err := a.prepare(ctx, chain, poolID, wallet)
	if err != nil {
		return nil, err
	}
	var amount *big.Int
	for _, pt := range amounts {
		if strings.EqualFold(pt.Token.Address, asset.Hex()) {
			v, ok := new(big.Int).SetString(pt.Amount.AmountBaseUnits, 10)
			if !ok {
				return nil, clierr.New(clierr.CodeUsage, "invalid deposit amount "+pt.Amount.AmountBaseUnits)
			}
			amount = v
		}
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeUsage, "aave deposit needs a positive amount of "+asset.Hex())
	}
	pool, err := a.pool(ctx, caller, chain)
	if err != nil {
		return nil, err
	}
	data, err := aavePoolABI.Pack("supply", asset, amount, owner, uint16(0))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack supply calldata", err)
	}
	token, err := TokenInfo(ctx, caller, chain, asset.Hex())
	if err != nil {
		return nil, err
	}
	return []Step{{
		Type:        model.TxDeposit,
		Description: fmt.Sprintf("Supply %s to Aave v3", symbolOr(token)),
		Payload:     model.NewEVMPayload(chain.CAIP2, pool.Hex(), data, nil),
		Approval:    &Approval{Token: token, Spender: pool.Hex(), Amount: amount},
	}}, nil
}

func (a *Aave) Withdraw(ctx context.Context, chain id.Chain, poolID, wallet string, fraction decimal.Decimal) ([]Step, error) {
	if fraction.Sign() <= 0 || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return nil, clierr.New(clierr.CodeUsage, "withdraw fraction must be in (0, 1]")
	}
	caller, asset, owner, err := a.prepare(ctx, chain, poolID, wallet)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Set(math.MaxBig256)
	if fraction.LessThan(decimal.NewFromInt(1)) {
		aToken, err := a.aToken(ctx, caller, chain, asset)
		if err != nil {
			return nil, err
		}
		balance, err := balanceOf(ctx, caller, aToken, owner)
		if err != nil {
			return nil, err
		}
		amount = decimal.NewFromBigInt(balance, 0).Mul(fraction).Floor().BigInt()
		if amount.Sign() == 0 {
			return nil, clierr.New(clierr.CodeUsage, "nothing to withdraw from "+poolID)
		}
	}
	pool, err := a.pool(ctx, caller, chain)
	if err != nil {
		return nil, err
	}
	data, err := aavePoolABI.Pack("withdraw", asset, amount, owner)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack withdraw calldata", err)
	}
	return []Step{{
		Type:        model.TxWithdraw,
		Description: "Withdraw " + fraction.Mul(decimal.NewFromInt(100)).StringFixed(0) + "% from Aave v3",
		Payload:     model.NewEVMPayload(chain.CAIP2, pool.Hex(), data, nil),
	}}, nil
}

func (a *Aave) Harvest(ctx context.Context, chain id.Chain, poolID, wallet string) ([]Step, error) {
	caller, asset, owner, err := a.prepare(ctx, chain, poolID, wallet)
	if err != nil {
		return nil, err
	}
	aToken, err := a.aToken(ctx, caller, chain, asset)
	if err != nil {
		return nil, err
	}
	controller, err := a.controller(ctx, caller, chain)
	if err != nil {
		return nil, err
	}
	data, err := aaveRewardsABI.Pack("claimAllRewards", []common.Address{aToken}, owner)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack claimAllRewards calldata", err)
	}
	return []Step{{
		Type:        model.TxHarvest,
		Description: "Claim Aave v3 incentives",
		Payload:     model.NewEVMPayload(chain.CAIP2, controller.Hex(), data, nil),
	}}, nil
}

func (a *Aave) prepare(ctx context.Context, chain id.Chain, poolID, wallet string) (ContractCaller, common.Address, common.Address, error) {
	if !a.Supports(chain) {
		return nil, common.Address{}, common.Address{}, clierr.New(clierr.CodeUnsupported, "aave v3 is not deployed on "+chain.CAIP2)
	}
	if !common.IsHexAddress(wallet) {
		return nil, common.Address{}, common.Address{}, clierr.New(clierr.CodeUsage, "invalid wallet address "+wallet)
	}
	asset, err := a.asset(poolID)
	if err != nil {
		return nil, common.Address{}, common.Address{}, err
	}
	caller, err := a.callers(ctx, chain)
	if err != nil {
		return nil, common.Address{}, common.Address{}, err
	}
	return caller, asset, common.HexToAddress(wallet), nil
}

func (a *Aave) asset(poolID string) (common.Address, error) {
	if common.IsHexAddress(poolID) {
		return common.HexToAddress(poolID), nil
	}
	tokens, ok := a.dir.PoolTokens(poolID)
	if !ok {
		return common.Address{}, clierr.New(clierr.CodeUsage, "unknown aave pool "+poolID)
	}
	if len(tokens) != 1 || !common.IsHexAddress(tokens[0]) {
		return common.Address{}, clierr.New(clierr.CodeUnsupported, "aave pool "+poolID+" must have exactly one underlying asset")
	}
	return common.HexToAddress(tokens[0]), nil
}

func (a *Aave) pool(ctx context.Context, caller ContractCaller, chain id.Chain) (common.Address, error) {
	return a.cached(ctx, caller, chain, a.pools, "getPool")
}

func (a *Aave) controller(ctx context.Context, caller ContractCaller, chain id.Chain) (common.Address, error) {
	return a.cached(ctx, caller, chain, a.controllers, "getAddress", incentivesControllerID)
}

// cached resolves an address from the PoolAddressesProvider once per chain.
func (a *Aave) cached(ctx context.Context, caller ContractCaller, chain id.Chain, cache map[string]common.Address, method string, args ...any) (common.Address, error) {
	a.mu.Lock()
	addr, ok := cache[chain.CAIP2]
	a.mu.Unlock()
	if ok {
		return addr, nil
	}
	provider, _ := registry.AavePoolAddressProvider(chain.EVMChainID)
	out, err := call(ctx, caller, aaveProviderABI, common.HexToAddress(provider), method, args...)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok = asAddress(out[0])
	if !ok || addr == (common.Address{}) {
		return common.Address{}, clierr.New(clierr.CodeUnavailable, "aave "+method+" returned no address on "+chain.CAIP2)
	}
	a.mu.Lock()
	cache[chain.CAIP2] = addr
	a.mu.Unlock()
	return addr, nil
}

func (a *Aave) aToken(ctx context.Context, caller ContractCaller, chain id.Chain, asset common.Address) (common.Address, error) {
	pool, err := a.pool(ctx, caller, chain)
	if err != nil {
		return common.Address{}, err
	}
	out, err := call(ctx, caller, aavePoolABI, pool, "getReserveData", asset)
	if err != nil {
		return common.Address{}, err
	}
	aToken, ok := tupleAddress(out[0], "ATokenAddress")
	if !ok || aToken == (common.Address{}) {
		return common.Address{}, clierr.New(clierr.CodeUnsupported, "asset "+asset.Hex()+" is not an aave reserve")
	}
	return aToken, nil
}

func (a *Aave) valueUSD(ctx context.Context, chain id.Chain, token model.Token, amount *big.Int) decimal.Decimal {
	if a.prices == nil || amount == nil {
		return decimal.Zero
	}
	price, ok := a.prices.PriceUSD(ctx, chain, token.Address)
	if !ok {
		return decimal.Zero
	}
	units, err := id.ToDecimal(amount.String(), token.Decimals)
	if err != nil {
		return decimal.Zero
	}
	return units.Mul(price)
}

func symbolOr(t model.Token) string {
	if t.Symbol != "" {
		return t.Symbol
	}
	return t.Address
}
