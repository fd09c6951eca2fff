// Package pricing resolves USD prices for tokens and gas assets.
package pricing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defi-autopilot/internal/cache"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/providers/defillama"
)

// Source fetches live prices keyed by DefiLlama coin id.
type Source interface {
	Prices(ctx context.Context, coins []string) (map[string]defillama.Price, error)
}

// Prices is the read side consumed by the executor, aggregator and collector.
type Prices interface {
	PriceUSD(ctx context.Context, chain id.Chain, token string) (decimal.Decimal, bool)
	NativePriceUSD(ctx context.Context, chain id.Chain) decimal.Decimal
}

var staticNativeUSD = map[string]decimal.Decimal{
	"ETH":  decimal.NewFromInt(3000),
	"SOL":  decimal.NewFromInt(150),
	"APT":  decimal.NewFromInt(8),
	"POL":  decimal.RequireFromString("0.5"),
	"BNB":  decimal.NewFromInt(600),
	"AVAX": decimal.NewFromInt(30),
}

var stablecoins = map[string]struct{}{
	"USDC": {}, "USDC.E": {}, "USDBC": {}, "USDT": {}, "DAI": {}, "USDE": {}, "FRAX": {}, "PYUSD": {},
}

type Oracle struct {
	source   Source
	cache    *cache.Store
	ttl      time.Duration
	maxStale time.Duration
	log      *slog.Logger
}

type Option func(*Oracle)

// WithCache serves prices from store for ttl, and up to maxStale past it when the
// live source is down.
func WithCache(store *cache.Store, ttl, maxStale time.Duration) Option {
	return func(o *Oracle) {
		o.cache = store
		o.ttl = ttl
		o.maxStale = maxStale
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Oracle) { o.log = l }
}

func New(source Source, opts ...Option) *Oracle {
	o := &Oracle{source: source, ttl: time.Minute, log: logger.Named("pricing")}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PriceUSD returns the USD price of one whole token. The boolean is false when
// neither the live source, the cache nor the static table knows the token.
func (o *Oracle) PriceUSD(ctx context.Context, chain id.Chain, token string) (decimal.Decimal, bool) {
	key, err := defillama.CoinKey(chain, token)
	if err == nil {
		if price, ok := o.lookup(ctx, key); ok {
			return price, true
		}
	}
	return staticPrice(chain, token)
}

// NativePriceUSD never fails: it falls back to the static table, then to zero.
func (o *Oracle) NativePriceUSD(ctx context.Context, chain id.Chain) decimal.Decimal {
	price, _ := o.PriceUSD(ctx, chain, "")
	return price
}

type cachedPrice struct {
	USD string `json:"usd"`
}

func (o *Oracle) lookup(ctx context.Context, key string) (decimal.Decimal, bool) {
	cacheKey := "price:" + key
	if o.cache != nil {
		var hit cachedPrice
		res, err := o.cache.GetJSON(ctx, cacheKey, 0, &hit)
		if err == nil && res.Usable() && !res.Stale {
			if v, err := decimal.NewFromString(hit.USD); err == nil {
				return v, true
			}
		}
	}

	if o.source != nil {
		prices, err := o.source.Prices(ctx, []string{key})
		if err == nil {
			if p, ok := prices[key]; ok && p.Price > 0 {
				v := decimal.NewFromFloat(p.Price)
				if o.cache != nil {
					if err := o.cache.SetJSON(ctx, cacheKey, cachedPrice{USD: v.String()}, o.ttl); err != nil {
						o.log.Debug("price cache write failed", "key", key, "err", err)
					}
				}
				return v, true
			}
		} else {
			o.log.Warn("price lookup failed", "key", key, "err", err)
		}
	}

	if o.cache != nil && o.maxStale > 0 {
		var stale cachedPrice
		res, err := o.cache.GetJSON(ctx, cacheKey, o.maxStale, &stale)
		if err == nil && res.Usable() {
			if v, err := decimal.NewFromString(stale.USD); err == nil {
				return v, true
			}
		}
	}
	return decimal.Zero, false
}

func staticPrice(chain id.Chain, token string) (decimal.Decimal, bool) {
	if strings.TrimSpace(token) == "" || id.IsNative(chain, token) {
		native, ok := id.NativeAsset(chain)
		if !ok {
			return decimal.Zero, false
		}
		v, ok := staticNativeUSD[native.Symbol]
		return v, ok
	}
	known, ok := id.LookupByAddress(chain.CAIP2, token)
	if !ok {
		return decimal.Zero, false
	}
	if _, stable := stablecoins[strings.ToUpper(known.Symbol)]; stable {
		return decimal.NewFromInt(1), true
	}
	if native, ok := id.NativeAsset(chain); ok && strings.EqualFold(native.Wrapped, known.Address) {
		v, ok := staticNativeUSD[native.Symbol]
		return v, ok
	}
	return decimal.Zero, false
}
