// Package adapters turns protocol intents (deposit, withdraw, harvest) into
// transaction payloads and reads positions and pending rewards.
package adapters

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
)

// Approval asks the caller to make sure Spender may pull Amount of Token before the step runs.
type Approval struct {
	Token   model.Token
	Spender string
	Amount  *big.Int
}

// Step is one transaction produced by an adapter.
type Step struct {
	Type        model.TxType
	Description string
	Payload     model.TransactionPayload
	Approval    *Approval
}

type Adapter interface {
	Protocol() string
	Supports(chain id.Chain) bool
	// GetPosition returns the pool's tokens and the wallet's balance in it.
	// A wallet with no balance gets a position with zero amounts.
	GetPosition(ctx context.Context, chain id.Chain, poolID, wallet string) (model.Position, error)
	GetPendingRewards(ctx context.Context, chain id.Chain, poolID, wallet string) ([]model.PendingReward, error)
	Deposit(ctx context.Context, chain id.Chain, poolID, wallet string, amounts []model.PositionToken) ([]Step, error)
	// Withdraw removes fraction (0,1] of the wallet's position.
	Withdraw(ctx context.Context, chain id.Chain, poolID, wallet string, fraction decimal.Decimal) ([]Step, error)
	Harvest(ctx context.Context, chain id.Chain, poolID, wallet string) ([]Step, error)
}

// ContractCaller is the read-only slice of an EVM client adapters need.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// CallerFunc hands out a contract caller for an EVM chain.
type CallerFunc func(ctx context.Context, chain id.Chain) (ContractCaller, error)

// Registry indexes adapters by protocol id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[normalizeProtocol(a.Protocol())] = a
}

// Get returns the adapter for protocol when it supports chain.
func (r *Registry) Get(protocol string, chain id.Chain) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[normalizeProtocol(protocol)]
	if !ok || !a.Supports(chain) {
		return nil, false
	}
	return a, true
}

// Protocols lists registered protocol ids in order.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// normalizeProtocol folds DefiLlama project slugs onto adapter ids.
func normalizeProtocol(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "aave", "aave-v3", "aave_v3", "aavev3":
		return "aave-v3"
	}
	return p
}

// Directory remembers the underlying tokens of pools seen in market snapshots,
// so adapters can resolve opaque pool ids.
type Directory struct {
	mu    sync.RWMutex
	pools map[string][]string
}

func NewDirectory() *Directory {
	return &Directory{pools: map[string][]string{}}
}

func (d *Directory) Update(snapshots []model.PoolSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range snapshots {
		if len(s.Tokens) > 0 {
			d.pools[s.PoolID] = append([]string(nil), s.Tokens...)
		}
	}
}

func (d *Directory) Set(poolID string, tokens ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pools[poolID] = tokens
}

func (d *Directory) PoolTokens(poolID string) ([]string, bool) {
	if d == nil {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	tokens, ok := d.pools[poolID]
	return tokens, ok
}
