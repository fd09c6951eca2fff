package execution

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ggonzalez94/defi-autopilot/internal/chain/aptos"
	"github.com/ggonzalez94/defi-autopilot/internal/chain/solana"
	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/httpx"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/registry"
)

// EVMBackend is the subset of ethclient used for simulation, pricing and broadcast.
type EVMBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	// CallContext issues a raw JSON-RPC call, used for block-tagged estimates.
	CallContext(ctx context.Context, result any, method string, args ...any) error
	Close()
}

type SolanaBackend interface {
	SimulateTransaction(ctx context.Context, txBase64 string) (solana.SimulateResult, error)
	SendTransaction(ctx context.Context, txBase64 string) (string, error)
	GetLatestBlockhash(ctx context.Context) (string, error)
	GetSignatureStatuses(ctx context.Context, sigs []string) ([]*solana.SignatureStatus, error)
	GetRecentPrioritizationFees(ctx context.Context) ([]uint64, error)
}

type AptosBackend interface {
	EstimateGasPrice(ctx context.Context) (aptos.GasPrice, error)
	Simulate(ctx context.Context, sender, publicKeyHex string, call model.AptosCall) (aptos.UserTransaction, error)
	Submit(ctx context.Context, account aptos.Account, call model.AptosCall, gasUnitPrice uint64) (aptos.UserTransaction, error)
}

type ethBackend struct {
	*ethclient.Client
}

func (b ethBackend) CallContext(ctx context.Context, result any, method string, args ...any) error {
	return b.Client.Client().CallContext(ctx, result, method, args...)
}

func dialEVM(ctx context.Context, url string) (EVMBackend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return ethBackend{client}, nil
}

// Backends hands out one client per RPC endpoint and keeps it for the process lifetime.
type Backends struct {
	mu       sync.Mutex
	override func(slug string) string
	http     *httpx.Client
	dial     func(ctx context.Context, url string) (EVMBackend, error)

	evm map[string]EVMBackend
	sol map[string]SolanaBackend
	apt map[string]AptosBackend
}

// NewBackends resolves endpoints through override (config chains.<slug>.rpc_url),
// then the registry defaults.
func NewBackends(override func(slug string) string, httpClient *httpx.Client) *Backends {
	if override == nil {
		override = func(string) string { return "" }
	}
	return &Backends{
		override: override,
		http:     httpClient,
		dial:     dialEVM,
		evm:      map[string]EVMBackend{},
		sol:      map[string]SolanaBackend{},
		apt:      map[string]AptosBackend{},
	}
}

func (b *Backends) EVM(ctx context.Context, chain id.Chain) (EVMBackend, error) {
	if !chain.IsEVM() {
		return nil, clierr.New(clierr.CodeUnsupported, "not an evm chain: "+chain.CAIP2)
	}
	b.mu.Lock()
	if backend, ok := b.evm[chain.CAIP2]; ok {
		b.mu.Unlock()
		return backend, nil
	}
	b.mu.Unlock()
	url, err := registry.ResolveRPCURL(b.override(chain.Slug), chain)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc", err)
	}
	backend, err := b.EVMAt(ctx, url)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.evm[chain.CAIP2] = backend
	b.mu.Unlock()
	return backend, nil
}

// EVMAt returns a client for an explicit endpoint such as a private relay.
func (b *Backends) EVMAt(ctx context.Context, url string) (EVMBackend, error) {
	key := "url:" + strings.TrimSpace(url)
	b.mu.Lock()
	defer b.mu.Unlock()
	if backend, ok := b.evm[key]; ok {
		return backend, nil
	}
	backend, err := b.dial(ctx, strings.TrimSpace(url))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	b.evm[key] = backend
	return backend, nil
}

func (b *Backends) Solana(chain id.Chain) (SolanaBackend, error) {
	if !chain.IsSolana() {
		return nil, clierr.New(clierr.CodeUnsupported, "not a solana chain: "+chain.CAIP2)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if backend, ok := b.sol[chain.CAIP2]; ok {
		return backend, nil
	}
	url, err := registry.ResolveRPCURL(b.override(chain.Slug), chain)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc", err)
	}
	backend := solana.NewClient(url)
	b.sol[chain.CAIP2] = backend
	return backend, nil
}

func (b *Backends) Aptos(chain id.Chain) (AptosBackend, error) {
	if !chain.IsAptos() {
		return nil, clierr.New(clierr.CodeUnsupported, "not an aptos chain: "+chain.CAIP2)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if backend, ok := b.apt[chain.CAIP2]; ok {
		return backend, nil
	}
	url, err := registry.ResolveRPCURL(b.override(chain.Slug), chain)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc", err)
	}
	backend := aptos.NewClient(url, b.http)
	b.apt[chain.CAIP2] = backend
	return backend, nil
}

// SetEVM pins a backend for a chain or, with a "url:" prefixed key, an endpoint.
func (b *Backends) SetEVM(key string, backend EVMBackend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evm[key] = backend
}

func (b *Backends) SetSolana(caip2 string, backend SolanaBackend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sol[caip2] = backend
}

func (b *Backends) SetAptos(caip2 string, backend AptosBackend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.apt[caip2] = backend
}

func (b *Backends) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, backend := range b.evm {
		backend.Close()
		delete(b.evm, key)
	}
}
