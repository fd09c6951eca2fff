package execution

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ggonzalez94/defi-autopilot/internal/chain/aptos"
	"github.com/ggonzalez94/defi-autopilot/internal/chain/solana"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
)

const (
	solanaMainnet = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	aptosMainnet  = "aptos:1"
)

type fakeEVM struct {
	mu          sync.Mutex
	tip         *big.Int
	base        *big.Int
	estimate    uint64
	estimateErr error
	nonce       uint64
	status      uint64
	gasUsed     uint64
	gasPrice    *big.Int
	callErr     error
	sent        []*types.Transaction
}

func (f *fakeEVM) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeEVM) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateErr
}

func (f *fakeEVM) SuggestGasTipCap(context.Context) (*big.Int, error) {
	if f.tip == nil {
		return nil, ethereum.NotFound
	}
	return new(big.Int).Set(f.tip), nil
}

func (f *fakeEVM) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	if f.base == nil {
		return nil, ethereum.NotFound
	}
	return &types.Header{Number: big.NewInt(100), BaseFee: new(big.Int).Set(f.base)}, nil
}

func (f *fakeEVM) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeEVM) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, f.callErr
}

func (f *fakeEVM) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEVM) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return &types.Receipt{
				Status:            f.status,
				GasUsed:           f.gasUsed,
				EffectiveGasPrice: f.gasPrice,
				BlockNumber:       big.NewInt(101),
				TxHash:            hash,
			}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeEVM) CallContext(_ context.Context, result any, method string, _ ...any) error {
	if method != "eth_estimateGas" {
		return ethereum.NotFound
	}
	if f.estimateErr != nil {
		return f.estimateErr
	}
	*(result.(*hexutil.Uint64)) = hexutil.Uint64(f.estimate)
	return nil
}

func (f *fakeEVM) Close() {}

type fakeSolana struct {
	mu        sync.Mutex
	sim       solana.SimulateResult
	simulated string
	sent      []string
	fees      []uint64
	status    *solana.SignatureStatus
}

func (f *fakeSolana) SimulateTransaction(_ context.Context, tx string) (solana.SimulateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulated = tx
	return f.sim, nil
}

func (f *fakeSolana) SendTransaction(_ context.Context, tx string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	decoded, err := solana.DecodeTransaction(tx)
	if err != nil {
		return "", err
	}
	return decoded.Signature(), nil
}

func (f *fakeSolana) GetLatestBlockhash(context.Context) (string, error) {
	return zeroBlockhash, nil
}

func (f *fakeSolana) GetSignatureStatuses(context.Context, []string) ([]*solana.SignatureStatus, error) {
	return []*solana.SignatureStatus{f.status}, nil
}

func (f *fakeSolana) GetRecentPrioritizationFees(context.Context) ([]uint64, error) {
	return f.fees, nil
}

type fakeAptos struct {
	price     aptos.GasPrice
	priceErr  error
	sim       aptos.UserTransaction
	simErr    error
	simFrom   string
	simKey    string
	submitted []uint64
	result    aptos.UserTransaction
	err       error
}

func (f *fakeAptos) EstimateGasPrice(context.Context) (aptos.GasPrice, error) {
	return f.price, f.priceErr
}

func (f *fakeAptos) Simulate(_ context.Context, sender, publicKey string, _ model.AptosCall) (aptos.UserTransaction, error) {
	f.simFrom = sender
	f.simKey = publicKey
	return f.sim, f.simErr
}

func (f *fakeAptos) Submit(_ context.Context, _ aptos.Account, _ model.AptosCall, gasUnitPrice uint64) (aptos.UserTransaction, error) {
	f.submitted = append(f.submitted, gasUnitPrice)
	return f.result, f.err
}
