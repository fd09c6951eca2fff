package execution

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/registry"
)

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(registry.ERC20MinimalABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Reader answers read-only ERC20 questions through the shared backends.
type Reader struct {
	backends *Backends
}

func NewReader(backends *Backends) *Reader {
	return &Reader{backends: backends}
}

// Allowance returns token.allowance(owner, spender).
func (r *Reader) Allowance(ctx context.Context, chain id.Chain, token, owner, spender string) (*big.Int, error) {
	for _, addr := range []string{token, owner, spender} {
		if !common.IsHexAddress(addr) {
			return nil, clierr.New(clierr.CodeUsage, "allowance requires EVM addresses")
		}
	}
	return r.callUint(ctx, chain, token, "allowance", common.HexToAddress(owner), common.HexToAddress(spender))
}

// BalanceOf returns token.balanceOf(owner).
func (r *Reader) BalanceOf(ctx context.Context, chain id.Chain, token, owner string) (*big.Int, error) {
	if !common.IsHexAddress(token) || !common.IsHexAddress(owner) {
		return nil, clierr.New(clierr.CodeUsage, "balance requires EVM addresses")
	}
	return r.callUint(ctx, chain, token, "balanceOf", common.HexToAddress(owner))
}

func (r *Reader) callUint(ctx context.Context, chain id.Chain, token, method string, args ...any) (*big.Int, error) {
	if !chain.IsEVM() {
		return nil, clierr.New(clierr.CodeUnsupported, "erc20 reads require an EVM chain")
	}
	client, err := r.backends.EVM(ctx, chain)
	if err != nil {
		return nil, err
	}
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack "+method+" call", err)
	}
	to := common.HexToAddress(token)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, method+" call", err)
	}
	decoded, err := erc20ABI.Unpack(method, out)
	if err != nil || len(decoded) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, "decode "+method+" result")
	}
	v, ok := decoded[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "unexpected "+method+" result type")
	}
	return v, nil
}
