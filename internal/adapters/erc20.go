package adapters

import (
	"context"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/providers"
	"github.com/ggonzalez94/defi-autopilot/internal/registry"
)

var (
	erc20ABI         = providers.ERC20ABI
	wrappedNativeABI = providers.MustABI(registry.WrappedNativeABI)
)

// WrappedNative returns the wrapped gas token of an EVM chain.
func WrappedNative(chain id.Chain) (model.Token, bool) {
	native, ok := id.NativeAsset(chain)
	if !ok || !chain.IsEVM() || native.Wrapped == "" {
		return model.Token{}, false
	}
	return model.Token{
		ChainID:  chain.CAIP2,
		Address:  common.HexToAddress(native.Wrapped).Hex(),
		Symbol:   "W" + native.Symbol,
		Decimals: native.Decimals,
	}, true
}

// WrapNative builds a WETH-style deposit() carrying amount as value.
func WrapNative(chain id.Chain, amount *big.Int) (Step, error) {
	wrapped, ok := WrappedNative(chain)
	if !ok {
		return Step{}, clierr.New(clierr.CodeUnsupported, "no wrapped native token for "+chain.CAIP2)
	}
	if amount == nil || amount.Sign() <= 0 {
		return Step{}, clierr.New(clierr.CodeUsage, "wrap amount must be positive")
	}
	data, err := wrappedNativeABI.Pack("deposit")
	if err != nil {
		return Step{}, clierr.Wrap(clierr.CodeInternal, "pack deposit calldata", err)
	}
	return Step{
		Type:        model.TxWrap,
		Description: "Wrap native " + strings.TrimPrefix(wrapped.Symbol, "W"),
		Payload:     model.NewEVMPayload(chain.CAIP2, wrapped.Address, data, amount),
	}, nil
}

// UnwrapNative builds withdraw(amount) on the wrapped native token.
func UnwrapNative(chain id.Chain, amount *big.Int) (Step, error) {
	wrapped, ok := WrappedNative(chain)
	if !ok {
		return Step{}, clierr.New(clierr.CodeUnsupported, "no wrapped native token for "+chain.CAIP2)
	}
	data, err := wrappedNativeABI.Pack("withdraw", amount)
	if err != nil {
		return Step{}, clierr.Wrap(clierr.CodeInternal, "pack withdraw calldata", err)
	}
	return Step{
		Type:        model.TxWrap,
		Description: "Unwrap " + wrapped.Symbol,
		Payload:     model.NewEVMPayload(chain.CAIP2, wrapped.Address, data, nil),
	}, nil
}

// TokenInfo resolves symbol and decimals from the static table, falling back
// to an on-chain decimals() call.
func TokenInfo(ctx context.Context, caller ContractCaller, chain id.Chain, address string) (model.Token, error) {
	if known, ok := id.LookupByAddress(chain.CAIP2, address); ok {
		return model.Token{ChainID: chain.CAIP2, Address: common.HexToAddress(address).Hex(), Symbol: known.Symbol, Decimals: known.Decimals}, nil
	}
	out, err := call(ctx, caller, erc20ABI, common.HexToAddress(address), "decimals")
	if err != nil {
		return model.Token{}, err
	}
	dec, ok := out[0].(uint8)
	if !ok {
		return model.Token{}, clierr.New(clierr.CodeUnavailable, "unexpected decimals() result")
	}
	return model.Token{ChainID: chain.CAIP2, Address: common.HexToAddress(address).Hex(), Decimals: int(dec)}, nil
}

func balanceOf(ctx context.Context, caller ContractCaller, token, owner common.Address) (*big.Int, error) {
	out, err := call(ctx, caller, erc20ABI, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "unexpected balanceOf result")
	}
	return v, nil
}

// call packs method, runs eth_call against to and unpacks the outputs.
func call(ctx context.Context, caller ContractCaller, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack "+method, err)
	}
	raw, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, method+" call", err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode "+method, err)
	}
	if len(out) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, method+" returned nothing")
	}
	return out, nil
}

func asAddress(v any) (common.Address, bool) {
	switch t := v.(type) {
	case common.Address:
		return t, true
	case *common.Address:
		if t != nil {
			return *t, true
		}
	}
	return common.Address{}, false
}

// tupleAddress reads an address field from an ABI-decoded tuple.
func tupleAddress(tuple any, field string) (common.Address, bool) {
	v := reflect.ValueOf(tuple)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return common.Address{}, false
	}
	f := v.FieldByName(field)
	if !f.IsValid() {
		return common.Address{}, false
	}
	return asAddress(f.Interface())
}
