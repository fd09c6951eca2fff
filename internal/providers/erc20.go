package providers

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/id"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
	"github.com/ggonzalez94/defi-autopilot/internal/registry"
)

var ERC20ABI = MustABI(registry.ERC20MinimalABI)

func MustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ApprovePayload encodes approve(spender, amount) on token.
func ApprovePayload(chain id.Chain, token, spender string, amount *big.Int) (model.TransactionPayload, error) {
	if !common.IsHexAddress(token) {
		return model.TransactionPayload{}, clierr.New(clierr.CodeUsage, "approval requires an ERC20 token address")
	}
	if !common.IsHexAddress(spender) {
		return model.TransactionPayload{}, clierr.New(clierr.CodeUsage, "approval spender must be a valid EVM address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return model.TransactionPayload{}, clierr.New(clierr.CodeUsage, "approval amount must be positive")
	}
	data, err := ERC20ABI.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return model.TransactionPayload{}, clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
	}
	return model.NewEVMPayload(chain.CAIP2, common.HexToAddress(token).Hex(), data, nil), nil
}

// ApproveIfNeeded returns an approve step when owner's allowance for spender is
// below amount. Native tokens never need one; a nil reader always approves.
func ApproveIfNeeded(ctx context.Context, reader Allowances, chain id.Chain, token model.Token, owner, spender string, amount *big.Int) (*model.CrossChainStep, error) {
	if !chain.IsEVM() || id.IsNative(chain, token.Address) || strings.TrimSpace(spender) == "" {
		return nil, nil
	}
	if reader != nil {
		current, err := reader.Allowance(ctx, chain, token.Address, owner, spender)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "read allowance", err)
		}
		if current != nil && current.Cmp(amount) >= 0 {
			return nil, nil
		}
	}
	payload, err := ApprovePayload(chain, token.Address, spender, amount)
	if err != nil {
		return nil, err
	}
	symbol := token.Symbol
	if symbol == "" {
		symbol = token.Address
	}
	return &model.CrossChainStep{
		Kind:        model.StepApprove,
		Chain:       chain.CAIP2,
		Description: fmt.Sprintf("Approve %s for %s", strings.ToUpper(symbol), common.HexToAddress(spender).Hex()),
		Payload:     payload,
	}, nil
}

// ParseAmount parses a positive base-unit integer.
func ParseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %q must be a positive integer in base units", raw))
	}
	return v, nil
}

// HexToDecimal converts a 0x quantity to a base-10 string. Decimal input passes through.
func HexToDecimal(v string) (string, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return "0", nil
	}
	if !strings.HasPrefix(clean, "0x") && !strings.HasPrefix(clean, "0X") {
		if _, ok := new(big.Int).SetString(clean, 10); ok {
			return clean, nil
		}
		return "", fmt.Errorf("invalid value %q", v)
	}
	n, ok := new(big.Int).SetString(clean[2:], 16)
	if !ok {
		if clean == "0x" || clean == "0X" {
			return "0", nil
		}
		return "", fmt.Errorf("invalid hex value %q", v)
	}
	return n.String(), nil
}

// EVMTx is the transaction request shape returned by router APIs.
type EVMTx struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

// Payload validates the request and converts it into a TransactionPayload.
func (t EVMTx) Payload(chain id.Chain) (model.TransactionPayload, error) {
	if !common.IsHexAddress(strings.TrimSpace(t.To)) {
		return model.TransactionPayload{}, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("router returned invalid target %q", t.To))
	}
	data := strings.TrimSpace(t.Data)
	if data == "" || data == "0x" {
		return model.TransactionPayload{}, clierr.New(clierr.CodeActionPlan, "router returned empty calldata")
	}
	if !strings.HasPrefix(data, "0x") {
		data = "0x" + data
	}
	value, err := HexToDecimal(t.Value)
	if err != nil {
		return model.TransactionPayload{}, clierr.Wrap(clierr.CodeActionPlan, "parse router transaction value", err)
	}
	return model.TransactionPayload{
		Chain: chain.CAIP2,
		To:    common.HexToAddress(strings.TrimSpace(t.To)).Hex(),
		Data:  strings.ToLower(data),
		Value: value,
	}, nil
}

// SlippageFraction renders basis points as the decimal fraction routers expect.
func SlippageFraction(bps int64) string {
	return strconv.FormatFloat(float64(Slippage(bps))/10000, 'f', 6, 64)
}

// SlippagePercent renders basis points as a percentage.
func SlippagePercent(bps int64) string {
	return strconv.FormatFloat(float64(Slippage(bps))/100, 'f', 2, 64)
}

// Amount builds an AmountInfo from base units.
func Amount(baseUnits string, decimals int) model.AmountInfo {
	return model.AmountInfo{
		AmountBaseUnits: baseUnits,
		AmountDecimal:   id.FormatDecimalCompat(baseUnits, decimals),
		Decimals:        decimals,
	}
}
