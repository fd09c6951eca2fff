package execution

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
)

type blockTag string

const (
	blockTagLatest  blockTag = "latest"
	blockTagPending blockTag = "pending"
)

var errorStringSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

func callMsg(p model.TransactionPayload, from string) (ethereum.CallMsg, error) {
	if !common.IsHexAddress(strings.TrimSpace(p.To)) {
		return ethereum.CallMsg{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid target address %q", p.To))
	}
	to := common.HexToAddress(strings.TrimSpace(p.To))
	data, err := p.DataBytes()
	if err != nil {
		return ethereum.CallMsg{}, clierr.Wrap(clierr.CodeUsage, "decode calldata", err)
	}
	value, err := p.ValueWei()
	if err != nil {
		return ethereum.CallMsg{}, clierr.Wrap(clierr.CodeUsage, "parse value", err)
	}
	msg := ethereum.CallMsg{To: &to, Value: value, Data: data}
	if common.IsHexAddress(strings.TrimSpace(from)) {
		msg.From = common.HexToAddress(strings.TrimSpace(from))
	}
	return msg, nil
}

// estimateGasWithBlockTag asks for an estimate against the given tag, retrying on
// latest and finally the plain ethclient call for nodes that reject tags.
func estimateGasWithBlockTag(ctx context.Context, backend EVMBackend, msg ethereum.CallMsg, tag blockTag) (uint64, error) {
	arg := map[string]any{
		"from": msg.From.Hex(),
	}
	if msg.To != nil {
		arg["to"] = msg.To.Hex()
	}
	if len(msg.Data) > 0 {
		arg["data"] = hexutil.Bytes(msg.Data)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}

	var estimated hexutil.Uint64
	err := backend.CallContext(ctx, &estimated, "eth_estimateGas", arg, string(tag))
	if err == nil {
		return uint64(estimated), nil
	}
	if decodeRevertFromError(err) != "" || isRevert(err) {
		return 0, err
	}
	if tag == blockTagPending {
		if retryErr := backend.CallContext(ctx, &estimated, "eth_estimateGas", arg, string(blockTagLatest)); retryErr == nil {
			return uint64(estimated), nil
		}
	}
	fallback, fallbackErr := backend.EstimateGas(ctx, msg)
	if fallbackErr == nil {
		return fallback, nil
	}
	return 0, err
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "revert")
}

// decodeRevertData renders Error(string) payloads as their message and anything
// else as its 4-byte selector.
func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if string(data[:4]) == string(errorStringSelector) {
		stringTy, err := abi.NewType("string", "", nil)
		if err != nil {
			return ""
		}
		values, err := abi.Arguments{{Type: stringTy}}.Unpack(data[4:])
		if err != nil || len(values) == 0 {
			return ""
		}
		if reason, ok := values[0].(string); ok {
			return reason
		}
		return ""
	}
	return fmt.Sprintf("custom error 0x%s", hex.EncodeToString(data[:4]))
}

func decodeRevertFromError(err error) string {
	if err == nil {
		return ""
	}
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	switch v := dataErr.ErrorData().(type) {
	case string:
		return decodeRevertData(common.FromHex(v))
	case []byte:
		return decodeRevertData(v)
	}
	return ""
}

// revertMessage prefers the decoded reason so classification sees the contract's words.
func revertMessage(err error) string {
	if reason := decodeRevertFromError(err); reason != "" {
		msg := err.Error()
		if strings.Contains(msg, reason) {
			return msg
		}
		return msg + ": " + reason
	}
	return err.Error()
}

func wrapEVMExecutionError(code clierr.Code, message string, err error) error {
	if reason := decodeRevertFromError(err); reason != "" {
		return clierr.Wrap(code, message+": "+reason, err)
	}
	return clierr.Wrap(code, message, err)
}

func normalizeTxHash(raw string) (common.Hash, bool) {
	clean := strings.TrimSpace(raw)
	if !strings.HasPrefix(clean, "0x") || len(clean) != 66 {
		return common.Hash{}, false
	}
	if _, err := hex.DecodeString(clean[2:]); err != nil {
		return common.Hash{}, false
	}
	return common.HexToHash(clean), true
}

var nonceLocks sync.Map

// acquireSignerNonceLock serializes nonce allocation per (chain, signer) within the process.
func acquireSignerNonceLock(chainID *big.Int, addr common.Address) func() {
	key := chainID.String() + ":" + strings.ToLower(addr.Hex())
	v, _ := nonceLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
