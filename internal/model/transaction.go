package model

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionPayload is a chain-agnostic unit of work handed to the executor.
// Build it with one of the New*Payload constructors and pass it by value.
type TransactionPayload struct {
	Chain  string     `json:"chain"`
	To     string     `json:"to,omitempty"`
	Data   string     `json:"data,omitempty"`
	Value  string     `json:"value,omitempty"`
	Aptos  *AptosCall `json:"aptos,omitempty"`
	Solana *SolanaTx  `json:"solana,omitempty"`
}

// AptosCall is an entry function invocation.
type AptosCall struct {
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

// SolanaTx carries either a router-built serialized transaction or raw instructions.
type SolanaTx struct {
	Serialized   string              `json:"serialized,omitempty"`
	Instructions []SolanaInstruction `json:"instructions,omitempty"`
}

type SolanaInstruction struct {
	ProgramID string              `json:"program_id"`
	Accounts  []SolanaAccountMeta `json:"accounts"`
	Data      string              `json:"data"`
}

type SolanaAccountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

func NewEVMPayload(chainID, to string, data []byte, value *big.Int) TransactionPayload {
	p := TransactionPayload{Chain: chainID, To: to, Value: "0"}
	if len(data) > 0 {
		p.Data = "0x" + hex.EncodeToString(data)
	}
	if value != nil {
		p.Value = value.String()
	}
	return p
}

func NewAptosPayload(chainID string, call AptosCall) TransactionPayload {
	if call.TypeArguments == nil {
		call.TypeArguments = []string{}
	}
	if call.Arguments == nil {
		call.Arguments = []any{}
	}
	return TransactionPayload{Chain: chainID, Aptos: &call}
}

func NewSolanaPayload(chainID string, tx SolanaTx) TransactionPayload {
	return TransactionPayload{Chain: chainID, Solana: &tx}
}

// ValueWei parses Value as a base-10 integer. Empty means zero.
func (p TransactionPayload) ValueWei() (*big.Int, error) {
	raw := strings.TrimSpace(p.Value)
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid payload value %q", p.Value)
	}
	return v, nil
}

// DataBytes decodes the 0x-prefixed calldata.
func (p TransactionPayload) DataBytes() ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(p.Data), "0x")
	if clean == "" {
		return nil, nil
	}
	return hex.DecodeString(clean)
}

type TxType string

const (
	TxDeposit  TxType = "deposit"
	TxWithdraw TxType = "withdraw"
	TxHarvest  TxType = "harvest"
	TxCompound TxType = "compound"
	TxSwap     TxType = "swap"
	TxApprove  TxType = "approve"
	TxWrap     TxType = "wrap"
	TxBridge   TxType = "bridge"
)

type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordSubmitted RecordStatus = "submitted"
	RecordFailed    RecordStatus = "failed"
	RecordRejected  RecordStatus = "rejected"
)

// TransactionRecord is the durable audit entry written for every executor call.
type TransactionRecord struct {
	ID            string            `json:"id"`
	Chain         string            `json:"chain"`
	Wallet        string            `json:"wallet"`
	Type          TxType            `json:"type"`
	AmountUSD     decimal.Decimal   `json:"amount_usd"`
	GasCostUSD    decimal.Decimal   `json:"gas_cost_usd"`
	Status        RecordStatus      `json:"status"`
	Hash          string            `json:"hash,omitempty"`
	DeferredID    string            `json:"deferred_id,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	ProtocolID    string            `json:"protocol_id,omitempty"`
	PoolID        string            `json:"pool_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type SimulationResult struct {
	Success     bool     `json:"success"`
	GasEstimate uint64   `json:"gas_estimate"`
	Error       string   `json:"error,omitempty"`
	Logs        []string `json:"logs,omitempty"`
}

// FeeParams is the gas pricing chosen for one transaction.
// Units follow the chain family: wei (EVM), lamports and micro-lamports per CU (Solana),
// octas per gas unit (Aptos).
type FeeParams struct {
	GasLimit    uint64          `json:"gas_limit"`
	BaseFee     *big.Int        `json:"base_fee"`
	PriorityFee *big.Int        `json:"priority_fee"`
	MaxFee      *big.Int        `json:"max_fee"`
	CostNative  decimal.Decimal `json:"cost_native"`
	CostUSD     decimal.Decimal `json:"cost_usd"`
	Source      string          `json:"source"`
}

type PendingSignatureStatus string

const (
	SignaturePending PendingSignatureStatus = "pending"
	SignatureSigned  PendingSignatureStatus = "signed"
	SignatureExpired PendingSignatureStatus = "expired"
)

// PendingSignature is a transaction parked for an external signer in cold mode.
type PendingSignature struct {
	ID        string                 `json:"id"`
	RecordID  string                 `json:"record_id"`
	Chain     string                 `json:"chain"`
	From      string                 `json:"from"`
	Payload   TransactionPayload     `json:"payload"`
	GasLimit  uint64                 `json:"gas_limit"`
	Status    PendingSignatureStatus `json:"status"`
	TxHash    string                 `json:"tx_hash,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}
