// Package aptos is a small client for the Aptos node REST API covering the
// simulate, encode, sign and submit flow for entry function payloads.
package aptos

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/ggonzalez94/defi-autopilot/internal/httpx"
	"github.com/ggonzalez94/defi-autopilot/internal/model"
)

const (
	DefaultMaxGasAmount = 200_000
	DefaultGasUnitPrice = 100
	expirationWindow    = 60 * time.Second
)

type Client struct {
	baseURL string
	http    *httpx.Client
	now     func() time.Time
}

func NewClient(baseURL string, httpClient *httpx.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient, now: time.Now}
}

// Account is an ed25519 signing identity.
type Account struct {
	private ed25519.PrivateKey
}

// ParseAccount accepts a hex encoded 32-byte ed25519 seed, optionally 0x prefixed.
func ParseAccount(seedHex string) (Account, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(seedHex), "0x"))
	if err != nil {
		return Account{}, fmt.Errorf("decode aptos private key: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return Account{}, fmt.Errorf("aptos private key has %d bytes, want %d", len(raw), ed25519.SeedSize)
	}
	return Account{private: ed25519.NewKeyFromSeed(raw)}, nil
}

func (a Account) PublicKeyHex() string {
	return "0x" + hex.EncodeToString(a.private.Public().(ed25519.PublicKey))
}

// Address is sha3-256(public key || 0x00), the single-key authentication key.
func (a Account) Address() string {
	pub := a.private.Public().(ed25519.PublicKey)
	sum := sha3.Sum256(append(append([]byte{}, pub...), 0x00))
	return "0x" + hex.EncodeToString(sum[:])
}

func (a Account) Sign(message []byte) string {
	return "0x" + hex.EncodeToString(ed25519.Sign(a.private, message))
}

type entryPayload struct {
	Type          string   `json:"type"`
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

type signature struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

type txRequest struct {
	Sender                  string       `json:"sender"`
	SequenceNumber          string       `json:"sequence_number"`
	MaxGasAmount            string       `json:"max_gas_amount"`
	GasUnitPrice            string       `json:"gas_unit_price"`
	ExpirationTimestampSecs string       `json:"expiration_timestamp_secs"`
	Payload                 entryPayload `json:"payload"`
	Signature               *signature   `json:"signature,omitempty"`
}

type UserTransaction struct {
	Hash     string `json:"hash"`
	Success  bool   `json:"success"`
	VMStatus string `json:"vm_status"`
	GasUsed  string `json:"gas_used"`
}

// GasUsedUnits parses gas_used, returning 0 when absent.
func (t UserTransaction) GasUsedUnits() uint64 {
	v, _ := strconv.ParseUint(t.GasUsed, 10, 64)
	return v
}

type GasPrice struct {
	Deprioritized uint64 `json:"deprioritized_gas_estimate"`
	Estimate      uint64 `json:"gas_estimate"`
	Prioritized   uint64 `json:"prioritized_gas_estimate"`
}

func (c *Client) SequenceNumber(ctx context.Context, address string) (uint64, error) {
	var out struct {
		SequenceNumber string `json:"sequence_number"`
	}
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/v1/accounts/"+address, nil, &out); err != nil {
		return 0, err
	}
	seq, err := strconv.ParseUint(out.SequenceNumber, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sequence number %q: %w", out.SequenceNumber, err)
	}
	return seq, nil
}

func (c *Client) EstimateGasPrice(ctx context.Context) (GasPrice, error) {
	var out GasPrice
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/v1/estimate_gas_price", nil, &out); err != nil {
		return GasPrice{}, err
	}
	return out, nil
}

// Simulate runs the call with a zeroed signature for the given sender public key.
func (c *Client) Simulate(ctx context.Context, sender, publicKeyHex string, call model.AptosCall) (UserTransaction, error) {
	seq, err := c.SequenceNumber(ctx, sender)
	if err != nil {
		return UserTransaction{}, err
	}
	req := c.request(sender, seq, call, DefaultGasUnitPrice)
	req.Signature = &signature{
		Type:      "ed25519_signature",
		PublicKey: publicKeyHex,
		Signature: "0x" + strings.Repeat("00", ed25519.SignatureSize),
	}
	var out []UserTransaction
	url := c.baseURL + "/v1/transactions/simulate?estimate_gas_unit_price=true&estimate_max_gas_amount=true"
	if _, err := httpx.PostJSON(ctx, c.http, url, req, nil, &out); err != nil {
		return UserTransaction{}, err
	}
	if len(out) == 0 {
		return UserTransaction{}, fmt.Errorf("empty simulation response")
	}
	return out[0], nil
}

// Submit encodes, signs and submits the call, then waits for it to be committed.
func (c *Client) Submit(ctx context.Context, account Account, call model.AptosCall, gasUnitPrice uint64) (UserTransaction, error) {
	sender := account.Address()
	seq, err := c.SequenceNumber(ctx, sender)
	if err != nil {
		return UserTransaction{}, err
	}
	req := c.request(sender, seq, call, gasUnitPrice)

	var signingHex string
	if _, err := httpx.PostJSON(ctx, c.http, c.baseURL+"/v1/transactions/encode_submission", req, nil, &signingHex); err != nil {
		return UserTransaction{}, fmt.Errorf("encode submission: %w", err)
	}
	message, err := hex.DecodeString(strings.TrimPrefix(signingHex, "0x"))
	if err != nil {
		return UserTransaction{}, fmt.Errorf("decode signing message: %w", err)
	}
	req.Signature = &signature{Type: "ed25519_signature", PublicKey: account.PublicKeyHex(), Signature: account.Sign(message)}

	var pending UserTransaction
	if _, err := httpx.PostJSON(ctx, c.http, c.baseURL+"/v1/transactions", req, nil, &pending); err != nil {
		return UserTransaction{}, fmt.Errorf("submit transaction: %w", err)
	}
	if pending.Hash == "" {
		return UserTransaction{}, fmt.Errorf("submit transaction: empty hash")
	}
	return c.WaitByHash(ctx, pending.Hash)
}

func (c *Client) WaitByHash(ctx context.Context, hash string) (UserTransaction, error) {
	var out UserTransaction
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/v1/transactions/wait_by_hash/"+hash, nil, &out); err != nil {
		return UserTransaction{}, err
	}
	if out.Hash == "" {
		out.Hash = hash
	}
	if !out.Success {
		return out, fmt.Errorf("transaction %s failed: %s", hash, out.VMStatus)
	}
	return out, nil
}

func (c *Client) request(sender string, seq uint64, call model.AptosCall, gasUnitPrice uint64) txRequest {
	if gasUnitPrice == 0 {
		gasUnitPrice = DefaultGasUnitPrice
	}
	args := call.Arguments
	if args == nil {
		args = []any{}
	}
	typeArgs := call.TypeArguments
	if typeArgs == nil {
		typeArgs = []string{}
	}
	return txRequest{
		Sender:                  sender,
		SequenceNumber:          strconv.FormatUint(seq, 10),
		MaxGasAmount:            strconv.Itoa(DefaultMaxGasAmount),
		GasUnitPrice:            strconv.FormatUint(gasUnitPrice, 10),
		ExpirationTimestampSecs: strconv.FormatInt(c.now().Add(expirationWindow).Unix(), 10),
		Payload: entryPayload{
			Type:          "entry_function_payload",
			Function:      call.Function,
			TypeArguments: typeArgs,
			Arguments:     args,
		},
	}
}
