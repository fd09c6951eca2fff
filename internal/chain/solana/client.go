// Package solana is a minimal Solana JSON-RPC client plus the transaction
// encoding needed to sign and submit instruction lists.
package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 500 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second
)

// Client speaks JSON-RPC 2.0 over HTTP with retries on transport failures and 429s.
type Client struct {
	endpoint   string
	http       *http.Client
	maxRetries int
	retryDelay time.Duration
	maxDelay   time.Duration
	requestID  atomic.Uint64
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.http = client }
}

func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		http:       &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		maxDelay:   DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. Preflight failures carry logs in Data.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.requestID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	delay := c.retryDelay
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
		}

		var decoded rpcResponse
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		if decoded.Error != nil {
			return decoded.Error
		}
		if result != nil && len(decoded.Result) > 0 {
			if err := json.Unmarshal(decoded.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

type SimulateResult struct {
	// Err is the raw transaction error; nil on success.
	Err           json.RawMessage `json:"err"`
	Logs          []string        `json:"logs"`
	UnitsConsumed uint64          `json:"unitsConsumed"`
}

// Failed reports whether the simulation produced a non-null error.
func (r SimulateResult) Failed() bool {
	trimmed := bytes.TrimSpace(r.Err)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// SimulateTransaction runs a base64 transaction without signature checks.
func (c *Client) SimulateTransaction(ctx context.Context, txBase64 string) (SimulateResult, error) {
	var out struct {
		Value SimulateResult `json:"value"`
	}
	params := []any{txBase64, map[string]any{
		"encoding":               "base64",
		"sigVerify":              false,
		"replaceRecentBlockhash": true,
		"commitment":             "processed",
	}}
	if err := c.call(ctx, "simulateTransaction", params, &out); err != nil {
		return SimulateResult{}, err
	}
	return out.Value, nil
}

// SendTransaction broadcasts a signed base64 transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, txBase64 string) (string, error) {
	var sig string
	params := []any{txBase64, map[string]any{
		"encoding":            "base64",
		"preflightCommitment": "confirmed",
		"maxRetries":          3,
	}}
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

func (c *Client) GetLatestBlockhash(ctx context.Context) (string, error) {
	var out struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []any{map[string]any{"commitment": "finalized"}}, &out); err != nil {
		return "", err
	}
	if out.Value.Blockhash == "" {
		return "", fmt.Errorf("empty blockhash")
	}
	return out.Value.Blockhash, nil
}

type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Confirmed reports confirmed or finalized commitment.
func (s SignatureStatus) Confirmed() bool {
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized"
}

func (s SignatureStatus) Failed() bool {
	trimmed := bytes.TrimSpace(s.Err)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// GetSignatureStatuses returns one entry per signature; unknown signatures are nil.
func (c *Client) GetSignatureStatuses(ctx context.Context, sigs []string) ([]*SignatureStatus, error) {
	var out struct {
		Value []*SignatureStatus `json:"value"`
	}
	params := []any{sigs, map[string]any{"searchTransactionHistory": false}}
	if err := c.call(ctx, "getSignatureStatuses", params, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// GetRecentPrioritizationFees returns recent per-slot priority fees in micro-lamports per CU.
func (c *Client) GetRecentPrioritizationFees(ctx context.Context) ([]uint64, error) {
	var out []struct {
		Slot              uint64 `json:"slot"`
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := c.call(ctx, "getRecentPrioritizationFees", []any{}, &out); err != nil {
		return nil, err
	}
	fees := make([]uint64, 0, len(out))
	for _, item := range out {
		fees = append(fees, item.PrioritizationFee)
	}
	return fees, nil
}

// GetBalance returns the lamport balance of an account.
func (c *Client) GetBalance(ctx context.Context, account string) (uint64, error) {
	var out struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []any{account}, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// GetTokenAccountBalance returns the raw amount held by an SPL token account.
func (c *Client) GetTokenAccountBalance(ctx context.Context, account string) (string, int, error) {
	var out struct {
		Value struct {
			Amount   string `json:"amount"`
			Decimals int    `json:"decimals"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getTokenAccountBalance", []any{account}, &out); err != nil {
		return "", 0, err
	}
	return out.Value.Amount, out.Value.Decimals, nil
}
