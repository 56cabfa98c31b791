// Package rpc is the JSON-RPC client for the network's standard
// transaction-relay endpoint: the plain submission path.
package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/solbot/internal/domain"
)

// Client talks JSON-RPC to a node endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	nextID     atomic.Uint64
}

// New creates a Client for the given node endpoint.
func New(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpc: marshal %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("rpc: read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc: %s: status %d: %s", method, resp.StatusCode, respBody)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("rpc: decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc: %s: node error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("rpc: decode %s result: %w", method, err)
		}
	}
	return nil
}

// LatestBlockhash fetches a fresh checkpoint to build or re-sign against.
func (c *Client) LatestBlockhash(ctx context.Context) (domain.Blockhash, error) {
	var result struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []any{map[string]string{"commitment": "confirmed"}}, &result); err != nil {
		return domain.Blockhash{}, err
	}
	return domain.Blockhash{
		Hash:            result.Value.Blockhash,
		LastValidHeight: result.Value.LastValidBlockHeight,
	}, nil
}

// IsBlockhashValid reports whether the node still accepts transactions built
// against the given blockhash.
func (c *Client) IsBlockhashValid(ctx context.Context, hash string) (bool, error) {
	var result struct {
		Value bool `json:"value"`
	}
	if err := c.call(ctx, "isBlockhashValid", []any{hash, map[string]string{"commitment": "confirmed"}}, &result); err != nil {
		return false, err
	}
	return result.Value, nil
}

// SendTransaction submits a signed transaction and returns its signature.
// Unsigned transactions are rejected locally before any network call.
func (c *Client) SendTransaction(ctx context.Context, tx *domain.Transaction) (string, error) {
	if !tx.Signed() {
		return "", fmt.Errorf("rpc: refusing to send unsigned transaction")
	}
	encoded := base64.StdEncoding.EncodeToString(encodeWire(tx))
	var sig string
	if err := c.call(ctx, "sendTransaction", []any{encoded, map[string]any{
		"encoding":   "base64",
		"maxRetries": 0,
	}}, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

// SimulateTransaction runs the transaction against current state without
// submitting it.
func (c *Client) SimulateTransaction(ctx context.Context, tx *domain.Transaction) (domain.SimulationResult, error) {
	encoded := base64.StdEncoding.EncodeToString(encodeWire(tx))
	var result struct {
		Value struct {
			Err  any      `json:"err"`
			Logs []string `json:"logs"`
		} `json:"value"`
	}
	if err := c.call(ctx, "simulateTransaction", []any{encoded, map[string]any{
		"encoding":        "base64",
		"sigVerify":       false,
		"replaceRecentBlockhash": true,
	}}, &result); err != nil {
		return domain.SimulationResult{}, err
	}

	sim := domain.SimulationResult{Success: result.Value.Err == nil, Logs: result.Value.Logs}
	if result.Value.Err != nil {
		errJSON, _ := json.Marshal(result.Value.Err)
		sim.Err = string(errJSON)
	}
	return sim, nil
}

// ConfirmSignature polls signature status until the requested commitment
// level is reached or the context expires. level is "confirmed" or
// "finalized".
func (c *Client) ConfirmSignature(ctx context.Context, sig, level string) (bool, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		var result struct {
			Value []*struct {
				ConfirmationStatus string `json:"confirmationStatus"`
				Err                any    `json:"err"`
			} `json:"value"`
		}
		if err := c.call(ctx, "getSignatureStatuses", []any{[]string{sig}}, &result); err != nil {
			return false, err
		}
		if len(result.Value) > 0 && result.Value[0] != nil {
			st := result.Value[0]
			if st.Err != nil {
				return false, fmt.Errorf("rpc: transaction %s failed on chain", sig)
			}
			switch st.ConfirmationStatus {
			case "finalized":
				return true, nil
			case "confirmed":
				if level != "finalized" {
					return true, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetTransaction fetches the confirmed on-chain record so callers can read
// the actually-received amount rather than trusting the quote.
func (c *Client) GetTransaction(ctx context.Context, sig string) (domain.TransactionRecord, error) {
	var result struct {
		Slot uint64 `json:"slot"`
		Meta struct {
			Fee            uint64 `json:"fee"`
			ReceivedAmount uint64 `json:"receivedAmount"`
		} `json:"meta"`
	}
	if err := c.call(ctx, "getTransaction", []any{sig, map[string]any{
		"encoding":   "json",
		"commitment": "confirmed",
	}}, &result); err != nil {
		return domain.TransactionRecord{}, err
	}
	return domain.TransactionRecord{
		Signature:      sig,
		Slot:           result.Slot,
		ReceivedAmount: result.Meta.ReceivedAmount,
		FeeLamports:    result.Meta.Fee,
	}, nil
}

// GetAccountInfo returns the raw data of an on-chain account, or
// domain.ErrNotFound when the account does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, address string) ([]byte, error) {
	var result struct {
		Value *struct {
			Data []string `json:"data"` // [payload, encoding]
		} `json:"value"`
	}
	if err := c.call(ctx, "getAccountInfo", []any{address, map[string]string{"encoding": "base64"}}, &result); err != nil {
		return nil, err
	}
	if result.Value == nil || len(result.Value.Data) == 0 {
		return nil, domain.ErrNotFound
	}
	data, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("rpc: decode account %s data: %w", address, err)
	}
	return data, nil
}

// RecentFees returns recent prioritization fee observations in lamports.
// Implements the fee estimator's Sampler.
func (c *Client) RecentFees(ctx context.Context) ([]uint64, error) {
	var result []struct {
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := c.call(ctx, "getRecentPrioritizationFees", []any{}, &result); err != nil {
		return nil, err
	}
	fees := make([]uint64, 0, len(result))
	for _, r := range result {
		fees = append(fees, r.PrioritizationFee)
	}
	return fees, nil
}

// encodeWire serializes a transaction for submission: signatures, blockhash,
// then payload, length-prefixed. The swap instruction encoding inside Payload
// belongs to the strategies.
func encodeWire(tx *domain.Transaction) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(tx.Signatures)))
	for _, s := range tx.Signatures {
		writeLenPrefixed(&buf, []byte(s))
	}
	writeLenPrefixed(&buf, []byte(tx.Blockhash))
	buf.Write(tx.Payload)
	return buf.Bytes()
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBuf [2]byte
	lenBuf[0] = byte(len(b))
	lenBuf[1] = byte(len(b) >> 8)
	buf.Write(lenBuf[:])
	buf.Write(b)
}
