// Package bundler is the client for the protected submission path: a
// Jito-style bundling service that accepts tip-carrying transactions and
// shields them from front-running.
package bundler

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

// BundleState is the status of a submitted bundle.
type BundleState string

const (
	StatePending   BundleState = "pending"
	StateLanded    BundleState = "landed"
	StateConfirmed BundleState = "confirmed"
	StateFinalized BundleState = "finalized"
	StateFailed    BundleState = "failed"
	StateInvalid   BundleState = "invalid"
)

// Terminal reports whether polling can stop.
func (s BundleState) Terminal() bool {
	switch s {
	case StateConfirmed, StateFinalized, StateFailed, StateInvalid:
		return true
	default:
		return false
	}
}

// Succeeded reports whether a terminal state means the bundle landed.
func (s BundleState) Succeeded() bool {
	return s == StateConfirmed || s == StateFinalized
}

// Client talks to the bundler's JSON-RPC endpoint.
type Client struct {
	endpoint   string
	tipAccount string
	httpClient *http.Client
	nextID     atomic.Uint64
}

// New creates a Client for the given bundler endpoint. tipAccount is the
// account the tip transfer must pay into.
func New(endpoint, tipAccount string) *Client {
	return &Client{
		endpoint:   endpoint,
		tipAccount: tipAccount,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

// TipAccount returns the bundler's tip destination account.
func (c *Client) TipAccount() string {
	return c.tipAccount
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("bundler: marshal %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bundler: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("bundler: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("bundler: read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bundler: %s: status %d: %s", method, resp.StatusCode, respBody)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("bundler: decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("bundler: %s: error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("bundler: decode %s result: %w", method, err)
		}
	}
	return nil
}

// SubmitBundle sends one or more signed transactions as an atomic bundle and
// returns the bundle id used for status polling.
func (c *Client) SubmitBundle(ctx context.Context, txs []*domain.Transaction) (string, error) {
	encoded := make([]string, 0, len(txs))
	for _, tx := range txs {
		if !tx.Signed() {
			return "", fmt.Errorf("bundler: refusing to bundle unsigned transaction")
		}
		var buf bytes.Buffer
		buf.WriteByte(byte(len(tx.Signatures)))
		for _, s := range tx.Signatures {
			buf.WriteString(s)
		}
		buf.WriteString(tx.Blockhash)
		buf.Write(tx.Payload)
		encoded = append(encoded, base64.StdEncoding.EncodeToString(buf.Bytes()))
	}

	var bundleID string
	if err := c.call(ctx, "sendBundle", []any{encoded, map[string]string{"encoding": "base64"}}, &bundleID); err != nil {
		return "", err
	}
	return bundleID, nil
}

// BundleStatus returns the current state of a bundle together with the
// signature of its first transaction, when known.
func (c *Client) BundleStatus(ctx context.Context, bundleID string) (BundleState, string, error) {
	var result struct {
		Value []struct {
			BundleID  string   `json:"bundle_id"`
			Status    string   `json:"status"`
			Signatures []string `json:"transactions"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getBundleStatuses", []any{[]string{bundleID}}, &result); err != nil {
		return "", "", err
	}
	if len(result.Value) == 0 {
		return StatePending, "", nil
	}

	st := result.Value[0]
	sig := ""
	if len(st.Signatures) > 0 {
		sig = st.Signatures[0]
	}

	switch st.Status {
	case "Landed":
		return StateLanded, sig, nil
	case "Confirmed":
		return StateConfirmed, sig, nil
	case "Finalized":
		return StateFinalized, sig, nil
	case "Failed":
		return StateFailed, sig, nil
	case "Invalid":
		return StateInvalid, sig, nil
	default:
		return StatePending, sig, nil
	}
}
