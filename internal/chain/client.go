// Package chain provides Neo N3 blockchain interaction for the enclave
// services.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client is a Neo N3 RPC client.
type Client struct {
	rpcURL       string
	httpClient   *http.Client
	networkMagic uint32
}

// Config holds client configuration.
type Config struct {
	RPCURL       string
	NetworkMagic uint32 // MainNet: 860833102, TestNet: 894710606
	Timeout      time.Duration
}

// NewClient creates a new Neo N3 client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		networkMagic: cfg.NetworkMagic,
	}, nil
}

// NetworkMagic returns the network the client signs for.
func (c *Client) NetworkMagic() uint32 {
	return c.networkMagic
}

// Call makes an RPC call to the Neo N3 node.
func (c *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// GetBlockCount returns the current block height.
func (c *Client) GetBlockCount(ctx context.Context) (uint32, error) {
	result, err := c.Call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}

	var count uint32
	if err := json.Unmarshal(result, &count); err != nil {
		return 0, fmt.Errorf("unmarshal block count: %w", err)
	}
	return count, nil
}

// GetApplicationLog returns the application log for a transaction.
func (c *Client) GetApplicationLog(ctx context.Context, txHash string) (*ApplicationLog, error) {
	result, err := c.Call(ctx, "getapplicationlog", []any{txHash})
	if err != nil {
		return nil, err
	}

	var appLog ApplicationLog
	if err := json.Unmarshal(result, &appLog); err != nil {
		return nil, fmt.Errorf("unmarshal application log: %w", err)
	}
	return &appLog, nil
}

// SendRawTransaction broadcasts a signed transaction (base64 encoded) and
// returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, txBase64 string) (string, error) {
	result, err := c.Call(ctx, "sendrawtransaction", []any{txBase64})
	if err != nil {
		return "", err
	}

	var response struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(result, &response); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	return response.Hash, nil
}

// CalculateNetworkFee asks the node to price a transaction. The transaction
// must carry its signers and the verification scripts of its witnesses.
func (c *Client) CalculateNetworkFee(ctx context.Context, txBase64 string) (int64, error) {
	result, err := c.Call(ctx, "calculatenetworkfee", []any{txBase64})
	if err != nil {
		return 0, err
	}

	// Nodes disagree on whether the fee is a JSON string or a number.
	var asString struct {
		NetworkFee string `json:"networkfee"`
	}
	if err := json.Unmarshal(result, &asString); err == nil && asString.NetworkFee != "" {
		return strconv.ParseInt(asString.NetworkFee, 10, 64)
	}

	var asNumber struct {
		NetworkFee int64 `json:"networkfee"`
	}
	if err := json.Unmarshal(result, &asNumber); err != nil {
		return 0, fmt.Errorf("unmarshal network fee: %w", err)
	}
	return asNumber.NetworkFee, nil
}

// WaitForApplicationLog polls for a transaction application log until it is
// available or the context is done. A missing transaction is treated as
// transient and retried until the context deadline expires.
func (c *Client) WaitForApplicationLog(ctx context.Context, txHash string, pollInterval time.Duration) (*ApplicationLog, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			appLog, err := c.GetApplicationLog(ctx, txHash)
			if err != nil {
				if isUnknownTxError(err) {
					continue
				}
				return nil, err
			}
			return appLog, nil
		}
	}
}

// DefaultTxWaitTimeout is the default timeout for waiting for transaction
// execution.
const DefaultTxWaitTimeout = 2 * time.Minute

// DefaultPollInterval is the default interval for polling transaction status.
const DefaultPollInterval = 2 * time.Second

func isUnknownTxError(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == -100 ||
			strings.Contains(strings.ToLower(rpcErr.Message), "unknown transaction")
	}
	return false
}
