package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sova-labs/sentinel/pkg/logging"
)

// ExternalJSONRPCConfig configures an ExternalJSONRPCOracle.
type ExternalJSONRPCConfig struct {
	URL                   string
	User                  string
	Pass                  string
	ConfirmationThreshold uint32
	Retry                 RetryConfig
	HTTPClient            *http.Client
}

// ExternalJSONRPCOracle talks JSON-RPC 2.0 over HTTP to a third-party
// Bitcoin indexer or esplora-style bridge that exposes a bitcoind-compatible
// getrawtransaction method.
type ExternalJSONRPCOracle struct {
	url                   string
	user                  string
	pass                  string
	confirmationThreshold uint32
	retry                 RetryConfig
	httpClient            *http.Client
	requestID             atomic.Uint64
	log                   *logging.Logger
}

// NewExternalJSONRPCOracle constructs an oracle pointed at cfg.URL.
func NewExternalJSONRPCOracle(cfg ExternalJSONRPCConfig) *ExternalJSONRPCOracle {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &ExternalJSONRPCOracle{
		url:                   cfg.URL,
		user:                  cfg.User,
		pass:                  cfg.Pass,
		confirmationThreshold: cfg.ConfirmationThreshold,
		retry:                 cfg.Retry,
		httpClient:            httpClient,
		log:                   logging.GetDefault().Component("oracle.external"),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// rawTransactionResult is the subset of getrawtransaction's verbose output
// this oracle needs.
type rawTransactionResult struct {
	Confirmations uint32 `json:"confirmations"`
}

func (o *ExternalJSONRPCOracle) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := o.requestID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("oracle: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("oracle: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.user != "" {
		req.SetBasicAuth(o.user, o.pass)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, markConnectivityError(fmt.Errorf("oracle: request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, markConnectivityError(fmt.Errorf("oracle: server error: %s", resp.Status))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, markConnectivityError(fmt.Errorf("oracle: failed to decode response: %w", err))
	}

	if rpcResp.Error != nil {
		return nil, &rpcProtocolError{code: rpcResp.Error.Code, message: rpcResp.Error.Message}
	}

	return rpcResp.Result, nil
}

// rpcProtocolError is a well-formed JSON-RPC error response - never
// connectivity-class, never retried.
type rpcProtocolError struct {
	code    int
	message string
}

func (e *rpcProtocolError) Error() string {
	return fmt.Sprintf("oracle: rpc error %d: %s", e.code, e.message)
}

// IsConfirmed reports whether txid has reached the configured confirmation
// threshold, treating "transaction not found" (error code -5) as
// unconfirmed rather than an error.
func (o *ExternalJSONRPCOracle) IsConfirmed(ctx context.Context, txid string) (bool, error) {
	return withRetry(ctx, o.retry, o.log, func(ctx context.Context) (bool, error) {
		raw, err := o.call(ctx, "getrawtransaction", []interface{}{txid, true})
		if err != nil {
			var protoErr *rpcProtocolError
			if asProtocolError(err, &protoErr) && protoErr.code == txNotFoundRPCCode {
				return false, nil
			}
			return false, err
		}

		var result rawTransactionResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return false, fmt.Errorf("oracle: failed to decode getrawtransaction result: %w", err)
		}
		return result.Confirmations >= o.confirmationThreshold, nil
	})
}

func asProtocolError(err error, target **rpcProtocolError) bool {
	if pe, ok := err.(*rpcProtocolError); ok {
		*target = pe
		return true
	}
	return false
}
