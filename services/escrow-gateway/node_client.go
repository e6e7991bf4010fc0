package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// NodeClient is a thin JSON-RPC client used by the gateway.
type NodeClient interface {
	EscrowInitialize(ctx context.Context, req EscrowCreateRequest, instant bool) (*EscrowState, error)
	EscrowGet(ctx context.Context, address string) (*EscrowState, error)
	EscrowList(ctx context.Context) ([]EscrowState, error)
	EscrowAction(ctx context.Context, method string, params EscrowActionRequest) error
	FetchEvents(ctx context.Context, cursor uint64, limit int) ([]NodeEvent, uint64, error)
}

// RPCNodeClient implements NodeClient against the dealvaultd JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NodeError surfaces a JSON-RPC error code so callers can map it to an HTTP status.
type NodeError struct {
	Code    int
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCNodeClient) EscrowInitialize(ctx context.Context, req EscrowCreateRequest, instant bool) (*EscrowState, error) {
	payload := map[string]interface{}{
		"buyer":         req.Buyer,
		"seller":        req.Seller,
		"escrowId":      req.EscrowID,
		"depositMint":   req.DepositMint,
		"receiveMint":   req.ReceiveMint,
		"depositAmount": req.DepositAmount,
		"receiveAmount": req.ReceiveAmount,
		"expiry":        req.Expiry,
	}
	if trimmed := strings.TrimSpace(req.Description); trimmed != "" {
		payload["description"] = trimmed
	}
	method := "escrow_initialize"
	if instant {
		method = "escrow_initializeInstant"
	}
	var result EscrowState
	if err := c.call(ctx, method, []interface{}{payload}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) EscrowGet(ctx context.Context, address string) (*EscrowState, error) {
	var result EscrowState
	err := c.call(ctx, "escrow_get", []interface{}{map[string]string{"address": address}}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) EscrowList(ctx context.Context) ([]EscrowState, error) {
	var result []EscrowState
	if err := c.call(ctx, "escrow_list", []interface{}{}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCNodeClient) EscrowAction(ctx context.Context, method string, params EscrowActionRequest) error {
	payload := map[string]string{
		"address": params.Address,
		"caller":  params.Caller,
	}
	if trimmed := strings.TrimSpace(params.Mint); trimmed != "" {
		payload["mint"] = trimmed
	}
	if trimmed := strings.TrimSpace(params.DepositMint); trimmed != "" {
		payload["depositMint"] = trimmed
	}
	if trimmed := strings.TrimSpace(params.ReceiveMint); trimmed != "" {
		payload["receiveMint"] = trimmed
	}
	return c.call(ctx, method, []interface{}{payload}, nil)
}

func (c *RPCNodeClient) FetchEvents(ctx context.Context, cursor uint64, limit int) ([]NodeEvent, uint64, error) {
	params := map[string]interface{}{
		"cursor": cursor,
	}
	if limit > 0 {
		params["limit"] = limit
	}
	var result struct {
		Events []NodeEvent `json:"events"`
		Latest uint64      `json:"latest"`
	}
	if err := c.call(ctx, "escrow_events", []interface{}{params}, &result); err != nil {
		return nil, 0, err
	}
	return result.Events, result.Latest, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp jsonRPCResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&rpcResp); decodeErr != nil {
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
		}
		return decodeErr
	}
	if rpcResp.Error != nil {
		return &NodeError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// EscrowCreateRequest is the request payload accepted by the gateway.
type EscrowCreateRequest struct {
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	EscrowID      string `json:"escrowId"`
	DepositMint   string `json:"depositMint"`
	ReceiveMint   string `json:"receiveMint"`
	DepositAmount string `json:"depositAmount"`
	ReceiveAmount string `json:"receiveAmount"`
	Description   string `json:"description,omitempty"`
	Expiry        int64  `json:"expiry"`
}

// EscrowActionRequest captures the body of a lifecycle transition request.
type EscrowActionRequest struct {
	Address     string `json:"address,omitempty"`
	Caller      string `json:"caller"`
	Mint        string `json:"mint,omitempty"`
	DepositMint string `json:"depositMint,omitempty"`
	ReceiveMint string `json:"receiveMint,omitempty"`
}

// EscrowState mirrors the JSON returned by the node for escrow methods.
type EscrowState struct {
	Address               string `json:"address"`
	EscrowID              string `json:"escrowId"`
	Buyer                 string `json:"buyer"`
	Seller                string `json:"seller"`
	DepositMint           string `json:"depositMint"`
	ReceiveMint           string `json:"receiveMint"`
	DepositAmount         string `json:"depositAmount"`
	ReceiveAmount         string `json:"receiveAmount"`
	Description           string `json:"description,omitempty"`
	State                 string `json:"state"`
	RequestedRelease      bool   `json:"requestedRelease"`
	BuyerRefundRequested  bool   `json:"buyerRefundRequested"`
	SellerRefundRequested bool   `json:"sellerRefundRequested"`
	CreatedAt             int64  `json:"createdAt"`
	Expiry                int64  `json:"expiry"`
}

// NodeEvent represents an emitted escrow event returned by the node.
type NodeEvent struct {
	Sequence   uint64            `json:"sequence"`
	Timestamp  int64             `json:"timestamp"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
