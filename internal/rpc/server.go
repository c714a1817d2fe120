// Package rpc implements Sentinel's JSON-RPC 2.0 over HTTP boundary: the
// five LockEngine operations, a liveness probe, and an optional WebSocket
// stream of slot lifecycle events.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sova-labs/sentinel/internal/lockengine"
	"github.com/sova-labs/sentinel/pkg/helpers"
	"github.com/sova-labs/sentinel/pkg/logging"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Handler processes a single JSON-RPC method call.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Config configures the Server.
type Config struct {
	Host string
	Port int
}

// Server is Sentinel's HTTP JSON-RPC boundary.
type Server struct {
	engine   *lockengine.LockEngine
	log      *logging.Logger
	wsHub    *WSHub
	handlers map[string]Handler
	server   *http.Server
	listener net.Listener
}

// NewServer constructs a Server wired to engine.
func NewServer(engine *lockengine.LockEngine) *Server {
	s := &Server{
		engine: engine,
		log:    logging.GetDefault().Component("rpc"),
		wsHub:  NewWSHub(),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers = map[string]Handler{
		"sentinel_lockSlot":           s.handleLockSlot,
		"sentinel_getSlotStatus":      s.handleGetSlotStatus,
		"sentinel_batchLockSlot":      s.handleBatchLockSlot,
		"sentinel_batchGetSlotStatus": s.handleBatchGetSlotStatus,
		"sentinel_batchUnlockSlot":    s.handleBatchUnlockSlot,
		"sentinel_health":             s.handleHealth,
	}
}

// Start begins serving JSON-RPC requests on cfg.Host:cfg.Port.
func (s *Server) Start(cfg Config) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	mux.HandleFunc("/ws", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.log.Info("rpc server listening", "addr", addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("rpc server stopped unexpectedly", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, nil, InvalidRequest, "only POST is supported")
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, ParseError, "invalid json")
		return
	}
	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, InvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		writeError(w, req.ID, MethodNotFound, fmt.Sprintf("method %q not found", req.Method))
		return
	}

	requestID := uuid.NewString()
	log := s.log.With("request_id", requestID, "method", req.Method)
	log.Info("handling rpc request")

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		log.Error("rpc request failed", "error", err)
		writeError(w, req.ID, mapErrorCode(err), err.Error())
		return
	}

	writeResult(w, req.ID, result)
}

func mapErrorCode(err error) int {
	switch {
	case errors.Is(err, lockengine.ErrAlreadyLocked):
		return InvalidParams
	default:
		return InternalError
	}
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: id, Result: result})
}

func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ---- wire types ----

type lockSlotParams struct {
	ContractAddress string `json:"contract_address"`
	SlotIndex       string `json:"slot_index"`
	StartBlock      uint64 `json:"start_block"`
	BTCBlock        uint64 `json:"btc_block"`
	BTCTxid         string `json:"btc_txid"`
	RevertValue     string `json:"revert_value"`
	CurrentValue    string `json:"current_value"`
}

type statusParams struct {
	ContractAddress string `json:"contract_address"`
	SlotIndex       string `json:"slot_index"`
	CurrentBlock    uint64 `json:"current_block"`
}

type unlockParams struct {
	ContractAddress string `json:"contract_address"`
	SlotIndex       string `json:"slot_index"`
	EndBlock        uint64 `json:"end_block"`
}

// statusResult is the §6 wire shape of a status response. revert_value and
// current_value are only populated for Reverted; btc_txid is not part of
// this shape at all and must never be serialized here.
type statusResult struct {
	Status       string `json:"status"`
	RevertValue  string `json:"revert_value,omitempty"`
	CurrentValue string `json:"current_value,omitempty"`
}

func toStatusResult(r lockengine.StatusResult) statusResult {
	res := statusResult{Status: string(r.Status)}
	if r.Status == lockengine.Reverted {
		res.RevertValue = helpers.BytesToHex(r.RevertValue)
		res.CurrentValue = helpers.BytesToHex(r.CurrentValue)
	}
	return res
}

func (s *Server) handleLockSlot(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p lockSlotParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	slotIndex, err := helpers.HexToBytes(p.SlotIndex)
	if err != nil {
		return nil, fmt.Errorf("invalid slot_index: %w", err)
	}
	revertValue, err := helpers.HexToBytes(p.RevertValue)
	if err != nil {
		return nil, fmt.Errorf("invalid revert_value: %w", err)
	}
	currentValue, err := helpers.HexToBytes(p.CurrentValue)
	if err != nil {
		return nil, fmt.Errorf("invalid current_value: %w", err)
	}

	err = s.engine.LockSlot(ctx, lockengine.LockRequest{
		ContractAddress: p.ContractAddress,
		SlotIndex:       slotIndex,
		StartBlock:      p.StartBlock,
		BTCBlock:        p.BTCBlock,
		BTCTxid:         p.BTCTxid,
		RevertValue:     revertValue,
		CurrentValue:    currentValue,
	})
	if err != nil {
		return nil, err
	}

	s.wsHub.Broadcast(EventSlotLocked, SlotEventData{
		ContractAddress: p.ContractAddress,
		SlotIndex:       p.SlotIndex,
		BTCTxid:         p.BTCTxid,
		Block:           p.StartBlock,
	})

	return statusResult{Status: string(lockengine.Locked)}, nil
}

func (s *Server) handleGetSlotStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p statusParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	slotIndex, err := helpers.HexToBytes(p.SlotIndex)
	if err != nil {
		return nil, fmt.Errorf("invalid slot_index: %w", err)
	}

	result, err := s.engine.GetSlotStatus(ctx, lockengine.StatusRequest{
		ContractAddress: p.ContractAddress,
		SlotIndex:       slotIndex,
		CurrentBlock:    p.CurrentBlock,
	})
	if err != nil {
		return nil, err
	}

	s.broadcastTerminal(p.ContractAddress, p.SlotIndex, p.CurrentBlock, result)
	return toStatusResult(result), nil
}

func (s *Server) broadcastTerminal(contract, slotIndexHex string, block uint64, result lockengine.StatusResult) {
	event := SlotEventData{ContractAddress: contract, SlotIndex: slotIndexHex, BTCTxid: result.BTCTxid, Block: block}
	switch result.Status {
	case lockengine.Unlocked:
		s.wsHub.Broadcast(EventSlotUnlocked, event)
	case lockengine.Reverted:
		s.wsHub.Broadcast(EventSlotReverted, event)
	}
}

func (s *Server) handleBatchLockSlot(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p struct {
		Locks []lockSlotParams `json:"locks"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	reqs := make([]lockengine.LockRequest, len(p.Locks))
	for i, l := range p.Locks {
		slotIndex, err := helpers.HexToBytes(l.SlotIndex)
		if err != nil {
			return nil, fmt.Errorf("invalid slot_index at index %d: %w", i, err)
		}
		revertValue, err := helpers.HexToBytes(l.RevertValue)
		if err != nil {
			return nil, fmt.Errorf("invalid revert_value at index %d: %w", i, err)
		}
		currentValue, err := helpers.HexToBytes(l.CurrentValue)
		if err != nil {
			return nil, fmt.Errorf("invalid current_value at index %d: %w", i, err)
		}
		reqs[i] = lockengine.LockRequest{
			ContractAddress: l.ContractAddress,
			SlotIndex:       slotIndex,
			StartBlock:      l.StartBlock,
			BTCBlock:        l.BTCBlock,
			BTCTxid:         l.BTCTxid,
			RevertValue:     revertValue,
			CurrentValue:    currentValue,
		}
	}

	errs, err := s.engine.BatchLockSlot(ctx, reqs)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]interface{}, len(errs))
	for i, e := range errs {
		entry := map[string]interface{}{}
		if e != nil {
			entry["error"] = e.Error()
		} else {
			entry["status"] = string(lockengine.Locked)
			s.wsHub.Broadcast(EventSlotLocked, SlotEventData{
				ContractAddress: p.Locks[i].ContractAddress,
				SlotIndex:       p.Locks[i].SlotIndex,
				BTCTxid:         p.Locks[i].BTCTxid,
				Block:           p.Locks[i].StartBlock,
			})
		}
		results[i] = entry
	}

	return map[string]interface{}{"results": results}, nil
}

func (s *Server) handleBatchGetSlotStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p struct {
		Requests []statusParams `json:"requests"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	reqs := make([]lockengine.StatusRequest, len(p.Requests))
	for i, r := range p.Requests {
		slotIndex, err := helpers.HexToBytes(r.SlotIndex)
		if err != nil {
			return nil, fmt.Errorf("invalid slot_index at index %d: %w", i, err)
		}
		reqs[i] = lockengine.StatusRequest{
			ContractAddress: r.ContractAddress,
			SlotIndex:       slotIndex,
			CurrentBlock:    r.CurrentBlock,
		}
	}

	results, err := s.engine.BatchGetSlotStatus(ctx, reqs)
	if err != nil {
		return nil, err
	}

	wire := make([]statusResult, len(results))
	for i, r := range results {
		wire[i] = toStatusResult(r)
		s.broadcastTerminal(p.Requests[i].ContractAddress, p.Requests[i].SlotIndex, p.Requests[i].CurrentBlock, r)
	}

	return map[string]interface{}{"results": wire}, nil
}

func (s *Server) handleBatchUnlockSlot(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p struct {
		Requests []unlockParams `json:"requests"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	reqs := make([]lockengine.UnlockRequest, len(p.Requests))
	for i, r := range p.Requests {
		slotIndex, err := helpers.HexToBytes(r.SlotIndex)
		if err != nil {
			return nil, fmt.Errorf("invalid slot_index at index %d: %w", i, err)
		}
		reqs[i] = lockengine.UnlockRequest{
			ContractAddress: r.ContractAddress,
			SlotIndex:       slotIndex,
			EndBlock:        r.EndBlock,
		}
	}

	if err := s.engine.BatchUnlockSlot(ctx, reqs); err != nil {
		return nil, err
	}

	return map[string]interface{}{"ok": true}, nil
}

func (s *Server) handleHealth(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"status": "serving"}, nil
}
