// Package lockengine implements the slot-lock state machine: Locked,
// Unlocked (Bitcoin transaction confirmed), and Reverted (too many Bitcoin
// blocks elapsed without confirmation).
package lockengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sova-labs/sentinel/internal/oracle"
	"github.com/sova-labs/sentinel/internal/store"
	"github.com/sova-labs/sentinel/pkg/helpers"
	"github.com/sova-labs/sentinel/pkg/logging"
)

// Status is the externally visible state of a slot lock.
type Status string

const (
	Locked   Status = "locked"
	Unlocked Status = "unlocked"
	Reverted Status = "reverted"
)

// ErrAlreadyLocked is returned when LockSlot targets a slot that already
// has an open lock.
var ErrAlreadyLocked = errors.New("lockengine: slot already locked")

// LockRequest opens a new lock.
type LockRequest struct {
	ContractAddress string
	SlotIndex       []byte
	StartBlock      uint64
	BTCBlock        uint64
	BTCTxid         string
	RevertValue     []byte
	CurrentValue    []byte
}

// StatusRequest queries a slot's status as of CurrentBlock.
type StatusRequest struct {
	ContractAddress string
	SlotIndex       []byte
	CurrentBlock    uint64
}

// UnlockRequest forcibly closes an open lock.
type UnlockRequest struct {
	ContractAddress string
	SlotIndex       []byte
	EndBlock        uint64
}

// StatusResult is the outcome of a status query.
type StatusResult struct {
	Status       Status
	BTCTxid      string
	RevertValue  []byte
	CurrentValue []byte
}

// Config bounds the engine's revert behavior.
type Config struct {
	// RevertThreshold is the number of Bitcoin blocks that may elapse past
	// BTCBlock before a still-unconfirmed lock is considered reverted.
	RevertThreshold uint64
}

// LockEngine glues Store and ConfirmationOracle together.
type LockEngine struct {
	store  *store.Store
	oracle oracle.ConfirmationOracle
	cfg    Config
	log    *logging.Logger
}

// New constructs a LockEngine.
func New(s *store.Store, o oracle.ConfirmationOracle, cfg Config) *LockEngine {
	return &LockEngine{store: s, oracle: o, cfg: cfg, log: logging.GetDefault().Component("lockengine")}
}

// LockSlot opens a new lock, failing if the slot already has one open.
func (e *LockEngine) LockSlot(ctx context.Context, req LockRequest) error {
	e.log.Info("lock slot requested", "contract", req.ContractAddress, "start_block", req.StartBlock, "btc_txid", req.BTCTxid)

	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		active, err := e.store.IsActive(tx, req.ContractAddress, req.SlotIndex)
		if err != nil {
			return err
		}
		if active {
			existing, err := e.store.GetVisible(tx, req.ContractAddress, req.SlotIndex, req.StartBlock)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if existing != nil && existing.BTCTxid == req.BTCTxid &&
				helpers.BytesEqual(existing.RevertValue, req.RevertValue) &&
				helpers.BytesEqual(existing.CurrentValue, req.CurrentValue) {
				e.log.Debug("lock slot is idempotent replay", "contract", req.ContractAddress, "btc_txid", req.BTCTxid)
				return nil
			}
			return ErrAlreadyLocked
		}

		return e.store.InsertActive(tx, store.SlotInsertData{
			ContractAddress: req.ContractAddress,
			SlotIndex:       req.SlotIndex,
			SlotIndexInt:    store.SlotIndexInt(req.SlotIndex),
			StartBlock:      req.StartBlock,
			BTCBlock:        req.BTCBlock,
			BTCTxid:         req.BTCTxid,
			RevertValue:     req.RevertValue,
			CurrentValue:    req.CurrentValue,
		})
	})
}

// UnlockSlot forcibly closes an open lock at the given height. Closing a
// slot that has no active row is a no-op, matching BatchUnlockSlot and
// store.CloseActive's own idempotent semantics.
func (e *LockEngine) UnlockSlot(ctx context.Context, req UnlockRequest) error {
	e.log.Info("unlock slot requested", "contract", req.ContractAddress, "end_block", req.EndBlock)

	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.CloseActive(tx, req.ContractAddress, req.SlotIndex, req.EndBlock)
	})
}

// GetSlotStatus resolves a slot's current status, calling out to the
// confirmation oracle and closing the lock if it has been confirmed or
// reverted.
//
// The transaction that reads the row is committed before the oracle is
// called so the store's single-writer mutex is never held across network
// I/O; the row is then re-read inside a fresh transaction before any write,
// since a concurrent caller may have already closed it.
func (e *LockEngine) GetSlotStatus(ctx context.Context, req StatusRequest) (StatusResult, error) {
	row, err := e.readVisible(ctx, req.ContractAddress, req.SlotIndex, req.CurrentBlock)
	if err != nil {
		return StatusResult{}, err
	}
	if row == nil {
		return StatusResult{Status: Unlocked}, nil
	}
	if row.EndBlock != nil {
		return finalStatus(row, e.cfg.RevertThreshold), nil
	}

	if blockDelta(req.CurrentBlock, row.BTCBlock) > e.cfg.RevertThreshold {
		return e.closeAndReport(ctx, req, row, Reverted)
	}

	confirmed, err := e.oracle.IsConfirmed(ctx, row.BTCTxid)
	if err != nil {
		return StatusResult{}, fmt.Errorf("lockengine: confirmation check failed: %w", err)
	}
	if !confirmed {
		e.log.Debug("slot still locked", "contract", req.ContractAddress, "btc_txid", row.BTCTxid)
		return StatusResult{
			Status:  Locked,
			BTCTxid: row.BTCTxid,
		}, nil
	}

	return e.closeAndReport(ctx, req, row, Unlocked)
}

func (e *LockEngine) readVisible(ctx context.Context, contract string, slotIndex []byte, height uint64) (*store.SlotLock, error) {
	var row *store.SlotLock
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := e.store.GetVisible(tx, contract, slotIndex, height)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		row = r
		return nil
	})
	return row, err
}

// closeAndReport re-reads the row inside a fresh transaction and closes it
// if it is still open, so a concurrent call that already closed it is
// handled idempotently rather than double-closing or erroring.
func (e *LockEngine) closeAndReport(ctx context.Context, req StatusRequest, stale *store.SlotLock, decided Status) (StatusResult, error) {
	result := StatusResult{
		Status:  decided,
		BTCTxid: stale.BTCTxid,
	}
	if decided == Reverted {
		result.RevertValue = stale.RevertValue
		result.CurrentValue = stale.CurrentValue
	}

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		fresh, err := e.store.GetVisible(tx, req.ContractAddress, req.SlotIndex, req.CurrentBlock)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if fresh.EndBlock != nil {
			result = finalStatus(fresh, e.cfg.RevertThreshold)
			return nil
		}
		e.log.Debug("closing slot", "contract", req.ContractAddress, "status", decided, "at_block", req.CurrentBlock)
		return e.store.CloseActive(tx, req.ContractAddress, req.SlotIndex, req.CurrentBlock)
	})
	if err != nil {
		return StatusResult{}, err
	}
	return result, nil
}

// finalStatus recomputes the terminal state of an already-closed row
// deterministically from its stored fields, so repeated queries against a
// closed lock never need the oracle and always agree.
func finalStatus(row *store.SlotLock, revertThreshold uint64) StatusResult {
	status := Unlocked
	if blockDelta(*row.EndBlock, row.BTCBlock) > revertThreshold {
		status = Reverted
	}
	result := StatusResult{
		Status:  status,
		BTCTxid: row.BTCTxid,
	}
	if status == Reverted {
		result.RevertValue = row.RevertValue
		result.CurrentValue = row.CurrentValue
	}
	return result
}

func blockDelta(current, base uint64) uint64 {
	if current < base {
		return 0
	}
	return current - base
}

// BatchLockSlot opens locks for every request, preserving input order.
// Per-entry errors (already locked) do not abort the batch; they are
// reported positionally.
func (e *LockEngine) BatchLockSlot(ctx context.Context, reqs []LockRequest) ([]error, error) {
	data := make([]store.SlotInsertData, len(reqs))
	for i, r := range reqs {
		data[i] = store.SlotInsertData{
			ContractAddress: r.ContractAddress,
			SlotIndex:       r.SlotIndex,
			SlotIndexInt:    store.SlotIndexInt(r.SlotIndex),
			StartBlock:      r.StartBlock,
			BTCBlock:        r.BTCBlock,
			BTCTxid:         r.BTCTxid,
			RevertValue:     r.RevertValue,
			CurrentValue:    r.CurrentValue,
		}
	}

	var inserted []bool
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		ins, err := e.store.BatchInsertActive(tx, data)
		inserted = ins
		return err
	})
	if err != nil {
		return nil, err
	}

	results := make([]error, len(reqs))
	for i, ok := range inserted {
		if !ok {
			results[i] = ErrAlreadyLocked
		}
	}
	return results, nil
}

// BatchUnlockSlot forcibly closes every requested slot, preserving order.
func (e *LockEngine) BatchUnlockSlot(ctx context.Context, reqs []UnlockRequest) error {
	closeReqs := make([]store.CloseRequest, len(reqs))
	for i, r := range reqs {
		closeReqs[i] = store.CloseRequest{
			ContractAddress: r.ContractAddress,
			SlotIndex:       r.SlotIndex,
			EndBlock:        r.EndBlock,
		}
	}
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.BatchCloseActive(tx, closeReqs)
	})
}

// BatchGetSlotStatus resolves status for every request in a three-stage
// pipeline: a batch visibility read, concurrent oracle queries deduplicated
// by distinct txid, then a batch close-and-respond pass. Order of the
// returned results matches reqs.
func (e *LockEngine) BatchGetSlotStatus(ctx context.Context, reqs []StatusRequest) ([]StatusResult, error) {
	keys := make([]store.SlotKey, len(reqs))
	for i, r := range reqs {
		keys[i] = store.SlotKey{ContractAddress: r.ContractAddress, SlotIndex: r.SlotIndex}
	}

	rows, err := e.batchReadVisible(ctx, keys, reqs)
	if err != nil {
		return nil, err
	}

	results := make([]StatusResult, len(reqs))
	decisions := make([]*Status, len(reqs))

	txidToIndices := make(map[string][]int)
	for i, row := range rows {
		if row == nil {
			results[i] = StatusResult{Status: Unlocked}
			continue
		}
		if row.EndBlock != nil {
			results[i] = finalStatus(row, e.cfg.RevertThreshold)
			continue
		}
		if blockDelta(reqs[i].CurrentBlock, row.BTCBlock) > e.cfg.RevertThreshold {
			reverted := Reverted
			decisions[i] = &reverted
			results[i] = StatusResult{Status: Reverted, BTCTxid: row.BTCTxid, RevertValue: row.RevertValue, CurrentValue: row.CurrentValue}
			continue
		}
		txidToIndices[row.BTCTxid] = append(txidToIndices[row.BTCTxid], i)
	}

	confirmedTxids, err := e.queryDistinctTxids(ctx, txidToIndices)
	if err != nil {
		return nil, err
	}

	for txid, indices := range txidToIndices {
		for _, i := range indices {
			if confirmedTxids[txid] {
				unlocked := Unlocked
				decisions[i] = &unlocked
				results[i] = StatusResult{Status: Unlocked, BTCTxid: rows[i].BTCTxid}
			} else {
				results[i] = StatusResult{Status: Locked, BTCTxid: rows[i].BTCTxid}
			}
		}
	}

	if err := e.batchCloseDecided(ctx, reqs, decisions, results); err != nil {
		return nil, err
	}

	return results, nil
}

func (e *LockEngine) batchReadVisible(ctx context.Context, keys []store.SlotKey, reqs []StatusRequest) ([]*store.SlotLock, error) {
	// All requests in a batch share a single visibility read transaction;
	// height differs per-request so each lookup runs against its own
	// height argument even though it reuses one transaction span.
	rows := make([]*store.SlotLock, len(reqs))
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		for i, k := range keys {
			row, err := e.store.GetVisible(tx, k.ContractAddress, k.SlotIndex, reqs[i].CurrentBlock)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("batch visibility read failed at index %d: %w", i, err)
			}
			rows[i] = row
		}
		return nil
	})
	return rows, err
}

func (e *LockEngine) queryDistinctTxids(ctx context.Context, txidToIndices map[string][]int) (map[string]bool, error) {
	confirmed := make(map[string]bool)
	if len(txidToIndices) == 0 {
		return confirmed, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for txid := range txidToIndices {
		txid := txid
		g.Go(func() error {
			ok, err := e.oracle.IsConfirmed(gctx, txid)
			if err != nil {
				return fmt.Errorf("confirmation check failed for %s: %w", txid, err)
			}
			mu.Lock()
			confirmed[txid] = ok
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return confirmed, nil
}

func (e *LockEngine) batchCloseDecided(ctx context.Context, reqs []StatusRequest, decisions []*Status, results []StatusResult) error {
	var closeReqs []store.CloseRequest
	for i, d := range decisions {
		if d == nil {
			continue
		}
		closeReqs = append(closeReqs, store.CloseRequest{
			ContractAddress: reqs[i].ContractAddress,
			SlotIndex:       reqs[i].SlotIndex,
			EndBlock:        reqs[i].CurrentBlock,
		})
	}
	if len(closeReqs) == 0 {
		return nil
	}
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return e.store.BatchCloseActive(tx, closeReqs)
	})
}
