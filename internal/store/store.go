// Package store provides durable, transactional persistence for slot locks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sova-labs/sentinel/pkg/helpers"
	"github.com/sova-labs/sentinel/pkg/logging"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: slot not found")

// SlotLock is a persisted slot lock row.
type SlotLock struct {
	ContractAddress string
	SlotIndex       []byte
	SlotIndexInt    *int64
	StartBlock      uint64
	EndBlock        *uint64
	BTCBlock        uint64
	BTCTxid         string
	RevertValue     []byte
	CurrentValue    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SlotInsertData is the set of fields needed to open a new active lock.
type SlotInsertData struct {
	ContractAddress string
	SlotIndex       []byte
	SlotIndexInt    *int64
	StartBlock      uint64
	BTCBlock        uint64
	BTCTxid         string
	RevertValue     []byte
	CurrentValue    []byte
}

// SlotKey identifies a slot lock independent of any particular start block.
type SlotKey struct {
	ContractAddress string
	SlotIndex       []byte
}

// CloseRequest identifies a slot to close along with the height it closes at.
type CloseRequest struct {
	ContractAddress string
	SlotIndex       []byte
	EndBlock        uint64
}

// Config configures the Store.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	Path string
}

// Store wraps a SQLite-backed connection with the slot-lock schema and a
// single-writer transaction discipline. SQLite only supports one writer at
// a time, so every transaction span is serialized behind mu, the same
// discipline the rest of this codebase uses around its storage mutations.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
	log  *logging.Logger
}

// New opens (creating if necessary) the SQLite database at cfg.Path and
// ensures the schema exists.
func New(cfg Config) (*Store, error) {
	path := expandPath(cfg.Path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: failed to create data directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer

	s := &Store{
		db:   db,
		path: path,
		log:  logging.GetDefault().Component("store"),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewFromDB wraps an already-open database handle with the slot-lock
// schema, for callers (tests, or a process embedding its own connection
// pool) that manage the *sql.DB lifecycle themselves.
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db, log: logging.GetDefault().Component("store")}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS slot_locks (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		contract_address TEXT    NOT NULL,
		slot_index       BLOB    NOT NULL,
		slot_index_int   INTEGER,
		start_block      INTEGER NOT NULL,
		end_block        INTEGER,
		btc_block        INTEGER NOT NULL,
		btc_txid         TEXT    NOT NULL,
		revert_value     BLOB    NOT NULL,
		current_value    BLOB    NOT NULL,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_slot_locks_active
		ON slot_locks(contract_address, slot_index, end_block);
	CREATE INDEX IF NOT EXISTS idx_slot_locks_visibility
		ON slot_locks(contract_address, slot_index, start_block);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a real database transaction, committing on a nil
// return and rolling back otherwise. Only one writer transaction is ever in
// flight, so the entire transaction span - including whatever fn does
// inside it - is held behind mu.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warn("failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

const isActiveQuery = `
SELECT 1 FROM slot_locks
WHERE contract_address = ? AND slot_index = ? AND end_block IS NULL
LIMIT 1`

// IsActive reports whether a slot currently has an open (end_block IS NULL)
// lock, regardless of start_block visibility.
func (s *Store) IsActive(tx *sql.Tx, contractAddress string, slotIndex []byte) (bool, error) {
	var one int
	err := tx.QueryRow(isActiveQuery, contractAddress, slotIndex).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: IsActive query failed: %w", err)
	}
	return true, nil
}

const insertActiveStmt = `
INSERT INTO slot_locks (
	contract_address, slot_index, slot_index_int, start_block, btc_block,
	btc_txid, revert_value, current_value, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertActive opens a new lock row.
func (s *Store) InsertActive(tx *sql.Tx, data SlotInsertData) error {
	now := time.Now().Unix()
	_, err := tx.Exec(insertActiveStmt,
		data.ContractAddress, data.SlotIndex, data.SlotIndexInt, data.StartBlock,
		data.BTCBlock, data.BTCTxid, data.RevertValue, data.CurrentValue, now, now,
	)
	if err != nil {
		return fmt.Errorf("store: InsertActive failed: %w", err)
	}
	return nil
}

// getVisibleQuery implements invariant I3: a row is visible at height h iff
// start_block <= h AND (end_block IS NULL OR end_block = h). Among visible
// rows it prefers the greatest start_block, breaking ties by most recent
// creation - see DESIGN.md for why this differs from a literal port of the
// reference implementation's ascending ORDER BY.
const getVisibleQuery = `
SELECT contract_address, slot_index, slot_index_int, start_block, end_block,
       btc_block, btc_txid, revert_value, current_value, created_at, updated_at
FROM slot_locks
WHERE contract_address = ? AND slot_index = ?
  AND start_block <= ?
  AND (end_block IS NULL OR end_block = ?)
ORDER BY start_block DESC, created_at DESC
LIMIT 1`

// GetVisible returns the slot lock visible at height, or ErrNotFound.
func (s *Store) GetVisible(tx *sql.Tx, contractAddress string, slotIndex []byte, height uint64) (*SlotLock, error) {
	row := tx.QueryRow(getVisibleQuery, contractAddress, slotIndex, height, height)
	lock, err := scanSlotLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: GetVisible query failed: %w", err)
	}
	return lock, nil
}

const closeActiveStmt = `
UPDATE slot_locks
SET end_block = ?, updated_at = ?
WHERE contract_address = ? AND slot_index = ? AND end_block IS NULL`

// CloseActive closes the currently open lock for a slot, if any. It is a
// no-op if the slot has no open lock - callers that require idempotence on
// retry rely on this.
func (s *Store) CloseActive(tx *sql.Tx, contractAddress string, slotIndex []byte, endBlock uint64) error {
	_, err := tx.Exec(closeActiveStmt, endBlock, time.Now().Unix(), contractAddress, slotIndex)
	if err != nil {
		return fmt.Errorf("store: CloseActive failed: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSlotLock(row scannable) (*SlotLock, error) {
	var (
		lock         SlotLock
		slotIndexInt sql.NullInt64
		endBlock     sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(
		&lock.ContractAddress, &lock.SlotIndex, &slotIndexInt, &lock.StartBlock, &endBlock,
		&lock.BTCBlock, &lock.BTCTxid, &lock.RevertValue, &lock.CurrentValue, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if slotIndexInt.Valid {
		v := slotIndexInt.Int64
		lock.SlotIndexInt = &v
	}
	if endBlock.Valid {
		v := uint64(endBlock.Int64)
		lock.EndBlock = &v
	}
	lock.CreatedAt = time.Unix(createdAt, 0).UTC()
	lock.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &lock, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// BatchGetVisible looks up the visible slot lock for each key at height,
// preserving input order. A key with no visible row yields a nil entry at
// the corresponding index rather than an error.
func (s *Store) BatchGetVisible(tx *sql.Tx, keys []SlotKey, height uint64) ([]*SlotLock, error) {
	results := make([]*SlotLock, len(keys))
	for i, k := range keys {
		lock, err := s.GetVisible(tx, k.ContractAddress, k.SlotIndex, height)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: BatchGetVisible failed at index %d: %w", i, err)
		}
		results[i] = lock
	}
	return results, nil
}

// BatchInsertActive opens new lock rows for every entry in data, skipping
// (not erroring on) any slot that already has an open lock. The returned
// slice reports, in input order, whether each entry was inserted.
func (s *Store) BatchInsertActive(tx *sql.Tx, data []SlotInsertData) ([]bool, error) {
	inserted := make([]bool, len(data))
	for i, d := range data {
		active, err := s.IsActive(tx, d.ContractAddress, d.SlotIndex)
		if err != nil {
			return nil, fmt.Errorf("store: BatchInsertActive failed at index %d: %w", i, err)
		}
		if active {
			continue
		}
		if err := s.InsertActive(tx, d); err != nil {
			return nil, fmt.Errorf("store: BatchInsertActive failed at index %d: %w", i, err)
		}
		inserted[i] = true
	}
	return inserted, nil
}

// BatchCloseActive closes the open lock, if any, for every request.
func (s *Store) BatchCloseActive(tx *sql.Tx, reqs []CloseRequest) error {
	for i, r := range reqs {
		if err := s.CloseActive(tx, r.ContractAddress, r.SlotIndex, r.EndBlock); err != nil {
			return fmt.Errorf("store: BatchCloseActive failed at index %d: %w", i, err)
		}
	}
	return nil
}

// SlotIndexInt mirrors a big-endian byte slice into an *int64 when it fits
// in 8 bytes, matching the reference implementation's optional integer
// mirror used for fast numeric comparisons downstream.
func SlotIndexInt(slotIndex []byte) *int64 {
	if len(slotIndex) > 8 {
		return nil
	}
	buf := helpers.PadLeft(slotIndex, 8)
	v := int64(buf[0])<<56 | int64(buf[1])<<48 | int64(buf[2])<<40 | int64(buf[3])<<32 |
		int64(buf[4])<<24 | int64(buf[5])<<16 | int64(buf[6])<<8 | int64(buf[7])
	return &v
}
