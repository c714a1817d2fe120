package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return s
}

var (
	contractAddr = "0x123"
	slotIndex    = []byte{1, 2, 3}
	revertValue  = []byte{4, 5, 6}
	currentValue = []byte{7, 8, 9}
	txid         = "txid1"
)

func insertSeed(t *testing.T, s *Store, startBlock, btcBlock uint64) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.InsertActive(tx, SlotInsertData{
			ContractAddress: contractAddr,
			SlotIndex:       slotIndex,
			SlotIndexInt:    SlotIndexInt(slotIndex),
			StartBlock:      startBlock,
			BTCBlock:        btcBlock,
			BTCTxid:         txid,
			RevertValue:     revertValue,
			CurrentValue:    currentValue,
		})
	})
	if err != nil {
		t.Fatalf("insertSeed failed: %v", err)
	}
}

func TestInsertAndIsActive(t *testing.T) {
	s := newTestStore(t)
	insertSeed(t, s, 10, 100)

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		active, err := s.IsActive(tx, contractAddr, slotIndex)
		if err != nil {
			return err
		}
		if !active {
			t.Errorf("expected slot to be active after insert")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}
}

func TestGetVisible(t *testing.T) {
	s := newTestStore(t)
	insertSeed(t, s, 10, 100)

	tests := []struct {
		name      string
		height    uint64
		wantFound bool
	}{
		{"before start block", 9, false},
		{"at start block", 10, true},
		{"after start block, still active", 50, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
				lock, err := s.GetVisible(tx, contractAddr, slotIndex, tt.height)
				if tt.wantFound {
					if err != nil {
						t.Errorf("expected a visible row at height %d, got error: %v", tt.height, err)
						return nil
					}
					if lock.BTCTxid != txid {
						t.Errorf("got txid %q, want %q", lock.BTCTxid, txid)
					}
					return nil
				}
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound at height %d, got %v", tt.height, err)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("WithTx failed: %v", err)
			}
		})
	}
}

func TestGetVisiblePrefersGreatestStartBlock(t *testing.T) {
	s := newTestStore(t)

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		if err := s.InsertActive(tx, SlotInsertData{
			ContractAddress: contractAddr, SlotIndex: slotIndex,
			StartBlock: 10, BTCBlock: 100, BTCTxid: "older", RevertValue: revertValue, CurrentValue: currentValue,
		}); err != nil {
			return err
		}
		return s.CloseActive(tx, contractAddr, slotIndex, 20)
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	insertSeed(t, s, 20, 200)

	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		lock, err := s.GetVisible(tx, contractAddr, slotIndex, 20)
		if err != nil {
			return err
		}
		if lock.BTCTxid != txid {
			t.Errorf("expected the row with greatest start_block (%q), got %q", txid, lock.BTCTxid)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}
}

func TestCloseActiveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	insertSeed(t, s, 10, 100)

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		if err := s.CloseActive(tx, contractAddr, slotIndex, 50); err != nil {
			return err
		}
		// Second close is a no-op, not an error - the row is already closed.
		return s.CloseActive(tx, contractAddr, slotIndex, 99)
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		lock, err := s.GetVisible(tx, contractAddr, slotIndex, 50)
		if err != nil {
			return err
		}
		if lock.EndBlock == nil || *lock.EndBlock != 50 {
			t.Errorf("expected end_block to remain 50, got %v", lock.EndBlock)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}
}

func TestBatchOperations(t *testing.T) {
	s := newTestStore(t)

	otherSlot := []byte{9, 9, 9}
	data := []SlotInsertData{
		{ContractAddress: contractAddr, SlotIndex: slotIndex, StartBlock: 10, BTCBlock: 100, BTCTxid: txid, RevertValue: revertValue, CurrentValue: currentValue},
		{ContractAddress: contractAddr, SlotIndex: otherSlot, StartBlock: 10, BTCBlock: 100, BTCTxid: "txid2", RevertValue: revertValue, CurrentValue: currentValue},
	}

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		inserted, err := s.BatchInsertActive(tx, data)
		if err != nil {
			return err
		}
		for i, ok := range inserted {
			if !ok {
				t.Errorf("expected entry %d to be inserted", i)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	// Re-inserting the same slots should report false (already active), not error.
	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		inserted, err := s.BatchInsertActive(tx, data)
		if err != nil {
			return err
		}
		for i, ok := range inserted {
			if ok {
				t.Errorf("expected entry %d to be rejected as already active", i)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	keys := []SlotKey{
		{ContractAddress: contractAddr, SlotIndex: slotIndex},
		{ContractAddress: contractAddr, SlotIndex: otherSlot},
		{ContractAddress: contractAddr, SlotIndex: []byte{0}},
	}
	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		results, err := s.BatchGetVisible(tx, keys, 10)
		if err != nil {
			return err
		}
		if len(results) != 3 {
			t.Fatalf("expected 3 results, got %d", len(results))
		}
		if results[0] == nil || results[1] == nil {
			t.Errorf("expected first two keys to resolve")
		}
		if results[2] != nil {
			t.Errorf("expected unknown slot to resolve to nil")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.BatchCloseActive(tx, []CloseRequest{
			{ContractAddress: contractAddr, SlotIndex: slotIndex, EndBlock: 50},
			{ContractAddress: contractAddr, SlotIndex: otherSlot, EndBlock: 50},
		})
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		for _, k := range keys[:2] {
			active, err := s.IsActive(tx, k.ContractAddress, k.SlotIndex)
			if err != nil {
				return err
			}
			if active {
				t.Errorf("expected slot %v to be closed", k.SlotIndex)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}
}

func TestSlotIndexInt(t *testing.T) {
	tests := []struct {
		in   []byte
		want int64
	}{
		{[]byte{1, 2, 3}, 0x010203},
		{[]byte{0}, 0},
		{[]byte{}, 0},
	}

	for _, tt := range tests {
		got := SlotIndexInt(tt.in)
		if got == nil {
			t.Fatalf("SlotIndexInt(%v) = nil, want %d", tt.in, tt.want)
		}
		if *got != tt.want {
			t.Errorf("SlotIndexInt(%v) = %d, want %d", tt.in, *got, tt.want)
		}
	}

	if SlotIndexInt(make([]byte, 9)) != nil {
		t.Errorf("expected nil for slot index longer than 8 bytes")
	}
}
