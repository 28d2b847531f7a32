package custody

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store provides Pebble-based persistence for accounts, voucher holders,
// and operator approvals.
// Thread-safe: all operations go through Manager's mutex
type Store struct {
	db *pebble.DB
}

// voucherRecord is the persisted form of a voucher holder entry.
type voucherRecord struct {
	ExchangeID uint64         `json:"exchangeId"`
	Holder     common.Address `json:"holder"`
}

// NewStore opens a Pebble database at the given path
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:          32 << 20,                  // 32MB memtable
		L0CompactionThreshold: 2,
		L0StopWritesThreshold: 12,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10, // 512KB
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAccount persists an account to Pebble
func (s *Store) SaveAccount(acc *Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	key := accountKey(acc.Address)
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	return nil
}

// LoadAccount loads an account from Pebble
// Returns nil if account doesn't exist
func (s *Store) LoadAccount(addr common.Address) (*Account, error) {
	key := accountKey(addr)
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil // Account doesn't exist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	defer closer.Close()

	var acc Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}

	// Initialize maps if nil (JSON unmarshal may leave them nil)
	if acc.Balances == nil {
		acc.Balances = make(map[common.Address]*Balance)
	}

	return &acc, nil
}

// SaveVoucherHolder persists a voucher holder record
func (s *Store) SaveVoucherHolder(exchangeID uint64, holder common.Address) error {
	data, err := json.Marshal(voucherRecord{ExchangeID: exchangeID, Holder: holder})
	if err != nil {
		return fmt.Errorf("failed to marshal voucher record: %w", err)
	}

	if err := s.db.Set(voucherKey(exchangeID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save voucher holder: %w", err)
	}

	return nil
}

// LoadVoucherHolder loads a voucher holder record
// Returns (zero address, false) if no record exists
func (s *Store) LoadVoucherHolder(exchangeID uint64) (common.Address, bool, error) {
	data, closer, err := s.db.Get(voucherKey(exchangeID))
	if err == pebble.ErrNotFound {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, fmt.Errorf("failed to get voucher holder: %w", err)
	}
	defer closer.Close()

	var rec voucherRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return common.Address{}, false, fmt.Errorf("failed to unmarshal voucher record: %w", err)
	}

	return rec.Holder, true, nil
}

// SaveApproval persists a voucher operator approval
func (s *Store) SaveApproval(exchangeID uint64, operator common.Address) error {
	if err := s.db.Set(approvalKey(exchangeID), operator.Bytes(), pebble.Sync); err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return nil
}

// DeleteApproval removes a voucher operator approval
func (s *Store) DeleteApproval(exchangeID uint64) error {
	if err := s.db.Delete(approvalKey(exchangeID), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete approval: %w", err)
	}
	return nil
}

// LoadAllVoucherHolders loads every voucher holder record
// Used on startup to rebuild the in-memory custody view
func (s *Store) LoadAllVoucherHolders() (map[uint64]common.Address, error) {
	prefix := []byte(prefixVoucher)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	holders := make(map[uint64]common.Address)
	for iter.First(); iter.Valid(); iter.Next() {
		var rec voucherRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue // Skip invalid entries
		}
		holders[rec.ExchangeID] = rec.Holder
	}

	return holders, nil
}

// BatchWrite provides atomic batch writes for multiple operations
type BatchWrite struct {
	batch *pebble.Batch
	store *Store
}

// NewBatch creates a new batch writer
func (s *Store) NewBatch() *BatchWrite {
	return &BatchWrite{
		batch: s.db.NewBatch(),
		store: s,
	}
}

// SaveAccount adds an account save to the batch
func (bw *BatchWrite) SaveAccount(acc *Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return bw.batch.Set(accountKey(acc.Address), data, nil)
}

// SaveVoucherHolder adds a voucher holder save to the batch
func (bw *BatchWrite) SaveVoucherHolder(exchangeID uint64, holder common.Address) error {
	data, err := json.Marshal(voucherRecord{ExchangeID: exchangeID, Holder: holder})
	if err != nil {
		return err
	}
	return bw.batch.Set(voucherKey(exchangeID), data, nil)
}

// Commit writes the batch to Pebble atomically
func (bw *BatchWrite) Commit() error {
	return bw.batch.Commit(pebble.Sync)
}

// Close closes the batch without committing
func (bw *BatchWrite) Close() error {
	return bw.batch.Close()
}
