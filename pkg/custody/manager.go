package custody

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Manager is the custody adapter: it holds and moves settlement funds and
// voucher custody on the engine's behalf in a thread-safe manner.
// Uses in-memory cache + Pebble persistence for durability
type Manager struct {
	mu       sync.RWMutex
	accounts map[common.Address]*Account // address -> account (in-memory cache)
	store    *Store                      // Pebble persistence layer

	vouchers  map[uint64]common.Address // exchange ID -> current holder
	approvals map[uint64]common.Address // exchange ID -> approved operator (conduit)
	frozen    map[common.Address]bool   // accounts that cannot receive funds

	// wrappedNative is the fungible-token form of the native currency.
	wrappedNative common.Address
}

// NewManager creates a custody manager with Pebble persistence.
// The wrapped-native token must not collide with the native-currency sentinel.
func NewManager(dbPath string, wrappedNative common.Address) (*Manager, error) {
	if wrappedNative == NativeToken {
		return nil, fmt.Errorf("wrapped-native token cannot be the native sentinel")
	}

	store, err := NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	vouchers, err := store.LoadAllVoucherHolders()
	if err != nil {
		return nil, fmt.Errorf("failed to load voucher holders: %w", err)
	}

	return &Manager{
		accounts:      make(map[common.Address]*Account),
		store:         store,
		vouchers:      vouchers,
		approvals:     make(map[uint64]common.Address),
		frozen:        make(map[common.Address]bool),
		wrappedNative: wrappedNative,
	}, nil
}

// Close closes the underlying Pebble database
func (m *Manager) Close() error {
	return m.store.Close()
}

// WrappedNative returns the wrapped-native token identifier.
func (m *Manager) WrappedNative() common.Address {
	return m.wrappedNative
}

// GetAccount retrieves an account by address
// Creates a new account with zero balances if it doesn't exist
// Loads from Pebble if not in cache
func (m *Manager) GetAccount(addr common.Address) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getAccountLocked(addr)
}

// getAccountLocked is an internal helper that gets an account (assumes lock is held)
func (m *Manager) getAccountLocked(addr common.Address) *Account {
	acc, exists := m.accounts[addr]
	if exists {
		return acc
	}

	// Try loading from Pebble
	acc, err := m.store.LoadAccount(addr)
	if err != nil {
		// Log error but don't fail - create new account
		fmt.Printf("[custody] failed to load account %s: %v\n", addr.Hex(), err)
	}

	if acc == nil {
		acc = NewAccount(addr)
	}

	m.accounts[addr] = acc
	return acc
}

// Deposit adds funds to a party's available balance
func (m *Manager) Deposit(party, token common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive: %d", amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.getAccountLocked(party)
	acc.Balance(token).Available += amount
	acc.TotalIn += amount

	return m.store.SaveAccount(acc)
}

// Withdraw removes funds from a party's available balance
// Returns error if insufficient available balance
func (m *Manager) Withdraw(party, token common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive: %d", amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.getAccountLocked(party)
	b := acc.Balance(token)
	if b.Available < amount {
		return fmt.Errorf("insufficient balance: have %d, need %d", b.Available, amount)
	}

	b.Available -= amount
	acc.TotalOut += amount

	return m.store.SaveAccount(acc)
}

// Transfer moves available funds between two parties
// Both account updates are persisted in one atomic batch
func (m *Manager) Transfer(from, to, token common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive: %d", amount)
	}
	if from == to {
		return fmt.Errorf("cannot transfer to self: %s", from.Hex())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen[to] {
		return fmt.Errorf("recipient %s cannot accept funds", to.Hex())
	}

	src := m.getAccountLocked(from)
	dst := m.getAccountLocked(to)

	sb := src.Balance(token)
	if sb.Available < amount {
		return fmt.Errorf("insufficient balance: have %d, need %d", sb.Available, amount)
	}

	sb.Available -= amount
	dst.Balance(token).Available += amount
	src.TotalOut += amount
	dst.TotalIn += amount

	return m.saveBothLocked(src, dst)
}

// Encumber moves a party's funds from available to encumbered
// Encumbered funds are committed to an in-progress settlement
func (m *Manager) Encumber(party, token common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("encumber amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil // No-op for zero amount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.getAccountLocked(party)
	b := acc.Balance(token)
	if b.Available < amount {
		return fmt.Errorf("insufficient balance to encumber: have %d, need %d", b.Available, amount)
	}

	b.Available -= amount
	b.Encumbered += amount

	return m.store.SaveAccount(acc)
}

// RefundEncumbered returns encumbered funds to the same party's available balance
// Used when a settlement attempt fails after encumbrance
func (m *Manager) RefundEncumbered(party, token common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("refund amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.getAccountLocked(party)
	b := acc.Balance(token)
	if b.Encumbered < amount {
		return fmt.Errorf("cannot refund more than encumbered: encumbered=%d, refund=%d", b.Encumbered, amount)
	}

	b.Encumbered -= amount
	b.Available += amount

	return m.store.SaveAccount(acc)
}

// ReleaseEncumbered pays encumbered funds out to another party
// This is the only path by which encumbered funds leave an account
func (m *Manager) ReleaseEncumbered(from, to, token common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("release amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.getAccountLocked(from)
	sb := src.Balance(token)
	if sb.Encumbered < amount {
		return fmt.Errorf("cannot release more than encumbered: encumbered=%d, release=%d", sb.Encumbered, amount)
	}

	if m.frozen[to] {
		return fmt.Errorf("recipient %s cannot accept funds", to.Hex())
	}

	dst := m.getAccountLocked(to)

	sb.Encumbered -= amount
	dst.Balance(token).Available += amount
	src.TotalOut += amount
	dst.TotalIn += amount
	src.SettlementCount++

	return m.saveBothLocked(src, dst)
}

// Freeze marks an account as unable to receive funds
// Used by dispute/compliance collaborators; releases to a frozen account fail
func (m *Manager) Freeze(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen[addr] = true
}

// Unfreeze re-enables an account for receiving funds
func (m *Manager) Unfreeze(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.frozen, addr)
}

// IsFrozen reports whether an account is blocked from receiving funds
func (m *Manager) IsFrozen(addr common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen[addr]
}

// Available returns a party's available balance in a token.
// Loads the account through the store on a cache miss so reads agree with
// persisted state across restarts.
func (m *Manager) Available(party, token common.Address) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getAccountLocked(party).Available(token)
}

// Wrap converts a party's native funds into the wrapped-native token
// Required before any pull-based (Bid/Wrapper) settlement in native currency
func (m *Manager) Wrap(party common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("wrap amount must be positive: %d", amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.getAccountLocked(party)
	nb := acc.Balance(NativeToken)
	if nb.Available < amount {
		return fmt.Errorf("insufficient native balance to wrap: have %d, need %d", nb.Available, amount)
	}

	nb.Available -= amount
	acc.Balance(m.wrappedNative).Available += amount

	return m.store.SaveAccount(acc)
}

// Unwrap converts wrapped-native funds back to the native currency
// Components needing the original native form call this before final payout
func (m *Manager) Unwrap(party common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("unwrap amount must be positive: %d", amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.getAccountLocked(party)
	wb := acc.Balance(m.wrappedNative)
	if wb.Available < amount {
		return fmt.Errorf("insufficient wrapped balance to unwrap: have %d, need %d", wb.Available, amount)
	}

	wb.Available -= amount
	acc.Balance(NativeToken).Available += amount

	return m.store.SaveAccount(acc)
}

// HoldVoucher records custody of a voucher for an exchange
// Returns error if the voucher is already held
func (m *Manager) HoldVoucher(exchangeID uint64, holder common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, exists := m.vouchers[exchangeID]; exists {
		return fmt.Errorf("voucher %d already held by %s", exchangeID, cur.Hex())
	}

	m.vouchers[exchangeID] = holder
	return m.store.SaveVoucherHolder(exchangeID, holder)
}

// VoucherHolder returns the current holder of a voucher
func (m *Manager) VoucherHolder(exchangeID uint64) (common.Address, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	holder, exists := m.vouchers[exchangeID]
	return holder, exists
}

// ApproveVoucherOperator authorizes an operator (the conduit) to move a voucher
// Only the current holder may approve
func (m *Manager) ApproveVoucherOperator(caller common.Address, exchangeID uint64, operator common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	holder, exists := m.vouchers[exchangeID]
	if !exists {
		return fmt.Errorf("voucher %d not held", exchangeID)
	}
	if holder != caller {
		return fmt.Errorf("only holder may approve: holder=%s, caller=%s", holder.Hex(), caller.Hex())
	}

	m.approvals[exchangeID] = operator
	return m.store.SaveApproval(exchangeID, operator)
}

// ClearVoucherApproval revokes any operator approval for a voucher
func (m *Manager) ClearVoucherApproval(exchangeID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.approvals, exchangeID)
	return m.store.DeleteApproval(exchangeID)
}

// MoveVoucher transfers voucher custody to a new holder
// The operator must be the current holder or an approved operator
func (m *Manager) MoveVoucher(operator common.Address, exchangeID uint64, to common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	holder, exists := m.vouchers[exchangeID]
	if !exists {
		return fmt.Errorf("voucher %d not held", exchangeID)
	}

	approved := m.approvals[exchangeID]
	if operator != holder && operator != approved {
		return fmt.Errorf("operator %s not authorized to move voucher %d", operator.Hex(), exchangeID)
	}

	m.vouchers[exchangeID] = to
	return m.store.SaveVoucherHolder(exchangeID, to)
}

// ValidateAccount checks account invariants
func (m *Manager) ValidateAccount(addr common.Address) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, exists := m.accounts[addr]
	if !exists {
		return fmt.Errorf("account not found: %s", addr.Hex())
	}

	return acc.Validate()
}

// ListAccounts returns all cached accounts
// Returns a snapshot copy to avoid holding the lock
func (m *Manager) ListAccounts() []*Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make([]*Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		accounts = append(accounts, acc)
	}
	return accounts
}

// saveBothLocked persists two accounts in one atomic batch (assumes lock is held)
func (m *Manager) saveBothLocked(a, b *Account) error {
	batch := m.store.NewBatch()
	defer batch.Close()

	if err := batch.SaveAccount(a); err != nil {
		return fmt.Errorf("failed to batch account %s: %w", a.Address.Hex(), err)
	}
	if err := batch.SaveAccount(b); err != nil {
		return fmt.Errorf("failed to batch account %s: %w", b.Address.Hex(), err)
	}

	return batch.Commit()
}
