package custody

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// NativeToken is the reserved sentinel for the native settlement currency.
// All other token identifiers denote fungible tokens. The native currency
// cannot be approved for pull-based transfer, so Bid/Wrapper flows operate
// on a wrapped-token representation instead (see Manager.Wrap/Unwrap).
var NativeToken = common.Address{}

// IsNative reports whether a token identifier is the native-currency sentinel.
func IsNative(token common.Address) bool {
	return token == NativeToken
}

// Balance tracks one party's funds in one token.
// Available funds can be withdrawn or transferred freely; encumbered funds
// are held for an in-progress settlement and only move through an explicit
// release or refund.
type Balance struct {
	Available  int64
	Encumbered int64
}

// Total returns available + encumbered funds.
func (b *Balance) Total() int64 {
	return b.Available + b.Encumbered
}

// Account represents one party's custody state across all tokens.
type Account struct {
	Address  common.Address
	Balances map[common.Address]*Balance // token -> balance

	// Cumulative statistics
	TotalIn         int64 // lifetime deposits + releases received
	TotalOut        int64 // lifetime withdrawals + transfers out
	SettlementCount int64 // settlements this account took part in
}

// NewAccount creates an account with zero balances.
func NewAccount(addr common.Address) *Account {
	return &Account{
		Address:  addr,
		Balances: make(map[common.Address]*Balance),
	}
}

// Balance returns the balance record for a token, creating it if absent.
func (a *Account) Balance(token common.Address) *Balance {
	b, ok := a.Balances[token]
	if !ok {
		b = &Balance{}
		a.Balances[token] = b
	}
	return b
}

// Available returns funds available in a token without creating a record.
func (a *Account) Available(token common.Address) int64 {
	b, ok := a.Balances[token]
	if !ok {
		return 0
	}
	return b.Available
}

// Encumbered returns funds encumbered in a token without creating a record.
func (a *Account) Encumbered(token common.Address) int64 {
	b, ok := a.Balances[token]
	if !ok {
		return 0
	}
	return b.Encumbered
}

// Validate checks account invariants
func (a *Account) Validate() error {
	for token, b := range a.Balances {
		if b.Available < 0 {
			return fmt.Errorf("negative available balance for %s: %d", token.Hex(), b.Available)
		}
		if b.Encumbered < 0 {
			return fmt.Errorf("negative encumbered balance for %s: %d", token.Hex(), b.Encumbered)
		}
	}
	return nil
}
