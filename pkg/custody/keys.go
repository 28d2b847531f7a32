package custody

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema
// Design principles:
// 1. Prefix-based for range scans (all vouchers, all accounts)
// 2. Account address as primary key for ownership

// Key prefixes
const (
	prefixAccount  = "acc:"   // Account state (balances per token)
	prefixVoucher  = "vouch:" // Voucher holder records
	prefixApproval = "appr:"  // Voucher operator approvals
)

// accountKey returns the key for an account
// Format: "acc:{address}"
func accountKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixAccount, addr.Hex()))
}

// voucherKey returns the key for a voucher holder record
// Format: "vouch:{exchangeID}"
// Exchange ID is zero-padded (20 digits) for lexicographic sorting
func voucherKey(exchangeID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixVoucher, exchangeID))
}

// approvalKey returns the key for a voucher operator approval
// Format: "appr:{exchangeID}"
func approvalKey(exchangeID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixApproval, exchangeID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "vouch:" -> upper bound "vouch;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
