package custody

import (
	"fmt"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice    = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob      = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	carol    = common.HexToAddress("0xCC00000000000000000000000000000000000000")
	usdToken = common.HexToAddress("0x0000000000000000000000000000000000000100")
	wNative  = common.HexToAddress("0x000000000000000000000000000000000000AAA0")
)

// newTestManager creates a custody manager with a temporary database
// Each test gets a unique database path to avoid Pebble lock conflicts
func newTestManager(t *testing.T) *Manager {
	dbPath := fmt.Sprintf("./tmp_test_custody_%s.db", t.Name())
	os.RemoveAll(dbPath)
	t.Cleanup(func() {
		os.RemoveAll(dbPath)
	})

	m, err := NewManager(dbPath, wNative)
	if err != nil {
		t.Fatalf("failed to create custody manager: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
	})

	return m
}

func TestDepositWithdraw(t *testing.T) {
	m := newTestManager(t)

	if err := m.Deposit(alice, usdToken, 100000); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if got := m.Available(alice, usdToken); got != 100000 {
		t.Errorf("available = %d, want 100000", got)
	}

	if err := m.Withdraw(alice, usdToken, 40000); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got := m.Available(alice, usdToken); got != 60000 {
		t.Errorf("available = %d, want 60000", got)
	}

	// Insufficient balance
	if err := m.Withdraw(alice, usdToken, 70000); err == nil {
		t.Error("expected error for insufficient balance")
	}

	// Invalid amounts
	if err := m.Deposit(alice, usdToken, -5); err == nil {
		t.Error("expected error for negative deposit")
	}
	if err := m.Withdraw(alice, usdToken, 0); err == nil {
		t.Error("expected error for zero withdraw")
	}
}

func TestTransfer(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(alice, usdToken, 50000)

	if err := m.Transfer(alice, bob, usdToken, 20000); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if got := m.Available(alice, usdToken); got != 30000 {
		t.Errorf("alice available = %d, want 30000", got)
	}
	if got := m.Available(bob, usdToken); got != 20000 {
		t.Errorf("bob available = %d, want 20000", got)
	}

	if err := m.Transfer(alice, bob, usdToken, 40000); err == nil {
		t.Error("expected error for insufficient balance")
	}
	if err := m.Transfer(alice, alice, usdToken, 100); err == nil {
		t.Error("expected error for self transfer")
	}
}

func TestEncumberReleaseRefund(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(alice, usdToken, 100000)

	if err := m.Encumber(alice, usdToken, 60000); err != nil {
		t.Fatalf("encumber failed: %v", err)
	}

	acc := m.GetAccount(alice)
	if acc.Available(usdToken) != 40000 {
		t.Errorf("available = %d, want 40000", acc.Available(usdToken))
	}
	if acc.Encumbered(usdToken) != 60000 {
		t.Errorf("encumbered = %d, want 60000", acc.Encumbered(usdToken))
	}

	// Release part to bob, refund the rest
	if err := m.ReleaseEncumbered(alice, bob, usdToken, 45000); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := m.RefundEncumbered(alice, usdToken, 15000); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	if got := m.Available(bob, usdToken); got != 45000 {
		t.Errorf("bob available = %d, want 45000", got)
	}
	if acc.Available(usdToken) != 55000 {
		t.Errorf("alice available = %d, want 55000", acc.Available(usdToken))
	}
	if acc.Encumbered(usdToken) != 0 {
		t.Errorf("alice encumbered = %d, want 0", acc.Encumbered(usdToken))
	}

	// Cannot release more than encumbered
	if err := m.ReleaseEncumbered(alice, bob, usdToken, 1); err == nil {
		t.Error("expected error for releasing more than encumbered")
	}
}

func TestFrozenRecipient(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(alice, usdToken, 10000)
	m.Encumber(alice, usdToken, 10000)

	m.Freeze(bob)
	if err := m.ReleaseEncumbered(alice, bob, usdToken, 10000); err == nil {
		t.Error("expected error releasing to frozen account")
	}

	m.Unfreeze(bob)
	if err := m.ReleaseEncumbered(alice, bob, usdToken, 10000); err != nil {
		t.Errorf("release after unfreeze failed: %v", err)
	}
}

func TestWrapUnwrap(t *testing.T) {
	m := newTestManager(t)
	m.Deposit(alice, NativeToken, 50000)

	if err := m.Wrap(alice, 30000); err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if got := m.Available(alice, NativeToken); got != 20000 {
		t.Errorf("native available = %d, want 20000", got)
	}
	if got := m.Available(alice, wNative); got != 30000 {
		t.Errorf("wrapped available = %d, want 30000", got)
	}

	if err := m.Unwrap(alice, 30000); err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if got := m.Available(alice, NativeToken); got != 50000 {
		t.Errorf("native available = %d, want 50000", got)
	}

	if err := m.Unwrap(alice, 1); err == nil {
		t.Error("expected error unwrapping more than wrapped balance")
	}
}

func TestVoucherCustody(t *testing.T) {
	m := newTestManager(t)

	if err := m.HoldVoucher(7, alice); err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if err := m.HoldVoucher(7, bob); err == nil {
		t.Error("expected error for double hold")
	}

	holder, ok := m.VoucherHolder(7)
	if !ok || holder != alice {
		t.Errorf("holder = %s, want %s", holder.Hex(), alice.Hex())
	}

	// Holder can move directly
	if err := m.MoveVoucher(alice, 7, bob); err != nil {
		t.Fatalf("move by holder failed: %v", err)
	}
	holder, _ = m.VoucherHolder(7)
	if holder != bob {
		t.Errorf("holder = %s, want %s", holder.Hex(), bob.Hex())
	}

	// Non-holder cannot move without approval
	if err := m.MoveVoucher(carol, 7, carol); err == nil {
		t.Error("expected error for unauthorized move")
	}

	// Approved operator can move
	if err := m.ApproveVoucherOperator(bob, 7, carol); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if err := m.MoveVoucher(carol, 7, alice); err != nil {
		t.Fatalf("move by operator failed: %v", err)
	}

	// Only the holder may approve
	if err := m.ApproveVoucherOperator(bob, 7, carol); err == nil {
		t.Error("expected error for approval by non-holder")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dbPath := fmt.Sprintf("./tmp_test_custody_%s.db", t.Name())
	os.RemoveAll(dbPath)
	t.Cleanup(func() {
		os.RemoveAll(dbPath)
	})

	m, err := NewManager(dbPath, wNative)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	m.Deposit(alice, usdToken, 12345)
	m.HoldVoucher(3, alice)
	m.Close()

	// Reopen: balances and voucher holders must survive
	m2, err := NewManager(dbPath, wNative)
	if err != nil {
		t.Fatalf("failed to reopen manager: %v", err)
	}
	defer m2.Close()

	// Available must load through the store on a cold cache, not report 0
	if got := m2.Available(alice, usdToken); got != 12345 {
		t.Errorf("available after reopen = %d, want 12345", got)
	}

	acc := m2.GetAccount(alice)
	if acc.Available(usdToken) != 12345 {
		t.Errorf("available after reopen = %d, want 12345", acc.Available(usdToken))
	}
	holder, ok := m2.VoucherHolder(3)
	if !ok || holder != alice {
		t.Errorf("voucher holder after reopen = %s, want %s", holder.Hex(), alice.Hex())
	}
}

func TestNewManagerRejectsZeroWrappedNative(t *testing.T) {
	dbPath := fmt.Sprintf("./tmp_test_custody_%s.db", t.Name())
	os.RemoveAll(dbPath)
	t.Cleanup(func() {
		os.RemoveAll(dbPath)
	})

	// The zero address is the native sentinel; a wrapped token colliding
	// with it would break the wrap/unwrap distinction
	if _, err := NewManager(dbPath, common.Address{}); err == nil {
		t.Fatal("expected error for zero wrapped-native token")
	}
}
