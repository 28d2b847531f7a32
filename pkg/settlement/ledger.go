package settlement

import (
	"fmt"

	"github.com/bosonprotocol/resale-engine/pkg/custody"
	"github.com/ethereum/go-ethereum/common"
)

// PendingLedger accumulates the fund movements of one settlement and applies
// them only after every entry validates. Atomicity is structural: a pending
// ledger either converts fully into committed custody state or leaves no
// trace beyond a refunded encumbrance.
//
// Apply order mirrors the settlement contract: encumber the buyer's payment
// first, then the payouts, so a payout that cannot be delivered fails the
// attempt before the voucher holder change is committed.
type PendingLedger struct {
	custody    *custody.Manager
	escrow     common.Address
	token      common.Address
	exchangeID uint64
	actor      common.Address

	encumber int64
	payouts  []payout
}

type payout struct {
	recipient common.Address
	amount    int64
	// unwrap restores the native currency form before final payout when
	// the settlement ran on the wrapped-native token.
	unwrap bool
	// withdrawal marks a refund leaving the settlement, recorded as
	// FundsWithdrawn instead of FundsReleased.
	withdrawal bool
}

// NewPendingLedger starts an empty ledger for one settlement attempt.
func NewPendingLedger(cm *custody.Manager, escrow, token common.Address, exchangeID uint64, actor common.Address) *PendingLedger {
	return &PendingLedger{
		custody:    cm,
		escrow:     escrow,
		token:      token,
		exchangeID: exchangeID,
		actor:      actor,
	}
}

// Encumber stages the buyer's payment (held in escrow) for this settlement.
func (l *PendingLedger) Encumber(amount int64) {
	l.encumber = amount
}

// Release stages a payout from the encumbered amount to a recipient.
func (l *PendingLedger) Release(recipient common.Address, amount int64, unwrap bool) {
	if amount == 0 {
		return
	}
	l.payouts = append(l.payouts, payout{recipient: recipient, amount: amount, unwrap: unwrap})
}

// Withdraw stages a refund of escrow funds back out to a recipient. It rides
// the same all-or-nothing commit as the payouts, so a rejected ledger leaves
// the refund unapplied along with everything else.
func (l *PendingLedger) Withdraw(recipient common.Address, amount int64, unwrap bool) {
	if amount == 0 {
		return
	}
	l.payouts = append(l.payouts, payout{recipient: recipient, amount: amount, unwrap: unwrap, withdrawal: true})
}

// validate checks every staged entry against current custody state.
// After it passes, apply cannot fail on funds.
func (l *PendingLedger) validate() error {
	if l.encumber < 0 {
		return fmt.Errorf("encumber amount cannot be negative: %d", l.encumber)
	}

	total := int64(0)
	for _, p := range l.payouts {
		if p.amount < 0 {
			return fmt.Errorf("payout amount cannot be negative: %d", p.amount)
		}
		if p.recipient == (common.Address{}) {
			return fmt.Errorf("payout recipient cannot be zero address")
		}
		if l.custody.IsFrozen(p.recipient) {
			return fmt.Errorf("recipient %s cannot accept funds", p.recipient.Hex())
		}
		total += p.amount
	}

	// Conservation: payouts must consume exactly the encumbered payment.
	if total != l.encumber {
		return fmt.Errorf("payouts (%d) do not match encumbered amount (%d)", total, l.encumber)
	}

	if have := l.custody.Available(l.escrow, l.token); have < l.encumber {
		return fmt.Errorf("escrow holds %d, settlement needs %d", have, l.encumber)
	}

	return nil
}

// Commit validates the full ledger, then applies it and returns the emitted
// event records. On validation failure nothing is applied.
func (l *PendingLedger) Commit() ([]Event, error) {
	if err := l.validate(); err != nil {
		return nil, fmt.Errorf("pending ledger rejected: %w", err)
	}

	events := make([]Event, 0, len(l.payouts)+1)

	if l.encumber > 0 {
		if err := l.custody.Encumber(l.escrow, l.token, l.encumber); err != nil {
			return nil, fmt.Errorf("failed to encumber payment: %w", err)
		}
		events = append(events, newEvent(EventFundsEncumbered, FundsEncumbered{
			Party:  l.escrow,
			Token:  l.token,
			Amount: l.encumber,
			Actor:  l.actor,
		}))
	}

	for i, p := range l.payouts {
		if err := l.custody.ReleaseEncumbered(l.escrow, p.recipient, l.token, p.amount); err != nil {
			// validate() covered every failure mode; reaching here means
			// custody state changed underneath us. Return the remaining
			// encumbrance and abort.
			l.rollback(i)
			return nil, fmt.Errorf("failed to release payout: %w", err)
		}

		token := l.token
		if p.unwrap {
			if err := l.custody.Unwrap(p.recipient, p.amount); err != nil {
				l.rollback(i + 1)
				return nil, fmt.Errorf("failed to unwrap payout: %w", err)
			}
			token = custody.NativeToken
		}

		if p.withdrawal {
			events = append(events, newEvent(EventFundsWithdrawn, FundsWithdrawn{
				Party:     l.escrow,
				Recipient: p.recipient,
				Token:     token,
				Amount:    p.amount,
				Actor:     l.actor,
			}))
		} else {
			events = append(events, newEvent(EventFundsReleased, FundsReleased{
				ExchangeID: l.exchangeID,
				Party:      p.recipient,
				Token:      token,
				Amount:     p.amount,
				Actor:      l.actor,
			}))
		}
	}

	return events, nil
}

// rollback refunds whatever portion of the encumbrance has not been paid out
// after the first `applied` payouts.
func (l *PendingLedger) rollback(applied int) {
	remaining := l.encumber
	for _, p := range l.payouts[:applied] {
		remaining -= p.amount
	}
	if remaining > 0 {
		_ = l.custody.RefundEncumbered(l.escrow, l.token, remaining)
	}
}
