package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// State is the lifecycle state of an exchange, orthogonal to resale.
type State int8

const (
	Committed State = iota // Voucher issued, holder-transferable
	Redeemed               // Buyer redeemed the voucher
	Revoked                // Seller revoked before redemption
	Canceled               // Buyer canceled before redemption
	Finalized              // Dispute window closed, funds final
)

func (s State) String() string {
	switch s {
	case Committed:
		return "committed"
	case Redeemed:
		return "redeemed"
	case Revoked:
		return "revoked"
	case Canceled:
		return "canceled"
	case Finalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// RoyaltyRecipient is one wallet entitled to a royalty share of
// secondary-sale proceeds, with its rate in basis points.
type RoyaltyRecipient struct {
	Wallet common.Address `json:"wallet"`
	Bps    int64          `json:"bps"`
}

// Offer describes the primary sale an exchange was created from.
// The offer price is already escrowed and acts as the floor for
// secondary-sale payouts.
type Offer struct {
	ID     uint64         `json:"id"`
	Seller common.Address `json:"seller"`

	// Price is the primary-sale price, in minor units of ExchangeToken.
	Price int64 `json:"price"`

	// ExchangeToken is the settlement currency. The zero address denotes
	// the native currency.
	ExchangeToken common.Address `json:"exchangeToken"`

	// RoyaltyRecipients share secondary-sale proceeds; their combined rate
	// is validated against the configured maximum at settlement time.
	RoyaltyRecipients []RoyaltyRecipient `json:"royaltyRecipients,omitempty"`

	Voided bool `json:"voided"` // blocks primary commits only, never resale
}

// RoyaltyBps returns the combined royalty rate across all recipients.
func (o *Offer) RoyaltyBps() int64 {
	total := int64(0)
	for _, r := range o.RoyaltyRecipients {
		total += r.Bps
	}
	return total
}

// Voucher is the transferable right attached to an exchange.
// Resale changes the holder only; these fields are never touched by it.
type Voucher struct {
	CommittedDate  int64 `json:"committedDate"`  // Unix seconds
	ValidUntilDate int64 `json:"validUntilDate"` // Unix seconds; 0 = no expiry
	Expired        bool  `json:"expired"`
}

// Exchange ties an offer to a buyer. Identity is offer + sequence (ID);
// sequential commit replaces Buyer and leaves everything else untouched.
type Exchange struct {
	ID      uint64         `json:"id"`
	OfferID uint64         `json:"offerId"`
	Buyer   common.Address `json:"buyer"`
	State   State          `json:"state"`
	Voucher Voucher        `json:"voucher"`
}

// Transferable reports whether the voucher may change holders.
// Only committed exchanges are holder-transferable; redemption, revocation
// and finalization all end resale eligibility.
func (e *Exchange) Transferable() bool {
	return e.State == Committed
}

// Validate checks exchange invariants
func (e *Exchange) Validate() error {
	if e.ID == 0 {
		return fmt.Errorf("exchange id cannot be zero")
	}
	if e.OfferID == 0 {
		return fmt.Errorf("offer id cannot be zero")
	}
	if e.Buyer == (common.Address{}) {
		return fmt.Errorf("buyer cannot be zero address")
	}
	return nil
}
