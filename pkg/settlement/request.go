package settlement

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Side selects the negotiation protocol for a secondary-market trade.
type Side int8

const (
	Ask     Side = iota // reseller sets a price and waits for a taker
	Bid                 // buyer sets a price and the reseller accepts
	Wrapper             // settlement delegated to an adapter over a third-party auction
)

func (s Side) String() string {
	switch s {
	case Ask:
		return "ask"
	case Bid:
		return "bid"
	case Wrapper:
		return "wrapper"
	default:
		return "unknown"
	}
}

// PriceDiscoveryRequest describes one negotiated trade. It is constructed
// fresh per settlement attempt and never persisted; only its effects (fund
// transfers, holder change) are durable.
type PriceDiscoveryRequest struct {
	// Price is the counterparty-declared trade price. Advisory for Ask/Bid
	// (actual movement is re-measured), authoritative for Wrapper (must
	// match the reported clearing price exactly).
	Price int64

	Side Side

	// Target is the external contract/service executing the negotiation.
	Target common.Address

	// Conduit is the operator the asset holder pre-authorizes to move the
	// voucher. May differ from Target.
	Conduit common.Address

	// Data is an opaque payload forwarded verbatim to Target.
	Data []byte
}

// Validate rejects malformed requests before any external call is made.
// Fail fast: a rejected request has no partial side effects.
func (r *PriceDiscoveryRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: request is nil", ErrInvalidRequest)
	}
	if r.Price < 0 {
		return fmt.Errorf("%w: price cannot be negative: %d", ErrInvalidRequest, r.Price)
	}
	if r.Side != Ask && r.Side != Bid && r.Side != Wrapper {
		return fmt.Errorf("%w: unknown side: %d", ErrInvalidRequest, r.Side)
	}
	if r.Target == (common.Address{}) {
		return fmt.Errorf("%w: target cannot be zero address", ErrInvalidRequest)
	}
	if r.Conduit == (common.Address{}) {
		return fmt.Errorf("%w: conduit cannot be zero address", ErrInvalidRequest)
	}
	if len(r.Data) == 0 {
		return fmt.Errorf("%w: data cannot be empty", ErrInvalidRequest)
	}
	return nil
}
