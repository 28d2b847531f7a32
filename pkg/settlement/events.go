package settlement

import (
	"time"

	"github.com/bosonprotocol/resale-engine/pkg/exchange"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Event types consumed by accounting/observability collaborators.
const (
	EventFundsEncumbered = "funds_encumbered"
	EventFundsReleased   = "funds_released"
	EventFundsWithdrawn  = "funds_withdrawn"
	EventBuyerCommitted  = "buyer_committed"
)

// Event is one ledger/observability record emitted by a settlement.
type Event struct {
	Type    string      `json:"type"`
	At      int64       `json:"at"` // Unix milliseconds
	Payload interface{} `json:"payload"`
}

// FundsEncumbered records a party's payment being committed to a settlement.
type FundsEncumbered struct {
	Party  common.Address `json:"party"`
	Token  common.Address `json:"token"`
	Amount int64          `json:"amount"`
	Actor  common.Address `json:"actor"`
}

// FundsReleased records settlement funds paid out to a party.
type FundsReleased struct {
	ExchangeID uint64         `json:"exchangeId"`
	Party      common.Address `json:"party"`
	Token      common.Address `json:"token"`
	Amount     int64          `json:"amount"`
	Actor      common.Address `json:"actor"`
}

// FundsWithdrawn records funds leaving escrow custody to a recipient.
type FundsWithdrawn struct {
	Party     common.Address `json:"party"`
	Recipient common.Address `json:"recipient"`
	Token     common.Address `json:"token"`
	Amount    int64          `json:"amount"`
	Actor     common.Address `json:"actor"`
}

// BuyerCommitted records the buyer-commitment of a resale, with snapshots of
// the exchange and voucher as committed.
type BuyerCommitted struct {
	OfferID    uint64            `json:"offerId"`
	ExchangeID uint64            `json:"exchangeId"`
	NewBuyer   common.Address    `json:"newBuyer"`
	Exchange   exchange.Exchange `json:"exchange"`
	Voucher    exchange.Voucher  `json:"voucher"`
	Actor      common.Address    `json:"actor"`
}

func newEvent(eventType string, payload interface{}) Event {
	return Event{
		Type:    eventType,
		At:      time.Now().UnixMilli(),
		Payload: payload,
	}
}

// Emitter receives settlement events.
type Emitter interface {
	Emit(Event)
}

// NopEmitter discards events.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// LogEmitter writes events to the structured log.
type LogEmitter struct {
	Log *zap.SugaredLogger
}

func (e LogEmitter) Emit(ev Event) {
	e.Log.Infow("settlement_event", "event_type", ev.Type, "payload", ev.Payload)
}

// MultiEmitter fans one event out to several emitters.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ev Event) {
	for _, e := range m {
		e.Emit(ev)
	}
}
