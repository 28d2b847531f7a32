package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/bosonprotocol/resale-engine/params"
	"github.com/bosonprotocol/resale-engine/pkg/custody"
	"github.com/bosonprotocol/resale-engine/pkg/exchange"
	"github.com/bosonprotocol/resale-engine/pkg/util"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Handler is the top-level sequential-commit use case: it ties an existing
// exchange/voucher to a new secondary buyer by running price discovery,
// splitting proceeds, applying fund movements and updating ownership.
//
// Each settlement is a single logical transaction: all steps execute
// sequentially and either all take effect or none do. Attempts for the same
// exchange are serialized; a second attempt on an already-resold voucher
// fails at holder validation, never at fund-transfer time.
type Handler struct {
	registry *exchange.Registry
	custody  *custody.Manager
	orch     *Orchestrator

	fees     params.Fees
	escrow   common.Address
	treasury common.Address

	clock   util.Clock
	log     *zap.SugaredLogger
	emitter Emitter

	mu       sync.Mutex
	inFlight map[uint64]bool

	// OnEvent, if set, is invoked for every emitted event. Used to hook
	// live observers (e.g. the API websocket hub) without coupling.
	OnEvent func(Event)
}

// NewHandler creates a sequential commit handler
func NewHandler(reg *exchange.Registry, cm *custody.Manager, orch *Orchestrator,
	fees params.Fees, escrow, treasury common.Address,
	clock util.Clock, log *zap.SugaredLogger, emitter Emitter) *Handler {

	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &Handler{
		registry: reg,
		custody:  cm,
		orch:     orch,
		fees:     fees,
		escrow:   escrow,
		treasury: treasury,
		clock:    clock,
		log:      log,
		emitter:  emitter,
		inFlight: make(map[uint64]bool),
	}
}

// SequentialCommit executes one resale settlement end to end.
//
// Steps: validate request and authorization, run the settlement protocol,
// compute the fee split against the offer's primary price, apply fund
// movements through a pending ledger, commit the new buyer, emit events.
// Any failure aborts the whole attempt with no observable state change.
func (h *Handler) SequentialCommit(ctx context.Context, caller, buyer common.Address, exchangeID uint64, req *PriceDiscoveryRequest) (*SettlementResult, error) {
	// Step 1: fail-fast validation, no external call, no state change.
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if buyer == (common.Address{}) {
		return nil, fmt.Errorf("%w: buyer cannot be zero address", ErrInvalidRequest)
	}

	exch, err := h.registry.Get(exchangeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	offer, err := h.registry.GetOffer(exch.OfferID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if !exch.Transferable() {
		return nil, fmt.Errorf("%w: exchange %d state %s", ErrNotTransferable, exchangeID, exch.State)
	}

	// Resale is a different trust context than primary commit: a voided
	// offer or a sold-out range does not block it. Voucher expiry does.
	v := exch.Voucher
	if v.Expired || (v.ValidUntilDate > 0 && h.clock.Now().Unix() > v.ValidUntilDate) {
		return nil, fmt.Errorf("%w: exchange %d valid until %d", ErrVoucherExpired, exchangeID, v.ValidUntilDate)
	}

	holder, ok := h.custody.VoucherHolder(exchangeID)
	if !ok {
		return nil, fmt.Errorf("%w: voucher %d not in custody", ErrInvalidRequest, exchangeID)
	}

	// Ask/Wrapper may only be initiated by the current holder; Bid may be
	// initiated by anyone on behalf of a named buyer.
	if req.Side != Bid && caller != holder {
		return nil, fmt.Errorf("%w: %s is not the holder of voucher %d", ErrNotAuthorized, caller.Hex(), exchangeID)
	}

	// Fee-cap check before any funds move.
	if err := ValidateFeeRates(h.fees.ProtocolBps, offer.RoyaltyBps(), h.fees.MaxRoyaltyBps, h.fees.MaxTotalBps); err != nil {
		return nil, err
	}

	if err := h.acquire(exchangeID); err != nil {
		return nil, err
	}
	defer h.release(exchangeID)

	// Step 2: delegate price negotiation, re-measure actual movement.
	result, err := h.orch.Settle(ctx, exchangeID, offer.ExchangeToken, holder, buyer, req)
	if err != nil {
		return nil, err
	}

	// Degenerate Wrapper case: a canceled external auction unwound with no
	// funds movement. The voucher stays with the original holder and no
	// commitment is recorded.
	if !result.AssetMoved {
		return result, nil
	}

	// Step 3: split proceeds against the primary price floor.
	split, err := ComputeFeeSplit(offer.Price, result.ActualAmount, h.fees.ProtocolBps, offer.RoyaltyRecipients)
	if err != nil {
		return nil, err
	}

	// Step 4: stage and apply fund movements. The full received amount is
	// encumbered, then payouts and any overpayment refund apply together,
	// so an undeliverable payout fails before ownership changes and never
	// leaves a partial refund behind.
	token := h.orch.SettlementToken(offer.ExchangeToken, req.Side)
	unwrap := custody.IsNative(offer.ExchangeToken) && !custody.IsNative(token)

	ledger := NewPendingLedger(h.custody, h.escrow, token, exchangeID, caller)
	ledger.Encumber(result.ActualAmount + result.ExcessReturned)
	ledger.Release(holder, split.SellerPayout, unwrap)
	ledger.Release(h.treasury, split.ProtocolShare, unwrap)
	for _, rs := range split.RoyaltyShares {
		ledger.Release(rs.Wallet, rs.Amount, unwrap)
	}
	ledger.Withdraw(buyer, result.ExcessReturned, unwrap)

	events, err := ledger.Commit()
	if err != nil {
		return nil, err
	}

	// Step 5: update the buyer identity only; validity window and committed
	// date are deliberately untouched, resale does not reset the clock.
	if err := h.registry.CommitNewBuyer(exchangeID, buyer); err != nil {
		return nil, fmt.Errorf("failed to commit new buyer: %w", err)
	}

	// Step 6: observable records.
	committed, err := h.registry.Get(exchangeID)
	if err == nil {
		events = append(events, newEvent(EventBuyerCommitted, BuyerCommitted{
			OfferID:    offer.ID,
			ExchangeID: exchangeID,
			NewBuyer:   buyer,
			Exchange:   *committed,
			Voucher:    committed.Voucher,
			Actor:      caller,
		}))
	}

	for _, ev := range events {
		h.emitter.Emit(ev)
		if h.OnEvent != nil {
			h.OnEvent(ev)
		}
	}

	h.log.Infow("sequential_commit",
		"exchange_id", exchangeID,
		"offer_id", offer.ID,
		"side", req.Side.String(),
		"old_buyer", holder.Hex(),
		"new_buyer", buyer.Hex(),
		"actual", result.ActualAmount,
		"seller_payout", split.SellerPayout,
		"protocol_share", split.ProtocolShare)

	return result, nil
}

// acquire serializes settlement attempts per exchange
func (h *Handler) acquire(exchangeID uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.inFlight[exchangeID] {
		return fmt.Errorf("%w: %d", ErrSettlementInFlight, exchangeID)
	}
	h.inFlight[exchangeID] = true
	return nil
}

func (h *Handler) release(exchangeID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inFlight, exchangeID)
}
