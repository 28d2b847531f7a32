package settlement

import (
	"context"
	"fmt"

	"github.com/bosonprotocol/resale-engine/pkg/custody"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// SettlementResult records what actually changed hands.
type SettlementResult struct {
	// ActualAmount is the amount downstream accounting settles on. May be
	// below the advisory price for Ask, equals the price for Bid/Wrapper.
	ActualAmount int64

	// AssetMoved reports whether voucher custody changed, and to whom.
	AssetMoved bool
	NewHolder  common.Address

	// ExcessReturned is any overpayment owed back to the paying side. The
	// commit ledger returns it together with the payouts.
	ExcessReturned int64
}

// Orchestrator executes one of three negotiation protocols against an
// external, untrusted price-discovery target, measuring actual asset and
// fund movement against the request's declared price.
//
// Safety model: verification-then-commit. Nothing externally observable is
// committed before the post-call checks pass, so a target that reenters the
// engine mid-call finds no partial state to exploit; post-call custody
// measurement is the sole source of truth.
type Orchestrator struct {
	custody *custody.Manager
	targets *TargetRegistry

	// escrow is the engine's own custody account. Fund movement is
	// measured as the balance delta on this account across the call.
	escrow common.Address

	log *zap.SugaredLogger
}

// NewOrchestrator creates a settlement orchestrator
func NewOrchestrator(cm *custody.Manager, targets *TargetRegistry, escrow common.Address, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		custody: cm,
		targets: targets,
		escrow:  escrow,
		log:     log,
	}
}

// SettlementToken resolves the token a settlement actually operates on.
// Bid and Wrapper need pull semantics, which the native currency cannot
// provide, so they run on the wrapped-native token instead.
func (o *Orchestrator) SettlementToken(token common.Address, side Side) common.Address {
	if custody.IsNative(token) && side != Ask {
		return o.custody.WrappedNative()
	}
	return token
}

// Settle executes the protocol selected by req.Side. Errors from the
// external call propagate unchanged; there is no retry.
func (o *Orchestrator) Settle(ctx context.Context, exchangeID uint64, token, reseller, buyer common.Address, req *PriceDiscoveryRequest) (*SettlementResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	settleToken := o.SettlementToken(token, req.Side)

	switch req.Side {
	case Ask:
		return o.fulfilAsk(ctx, exchangeID, settleToken, reseller, buyer, req)
	case Bid:
		return o.fulfilBid(ctx, exchangeID, settleToken, reseller, buyer, req)
	case Wrapper:
		return o.fulfilWrapper(ctx, exchangeID, settleToken, reseller, buyer, req)
	default:
		return nil, fmt.Errorf("%w: unknown side: %d", ErrInvalidRequest, req.Side)
	}
}

// fulfilAsk handles a seller-priced trade: the external call is expected to
// move the voucher to the buyer and settlement currency into escrow.
func (o *Orchestrator) fulfilAsk(ctx context.Context, exchangeID uint64, token, reseller, buyer common.Address, req *PriceDiscoveryRequest) (*SettlementResult, error) {
	target, err := o.targets.Lookup(req.Target)
	if err != nil {
		return nil, err
	}

	holderBefore, ok := o.custody.VoucherHolder(exchangeID)
	if !ok {
		return nil, fmt.Errorf("voucher %d not in custody", exchangeID)
	}
	if holderBefore != reseller {
		return nil, fmt.Errorf("%w: voucher %d held by %s, not reseller %s",
			ErrNotAuthorized, exchangeID, holderBefore.Hex(), reseller.Hex())
	}

	balanceBefore := o.custody.Available(o.escrow, token)

	if err := target.Execute(ctx, req.Data); err != nil {
		return nil, err // propagate unchanged, no retry
	}

	// Post-call verification: custody state is the sole source of truth.
	holderAfter, ok := o.custody.VoucherHolder(exchangeID)
	if !ok || holderAfter == holderBefore {
		return nil, fmt.Errorf("%w: voucher %d still with %s", ErrVoucherNotTransferred, exchangeID, holderBefore.Hex())
	}
	if holderAfter != buyer {
		return nil, fmt.Errorf("%w: voucher %d went to %s, expected %s",
			ErrVoucherWrongHolder, exchangeID, holderAfter.Hex(), buyer.Hex())
	}

	delta := o.custody.Available(o.escrow, token) - balanceBefore
	if delta < 0 {
		return nil, fmt.Errorf("%w: escrow balance decreased by %d", ErrNegativePrice, -delta)
	}

	// An Ask may fill below the advisory price; anything above it is
	// surplus owed back to the buyer.
	actual := delta
	excess := int64(0)
	if delta > req.Price {
		excess = delta - req.Price
		actual = req.Price
	}

	o.log.Infow("ask_settled",
		"exchange_id", exchangeID,
		"actual", actual,
		"advisory_price", req.Price,
		"excess_returned", excess,
		"new_holder", buyer.Hex())

	return &SettlementResult{
		ActualAmount:   actual,
		AssetMoved:     true,
		NewHolder:      buyer,
		ExcessReturned: excess,
	}, nil
}

// fulfilBid handles a buyer-priced trade: the engine authorizes the conduit
// to move the voucher and expects at least the bid price to flow into escrow.
func (o *Orchestrator) fulfilBid(ctx context.Context, exchangeID uint64, token, reseller, buyer common.Address, req *PriceDiscoveryRequest) (*SettlementResult, error) {
	if custody.IsNative(token) {
		return nil, ErrNativeNotAllowed
	}

	target, err := o.targets.Lookup(req.Target)
	if err != nil {
		return nil, err
	}

	holderBefore, ok := o.custody.VoucherHolder(exchangeID)
	if !ok {
		return nil, fmt.Errorf("voucher %d not in custody", exchangeID)
	}

	// Pre-position the asset: the conduit is authorized to move the
	// voucher for the duration of the external call only.
	if err := o.custody.ApproveVoucherOperator(holderBefore, exchangeID, req.Conduit); err != nil {
		return nil, fmt.Errorf("failed to approve conduit: %w", err)
	}
	defer o.custody.ClearVoucherApproval(exchangeID)

	balanceBefore := o.custody.Available(o.escrow, token)

	if err := target.Execute(ctx, req.Data); err != nil {
		return nil, err // propagate unchanged, no retry
	}

	delta := o.custody.Available(o.escrow, token) - balanceBefore
	if delta < req.Price {
		return nil, fmt.Errorf("%w: received %d, need %d", ErrInsufficientValue, delta, req.Price)
	}

	// The asset must have left custody as directed; still present or sent
	// elsewhere is a contract violation.
	holderAfter, ok := o.custody.VoucherHolder(exchangeID)
	if !ok || holderAfter == holderBefore {
		return nil, fmt.Errorf("%w: voucher %d still with %s", ErrVoucherNotTransferred, exchangeID, holderBefore.Hex())
	}
	if holderAfter != buyer {
		return nil, fmt.Errorf("%w: voucher %d went to %s, expected %s",
			ErrVoucherWrongHolder, exchangeID, holderAfter.Hex(), buyer.Hex())
	}

	excess := delta - req.Price

	o.log.Infow("bid_settled",
		"exchange_id", exchangeID,
		"price", req.Price,
		"received", delta,
		"excess_returned", excess,
		"new_holder", buyer.Hex())

	return &SettlementResult{
		ActualAmount:   req.Price,
		AssetMoved:     true,
		NewHolder:      buyer,
		ExcessReturned: excess,
	}, nil
}

// fulfilWrapper handles an adapter-relayed trade: the target finalizes a
// third-party auction result and reports the true clearing price, which
// must match the declared price exactly. A zero price unwinds a canceled
// external auction with no funds movement.
func (o *Orchestrator) fulfilWrapper(ctx context.Context, exchangeID uint64, token, reseller, buyer common.Address, req *PriceDiscoveryRequest) (*SettlementResult, error) {
	if custody.IsNative(token) {
		return nil, ErrNativeNotAllowed
	}

	target, err := o.targets.Lookup(req.Target)
	if err != nil {
		return nil, err
	}

	unwrapper, ok := target.(Unwrapper)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotUnwrapper, req.Target.Hex())
	}

	holderBefore, hadVoucher := o.custody.VoucherHolder(exchangeID)
	balanceBefore := o.custody.Available(o.escrow, token)

	reported, err := unwrapper.Unwrap(ctx, req.Data)
	if err != nil {
		return nil, err // propagate unchanged, no retry
	}

	// Exact equality, no tolerance band: the wrapper's whole purpose is to
	// relay an already-finalized external price faithfully.
	if reported != req.Price {
		return nil, fmt.Errorf("%w: reported %d, expected %d", ErrPriceMismatch, reported, req.Price)
	}

	if req.Price == 0 {
		// Canceled external auction unwound: voucher stays with the
		// original holder, nothing is committed.
		if holderAfter, ok := o.custody.VoucherHolder(exchangeID); hadVoucher && (!ok || holderAfter != holderBefore) {
			return nil, fmt.Errorf("%w: voucher %d moved during cancellation", ErrVoucherWrongHolder, exchangeID)
		}
		o.log.Infow("wrapper_cancelled", "exchange_id", exchangeID)
		return &SettlementResult{ActualAmount: 0}, nil
	}

	delta := o.custody.Available(o.escrow, token) - balanceBefore
	if delta < req.Price {
		return nil, fmt.Errorf("%w: received %d, need %d", ErrInsufficientValue, delta, req.Price)
	}

	holderAfter, ok := o.custody.VoucherHolder(exchangeID)
	if !ok || holderAfter != buyer {
		return nil, fmt.Errorf("%w: voucher %d not with expected buyer %s", ErrVoucherWrongHolder, exchangeID, buyer.Hex())
	}

	excess := delta - req.Price

	o.log.Infow("wrapper_settled",
		"exchange_id", exchangeID,
		"price", req.Price,
		"excess_returned", excess,
		"new_holder", buyer.Hex())

	return &SettlementResult{
		ActualAmount:   req.Price,
		AssetMoved:     true,
		NewHolder:      buyer,
		ExcessReturned: excess,
	}, nil
}
