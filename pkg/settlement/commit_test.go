package settlement

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/bosonprotocol/resale-engine/params"
	"github.com/bosonprotocol/resale-engine/pkg/custody"
	"github.com/bosonprotocol/resale-engine/pkg/exchange"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

type testEngine struct {
	custody  *custody.Manager
	registry *exchange.Registry
	targets  *TargetRegistry
	handler  *Handler
	events   []Event
}

func newTestEngine(t *testing.T) *testEngine {
	cm := newTestCustody(t)

	regPath := fmt.Sprintf("./tmp_test_commit_%s.db", t.Name())
	os.RemoveAll(regPath)
	t.Cleanup(func() {
		os.RemoveAll(regPath)
	})

	reg, err := exchange.NewRegistry(regPath)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	t.Cleanup(func() {
		reg.Close()
	})

	targets := NewTargetRegistry()
	log := zap.NewNop().Sugar()
	orch := NewOrchestrator(cm, targets, escrowAcct, log)

	fees := params.Fees{ProtocolBps: 50, MaxRoyaltyBps: 1000, MaxTotalBps: 4000}
	clock := fixedClock{now: time.Unix(1750000000, 0)}

	e := &testEngine{
		custody:  cm,
		registry: reg,
		targets:  targets,
	}
	e.handler = NewHandler(reg, cm, orch, fees, escrowAcct, treasuryAcct, clock, log, nil)
	e.handler.OnEvent = func(ev Event) {
		e.events = append(e.events, ev)
	}
	return e
}

// seed creates an offer/exchange pair with the voucher in the reseller's
// custody. Primary price 100000, royalty 250 bps.
func (e *testEngine) seed(t *testing.T, offerID, exchangeID uint64, token common.Address) {
	err := e.registry.CreateOffer(&exchange.Offer{
		ID:            offerID,
		Seller:        common.HexToAddress("0x1100000000000000000000000000000000000000"),
		Price:         100000,
		ExchangeToken: token,
		RoyaltyRecipients: []exchange.RoyaltyRecipient{
			{Wallet: royaltyWallet, Bps: 250},
		},
	})
	if err != nil {
		t.Fatalf("seed offer: %v", err)
	}

	err = e.registry.CreateExchange(&exchange.Exchange{
		ID:      exchangeID,
		OfferID: offerID,
		Buyer:   reseller,
		State:   exchange.Committed,
		Voucher: exchange.Voucher{CommittedDate: 1700000000, ValidUntilDate: 1800000000},
	})
	if err != nil {
		t.Fatalf("seed exchange: %v", err)
	}

	if err := e.custody.HoldVoucher(exchangeID, reseller); err != nil {
		t.Fatalf("seed voucher: %v", err)
	}
}

func TestSequentialCommitAsk(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 1, 10, tokenUSD)

	e.targets.Register(targetAddr, &fakeTarget{exec: func(ctx context.Context, data []byte) error {
		e.custody.Deposit(escrowAcct, tokenUSD, 110000)
		return e.custody.MoveVoucher(reseller, 10, newBuyer)
	}})

	result, err := e.handler.SequentialCommit(context.Background(), reseller, newBuyer, 10, request(Ask, 110000))
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if result.ActualAmount != 110000 {
		t.Errorf("actual = %d, want 110000", result.ActualAmount)
	}

	// 110000 at 300 bps total: payout capped at the 100000 primary floor,
	// fee 10000 split 8333 royalty / 1667 protocol
	if got := e.custody.Available(reseller, tokenUSD); got != 100000 {
		t.Errorf("reseller payout = %d, want 100000", got)
	}
	if got := e.custody.Available(royaltyWallet, tokenUSD); got != 8333 {
		t.Errorf("royalty payout = %d, want 8333", got)
	}
	if got := e.custody.Available(treasuryAcct, tokenUSD); got != 1667 {
		t.Errorf("protocol payout = %d, want 1667", got)
	}
	if got := e.custody.Available(escrowAcct, tokenUSD); got != 0 {
		t.Errorf("escrow residue = %d, want 0", got)
	}

	exch, _ := e.registry.Get(10)
	if exch.Buyer != newBuyer {
		t.Errorf("buyer = %s, want %s", exch.Buyer.Hex(), newBuyer.Hex())
	}

	// Resale never resets the voucher clock
	if exch.Voucher.CommittedDate != 1700000000 || exch.Voucher.ValidUntilDate != 1800000000 {
		t.Errorf("voucher dates changed: %+v", exch.Voucher)
	}

	wantTypes := []string{
		EventFundsEncumbered,
		EventFundsReleased, EventFundsReleased, EventFundsReleased,
		EventBuyerCommitted,
	}
	if len(e.events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(e.events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if e.events[i].Type != want {
			t.Errorf("event[%d] = %s, want %s", i, e.events[i].Type, want)
		}
	}
}

func TestSequentialCommitAskSurplus(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 1, 10, tokenUSD)

	e.targets.Register(targetAddr, &fakeTarget{exec: func(ctx context.Context, data []byte) error {
		e.custody.Deposit(escrowAcct, tokenUSD, 120000)
		return e.custody.MoveVoucher(reseller, 10, newBuyer)
	}})

	result, err := e.handler.SequentialCommit(context.Background(), reseller, newBuyer, 10, request(Ask, 110000))
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if result.ActualAmount != 110000 || result.ExcessReturned != 10000 {
		t.Errorf("amounts = %d/%d, want 110000/10000", result.ActualAmount, result.ExcessReturned)
	}

	// Same split as a 110000 settlement, plus the 10000 refund to the buyer
	if got := e.custody.Available(reseller, tokenUSD); got != 100000 {
		t.Errorf("reseller payout = %d, want 100000", got)
	}
	if got := e.custody.Available(newBuyer, tokenUSD); got != 10000 {
		t.Errorf("buyer refund = %d, want 10000", got)
	}
	if got := e.custody.Available(escrowAcct, tokenUSD); got != 0 {
		t.Errorf("escrow residue = %d, want 0", got)
	}

	wantTypes := []string{
		EventFundsEncumbered,
		EventFundsReleased, EventFundsReleased, EventFundsReleased,
		EventFundsWithdrawn,
		EventBuyerCommitted,
	}
	if len(e.events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(e.events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if e.events[i].Type != want {
			t.Errorf("event[%d] = %s, want %s", i, e.events[i].Type, want)
		}
	}
}

func TestSequentialCommitReentrantTarget(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 1, 10, tokenUSD)

	var reentrant error
	e.targets.Register(targetAddr, &fakeTarget{exec: func(ctx context.Context, data []byte) error {
		// A target calling back into the engine mid-settlement must be
		// rejected without disturbing the outer attempt
		_, reentrant = e.handler.SequentialCommit(ctx, reseller, outsider, 10, request(Ask, 100000))
		e.custody.Deposit(escrowAcct, tokenUSD, 100000)
		return e.custody.MoveVoucher(reseller, 10, newBuyer)
	}})

	result, err := e.handler.SequentialCommit(context.Background(), reseller, newBuyer, 10, request(Ask, 100000))
	if err != nil {
		t.Fatalf("outer commit failed: %v", err)
	}
	if !errors.Is(reentrant, ErrSettlementInFlight) {
		t.Errorf("reentrant err = %v, want ErrSettlementInFlight", reentrant)
	}

	if result.ActualAmount != 100000 {
		t.Errorf("actual = %d, want 100000", result.ActualAmount)
	}
	exch, _ := e.registry.Get(10)
	if exch.Buyer != newBuyer {
		t.Errorf("buyer = %s, want %s", exch.Buyer.Hex(), newBuyer.Hex())
	}
	if got := e.custody.Available(outsider, tokenUSD); got != 0 {
		t.Errorf("reentrant buyer received %d, want 0", got)
	}
}

func TestSequentialCommitStaleHolder(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 1, 10, tokenUSD)

	e.targets.Register(targetAddr, &fakeTarget{exec: func(ctx context.Context, data []byte) error {
		e.custody.Deposit(escrowAcct, tokenUSD, 100000)
		holder, _ := e.custody.VoucherHolder(10)
		return e.custody.MoveVoucher(holder, 10, newBuyer)
	}})

	if _, err := e.handler.SequentialCommit(context.Background(), reseller, newBuyer, 10, request(Ask, 100000)); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}

	// Second attempt by the old holder fails at authorization, not at
	// fund-transfer time
	_, err := e.handler.SequentialCommit(context.Background(), reseller, outsider, 10, request(Ask, 100000))
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestSequentialCommitUndeliverablePayout(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 1, 10, tokenUSD)
	e.custody.Freeze(royaltyWallet)

	e.targets.Register(targetAddr, &fakeTarget{exec: func(ctx context.Context, data []byte) error {
		e.custody.Deposit(escrowAcct, tokenUSD, 120000)
		return e.custody.MoveVoucher(reseller, 10, newBuyer)
	}})

	_, err := e.handler.SequentialCommit(context.Background(), reseller, newBuyer, 10, request(Ask, 110000))
	if err == nil {
		t.Fatal("expected commit to fail on undeliverable royalty payout")
	}

	// Nothing was paid out — including the buyer's overpayment refund — and
	// no buyer commitment was recorded
	if got := e.custody.Available(reseller, tokenUSD); got != 0 {
		t.Errorf("reseller received %d, want 0", got)
	}
	if got := e.custody.Available(treasuryAcct, tokenUSD); got != 0 {
		t.Errorf("treasury received %d, want 0", got)
	}
	if got := e.custody.Available(newBuyer, tokenUSD); got != 0 {
		t.Errorf("buyer refund applied: %d, want 0", got)
	}
	if got := e.custody.Available(escrowAcct, tokenUSD); got != 120000 {
		t.Errorf("escrow = %d, want the full received 120000", got)
	}
	exch, _ := e.registry.Get(10)
	if exch.Buyer != reseller {
		t.Errorf("buyer = %s, want unchanged %s", exch.Buyer.Hex(), reseller.Hex())
	}
	if len(e.events) != 0 {
		t.Errorf("got %d events, want 0", len(e.events))
	}
}

func TestSequentialCommitBidWrappedNative(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 1, 10, custody.NativeToken)

	e.targets.Register(targetAddr, &fakeTarget{exec: func(ctx context.Context, data []byte) error {
		// pull-based settlement runs on the wrapped-native token
		if err := e.custody.MoveVoucher(conduitAddr, 10, newBuyer); err != nil {
			return err
		}
		e.custody.Deposit(escrowAcct, wrappedNative, 100000)
		return nil
	}})

	// Bid may be initiated by anyone on behalf of the named buyer
	result, err := e.handler.SequentialCommit(context.Background(), newBuyer, newBuyer, 10, request(Bid, 100000))
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if result.ActualAmount != 100000 {
		t.Errorf("actual = %d, want 100000", result.ActualAmount)
	}

	// 100000 at 300 bps: seller 97000, royalty 2500, protocol 500.
	// Payouts unwrap back to the native currency.
	if got := e.custody.Available(reseller, custody.NativeToken); got != 97000 {
		t.Errorf("reseller native payout = %d, want 97000", got)
	}
	if got := e.custody.Available(reseller, wrappedNative); got != 0 {
		t.Errorf("reseller wrapped residue = %d, want 0", got)
	}
	if got := e.custody.Available(royaltyWallet, custody.NativeToken); got != 2500 {
		t.Errorf("royalty native payout = %d, want 2500", got)
	}
	if got := e.custody.Available(treasuryAcct, custody.NativeToken); got != 500 {
		t.Errorf("protocol native payout = %d, want 500", got)
	}
}

func TestSequentialCommitWrapperUnwind(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 1, 10, tokenUSD)

	e.targets.Register(targetAddr, &fakeWrapper{unwrap: func(ctx context.Context, data []byte) (int64, error) {
		return 0, nil
	}})

	result, err := e.handler.SequentialCommit(context.Background(), reseller, newBuyer, 10, request(Wrapper, 0))
	if err != nil {
		t.Fatalf("unwind failed: %v", err)
	}
	if result.AssetMoved || result.ActualAmount != 0 {
		t.Errorf("result = %+v, want clean unwind", result)
	}

	// No commitment, no events, voucher untouched
	exch, _ := e.registry.Get(10)
	if exch.Buyer != reseller {
		t.Errorf("buyer = %s, want unchanged", exch.Buyer.Hex())
	}
	if holder, _ := e.custody.VoucherHolder(10); holder != reseller {
		t.Errorf("holder = %s, want unchanged", holder.Hex())
	}
	if len(e.events) != 0 {
		t.Errorf("got %d events, want 0", len(e.events))
	}
}

func TestSequentialCommitExpiredVoucher(t *testing.T) {
	e := newTestEngine(t)
	e.registry.CreateOffer(&exchange.Offer{
		ID:     1,
		Seller: common.HexToAddress("0x1100000000000000000000000000000000000000"),
		Price:  100000,
	})
	e.registry.CreateExchange(&exchange.Exchange{
		ID:      10,
		OfferID: 1,
		Buyer:   reseller,
		State:   exchange.Committed,
		Voucher: exchange.Voucher{CommittedDate: 1500000000, ValidUntilDate: 1600000000},
	})
	e.custody.HoldVoucher(10, reseller)

	_, err := e.handler.SequentialCommit(context.Background(), reseller, newBuyer, 10, request(Ask, 100000))
	if !errors.Is(err, ErrVoucherExpired) {
		t.Errorf("err = %v, want ErrVoucherExpired", err)
	}

	// The explicit expiry flag works even without a deadline
	e.registry.CreateExchange(&exchange.Exchange{
		ID:      11,
		OfferID: 1,
		Buyer:   reseller,
		State:   exchange.Committed,
		Voucher: exchange.Voucher{CommittedDate: 1500000000, Expired: true},
	})
	e.custody.HoldVoucher(11, reseller)

	_, err = e.handler.SequentialCommit(context.Background(), reseller, newBuyer, 11, request(Ask, 100000))
	if !errors.Is(err, ErrVoucherExpired) {
		t.Errorf("err = %v, want ErrVoucherExpired", err)
	}
}

func TestSequentialCommitNotTransferable(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 1, 10, tokenUSD)
	e.registry.SetState(10, exchange.Redeemed)

	_, err := e.handler.SequentialCommit(context.Background(), reseller, newBuyer, 10, request(Ask, 100000))
	if !errors.Is(err, ErrNotTransferable) {
		t.Errorf("err = %v, want ErrNotTransferable", err)
	}
}

func TestSequentialCommitFeeCap(t *testing.T) {
	e := newTestEngine(t)
	e.registry.CreateOffer(&exchange.Offer{
		ID:     1,
		Seller: common.HexToAddress("0x1100000000000000000000000000000000000000"),
		Price:  100000,
		RoyaltyRecipients: []exchange.RoyaltyRecipient{
			{Wallet: royaltyWallet, Bps: 1500}, // over the 1000 bps cap
		},
	})
	e.registry.CreateExchange(&exchange.Exchange{
		ID:      10,
		OfferID: 1,
		Buyer:   reseller,
		State:   exchange.Committed,
	})
	e.custody.HoldVoucher(10, reseller)

	_, err := e.handler.SequentialCommit(context.Background(), reseller, newBuyer, 10, request(Ask, 100000))
	if !errors.Is(err, ErrFeeRateTooHigh) {
		t.Errorf("err = %v, want ErrFeeRateTooHigh", err)
	}
}

func TestSequentialCommitRejections(t *testing.T) {
	e := newTestEngine(t)
	e.seed(t, 1, 10, tokenUSD)

	// Zero buyer
	_, err := e.handler.SequentialCommit(context.Background(), reseller, common.Address{}, 10, request(Ask, 100000))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest for zero buyer", err)
	}

	// Unknown exchange
	_, err = e.handler.SequentialCommit(context.Background(), reseller, newBuyer, 99, request(Ask, 100000))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest for unknown exchange", err)
	}

	// Ask initiated by someone other than the holder
	_, err = e.handler.SequentialCommit(context.Background(), outsider, newBuyer, 10, request(Ask, 100000))
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized for non-holder caller", err)
	}
}
