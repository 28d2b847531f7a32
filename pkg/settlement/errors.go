package settlement

import "errors"

// Settlement error taxonomy. Request-validation and authorization errors are
// raised before any external call; external settlement errors are fatal to
// the attempt with no partial effects retained. None are retried: external
// price-discovery mechanisms are one-shot and not idempotent.
var (
	// Request validation (pre-flight, no state change)
	ErrInvalidRequest = errors.New("invalid price discovery request")

	// Authorization (wrong side/caller combination)
	ErrNotAuthorized = errors.New("caller not authorized for side")

	// Temporal / lifecycle
	ErrVoucherExpired  = errors.New("voucher expired")
	ErrNotTransferable = errors.New("exchange not holder-transferable")

	// External settlement
	ErrUnknownTarget         = errors.New("unknown price discovery target")
	ErrNotUnwrapper          = errors.New("target does not support unwrap")
	ErrNegativePrice         = errors.New("negative price not allowed")
	ErrInsufficientValue     = errors.New("insufficient value received")
	ErrVoucherNotTransferred = errors.New("voucher not transferred")
	ErrVoucherWrongHolder    = errors.New("voucher transferred to wrong holder")
	ErrPriceMismatch         = errors.New("price mismatch")
	ErrNativeNotAllowed      = errors.New("native currency cannot be pulled, use wrapped token")

	// Fee cap
	ErrFeeRateTooHigh = errors.New("total fee rate exceeds maximum")

	// Serialization of attempts per exchange
	ErrSettlementInFlight = errors.New("settlement already in flight for exchange")
)
