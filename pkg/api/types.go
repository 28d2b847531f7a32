package api

// SequentialCommitRequest is the inbound resale-settlement request.
// Data is a 0x-prefixed hex payload forwarded verbatim to the target.
type SequentialCommitRequest struct {
	Caller     string `json:"caller"`
	Buyer      string `json:"buyer"`
	ExchangeID uint64 `json:"exchangeId"`
	Price      int64  `json:"price"`
	Side       string `json:"side"` // "ask" | "bid" | "wrapper"
	Target     string `json:"target"`
	Conduit    string `json:"conduit"`
	Data       string `json:"data"`
}

// SequentialCommitResponse reports a settled (or unwound) resale.
type SequentialCommitResponse struct {
	Status         string `json:"status"` // "committed" | "unwound"
	ExchangeID     uint64 `json:"exchangeId"`
	ActualAmount   int64  `json:"actualAmount"`
	ExcessReturned int64  `json:"excessReturned"`
	NewHolder      string `json:"newHolder,omitempty"`
}

// BalanceInfo is one token balance of an account.
type BalanceInfo struct {
	Token      string `json:"token"`
	Available  int64  `json:"available"`
	Encumbered int64  `json:"encumbered"`
}

// AccountInfo is the custody view of one party.
type AccountInfo struct {
	Address         string        `json:"address"`
	Balances        []BalanceInfo `json:"balances"`
	SettlementCount int64         `json:"settlementCount"`
}

// ExchangeInfo is the API view of an exchange and its voucher.
type ExchangeInfo struct {
	ID             uint64 `json:"id"`
	OfferID        uint64 `json:"offerId"`
	Buyer          string `json:"buyer"`
	State          string `json:"state"`
	CommittedDate  int64  `json:"committedDate"`
	ValidUntilDate int64  `json:"validUntilDate"`
	Holder         string `json:"holder,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is a websocket subscription control message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}
