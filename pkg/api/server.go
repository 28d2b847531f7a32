package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bosonprotocol/resale-engine/pkg/custody"
	"github.com/bosonprotocol/resale-engine/pkg/exchange"
	"github.com/bosonprotocol/resale-engine/pkg/settlement"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server handles REST API and WebSocket connections
type Server struct {
	handler  *settlement.Handler
	custody  *custody.Manager
	registry *exchange.Registry
	journal  *settlement.Journal

	router         *mux.Router
	hub            *Hub // WebSocket hub
	allowedOrigins []string
	log            *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(handler *settlement.Handler, cm *custody.Manager, reg *exchange.Registry,
	journal *settlement.Journal, allowedOrigins []string, log *zap.SugaredLogger) *Server {

	s := &Server{
		handler:        handler,
		custody:        cm,
		registry:       reg,
		journal:        journal,
		router:         mux.NewRouter(),
		hub:            NewHub(),
		allowedOrigins: allowedOrigins,
		log:            log,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Settlement submission
	api.HandleFunc("/settlements", s.handleSequentialCommit).Methods("POST")

	// Custody and exchange views
	api.HandleFunc("/accounts/{address}/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/exchanges/{id}", s.handleGetExchange).Methods("GET")

	// Event journal
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	// Start WebSocket hub
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	handler := c.Handler(s.router)

	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, handler)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSequentialCommit(w http.ResponseWriter, r *http.Request) {
	var req SequentialCommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if !common.IsHexAddress(req.Caller) || !common.IsHexAddress(req.Buyer) {
		respondError(w, http.StatusBadRequest, "invalid caller or buyer address", "")
		return
	}
	if !common.IsHexAddress(req.Target) || !common.IsHexAddress(req.Conduit) {
		respondError(w, http.StatusBadRequest, "invalid target or conduit address", "")
		return
	}

	side, err := parseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}

	data, err := hexutil.Decode(req.Data)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid data payload", err.Error())
		return
	}

	pdr := &settlement.PriceDiscoveryRequest{
		Price:   req.Price,
		Side:    side,
		Target:  common.HexToAddress(req.Target),
		Conduit: common.HexToAddress(req.Conduit),
		Data:    data,
	}

	result, err := s.handler.SequentialCommit(r.Context(),
		common.HexToAddress(req.Caller), common.HexToAddress(req.Buyer), req.ExchangeID, pdr)
	if err != nil {
		respondError(w, settlementStatusCode(err), "settlement failed", err.Error())
		return
	}

	status := "committed"
	if !result.AssetMoved {
		status = "unwound"
	}

	respondJSON(w, SequentialCommitResponse{
		Status:         status,
		ExchangeID:     req.ExchangeID,
		ActualAmount:   result.ActualAmount,
		ExcessReturned: result.ExcessReturned,
		NewHolder:      holderHex(result),
	})
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addressStr := vars["address"]

	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}

	acc := s.custody.GetAccount(common.HexToAddress(addressStr))

	balances := make([]BalanceInfo, 0, len(acc.Balances))
	for token, b := range acc.Balances {
		balances = append(balances, BalanceInfo{
			Token:      token.Hex(),
			Available:  b.Available,
			Encumbered: b.Encumbered,
		})
	}

	respondJSON(w, AccountInfo{
		Address:         acc.Address.Hex(),
		Balances:        balances,
		SettlementCount: acc.SettlementCount,
	})
}

func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	id, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid exchange id", err.Error())
		return
	}

	exch, err := s.registry.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "exchange not found", err.Error())
		return
	}

	info := ExchangeInfo{
		ID:             exch.ID,
		OfferID:        exch.OfferID,
		Buyer:          exch.Buyer.Hex(),
		State:          exch.State.String(),
		CommittedDate:  exch.Voucher.CommittedDate,
		ValidUntilDate: exch.Voucher.ValidUntilDate,
	}
	if holder, ok := s.custody.VoucherHolder(id); ok {
		info.Holder = holder.Hex()
	}

	respondJSON(w, info)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	events, err := s.journal.Recent(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read journal", err.Error())
		return
	}
	if events == nil {
		events = []settlement.Event{}
	}

	respondJSON(w, events)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods
// ==============================

// BroadcastEvent pushes a settlement event to subscribed WebSocket clients.
// Wire this to Handler.OnEvent.
func (s *Server) BroadcastEvent(ev settlement.Event) {
	s.hub.BroadcastToChannel("settlements", ev)

	if id, ok := eventExchangeID(ev); ok {
		s.hub.BroadcastToChannel(fmt.Sprintf("settlements:%d", id), ev)
	}
}

// eventExchangeID extracts the exchange ID from event payloads that carry one
func eventExchangeID(ev settlement.Event) (uint64, bool) {
	switch p := ev.Payload.(type) {
	case settlement.FundsReleased:
		return p.ExchangeID, true
	case settlement.BuyerCommitted:
		return p.ExchangeID, true
	default:
		return 0, false
	}
}

// ==============================
// Helper Functions
// ==============================

func parseSide(s string) (settlement.Side, error) {
	switch s {
	case "ask":
		return settlement.Ask, nil
	case "bid":
		return settlement.Bid, nil
	case "wrapper":
		return settlement.Wrapper, nil
	default:
		return 0, fmt.Errorf("unknown side: %q", s)
	}
}

func holderHex(result *settlement.SettlementResult) string {
	if !result.AssetMoved {
		return ""
	}
	return result.NewHolder.Hex()
}

// settlementStatusCode maps the settlement error taxonomy onto HTTP codes
func settlementStatusCode(err error) int {
	switch {
	case errors.Is(err, settlement.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, settlement.ErrVoucherExpired),
		errors.Is(err, settlement.ErrNotTransferable),
		errors.Is(err, settlement.ErrSettlementInFlight):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrFeeRateTooHigh):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway // external settlement failure
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
