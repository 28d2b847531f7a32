package exchange

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema
const (
	prefixOffer    = "offer:" // Offer records
	prefixExchange = "exch:"  // Exchange records
)

func offerKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOffer, id))
}

func exchangeKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixExchange, id))
}

// Registry manages offers and exchanges in a thread-safe manner.
// Uses in-memory cache + Pebble persistence for durability
type Registry struct {
	mu        sync.RWMutex
	offers    map[uint64]*Offer
	exchanges map[uint64]*Exchange
	db        *pebble.DB
}

// NewRegistry opens a registry backed by a Pebble database
func NewRegistry(dbPath string) (*Registry, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{
		Cache:        pebble.NewCache(32 << 20), // 32MB cache
		MaxOpenFiles: 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Registry{
		offers:    make(map[uint64]*Offer),
		exchanges: make(map[uint64]*Exchange),
		db:        db,
	}, nil
}

// Close closes the underlying Pebble database
func (r *Registry) Close() error {
	return r.db.Close()
}

// CreateOffer registers a new offer
func (r *Registry) CreateOffer(offer *Offer) error {
	if offer.ID == 0 {
		return fmt.Errorf("offer id cannot be zero")
	}
	if offer.Seller == (common.Address{}) {
		return fmt.Errorf("seller cannot be zero address")
	}
	if offer.Price < 0 {
		return fmt.Errorf("offer price cannot be negative: %d", offer.Price)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.offers[offer.ID]; exists {
		return fmt.Errorf("offer %d already exists", offer.ID)
	}

	r.offers[offer.ID] = offer
	return r.save(offerKey(offer.ID), offer)
}

// GetOffer retrieves an offer by ID
func (r *Registry) GetOffer(id uint64) (*Offer, error) {
	r.mu.RLock()
	if offer, exists := r.offers[id]; exists {
		r.mu.RUnlock()
		return offer, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	var offer Offer
	found, err := r.load(offerKey(id), &offer)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("offer %d not found", id)
	}

	r.offers[id] = &offer
	return &offer, nil
}

// CreateExchange registers a new exchange
func (r *Registry) CreateExchange(exch *Exchange) error {
	if err := exch.Validate(); err != nil {
		return fmt.Errorf("invalid exchange: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.exchanges[exch.ID]; exists {
		return fmt.Errorf("exchange %d already exists", exch.ID)
	}
	if _, exists := r.offers[exch.OfferID]; !exists {
		var offer Offer
		found, err := r.load(offerKey(exch.OfferID), &offer)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("offer %d not found", exch.OfferID)
		}
		r.offers[exch.OfferID] = &offer
	}

	r.exchanges[exch.ID] = exch
	return r.save(exchangeKey(exch.ID), exch)
}

// Get retrieves an exchange by ID
func (r *Registry) Get(id uint64) (*Exchange, error) {
	r.mu.RLock()
	if exch, exists := r.exchanges[id]; exists {
		r.mu.RUnlock()
		return exch, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	var exch Exchange
	found, err := r.load(exchangeKey(id), &exch)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("exchange %d not found", id)
	}

	r.exchanges[id] = &exch
	return &exch, nil
}

// CommitNewBuyer replaces the exchange's buyer identity after a resale.
// The voucher's committedDate and validUntilDate are deliberately left
// untouched: resale never resets the clock.
func (r *Registry) CommitNewBuyer(id uint64, newBuyer common.Address) error {
	if newBuyer == (common.Address{}) {
		return fmt.Errorf("new buyer cannot be zero address")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	exch, exists := r.exchanges[id]
	if !exists {
		return fmt.Errorf("exchange %d not found", id)
	}
	if !exch.Transferable() {
		return fmt.Errorf("exchange %d not transferable (state: %s)", id, exch.State)
	}

	exch.Buyer = newBuyer
	return r.save(exchangeKey(id), exch)
}

// SetState updates an exchange's lifecycle state
func (r *Registry) SetState(id uint64, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exch, exists := r.exchanges[id]
	if !exists {
		return fmt.Errorf("exchange %d not found", id)
	}

	exch.State = state
	return r.save(exchangeKey(id), exch)
}

// save marshals a record and writes it synchronously (assumes lock is held)
func (r *Registry) save(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := r.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// load reads and unmarshals a record; returns false if it doesn't exist
func (r *Registry) load(key []byte, v interface{}) (bool, error) {
	data, closer, err := r.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get record: %w", err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return true, nil
}
