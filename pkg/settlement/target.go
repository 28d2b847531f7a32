package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// PriceDiscoveryTarget is the strategy interface for the external, untrusted
// mechanism that negotiates a price. Return values are never trusted alone:
// the orchestrator re-measures custody state before and after every call.
type PriceDiscoveryTarget interface {
	Execute(ctx context.Context, data []byte) error
}

// Unwrapper finalizes a third-party auction/AMM result and reports the true
// clearing price. Wrapper-side targets must implement it.
type Unwrapper interface {
	Unwrap(ctx context.Context, data []byte) (int64, error)
}

// TargetRegistry maps target addresses to their in-process implementations.
type TargetRegistry struct {
	mu      sync.RWMutex
	targets map[common.Address]PriceDiscoveryTarget
}

func NewTargetRegistry() *TargetRegistry {
	return &TargetRegistry{
		targets: make(map[common.Address]PriceDiscoveryTarget),
	}
}

// Register binds a target address to an implementation
func (tr *TargetRegistry) Register(addr common.Address, target PriceDiscoveryTarget) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.targets[addr] = target
}

// Lookup resolves a target address
func (tr *TargetRegistry) Lookup(addr common.Address) (PriceDiscoveryTarget, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	target, ok := tr.targets[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, addr.Hex())
	}
	return target, nil
}
