package pool

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"lending-engine/internal/fixedpoint"
	"lending-engine/internal/vault"
)

// Registry owns pool definitions and the vault adapter bound to each vault
// asset
type Registry struct {
	mu       sync.RWMutex
	pools    map[common.Hash]*Pool
	order    []common.Hash
	adapters map[common.Address]vault.Adapter
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		pools:    make(map[common.Hash]*Pool),
		adapters: make(map[common.Address]vault.Adapter),
		logger:   logger,
	}
}

// CreatePool validates cfg and registers a new pool. A time-locked pool
// carries no additional interest rate.
func (r *Registry) CreatePool(cfg Config) (*Pool, error) {
	if cfg.LockExpiry != 0 && !cfg.AddInterestRate.IsZero() {
		r.logger.Warn("time-locked pool ignores additional interest rate",
			zap.String("name", cfg.Name),
			zap.Stringer("add_interest_rate", cfg.AddInterestRate),
		)
		cfg.AddInterestRate = fixedpoint.ZeroRate
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.PacketSize = new(big.Int).Set(cfg.PacketSize)

	p := &Pool{ID: ComputeID(cfg), Config: cfg}
	if err := r.Register(p); err != nil {
		return nil, err
	}
	return clonePool(p), nil
}

// Register inserts an already-derived pool, as read back from storage
func (r *Registry) Register(p *Pool) error {
	if p == nil {
		return fmt.Errorf("%w: nil pool", ErrConfiguration)
	}
	if err := p.Config.Validate(); err != nil {
		return err
	}
	if id := ComputeID(p.Config); id != p.ID {
		return fmt.Errorf("%w: pool id %s does not match parameters (%s)", ErrConfiguration, p.ID.Hex(), id.Hex())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pools[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrPoolExists, p.ID.Hex())
	}
	r.pools[p.ID] = clonePool(p)
	r.order = append(r.order, p.ID)
	return nil
}

// ModifyVaultAdapter binds the yield source for vaultAsset, replacing any
// previous binding
func (r *Registry) ModifyVaultAdapter(vaultAsset common.Address, adapter vault.Adapter) error {
	if adapter == nil {
		return fmt.Errorf("%w: nil adapter", ErrConfiguration)
	}
	if adapter.Asset() != vaultAsset {
		return fmt.Errorf("%w: adapter asset %s does not match %s", ErrConfiguration, adapter.Asset().Hex(), vaultAsset.Hex())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[vaultAsset] = adapter
	return nil
}

// Adapter returns the adapter bound to vaultAsset
func (r *Registry) Adapter(vaultAsset common.Address) (vault.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[vaultAsset]
	return a, ok
}

// Get returns a copy of the pool
func (r *Registry) Get(id common.Hash) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, id.Hex())
	}
	return clonePool(p), nil
}

// List returns all pools in creation order
func (r *Registry) List() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pool, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, clonePool(r.pools[id]))
	}
	return out
}

func clonePool(p *Pool) *Pool {
	cp := *p
	cp.PacketSize = new(big.Int).Set(p.PacketSize)
	return &cp
}
