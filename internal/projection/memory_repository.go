package projection

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// sequenceTracker keeps the last applied sequence per pool
type sequenceTracker struct {
	lastSequence map[common.Hash]int64
}

func (s *sequenceTracker) get(poolID common.Hash) int64 {
	return s.lastSequence[poolID]
}

func (s *sequenceTracker) set(poolID common.Hash, sequence int64) error {
	current := s.lastSequence[poolID]
	if sequence < current {
		return fmt.Errorf("%w: pool=%s current=%d new=%d", ErrSequenceRegression, poolID.Hex(), current, sequence)
	}
	s.lastSequence[poolID] = sequence
	return nil
}

// MemoryOrderRepository is an in-memory implementation of OrderRepository
type MemoryOrderRepository struct {
	mu sync.RWMutex

	// Primary storage: key -> OrderView
	orders map[string]*OrderView

	// Indexes in insertion order. Owner and pool never change for a key.
	byOwner map[common.Address][]string
	byPool  map[common.Hash][]string

	seqs sequenceTracker
}

// NewMemoryOrderRepository creates a new in-memory order repository
func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{
		orders:  make(map[string]*OrderView),
		byOwner: make(map[common.Address][]string),
		byPool:  make(map[common.Hash][]string),
		seqs:    sequenceTracker{lastSequence: make(map[common.Hash]int64)},
	}
}

// Save creates or updates an order view
func (r *MemoryOrderRepository) Save(ctx context.Context, order *OrderView) error {
	if order == nil || order.Key == "" {
		return ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.Key]; !exists {
		r.byOwner[order.Owner] = append(r.byOwner[order.Owner], order.Key)
		r.byPool[order.PoolID] = append(r.byPool[order.PoolID], order.Key)
	}
	r.orders[order.Key] = cloneOrderView(order)
	return nil
}

// GetByKey retrieves an order by its queue key
func (r *MemoryOrderRepository) GetByKey(ctx context.Context, key string) (*OrderView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, exists := r.orders[key]
	if !exists {
		return nil, ErrOrderNotFound
	}
	return cloneOrderView(order), nil
}

// ListByOwner retrieves orders for a specific owner
func (r *MemoryOrderRepository) ListByOwner(ctx context.Context, owner common.Address, limit int) ([]*OrderView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.list(r.byOwner[owner], limit), nil
}

// ListByPool retrieves orders for a specific pool
func (r *MemoryOrderRepository) ListByPool(ctx context.Context, poolID common.Hash, limit int) ([]*OrderView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.list(r.byPool[poolID], limit), nil
}

func (r *MemoryOrderRepository) list(keys []string, limit int) []*OrderView {
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]*OrderView, 0, len(keys))
	for _, k := range keys {
		out = append(out, cloneOrderView(r.orders[k]))
	}
	return out
}

// GetLastSequence returns the last applied sequence number for a pool
func (r *MemoryOrderRepository) GetLastSequence(ctx context.Context, poolID common.Hash) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seqs.get(poolID), nil
}

// SetLastSequence updates the last applied sequence number for a pool
func (r *MemoryOrderRepository) SetLastSequence(ctx context.Context, poolID common.Hash, sequence int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seqs.set(poolID, sequence)
}

// MemoryPositionRepository is an in-memory implementation of
// PositionRepository
type MemoryPositionRepository struct {
	mu sync.RWMutex

	positions map[uint64]*PositionView
	byOwner   map[common.Address][]uint64

	seqs sequenceTracker
}

// NewMemoryPositionRepository creates a new in-memory position repository
func NewMemoryPositionRepository() *MemoryPositionRepository {
	return &MemoryPositionRepository{
		positions: make(map[uint64]*PositionView),
		byOwner:   make(map[common.Address][]uint64),
		seqs:      sequenceTracker{lastSequence: make(map[common.Hash]int64)},
	}
}

// Save creates or updates a position view
func (r *MemoryPositionRepository) Save(ctx context.Context, position *PositionView) error {
	if position == nil || position.PrincipalID == 0 {
		return ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.positions[position.PrincipalID]; !exists {
		r.byOwner[position.Consumer] = append(r.byOwner[position.Consumer], position.PrincipalID)
		if position.Producer != position.Consumer {
			r.byOwner[position.Producer] = append(r.byOwner[position.Producer], position.PrincipalID)
		}
	}
	r.positions[position.PrincipalID] = clonePositionView(position)
	return nil
}

// GetByID retrieves a position by its principal token id
func (r *MemoryPositionRepository) GetByID(ctx context.Context, principalID uint64) (*PositionView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	position, exists := r.positions[principalID]
	if !exists {
		return nil, ErrPositionNotFound
	}
	return clonePositionView(position), nil
}

// ListByOwner retrieves positions where owner is consumer or producer
func (r *MemoryPositionRepository) ListByOwner(ctx context.Context, owner common.Address, limit int) ([]*PositionView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byOwner[owner]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*PositionView, 0, len(ids))
	for _, id := range ids {
		out = append(out, clonePositionView(r.positions[id]))
	}
	return out, nil
}

// GetLastSequence returns the last applied sequence number for a pool
func (r *MemoryPositionRepository) GetLastSequence(ctx context.Context, poolID common.Hash) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seqs.get(poolID), nil
}

// SetLastSequence updates the last applied sequence number for a pool
func (r *MemoryPositionRepository) SetLastSequence(ctx context.Context, poolID common.Hash, sequence int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seqs.set(poolID, sequence)
}

func cloneOrderView(in *OrderView) *OrderView {
	if in == nil {
		return nil
	}
	cp := *in
	return &cp
}

func clonePositionView(in *PositionView) *PositionView {
	if in == nil {
		return nil
	}
	cp := *in
	cp.SharesPerPacket = copyInt(in.SharesPerPacket)
	cp.Upfront = copyInt(in.Upfront)
	cp.InterestPaid = copyInt(in.InterestPaid)
	cp.FeesPaid = copyInt(in.FeesPaid)
	cp.Redeemed = copyInt(in.Redeemed)
	return &cp
}

func copyInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}
