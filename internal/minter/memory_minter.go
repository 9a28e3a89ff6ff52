package minter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type token struct {
	owner    common.Address
	supply   uint64
	interest bool
	lock     Lock
	unlocked bool
}

// MemoryMinter is an in-memory Minter with an owner -> token index
type MemoryMinter struct {
	mu     sync.RWMutex
	nextID uint64
	tokens map[uint64]*token
	owners map[common.Address]map[uint64]struct{}
	now    func() time.Time
}

// NewMemoryMinter creates a minter whose first principal id is 1
func NewMemoryMinter() *MemoryMinter {
	return &MemoryMinter{
		nextID: 1,
		tokens: make(map[uint64]*token),
		owners: make(map[common.Address]map[uint64]struct{}),
		now:    time.Now,
	}
}

// SetClock overrides the time source used for time locks
func (m *MemoryMinter) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryMinter) MintPrincipalAndInterest(ctx context.Context, principalOwner, interestOwner common.Address, quantity uint64, lock Lock) (uint64, uint64, error) {
	if quantity == 0 {
		return 0, 0, fmt.Errorf("%w: mint 0", ErrInvalidQuantity)
	}
	if lock.Kind != LockTime && lock.Kind != LockAddress {
		return 0, 0, fmt.Errorf("unknown lock kind %q", lock.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pid := m.nextID
	iid := pid + 1
	m.nextID += 2

	m.tokens[pid] = &token{owner: principalOwner, supply: quantity, lock: lock}
	m.tokens[iid] = &token{owner: interestOwner, supply: quantity, interest: true, lock: lock}
	m.index(principalOwner, pid)
	m.index(interestOwner, iid)
	return pid, iid, nil
}

func (m *MemoryMinter) OwnerOf(ctx context.Context, id uint64) (common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[id]
	if !ok || t.supply == 0 {
		return common.Address{}, fmt.Errorf("%w: %d", ErrTokenNotFound, id)
	}
	return t.owner, nil
}

// IsUnlocked reports whether the principal of id's pair may be withdrawn.
// Interest legs are never locked.
func (m *MemoryMinter) IsUnlocked(ctx context.Context, id uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[id]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrTokenNotFound, id)
	}
	if t.interest {
		return true, nil
	}
	switch t.lock.Kind {
	case LockTime:
		return !m.now().Before(t.lock.Expiry), nil
	default:
		return t.unlocked, nil
	}
}

// Unlock releases an address-locked principal. Only the current holder of
// the paired interest token may call it.
func (m *MemoryMinter) Unlock(ctx context.Context, caller common.Address, principalID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.tokens[principalID]
	if !ok || p.interest {
		return fmt.Errorf("%w: principal %d", ErrTokenNotFound, principalID)
	}
	if p.lock.Kind != LockAddress {
		return fmt.Errorf("%w: token %d is time locked", ErrNotUnlocker, principalID)
	}
	i, ok := m.tokens[principalID+1]
	if !ok || i.owner != caller {
		return fmt.Errorf("%w: token %d", ErrNotUnlocker, principalID)
	}
	p.unlocked = true
	return nil
}

func (m *MemoryMinter) Burn(ctx context.Context, id uint64, quantity uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTokenNotFound, id)
	}
	if quantity == 0 || quantity > t.supply {
		return fmt.Errorf("%w: burn %d of %d", ErrInvalidQuantity, quantity, t.supply)
	}
	t.supply -= quantity
	if t.supply == 0 {
		m.unindex(t.owner, id)
	}
	return nil
}

// Transfer moves the whole supply of id to a new owner
func (m *MemoryMinter) Transfer(ctx context.Context, from, to common.Address, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[id]
	if !ok || t.supply == 0 {
		return fmt.Errorf("%w: %d", ErrTokenNotFound, id)
	}
	if t.owner != from {
		return fmt.Errorf("%w: %d", ErrNotOwner, id)
	}
	m.unindex(from, id)
	t.owner = to
	m.index(to, id)
	return nil
}

func (m *MemoryMinter) TokensOf(ctx context.Context, owner common.Address) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uint64, 0, len(m.owners[owner]))
	for id := range m.owners[owner] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Token returns a view of id, including burned tokens
func (m *MemoryMinter) Token(id uint64) (Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[id]
	if !ok {
		return Token{}, false
	}
	return Token{
		ID:       id,
		Owner:    t.owner,
		Supply:   t.supply,
		Interest: t.interest,
		Lock:     t.lock,
		Unlocked: t.unlocked,
	}, true
}

func (m *MemoryMinter) index(owner common.Address, id uint64) {
	ids, ok := m.owners[owner]
	if !ok {
		ids = make(map[uint64]struct{})
		m.owners[owner] = ids
	}
	ids[id] = struct{}{}
}

func (m *MemoryMinter) unindex(owner common.Address, id uint64) {
	ids := m.owners[owner]
	delete(ids, id)
	if len(ids) == 0 {
		delete(m.owners, owner)
	}
}
