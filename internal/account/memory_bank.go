package account

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryBank is an in-memory implementation of Bank
type MemoryBank struct {
	mu       sync.RWMutex
	balances map[common.Address]map[common.Address]*big.Int // owner -> asset -> balance
}

// NewMemoryBank creates a new in-memory bank
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{
		balances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// BalanceOf returns a copy of the balance for owner and asset
func (b *MemoryBank) BalanceOf(owner, asset common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	assets, exists := b.balances[owner]
	if !exists {
		return new(big.Int)
	}
	balance, exists := assets[asset]
	if !exists {
		return new(big.Int)
	}
	return new(big.Int).Set(balance)
}

// Transfer moves amount of asset between two wallets
func (b *MemoryBank) Transfer(asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	if asset == (common.Address{}) {
		return fmt.Errorf("%w: zero asset", ErrInvalidAddress)
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.getOrCreateBalance(from, asset)
	if src.Cmp(amount) < 0 {
		return &InsufficientBalanceError{
			Owner:     from,
			Asset:     asset,
			Required:  new(big.Int).Set(amount),
			Available: new(big.Int).Set(src),
		}
	}

	dst := b.getOrCreateBalance(to, asset)
	src.Sub(src, amount)
	dst.Add(dst, amount)
	return nil
}

// Mint credits amount of asset to owner out of thin air (faucet, tests,
// vault yield simulation)
func (b *MemoryBank) Mint(owner, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	balance := b.getOrCreateBalance(owner, asset)
	balance.Add(balance, amount)
	return nil
}

// SetBalance sets the balance for a specific owner and asset (for testing/initialization)
func (b *MemoryBank) SetBalance(owner, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	balance := b.getOrCreateBalance(owner, asset)
	balance.Set(amount)
	return nil
}

// Helper methods

func (b *MemoryBank) getOrCreateBalance(owner, asset common.Address) *big.Int {
	assets, exists := b.balances[owner]
	if !exists {
		assets = make(map[common.Address]*big.Int)
		b.balances[owner] = assets
	}
	balance, exists := assets[asset]
	if !exists {
		balance = new(big.Int)
		assets[asset] = balance
	}
	return balance
}
