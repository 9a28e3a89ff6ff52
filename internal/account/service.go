package account

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Bank moves fungible assets between wallets. The engine holds queued
// capital in per-pool escrow wallets and settles through this interface.
type Bank interface {
	// BalanceOf returns the balance of owner in asset. Never nil.
	BalanceOf(owner, asset common.Address) *big.Int

	// Transfer moves amount of asset from one wallet to another.
	// Returns an *InsufficientBalanceError if from cannot cover amount.
	Transfer(asset, from, to common.Address, amount *big.Int) error
}
