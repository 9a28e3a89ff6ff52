// Package vault defines the yield-source boundary the engine deposits matched
// principal into. Share price is owned entirely by the adapter.
package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Adapter wraps one ERC-4626-like yield source for a single underlying asset.
type Adapter interface {
	// Asset is the underlying asset accepted by Deposit.
	Asset() common.Address

	// Deposit pulls assets from the from wallet and credits the minted
	// shares to the same wallet. Returns the shares actually minted.
	Deposit(ctx context.Context, from common.Address, assets *big.Int) (*big.Int, error)

	// Redeem burns shares held by owner and pays the underlying to receiver.
	// Returns the assets actually paid.
	Redeem(ctx context.Context, owner common.Address, shares *big.Int, receiver common.Address) (*big.Int, error)

	PreviewDeposit(ctx context.Context, assets *big.Int) (*big.Int, error)
	PreviewRedeem(ctx context.Context, shares *big.Int) (*big.Int, error)

	// PreviewWithdraw returns the shares that must be redeemed to receive
	// at least assets. Rounds up.
	PreviewWithdraw(ctx context.Context, assets *big.Int) (*big.Int, error)

	TotalAssets(ctx context.Context) (*big.Int, error)
	TotalSupply(ctx context.Context) (*big.Int, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}
