package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"lending-engine/internal/account"
	"lending-engine/internal/fixedpoint"
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientShares = errors.New("insufficient shares")
)

// MemoryVault is an in-process ERC-4626 vault backed by an account.MemoryBank.
// Underlying assets sit in the vault's own wallet; share price is
// totalAssets/totalSupply and only moves through Accrue.
type MemoryVault struct {
	mu      sync.Mutex
	bank    *account.MemoryBank
	asset   common.Address
	address common.Address
	supply  *big.Int
	shares  map[common.Address]*big.Int

	// DepositHook, when set, runs inside Deposit before any state changes.
	// Tests use it to simulate adapters that call back into the engine.
	DepositHook func(ctx context.Context) error
	// RedeemHook is the Redeem counterpart of DepositHook.
	RedeemHook func(ctx context.Context) error
}

// NewMemoryVault creates an empty vault for asset
func NewMemoryVault(bank *account.MemoryBank, asset common.Address, name string) *MemoryVault {
	return &MemoryVault{
		bank:    bank,
		asset:   asset,
		address: common.BytesToAddress(crypto.Keccak256([]byte("vault"), asset.Bytes(), []byte(name))),
		supply:  new(big.Int),
		shares:  make(map[common.Address]*big.Int),
	}
}

// Address is the wallet holding the vault's underlying assets
func (v *MemoryVault) Address() common.Address {
	return v.address
}

func (v *MemoryVault) Asset() common.Address {
	return v.asset
}

// Accrue adds yield to the vault, raising the share price for all holders
func (v *MemoryVault) Accrue(amount *big.Int) error {
	return v.bank.Mint(v.address, v.asset, amount)
}

func (v *MemoryVault) Deposit(ctx context.Context, from common.Address, assets *big.Int) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit %v", ErrInvalidAmount, assets)
	}
	if v.DepositHook != nil {
		if err := v.DepositHook(ctx); err != nil {
			return nil, err
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	shares := v.convertToShares(assets, fixedpoint.RoundDown)
	if shares.Sign() == 0 {
		return nil, fmt.Errorf("%w: deposit of %s mints zero shares", ErrInvalidAmount, assets)
	}
	if err := v.bank.Transfer(v.asset, from, v.address, assets); err != nil {
		return nil, fmt.Errorf("pull deposit: %w", err)
	}

	v.supply.Add(v.supply, shares)
	v.balance(from).Add(v.balance(from), shares)
	return new(big.Int).Set(shares), nil
}

func (v *MemoryVault) Redeem(ctx context.Context, owner common.Address, shares *big.Int, receiver common.Address) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, fmt.Errorf("%w: redeem %v", ErrInvalidAmount, shares)
	}
	if v.RedeemHook != nil {
		if err := v.RedeemHook(ctx); err != nil {
			return nil, err
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	held := v.balance(owner)
	if held.Cmp(shares) < 0 {
		return nil, fmt.Errorf("%w: owner=%s held=%s requested=%s", ErrInsufficientShares, owner.Hex(), held, shares)
	}

	assets := v.convertToAssets(shares, fixedpoint.RoundDown)
	if err := v.bank.Transfer(v.asset, v.address, receiver, assets); err != nil {
		return nil, fmt.Errorf("pay redemption: %w", err)
	}

	held.Sub(held, shares)
	v.supply.Sub(v.supply, shares)
	return assets, nil
}

func (v *MemoryVault) PreviewDeposit(ctx context.Context, assets *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.convertToShares(assets, fixedpoint.RoundDown), nil
}

func (v *MemoryVault) PreviewRedeem(ctx context.Context, shares *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.convertToAssets(shares, fixedpoint.RoundDown), nil
}

func (v *MemoryVault) PreviewWithdraw(ctx context.Context, assets *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.convertToShares(assets, fixedpoint.RoundUp), nil
}

func (v *MemoryVault) TotalAssets(ctx context.Context) (*big.Int, error) {
	return v.bank.BalanceOf(v.address, v.asset), nil
}

func (v *MemoryVault) TotalSupply(ctx context.Context) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.supply), nil
}

func (v *MemoryVault) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balance(owner)), nil
}

// convertToShares and convertToAssets are 1:1 while the vault is empty.
func (v *MemoryVault) convertToShares(assets *big.Int, mode fixedpoint.Rounding) *big.Int {
	total := v.bank.BalanceOf(v.address, v.asset)
	if v.supply.Sign() == 0 || total.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	return fixedpoint.MulDiv(assets, v.supply, total, mode)
}

func (v *MemoryVault) convertToAssets(shares *big.Int, mode fixedpoint.Rounding) *big.Int {
	if v.supply.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	total := v.bank.BalanceOf(v.address, v.asset)
	return fixedpoint.MulDiv(shares, total, v.supply, mode)
}

func (v *MemoryVault) balance(owner common.Address) *big.Int {
	b, ok := v.shares[owner]
	if !ok {
		b = new(big.Int)
		v.shares[owner] = b
	}
	return b
}
