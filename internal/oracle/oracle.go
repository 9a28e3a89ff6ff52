// Package oracle prices assets in a common unit so cross-asset pools can
// compare an input asset against a vault asset.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"lending-engine/internal/fixedpoint"
)

var (
	ErrUnknownAsset = errors.New("asset not priced")
	ErrInvalidPrice = errors.New("invalid price")
)

// PriceOracle returns the value of amount base units of asset in the common
// unit (18 decimals).
type PriceOracle interface {
	GetValue(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error)
}

// Convert expresses amount of from in units of to, rounding down.
func Convert(ctx context.Context, o PriceOracle, from, to common.Address, amount *big.Int) (*big.Int, error) {
	if from == to {
		return new(big.Int).Set(amount), nil
	}
	value, err := o.GetValue(ctx, from, amount)
	if err != nil {
		return nil, err
	}
	unit, err := o.GetValue(ctx, to, fixedpoint.One)
	if err != nil {
		return nil, err
	}
	if unit.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s has zero value", ErrInvalidPrice, to.Hex())
	}
	return fixedpoint.MulDiv(value, fixedpoint.One, unit, fixedpoint.RoundDown), nil
}

// StaticOracle serves prices set by the operator. A price is the common value
// of 1e18 base units of the asset.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[common.Address]*big.Int
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: make(map[common.Address]*big.Int)}
}

// SetPrice sets the common value of 1e18 base units of asset
func (o *StaticOracle) SetPrice(asset common.Address, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = new(big.Int).Set(price)
	return nil
}

// Price returns the current price of asset
func (o *StaticOracle) Price(asset common.Address) (*big.Int, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[asset]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(p), true
}

func (o *StaticOracle) GetValue(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	price, ok := o.Price(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	return fixedpoint.MulDiv(amount, price, fixedpoint.One, fixedpoint.RoundDown), nil
}
