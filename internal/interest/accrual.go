// Package interest computes the yield owed to an interest FNFT holder.
package interest

import (
	"context"
	"fmt"
	"math/big"

	"lending-engine/internal/oracle"
	"lending-engine/internal/pool"
	"lending-engine/internal/position"
	"lending-engine/internal/vault"
)

// Quote is the interest currently claimable on a position, in VaultAsset
// units
type Quote struct {
	PerPacket         *big.Int `json:"per_packet"`
	PerPacketAfterFee *big.Int `json:"per_packet_after_fee"`
	Interest          *big.Int `json:"interest"`
	InterestAfterFee  *big.Int `json:"interest_after_fee"`
	Packets           uint64   `json:"packets"`
}

// ZeroQuote is returned when nothing has accrued
func ZeroQuote(packets uint64) Quote {
	return Quote{
		PerPacket:         new(big.Int),
		PerPacketAfterFee: new(big.Int),
		Interest:          new(big.Int),
		InterestAfterFee:  new(big.Int),
		Packets:           packets,
	}
}

// Baseline returns the PrincipalPerPacket recorded at match time
func Baseline(ctx context.Context, p *pool.Pool, o oracle.PriceOracle) (*big.Int, error) {
	if !p.CrossAsset() {
		return new(big.Int).Set(p.PacketSize), nil
	}
	if o == nil {
		return nil, fmt.Errorf("%w: cross-asset pool without oracle", pool.ErrConfiguration)
	}
	return o.GetValue(ctx, p.VaultAsset, p.PacketSize)
}

// PerPacket returns the interest accrued on one packet, floored at zero.
//
// Same-asset pools compare the redeemable value of the packet's shares with
// the packet size. Cross-asset pools compare common-unit values and convert
// the gain back to vault-asset units.
func PerPacket(ctx context.Context, p *pool.Pool, pos *position.ActivatedPosition, a vault.Adapter, o oracle.PriceOracle) (*big.Int, error) {
	assets, err := a.PreviewRedeem(ctx, pos.SharesPerPacket)
	if err != nil {
		return nil, fmt.Errorf("preview redeem: %w", err)
	}

	if !p.CrossAsset() {
		gain := new(big.Int).Sub(assets, p.PacketSize)
		if gain.Sign() < 0 {
			gain.SetInt64(0)
		}
		return gain, nil
	}

	if o == nil {
		return nil, fmt.Errorf("%w: cross-asset pool without oracle", pool.ErrConfiguration)
	}
	value, err := o.GetValue(ctx, p.VaultAsset, assets)
	if err != nil {
		return nil, fmt.Errorf("price vault asset: %w", err)
	}
	if value.Cmp(pos.PrincipalPerPacket) <= 0 {
		return new(big.Int), nil
	}
	gain := new(big.Int).Sub(value, pos.PrincipalPerPacket)
	gain.Mul(gain, assets)
	return gain.Quo(gain, value), nil
}

// Calculate quotes the interest on every packet of pos
func Calculate(ctx context.Context, p *pool.Pool, pos *position.ActivatedPosition, a vault.Adapter, o oracle.PriceOracle, fees FeeSchedule) (Quote, error) {
	return CalculateFor(ctx, p, pos, pos.Quantity, a, o, fees)
}

// CalculateFor quotes the interest on packets of pos
func CalculateFor(ctx context.Context, p *pool.Pool, pos *position.ActivatedPosition, packets uint64, a vault.Adapter, o oracle.PriceOracle, fees FeeSchedule) (Quote, error) {
	per, err := PerPacket(ctx, p, pos, a, o)
	if err != nil {
		return Quote{}, err
	}
	total := new(big.Int).Mul(per, new(big.Int).SetUint64(packets))
	return Quote{
		PerPacket:         per,
		PerPacketAfterFee: fees.AfterFee(per),
		Interest:          total,
		InterestAfterFee:  fees.AfterFee(total),
		Packets:           packets,
	}, nil
}
