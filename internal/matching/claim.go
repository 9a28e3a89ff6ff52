package matching

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"lending-engine/internal/interest"
	"lending-engine/internal/position"
)

// ClaimInterest pays the interest accrued on every packet of a position to
// the recipient. Only the interest token holder may claim. Accrual restarts
// from the claim: the position keeps shares worth its principal.
func (c *Core) ClaimInterest(ctx context.Context, req *ClaimInterestRequest) (result *CommandResult, err error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", ErrInvalidAmount)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if c.entered {
		return nil, ErrReentrantCall
	}
	pos, ok := c.ledger.Get(req.TokenID)
	if !ok {
		return nil, &QueueStateError{Index: req.TokenID, Reason: "unknown token"}
	}
	holder, err := c.minter.OwnerOf(ctx, pos.InterestID)
	if err != nil {
		return nil, fmt.Errorf("interest owner: %w", err)
	}
	if holder != req.Caller {
		return nil, fmt.Errorf("%w: %s does not hold interest token %d", ErrUnauthorized, req.Caller.Hex(), pos.InterestID)
	}
	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = req.Caller
	}

	tx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { c.end(tx, err) }()

	pos, _ = c.ledger.Get(req.TokenID)
	quote, err := c.settleInterest(tx, pos, pos.Quantity, recipient)
	if err != nil {
		return nil, err
	}
	tx.result.Quote = &quote
	return tx.result, nil
}

// settleInterest redeems the interest accrued on packets of pos and pays it,
// net of fee, to recipient. The redeemed shares are taken evenly from every
// packet of the position, rounding the per-packet cut up so tracked shares
// never exceed what escrow holds.
func (c *Core) settleInterest(tx *transition, pos *position.ActivatedPosition, packets uint64, recipient common.Address) (interest.Quote, error) {
	ctx := tx.ctx
	p, adapter, err := c.lookup(pos.PoolID)
	if err != nil {
		return interest.Quote{}, err
	}

	quote, err := interest.CalculateFor(ctx, p, pos, packets, adapter, c.oracle, c.fees)
	if err != nil {
		return interest.Quote{}, err
	}
	if quote.PerPacket.Sign() == 0 {
		return interest.ZeroQuote(packets), nil
	}

	perShares, err := adapter.PreviewWithdraw(ctx, quote.PerPacket)
	if err != nil {
		return interest.Quote{}, fmt.Errorf("preview withdraw: %w", err)
	}
	shares := new(big.Int).Mul(perShares, new(big.Int).SetUint64(packets))
	if total := pos.TotalShares(); shares.Cmp(total) > 0 {
		shares = total
	}
	if shares.Sign() == 0 {
		return interest.ZeroQuote(packets), nil
	}

	escrow := p.Escrow()
	assets, err := c.redeem(tx, adapter, escrow, shares, escrow)
	if err != nil {
		return interest.Quote{}, fmt.Errorf("redeem interest: %w", err)
	}

	paid := quote.InterestAfterFee
	if paid.Cmp(assets) > 0 {
		paid = new(big.Int).Set(assets)
	}
	fee := new(big.Int).Sub(assets, paid)
	if err := c.transfer(tx, p.VaultAsset, escrow, recipient, paid); err != nil {
		return interest.Quote{}, fmt.Errorf("pay interest: %w", err)
	}
	if err := c.transfer(tx, p.VaultAsset, escrow, c.feeWallet, fee); err != nil {
		return interest.Quote{}, fmt.Errorf("pay fee: %w", err)
	}

	cut := new(big.Int).Add(shares, new(big.Int).SetUint64(pos.Quantity-1))
	cut.Quo(cut, new(big.Int).SetUint64(pos.Quantity))
	if cut.Cmp(pos.SharesPerPacket) > 0 {
		cut.Set(pos.SharesPerPacket)
	}
	pos.SharesPerPacket.Sub(pos.SharesPerPacket, cut)

	tx.result.Events = append(tx.result.Events, &InterestClaimedEvent{
		EventMeta:       c.meta(p.ID),
		PrincipalID:     pos.PrincipalID,
		Recipient:       recipient,
		Packets:         packets,
		Paid:            new(big.Int).Set(paid),
		Fee:             fee,
		SharesRedeemed:  new(big.Int).Set(shares),
		SharesPerPacket: new(big.Int).Set(pos.SharesPerPacket),
	})
	c.logger.Info("interest claimed",
		zap.Stringer("pool_id", p.ID),
		zap.Uint64("principal_id", pos.PrincipalID),
		zap.Stringer("recipient", recipient),
		zap.Uint64("packets", packets),
		zap.String("paid", paid.String()),
		zap.String("fee", fee.String()),
	)
	return quote, nil
}
