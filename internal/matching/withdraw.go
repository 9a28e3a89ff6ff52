package matching

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"
)

// WithdrawFNFT releases quantity packets through either leg of a position.
//
// Through the principal leg, once unlocked, pending interest is settled to
// the interest holder, the principal shares are redeemed to the principal
// holder and both legs are burned. Through the interest leg only the
// interest on quantity packets is paid; the pair stays alive.
func (c *Core) WithdrawFNFT(ctx context.Context, req *WithdrawRequest) (result *CommandResult, err error) {
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
		return nil, &QueueStateError{Index: req.TokenID, Requested: req.Quantity, Reason: "unknown token"}
	}
	if req.Quantity == 0 || req.Quantity > pos.Quantity {
		return nil, &QueueStateError{Index: req.TokenID, Requested: req.Quantity, Remaining: pos.Quantity, Reason: "quantity out of range"}
	}
	owner, err := c.minter.OwnerOf(ctx, req.TokenID)
	if err != nil {
		return nil, fmt.Errorf("token owner: %w", err)
	}
	if owner != req.Caller {
		return nil, fmt.Errorf("%w: %s does not hold token %d", ErrUnauthorized, req.Caller.Hex(), req.TokenID)
	}
	principalLeg := req.TokenID == pos.PrincipalID
	if principalLeg {
		unlocked, err := c.minter.IsUnlocked(ctx, pos.PrincipalID)
		if err != nil {
			return nil, fmt.Errorf("lock state: %w", err)
		}
		if !unlocked {
			return nil, fmt.Errorf("%w: token %d", ErrLockNotExpired, pos.PrincipalID)
		}
	}
	p, adapter, err := c.lookup(pos.PoolID)
	if err != nil {
		return nil, err
	}
	interestHolder, err := c.minter.OwnerOf(ctx, pos.InterestID)
	if err != nil {
		return nil, fmt.Errorf("interest owner: %w", err)
	}

	tx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { c.end(tx, err) }()
	ctx = tx.ctx

	pos, _ = c.ledger.Get(req.TokenID)
	if !principalLeg {
		quote, err := c.settleInterest(tx, pos, req.Quantity, interestHolder)
		if err != nil {
			return nil, err
		}
		tx.result.Quote = &quote
		return tx.result, nil
	}

	quote, err := c.settleInterest(tx, pos, pos.Quantity, interestHolder)
	if err != nil {
		return nil, err
	}
	tx.result.Quote = &quote

	shares := new(big.Int).Mul(pos.SharesPerPacket, new(big.Int).SetUint64(req.Quantity))
	assets := new(big.Int)
	if shares.Sign() > 0 {
		assets, err = c.redeem(tx, adapter, p.Escrow(), shares, owner)
		if err != nil {
			return nil, fmt.Errorf("redeem principal: %w", err)
		}
	}
	if err := c.minter.Burn(ctx, pos.PrincipalID, req.Quantity); err != nil {
		return nil, fmt.Errorf("burn principal: %w", err)
	}
	if err := c.minter.Burn(ctx, pos.InterestID, req.Quantity); err != nil {
		return nil, fmt.Errorf("burn interest: %w", err)
	}

	pos.Quantity -= req.Quantity
	remaining := pos.Quantity
	principalID := pos.PrincipalID
	if remaining == 0 {
		if err := c.ledger.Remove(principalID); err != nil {
			return nil, err
		}
	}

	tx.result.Events = append(tx.result.Events, &FNFTWithdrawnEvent{
		EventMeta:   c.meta(p.ID),
		PrincipalID: principalID,
		Owner:       owner,
		Packets:     req.Quantity,
		Remaining:   remaining,
		Assets:      new(big.Int).Set(assets),
	})
	c.logger.Info("principal withdrawn",
		zap.Stringer("pool_id", p.ID),
		zap.Uint64("principal_id", principalID),
		zap.Stringer("owner", owner),
		zap.Uint64("packets", req.Quantity),
		zap.Uint64("remaining", remaining),
		zap.String("assets", assets.String()),
	)
	return tx.result, nil
}

