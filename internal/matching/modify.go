package matching

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"
)

// ModifyExistingOrder withdraws packets from a queued order and refunds
// their unmatched value to the owner
func (c *Core) ModifyExistingOrder(ctx context.Context, req *ModifyOrderRequest) (result *CommandResult, err error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", ErrInvalidAmount)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if c.entered {
		return nil, ErrReentrantCall
	}
	p, err := c.registry.Get(req.PoolID)
	if err != nil {
		return nil, err
	}

	side := req.Side()
	q := c.peekQueue(p.ID, side)
	stateErr := &QueueStateError{PoolID: p.ID, Side: side, Index: req.QueueIndex, Requested: req.Packets}
	if req.QueueIndex < q.Head || req.QueueIndex >= q.Tail {
		stateErr.Reason = fmt.Sprintf("index outside [%d, %d)", q.Head, q.Tail)
		return nil, stateErr
	}
	if o := q.Orders[req.QueueIndex]; o.PacketsRemaining == 0 {
		stateErr.Reason = "order is empty"
		return nil, stateErr
	} else if o.Owner != req.Owner {
		return nil, fmt.Errorf("%w: %s does not own %s[%d]", ErrUnauthorized, req.Owner.Hex(), side, req.QueueIndex)
	} else if req.Packets > o.PacketsRemaining {
		stateErr.Remaining = o.PacketsRemaining
		stateErr.Reason = "more packets than remain"
		return nil, stateErr
	}

	tx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { c.end(tx, err) }()
	ctx = tx.ctx

	q = c.queue(p.ID, side)
	o := q.Orders[req.QueueIndex]
	escrow := p.Escrow()

	refund := new(big.Int)
	switch {
	case o.FarmedShares != nil:
		adapter, ok := c.registry.Adapter(p.VaultAsset)
		if !ok {
			return nil, fmt.Errorf("%w: no vault adapter bound for %s", ErrConfiguration, p.VaultAsset.Hex())
		}
		shares := o.takeFarmed(req.Packets)
		refund, err = c.redeem(tx, adapter, escrow, shares, o.Owner)
		if err != nil {
			return nil, fmt.Errorf("redeem farmed shares: %w", err)
		}
	case o.Funds != nil:
		refund = o.takeFunds(req.Packets)
		if err := c.transfer(tx, p.InputAsset, escrow, o.Owner, refund); err != nil {
			return nil, fmt.Errorf("refund funds: %w", err)
		}
	default:
		unit := p.PacketSize
		if side == SideProducer {
			unit = p.Premium()
		}
		refund.Mul(unit, new(big.Int).SetUint64(req.Packets))
		asset := p.VaultAsset
		if side == SideProducer {
			asset = p.InputAsset
		}
		if err := c.transfer(tx, asset, escrow, o.Owner, refund); err != nil {
			return nil, fmt.Errorf("refund packets: %w", err)
		}
	}

	o.PacketsRemaining -= req.Packets
	q.advance()

	evt := &OrderModifiedEvent{
		EventMeta: c.meta(p.ID),
		Side:      side,
		Index:     req.QueueIndex,
		Owner:     o.Owner,
		Packets:   req.Packets,
		Remaining: o.PacketsRemaining,
		Refund:    new(big.Int).Set(refund),
	}
	tx.result.Events = append(tx.result.Events, evt)

	c.logger.Info("order modified",
		zap.Stringer("pool_id", p.ID),
		zap.String("side", string(side)),
		zap.Uint64("index", req.QueueIndex),
		zap.Uint64("packets", req.Packets),
		zap.Uint64("remaining", o.PacketsRemaining),
		zap.String("refund", refund.String()),
	)
	return tx.result, nil
}
