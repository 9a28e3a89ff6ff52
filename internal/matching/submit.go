package matching

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"lending-engine/internal/interest"
	"lending-engine/internal/pool"
	"lending-engine/internal/position"
	"lending-engine/internal/vault"
)

// SubmitConsumer takes Amount of the vault asset, a whole number of packets,
// matches it against waiting producers and queues the rest
func (c *Core) SubmitConsumer(ctx context.Context, req *SubmitOrderRequest) (*CommandResult, error) {
	return c.submit(ctx, SideConsumer, req)
}

// SubmitProducer takes Amount of the input asset, pays the upfront premium of
// every packet it matches and queues the rest
func (c *Core) SubmitProducer(ctx context.Context, req *SubmitOrderRequest) (*CommandResult, error) {
	return c.submit(ctx, SideProducer, req)
}

func (c *Core) submit(ctx context.Context, side Side, req *SubmitOrderRequest) (result *CommandResult, err error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", ErrInvalidAmount)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if c.entered {
		return nil, ErrReentrantCall
	}
	p, adapter, err := c.lookup(req.PoolID)
	if err != nil {
		return nil, err
	}

	tx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { c.end(tx, err) }()
	ctx = tx.ctx

	pp, err := c.producerPacket(ctx, p)
	if err != nil {
		return nil, err
	}

	order := &Order{Owner: req.Owner, Farming: req.Farm, SubmittedAt: c.now()}
	asset := p.VaultAsset
	pulled := new(big.Int).Set(req.Amount)

	switch {
	case side == SideConsumer:
		packets, rem := new(big.Int).QuoRem(req.Amount, p.PacketSize, new(big.Int))
		if rem.Sign() != 0 {
			return nil, fmt.Errorf("%w: %s is not a multiple of packet size %s", ErrInvalidAmount, req.Amount, p.PacketSize)
		}
		if !packets.IsUint64() {
			return nil, fmt.Errorf("%w: %s packets exceed the queue limit", ErrInvalidAmount, packets)
		}
		order.PacketsRemaining = packets.Uint64()
	case !p.CrossAsset():
		packets, rem := new(big.Int).QuoRem(req.Amount, pp, new(big.Int))
		if rem.Sign() != 0 {
			return nil, fmt.Errorf("%w: %s is not a multiple of producer packet %s", ErrInvalidAmount, req.Amount, pp)
		}
		if !packets.IsUint64() {
			return nil, fmt.Errorf("%w: %s packets exceed the queue limit", ErrInvalidAmount, packets)
		}
		order.PacketsRemaining = packets.Uint64()
	default:
		if req.Farm {
			return nil, fmt.Errorf("%w: cross-asset producers cannot farm", ErrConfiguration)
		}
		packets := new(big.Int).Quo(req.Amount, pp)
		if packets.Sign() == 0 {
			return nil, fmt.Errorf("%w: %s does not cover one producer packet %s", ErrInvalidAmount, req.Amount, pp)
		}
		if !packets.IsUint64() {
			return nil, fmt.Errorf("%w: %s packets exceed the queue limit", ErrInvalidAmount, packets)
		}
		order.PacketsRemaining = packets.Uint64()
		pulled = new(big.Int).Mul(packets, pp)
		order.Funds = new(big.Int).Set(pulled)
		asset = p.InputAsset
	}

	if err := c.transfer(tx, asset, req.Owner, p.Escrow(), pulled); err != nil {
		return nil, fmt.Errorf("pull funds: %w", err)
	}

	if err := c.match(tx, p, adapter, side, order, pp); err != nil {
		return nil, err
	}

	if order.PacketsRemaining > 0 {
		if order.Farming {
			unit := p.PacketSize
			if side == SideProducer {
				unit = pp
			}
			parked := new(big.Int).Mul(unit, new(big.Int).SetUint64(order.PacketsRemaining))
			shares, err := c.deposit(tx, adapter, p.Escrow(), parked)
			if err != nil {
				return nil, fmt.Errorf("park farming funds: %w", err)
			}
			order.FarmedShares = shares
		}

		q := c.queue(p.ID, side)
		idx := q.push(order)
		tx.result.Queued = &QueuedOrder{Side: side, Index: idx, Packets: order.PacketsRemaining}
		evt := &OrderQueuedEvent{
			EventMeta: c.meta(p.ID),
			Side:      side,
			Index:     idx,
			Owner:     order.Owner,
			Packets:   order.PacketsRemaining,
			Farming:   order.Farming,
		}
		if order.Funds != nil {
			evt.Funds = new(big.Int).Set(order.Funds)
		}
		tx.result.Events = append(tx.result.Events, evt)
	}

	c.logger.Info("order submitted",
		zap.Stringer("pool_id", p.ID),
		zap.String("side", string(side)),
		zap.Stringer("owner", req.Owner),
		zap.Int("settlements", len(tx.result.Positions)),
		zap.Bool("queued", tx.result.Queued != nil),
	)
	return tx.result, nil
}

// match settles taker against the opposite queue head, oldest first
func (c *Core) match(tx *transition, p *pool.Pool, adapter vault.Adapter, takerSide Side, taker *Order, pp *big.Int) error {
	makerSide := takerSide.Opposite()
	makers := c.queue(p.ID, makerSide)

	for taker.PacketsRemaining > 0 {
		maker := makers.front()
		if maker == nil {
			break
		}
		makerIndex := makers.Head

		consumer, producer := taker, maker
		if takerSide == SideProducer {
			consumer, producer = maker, taker
		}

		n := min(taker.PacketsRemaining, maker.PacketsRemaining)
		if producer.Funds != nil {
			affordable := new(big.Int).Quo(producer.Funds, pp)
			if affordable.Sign() == 0 {
				// only a resting producer can fall short; a taker's funds
				// were sized at today's price
				if err := c.shortfall(tx, p, makerIndex, maker); err != nil {
					return err
				}
				continue
			}
			if affordable.IsUint64() && affordable.Uint64() < n {
				n = affordable.Uint64()
			}
		}

		if err := c.settle(tx, p, adapter, consumer, producer, n, pp, makerSide, makerIndex); err != nil {
			return err
		}
		makers.advance()
	}
	return nil
}

// shortfall dequeues a cross-asset producer whose funds no longer cover a
// packet and forwards what is left to the fee wallet
func (c *Core) shortfall(tx *transition, p *pool.Pool, index uint64, o *Order) error {
	forfeited := o.takeFunds(o.PacketsRemaining)
	if err := c.transfer(tx, p.InputAsset, p.Escrow(), c.feeWallet, forfeited); err != nil {
		return fmt.Errorf("forward shortfall funds: %w", err)
	}
	packets := o.PacketsRemaining
	o.PacketsRemaining = 0

	tx.result.Events = append(tx.result.Events, &OrderDequeuedEvent{
		EventMeta: c.meta(p.ID),
		Side:      SideProducer,
		Index:     index,
		Owner:     o.Owner,
		Packets:   packets,
		Forfeited: new(big.Int).Set(forfeited),
		Reason:    DequeueReasonShortfall,
	})
	c.logger.Info("producer dequeued on shortfall",
		zap.Stringer("pool_id", p.ID),
		zap.Uint64("index", index),
		zap.Stringer("owner", o.Owner),
		zap.Uint64("packets", packets),
		zap.String("forfeited", forfeited.String()),
	)
	return nil
}

// settle matches n packets of consumer against producer and activates one
// position for them
func (c *Core) settle(tx *transition, p *pool.Pool, adapter vault.Adapter, consumer, producer *Order, n uint64, pp *big.Int, makerSide Side, makerIndex uint64) error {
	ctx := tx.ctx
	escrow := p.Escrow()
	packets := new(big.Int).SetUint64(n)

	principal := new(big.Int).Mul(p.PacketSize, packets)
	if consumer.FarmedShares != nil {
		got, err := c.unpark(tx, p, adapter, consumer, n, principal)
		if err != nil {
			return fmt.Errorf("unpark consumer: %w", err)
		}
		principal = got
	}

	upfront := new(big.Int).Mul(pp, packets)
	switch {
	case producer.Funds != nil:
		producer.Funds.Sub(producer.Funds, upfront)
	case producer.FarmedShares != nil:
		got, err := c.unpark(tx, p, adapter, producer, n, upfront)
		if err != nil {
			return fmt.Errorf("unpark producer: %w", err)
		}
		upfront = got
	}

	shares, err := c.deposit(tx, adapter, escrow, principal)
	if err != nil {
		return fmt.Errorf("deposit principal: %w", err)
	}
	if err := c.transfer(tx, p.InputAsset, escrow, consumer.Owner, upfront); err != nil {
		return fmt.Errorf("pay upfront: %w", err)
	}

	baseline, err := interest.Baseline(ctx, p, c.oracle)
	if err != nil {
		return fmt.Errorf("price baseline: %w", err)
	}

	matchedAt := c.now()
	pid, iid, err := c.mint(tx, consumer.Owner, producer.Owner, n, p.Lock(matchedAt))
	if err != nil {
		return fmt.Errorf("mint position: %w", err)
	}

	pos := &position.ActivatedPosition{
		PoolID:             p.ID,
		PrincipalID:        pid,
		InterestID:         iid,
		Quantity:           n,
		SharesPerPacket:    new(big.Int).Quo(shares, packets),
		PrincipalPerPacket: baseline,
		MatchedAt:          matchedAt,
	}
	if err := c.ledger.Append(pos); err != nil {
		return err
	}

	consumer.PacketsRemaining -= n
	producer.PacketsRemaining -= n

	if producer.Funds != nil && producer.PacketsRemaining == 0 && producer.Funds.Sign() > 0 {
		leftover := producer.Funds
		producer.Funds = new(big.Int)
		if err := c.transfer(tx, p.InputAsset, escrow, producer.Owner, leftover); err != nil {
			return fmt.Errorf("refund leftover funds: %w", err)
		}
	}

	tx.result.Positions = append(tx.result.Positions, pos.Clone())
	tx.result.Events = append(tx.result.Events, &PacketsMatchedEvent{
		EventMeta:          c.meta(p.ID),
		MakerSide:          makerSide,
		MakerIndex:         makerIndex,
		Consumer:           consumer.Owner,
		Producer:           producer.Owner,
		Packets:            n,
		PrincipalID:        pid,
		InterestID:         iid,
		SharesPerPacket:    new(big.Int).Set(pos.SharesPerPacket),
		PrincipalPerPacket: new(big.Int).Set(baseline),
		Upfront:            new(big.Int).Set(upfront),
	})
	c.logger.Info("packets matched",
		zap.Stringer("pool_id", p.ID),
		zap.Uint64("packets", n),
		zap.Uint64("principal_id", pid),
		zap.Stringer("consumer", consumer.Owner),
		zap.Stringer("producer", producer.Owner),
		zap.String("shares_per_packet", pos.SharesPerPacket.String()),
	)
	return nil
}

// unpark redeems the farmed shares backing n packets of o into escrow. Up to
// required stays in escrow for settlement and any appreciation earned while
// queued is paid to the order owner. Returns the amount left for settlement.
func (c *Core) unpark(tx *transition, p *pool.Pool, adapter vault.Adapter, o *Order, n uint64, required *big.Int) (*big.Int, error) {
	escrow := p.Escrow()
	shares := o.takeFarmed(n)
	if shares.Sign() == 0 {
		return nil, fmt.Errorf("%w: no farmed shares left for %d packets", ErrQueueState, n)
	}
	assets, err := c.redeem(tx, adapter, escrow, shares, escrow)
	if err != nil {
		return nil, err
	}
	if assets.Cmp(required) <= 0 {
		return assets, nil
	}
	surplus := new(big.Int).Sub(assets, required)
	if err := c.transfer(tx, p.VaultAsset, escrow, o.Owner, surplus); err != nil {
		return nil, fmt.Errorf("pay farming yield: %w", err)
	}
	return new(big.Int).Set(required), nil
}
