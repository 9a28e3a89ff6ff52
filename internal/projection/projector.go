// Package projection maintains per-owner read models of orders and
// positions, fed by domain events.
package projection

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lending-engine/internal/matching"
)

// Projector consumes domain events and updates read models
type Projector struct {
	orderRepo    OrderRepository
	positionRepo PositionRepository
}

// NewProjector creates a new projector
func NewProjector(orderRepo OrderRepository, positionRepo PositionRepository) *Projector {
	return &Projector{
		orderRepo:    orderRepo,
		positionRepo: positionRepo,
	}
}

// Apply projects events in order
func (p *Projector) Apply(ctx context.Context, events []matching.Event) error {
	for _, event := range events {
		if err := p.Project(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Project applies a single event to the read models
// Returns error if sequence validation fails or projection fails
func (p *Projector) Project(ctx context.Context, event matching.Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}

	poolID := event.PoolID()
	sequence := event.Sequence()

	if err := p.validateSequence(ctx, poolID, sequence); err != nil {
		return err
	}

	var err error
	switch e := event.(type) {
	case *matching.PoolCreatedEvent:
		// Opens the pool's sequence; nothing to project
	case *matching.OrderQueuedEvent:
		err = p.projectOrderQueued(ctx, e)
	case *matching.PacketsMatchedEvent:
		err = p.projectPacketsMatched(ctx, e)
	case *matching.OrderModifiedEvent:
		err = p.projectOrderModified(ctx, e)
	case *matching.OrderDequeuedEvent:
		err = p.projectOrderDequeued(ctx, e)
	case *matching.InterestClaimedEvent:
		err = p.projectInterestClaimed(ctx, e)
	case *matching.FNFTWithdrawnEvent:
		err = p.projectFNFTWithdrawn(ctx, e)
	default:
		return fmt.Errorf("unknown event type: %T", event)
	}
	if err != nil {
		return fmt.Errorf("failed to project %s: %w", event.EventType(), err)
	}

	// Advance position first, then order. Sequence validation reads the
	// order cursor, so a failure in between is retried rather than skipped.
	if err := p.positionRepo.SetLastSequence(ctx, poolID, sequence); err != nil {
		return fmt.Errorf("failed to advance position sequence: %w", err)
	}
	if err := p.orderRepo.SetLastSequence(ctx, poolID, sequence); err != nil {
		return fmt.Errorf("failed to advance order sequence: %w", err)
	}
	return nil
}

// validateSequence checks if the event sequence is valid (must be last + 1)
func (p *Projector) validateSequence(ctx context.Context, poolID common.Hash, sequence int64) error {
	orderLastSeq, err := p.orderRepo.GetLastSequence(ctx, poolID)
	if err != nil {
		return fmt.Errorf("failed to get order last sequence: %w", err)
	}
	positionLastSeq, err := p.positionRepo.GetLastSequence(ctx, poolID)
	if err != nil {
		return fmt.Errorf("failed to get position last sequence: %w", err)
	}
	if positionLastSeq != orderLastSeq && positionLastSeq != orderLastSeq+1 {
		return fmt.Errorf("projection sequence mismatch: pool=%s order_last=%d position_last=%d",
			poolID.Hex(), orderLastSeq, positionLastSeq)
	}
	lastSeq := orderLastSeq

	if sequence != lastSeq+1 {
		if sequence <= lastSeq {
			return fmt.Errorf("%w: pool=%s last=%d event=%d", ErrSequenceRegression, poolID.Hex(), lastSeq, sequence)
		}
		return fmt.Errorf("sequence gap detected: pool=%s last=%d event=%d", poolID.Hex(), lastSeq, sequence)
	}
	return nil
}

func (p *Projector) projectOrderQueued(ctx context.Context, event *matching.OrderQueuedEvent) error {
	key := OrderKey(event.PoolID(), string(event.Side), event.Index)
	existing, err := p.orderRepo.GetByKey(ctx, key)
	if err == nil {
		if existing.LastSequence >= event.Sequence() {
			return nil
		}
	} else if !errors.Is(err, ErrOrderNotFound) {
		return fmt.Errorf("failed to get order: %w", err)
	}

	return p.orderRepo.Save(ctx, &OrderView{
		Key:          key,
		PoolID:       event.PoolID(),
		Side:         string(event.Side),
		Index:        event.Index,
		Owner:        event.Owner,
		Farming:      event.Farming,
		Packets:      event.Packets,
		Remaining:    event.Packets,
		Status:       OrderStatusQueued,
		CreatedAt:    event.OccurredAt(),
		UpdatedAt:    event.OccurredAt(),
		LastSequence: event.Sequence(),
	})
}

// projectPacketsMatched updates the resting maker and records the position
func (p *Projector) projectPacketsMatched(ctx context.Context, event *matching.PacketsMatchedEvent) error {
	seq := event.Sequence()
	now := event.OccurredAt()

	key := OrderKey(event.PoolID(), string(event.MakerSide), event.MakerIndex)
	maker, err := p.orderRepo.GetByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to get maker order %s: %w", key, err)
	}
	if maker.LastSequence < seq {
		if event.Packets > maker.Remaining {
			return fmt.Errorf("invalid match: %d packets against %d remaining", event.Packets, maker.Remaining)
		}
		maker.Remaining -= event.Packets
		maker.Matched += event.Packets
		maker.Status = restingStatus(maker)
		maker.UpdatedAt = now
		maker.LastSequence = seq
		if err := p.orderRepo.Save(ctx, maker); err != nil {
			return fmt.Errorf("failed to update maker order: %w", err)
		}
	}

	if existing, err := p.positionRepo.GetByID(ctx, event.PrincipalID); err == nil && existing.LastSequence >= seq {
		return nil
	}
	return p.positionRepo.Save(ctx, &PositionView{
		PrincipalID:     event.PrincipalID,
		InterestID:      event.InterestID,
		PoolID:          event.PoolID(),
		Consumer:        event.Consumer,
		Producer:        event.Producer,
		Packets:         event.Packets,
		Quantity:        event.Packets,
		SharesPerPacket: copyInt(event.SharesPerPacket),
		Upfront:         copyInt(event.Upfront),
		InterestPaid:    new(big.Int),
		FeesPaid:        new(big.Int),
		Redeemed:        new(big.Int),
		Status:          PositionStatusActive,
		MatchedAt:       now,
		UpdatedAt:       now,
		LastSequence:    seq,
	})
}

func (p *Projector) projectOrderModified(ctx context.Context, event *matching.OrderModifiedEvent) error {
	order, err := p.orderRepo.GetByKey(ctx, OrderKey(event.PoolID(), string(event.Side), event.Index))
	if err != nil {
		return fmt.Errorf("failed to get order: %w", err)
	}
	if order.LastSequence >= event.Sequence() {
		return nil
	}

	order.Remaining = event.Remaining
	order.Withdrawn += event.Packets
	order.Status = restingStatus(order)
	order.UpdatedAt = event.OccurredAt()
	order.LastSequence = event.Sequence()
	return p.orderRepo.Save(ctx, order)
}

func (p *Projector) projectOrderDequeued(ctx context.Context, event *matching.OrderDequeuedEvent) error {
	order, err := p.orderRepo.GetByKey(ctx, OrderKey(event.PoolID(), string(event.Side), event.Index))
	if err != nil {
		return fmt.Errorf("failed to get order: %w", err)
	}
	if order.LastSequence >= event.Sequence() {
		return nil
	}

	order.Remaining = 0
	if event.Reason == matching.DequeueReasonShortfall {
		order.Status = OrderStatusForfeited
	} else {
		order.Withdrawn += event.Packets
		order.Status = OrderStatusWithdrawn
	}
	order.UpdatedAt = event.OccurredAt()
	order.LastSequence = event.Sequence()
	return p.orderRepo.Save(ctx, order)
}

func (p *Projector) projectInterestClaimed(ctx context.Context, event *matching.InterestClaimedEvent) error {
	pos, err := p.positionRepo.GetByID(ctx, event.PrincipalID)
	if err != nil {
		return fmt.Errorf("failed to get position: %w", err)
	}
	if pos.LastSequence >= event.Sequence() {
		return nil
	}

	pos.InterestPaid.Add(pos.InterestPaid, event.Paid)
	pos.FeesPaid.Add(pos.FeesPaid, event.Fee)
	pos.SharesPerPacket = copyInt(event.SharesPerPacket)
	pos.UpdatedAt = event.OccurredAt()
	pos.LastSequence = event.Sequence()
	return p.positionRepo.Save(ctx, pos)
}

func (p *Projector) projectFNFTWithdrawn(ctx context.Context, event *matching.FNFTWithdrawnEvent) error {
	pos, err := p.positionRepo.GetByID(ctx, event.PrincipalID)
	if err != nil {
		return fmt.Errorf("failed to get position: %w", err)
	}
	if pos.LastSequence >= event.Sequence() {
		return nil
	}

	pos.Quantity = event.Remaining
	pos.Redeemed.Add(pos.Redeemed, event.Assets)
	if event.Remaining == 0 {
		pos.Status = PositionStatusClosed
	}
	pos.UpdatedAt = event.OccurredAt()
	pos.LastSequence = event.Sequence()
	return p.positionRepo.Save(ctx, pos)
}

// restingStatus derives the status of an order that is still in its queue
// or was emptied by matching or withdrawal
func restingStatus(o *OrderView) OrderStatus {
	switch {
	case o.Remaining > 0 && o.Matched == 0:
		return OrderStatusQueued
	case o.Remaining > 0:
		return OrderStatusPartiallyMatched
	case o.Withdrawn > 0 && o.Matched == 0:
		return OrderStatusWithdrawn
	default:
		return OrderStatusMatched
	}
}
