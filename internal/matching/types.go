package matching

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lending-engine/internal/interest"
	"lending-engine/internal/position"
)

// Side is the queue an order rests in
type Side string

const (
	SideProducer Side = "PRODUCER"
	SideConsumer Side = "CONSUMER"
)

func (s Side) IsValid() bool {
	return s == SideProducer || s == SideConsumer
}

func (s Side) Opposite() Side {
	if s == SideProducer {
		return SideConsumer
	}
	return SideProducer
}

// DequeueReason explains why an order left its queue without being matched
type DequeueReason string

const (
	DequeueReasonShortfall DequeueReason = "SHORTFALL"
	DequeueReasonModified  DequeueReason = "MODIFIED"
)

// SubmitOrderRequest enters a producer or consumer order. Amount is in the
// submitting side's asset.
type SubmitOrderRequest struct {
	PoolID common.Hash
	Owner  common.Address
	Amount *big.Int
	Farm   bool
}

func (r *SubmitOrderRequest) Validate() error {
	if r.PoolID == (common.Hash{}) {
		return errors.New("pool_id required")
	}
	if r.Owner == (common.Address{}) {
		return errors.New("owner required")
	}
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

// ModifyOrderRequest withdraws Packets from the queued order at QueueIndex
type ModifyOrderRequest struct {
	PoolID       common.Hash
	Owner        common.Address
	Packets      uint64
	QueueIndex   uint64
	ProducerSide bool
}

func (r *ModifyOrderRequest) Validate() error {
	if r.PoolID == (common.Hash{}) {
		return errors.New("pool_id required")
	}
	if r.Owner == (common.Address{}) {
		return errors.New("owner required")
	}
	if r.Packets == 0 {
		return errors.New("packets must be positive")
	}
	return nil
}

// Side returns the queue the request targets
func (r *ModifyOrderRequest) Side() Side {
	if r.ProducerSide {
		return SideProducer
	}
	return SideConsumer
}

// WithdrawRequest releases Quantity packets of a position through either leg
type WithdrawRequest struct {
	TokenID  uint64
	Caller   common.Address
	Quantity uint64
}

func (r *WithdrawRequest) Validate() error {
	if r.TokenID == 0 {
		return errors.New("token_id required")
	}
	if r.Caller == (common.Address{}) {
		return errors.New("caller required")
	}
	return nil
}

// ClaimInterestRequest pays a position's accrued interest to Recipient.
// A zero Recipient pays the caller.
type ClaimInterestRequest struct {
	TokenID   uint64
	Caller    common.Address
	Recipient common.Address
}

func (r *ClaimInterestRequest) Validate() error {
	if r.TokenID == 0 {
		return errors.New("token_id required")
	}
	if r.Caller == (common.Address{}) {
		return errors.New("caller required")
	}
	return nil
}

// QueuedOrder locates the remainder of a submitted order
type QueuedOrder struct {
	Side    Side   `json:"side"`
	Index   uint64 `json:"index"`
	Packets uint64 `json:"packets"`
}

// CommandResult is what a state transition produced
type CommandResult struct {
	Events    []Event                       // Domain events, in sequence order
	Positions []*position.ActivatedPosition // Positions created by the command
	Queued    *QueuedOrder                  // Remainder left in the queue, if any
	Quote     *interest.Quote               // Interest paid, for claims and withdrawals
}

// Event domain event interface
type Event interface {
	EventID() string
	EventType() string
	Sequence() int64
	PoolID() common.Hash
	OccurredAt() time.Time
}

// EventMeta carries the fields every event shares
type EventMeta struct {
	EventIDValue    string      `json:"event_id"`
	SequenceValue   int64       `json:"sequence"`
	PoolIDValue     common.Hash `json:"pool_id"`
	OccurredAtValue time.Time   `json:"occurred_at"`
}

func (m EventMeta) EventID() string       { return m.EventIDValue }
func (m EventMeta) Sequence() int64       { return m.SequenceValue }
func (m EventMeta) PoolID() common.Hash   { return m.PoolIDValue }
func (m EventMeta) OccurredAt() time.Time { return m.OccurredAtValue }

// PoolCreatedEvent opens a pool's event stream
type PoolCreatedEvent struct {
	EventMeta
	Name            string         `json:"name"`
	InputAsset      common.Address `json:"input_asset"`
	VaultAsset      common.Address `json:"vault_asset"`
	Rate            string         `json:"rate"`
	AddInterestRate string         `json:"add_interest_rate"`
	LockExpiry      time.Duration  `json:"lock_expiry"`
	PacketSize      *big.Int       `json:"packet_size"`
}

func (e *PoolCreatedEvent) EventType() string { return "PoolCreated" }

// OrderQueuedEvent records a remainder appended at a queue tail
type OrderQueuedEvent struct {
	EventMeta
	Side    Side           `json:"side"`
	Index   uint64         `json:"index"`
	Owner   common.Address `json:"owner"`
	Packets uint64         `json:"packets"`
	Farming bool           `json:"farming"`
	Funds   *big.Int       `json:"funds,omitempty"`
}

func (e *OrderQueuedEvent) EventType() string { return "OrderQueued" }

// PacketsMatchedEvent records one settlement and the position it activated.
// MakerIndex is the resting order's queue index.
type PacketsMatchedEvent struct {
	EventMeta
	MakerSide          Side           `json:"maker_side"`
	MakerIndex         uint64         `json:"maker_index"`
	Consumer           common.Address `json:"consumer"`
	Producer           common.Address `json:"producer"`
	Packets            uint64         `json:"packets"`
	PrincipalID        uint64         `json:"principal_id"`
	InterestID         uint64         `json:"interest_id"`
	SharesPerPacket    *big.Int       `json:"shares_per_packet"`
	PrincipalPerPacket *big.Int       `json:"principal_per_packet"`
	Upfront            *big.Int       `json:"upfront"`
}

func (e *PacketsMatchedEvent) EventType() string { return "PacketsMatched" }

// OrderModifiedEvent records packets withdrawn from a queued order
type OrderModifiedEvent struct {
	EventMeta
	Side      Side           `json:"side"`
	Index     uint64         `json:"index"`
	Owner     common.Address `json:"owner"`
	Packets   uint64         `json:"packets"`
	Remaining uint64         `json:"remaining"`
	Refund    *big.Int       `json:"refund"`
}

func (e *OrderModifiedEvent) EventType() string { return "OrderModified" }

// OrderDequeuedEvent records an order removed by the engine
type OrderDequeuedEvent struct {
	EventMeta
	Side      Side           `json:"side"`
	Index     uint64         `json:"index"`
	Owner     common.Address `json:"owner"`
	Packets   uint64         `json:"packets"`
	Forfeited *big.Int       `json:"forfeited"`
	Reason    DequeueReason  `json:"reason"`
}

func (e *OrderDequeuedEvent) EventType() string { return "OrderDequeued" }

// InterestClaimedEvent records an interest payout
type InterestClaimedEvent struct {
	EventMeta
	PrincipalID     uint64         `json:"principal_id"`
	Recipient       common.Address `json:"recipient"`
	Packets         uint64         `json:"packets"`
	Paid            *big.Int       `json:"paid"`
	Fee             *big.Int       `json:"fee"`
	SharesRedeemed  *big.Int       `json:"shares_redeemed"`
	SharesPerPacket *big.Int       `json:"shares_per_packet"`
}

func (e *InterestClaimedEvent) EventType() string { return "InterestClaimed" }

// FNFTWithdrawnEvent records principal released to its holder
type FNFTWithdrawnEvent struct {
	EventMeta
	PrincipalID uint64         `json:"principal_id"`
	Owner       common.Address `json:"owner"`
	Packets     uint64         `json:"packets"`
	Remaining   uint64         `json:"remaining"`
	Assets      *big.Int       `json:"assets"`
}

func (e *FNFTWithdrawnEvent) EventType() string { return "FNFTWithdrawn" }
