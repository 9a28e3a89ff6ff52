package api

import (
	"math/big"
	"sort"
	"time"

	"lending-engine/internal/interest"
	"lending-engine/internal/matching"
	"lending-engine/internal/pool"
	"lending-engine/internal/position"
	"lending-engine/internal/projection"
)

// Amounts cross the API as base-unit integer strings.

// CreatePoolRequest represents the request body for creating a pool
type CreatePoolRequest struct {
	InputAsset      string `json:"input_asset" binding:"required"`
	VaultAsset      string `json:"vault_asset" binding:"required"`
	Rate            string `json:"rate" binding:"required"` // Decimal fraction, e.g. "0.05"
	AddInterestRate string `json:"add_interest_rate"`
	LockExpiry      string `json:"lock_expiry"` // Go duration; empty for address-locked pools
	PacketSize      string `json:"packet_size" binding:"required"`
	Name            string `json:"name" binding:"required"`
}

// PoolResponse describes a pool
type PoolResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	InputAsset      string `json:"input_asset"`
	VaultAsset      string `json:"vault_asset"`
	Rate            string `json:"rate"`
	AddInterestRate string `json:"add_interest_rate"`
	LockExpiry      string `json:"lock_expiry"`
	PacketSize      string `json:"packet_size"`
	Premium         string `json:"premium"` // Upfront per packet in vault asset units
	CrossAsset      bool   `json:"cross_asset"`
	Escrow          string `json:"escrow"`
}

// SubmitOrderRequest represents the request body for entering an order
type SubmitOrderRequest struct {
	Side   string `json:"side" binding:"required"` // PRODUCER or CONSUMER
	Owner  string `json:"owner" binding:"required"`
	Amount string `json:"amount" binding:"required"`
	Farm   bool   `json:"farm"`
}

// ModifyOrderRequest represents the request body for withdrawing queued packets
type ModifyOrderRequest struct {
	Side    string `json:"side" binding:"required"`
	Owner   string `json:"owner" binding:"required"`
	Packets uint64 `json:"packets" binding:"required"`
}

// WithdrawRequest represents the request body for releasing FNFT packets
type WithdrawRequest struct {
	Caller   string `json:"caller" binding:"required"`
	Quantity uint64 `json:"quantity" binding:"required"`
}

// ClaimRequest represents the request body for claiming interest
type ClaimRequest struct {
	Caller    string `json:"caller" binding:"required"`
	Recipient string `json:"recipient"`
}

// CommandResponse is returned by every mutating endpoint
type CommandResponse struct {
	CommandID string         `json:"command_id"`
	Events    []EventDTO     `json:"events"`
	Positions []PositionDTO  `json:"positions,omitempty"`
	Queued    *QueuedDTO     `json:"queued,omitempty"`
	Interest  *QuoteResponse `json:"interest,omitempty"`
}

// EventDTO is a domain event tagged with its type
type EventDTO struct {
	Type     string         `json:"type"`
	Sequence int64          `json:"sequence"`
	Event    matching.Event `json:"event"`
}

// QueuedDTO locates a remainder left in a queue
type QueuedDTO struct {
	Side    string `json:"side"`
	Index   uint64 `json:"index"`
	Packets uint64 `json:"packets"`
}

// PositionDTO describes a live position
type PositionDTO struct {
	PoolID             string    `json:"pool_id"`
	PrincipalID        uint64    `json:"principal_id"`
	InterestID         uint64    `json:"interest_id"`
	Quantity           uint64    `json:"quantity"`
	SharesPerPacket    string    `json:"shares_per_packet"`
	PrincipalPerPacket string    `json:"principal_per_packet"`
	MatchedAt          time.Time `json:"matched_at"`
}

// QuoteResponse is the interest claimable on a position
type QuoteResponse struct {
	TokenID           uint64 `json:"token_id,omitempty"`
	Packets           uint64 `json:"packets"`
	PerPacket         string `json:"per_packet"`
	PerPacketAfterFee string `json:"per_packet_after_fee"`
	Interest          string `json:"interest"`
	InterestAfterFee  string `json:"interest_after_fee"`
}

// QueueResponse describes one side of a pool
type QueueResponse struct {
	PoolID string           `json:"pool_id"`
	Side   string           `json:"side"`
	Head   uint64           `json:"head"`
	Tail   uint64           `json:"tail"`
	Depth  uint64           `json:"depth"`
	Orders []QueuedOrderDTO `json:"orders"`
}

// QueuedOrderDTO is a live queue entry
type QueuedOrderDTO struct {
	Index        uint64    `json:"index"`
	Owner        string    `json:"owner"`
	Packets      uint64    `json:"packets"`
	Farming      bool      `json:"farming"`
	FarmedShares string    `json:"farmed_shares,omitempty"`
	Funds        string    `json:"funds,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// OwnerPositionsResponse lists an owner's positions from the read model
type OwnerPositionsResponse struct {
	Owner     string                     `json:"owner"`
	Positions []*projection.PositionView `json:"positions"`
}

// OwnerOrdersResponse lists an owner's queued orders from the read model
type OwnerOrdersResponse struct {
	Owner  string                  `json:"owner"`
	Orders []*projection.OrderView `json:"orders"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Code    string `json:"code"`    // Error code
	Message string `json:"message"` // Error message
}

func toPoolResponse(p *pool.Pool) PoolResponse {
	expiry := ""
	if p.LockExpiry > 0 {
		expiry = p.LockExpiry.String()
	}
	return PoolResponse{
		ID:              p.ID.Hex(),
		Name:            p.Name,
		InputAsset:      p.InputAsset.Hex(),
		VaultAsset:      p.VaultAsset.Hex(),
		Rate:            p.Rate.String(),
		AddInterestRate: p.AddInterestRate.String(),
		LockExpiry:      expiry,
		PacketSize:      amount(p.PacketSize),
		Premium:         amount(p.Premium()),
		CrossAsset:      p.CrossAsset(),
		Escrow:          p.Escrow().Hex(),
	}
}

func toCommandResponse(commandID string, res *matching.CommandResult) CommandResponse {
	resp := CommandResponse{CommandID: commandID, Events: make([]EventDTO, 0)}
	if res == nil {
		return resp
	}
	for _, e := range res.Events {
		resp.Events = append(resp.Events, EventDTO{Type: e.EventType(), Sequence: e.Sequence(), Event: e})
	}
	for _, p := range res.Positions {
		resp.Positions = append(resp.Positions, toPositionDTO(p))
	}
	if q := res.Queued; q != nil {
		resp.Queued = &QueuedDTO{Side: string(q.Side), Index: q.Index, Packets: q.Packets}
	}
	if res.Quote != nil {
		quote := toQuoteResponse(0, *res.Quote)
		resp.Interest = &quote
	}
	return resp
}

func toPositionDTO(p *position.ActivatedPosition) PositionDTO {
	return PositionDTO{
		PoolID:             p.PoolID.Hex(),
		PrincipalID:        p.PrincipalID,
		InterestID:         p.InterestID,
		Quantity:           p.Quantity,
		SharesPerPacket:    amount(p.SharesPerPacket),
		PrincipalPerPacket: amount(p.PrincipalPerPacket),
		MatchedAt:          p.MatchedAt,
	}
}

func toQuoteResponse(tokenID uint64, q interest.Quote) QuoteResponse {
	return QuoteResponse{
		TokenID:           tokenID,
		Packets:           q.Packets,
		PerPacket:         amount(q.PerPacket),
		PerPacketAfterFee: amount(q.PerPacketAfterFee),
		Interest:          amount(q.Interest),
		InterestAfterFee:  amount(q.InterestAfterFee),
	}
}

func toQueueResponse(p *pool.Pool, side matching.Side, q *matching.Queue) QueueResponse {
	live := q.Live()
	indexes := make([]uint64, 0, len(live))
	for idx := range live {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	orders := make([]QueuedOrderDTO, 0, len(indexes))
	for _, idx := range indexes {
		o := live[idx]
		dto := QueuedOrderDTO{
			Index:       idx,
			Owner:       o.Owner.Hex(),
			Packets:     o.PacketsRemaining,
			Farming:     o.Farming,
			SubmittedAt: o.SubmittedAt,
		}
		if o.FarmedShares != nil {
			dto.FarmedShares = o.FarmedShares.String()
		}
		if o.Funds != nil {
			dto.Funds = o.Funds.String()
		}
		orders = append(orders, dto)
	}
	return QueueResponse{
		PoolID: p.ID.Hex(),
		Side:   string(side),
		Head:   q.Head,
		Tail:   q.Tail,
		Depth:  q.Depth(),
		Orders: orders,
	}
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
