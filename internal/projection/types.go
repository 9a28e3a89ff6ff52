package projection

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderStatus represents the status of a queued order in the read model
type OrderStatus string

const (
	OrderStatusQueued           OrderStatus = "QUEUED"
	OrderStatusPartiallyMatched OrderStatus = "PARTIALLY_MATCHED"
	OrderStatusMatched          OrderStatus = "MATCHED"
	OrderStatusWithdrawn        OrderStatus = "WITHDRAWN"
	OrderStatusForfeited        OrderStatus = "FORFEITED"
)

// PositionStatus represents the status of a position in the read model
type PositionStatus string

const (
	PositionStatusActive PositionStatus = "ACTIVE"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// OrderKey identifies a queued order
func OrderKey(poolID common.Hash, side string, index uint64) string {
	return fmt.Sprintf("%s:%s:%d", poolID.Hex(), side, index)
}

// OrderView represents the read model for an order that rested in a queue.
// Packets fully matched on arrival never rest and have no view.
type OrderView struct {
	Key          string         `json:"key"`
	PoolID       common.Hash    `json:"pool_id"`
	Side         string         `json:"side"`
	Index        uint64         `json:"index"`
	Owner        common.Address `json:"owner"`
	Farming      bool           `json:"farming"`
	Packets      uint64         `json:"packets"` // Packets when queued
	Remaining    uint64         `json:"remaining"`
	Matched      uint64         `json:"matched"`
	Withdrawn    uint64         `json:"withdrawn"`
	Status       OrderStatus    `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastSequence int64          `json:"last_sequence"` // Last event sequence that updated this order
}

// PositionView represents the read model for an FNFT pair. Consumer and
// Producer are the holders at match time.
type PositionView struct {
	PrincipalID     uint64         `json:"principal_id"`
	InterestID      uint64         `json:"interest_id"`
	PoolID          common.Hash    `json:"pool_id"`
	Consumer        common.Address `json:"consumer"`
	Producer        common.Address `json:"producer"`
	Packets         uint64         `json:"packets"` // Packets at match time
	Quantity        uint64         `json:"quantity"`
	SharesPerPacket *big.Int       `json:"shares_per_packet"`
	Upfront         *big.Int       `json:"upfront"`
	InterestPaid    *big.Int       `json:"interest_paid"`
	FeesPaid        *big.Int       `json:"fees_paid"`
	Redeemed        *big.Int       `json:"redeemed"`
	Status          PositionStatus `json:"status"`
	MatchedAt       time.Time      `json:"matched_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	LastSequence    int64          `json:"last_sequence"`
}
