package projection

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrPositionNotFound   = errors.New("position not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrSequenceRegression = errors.New("sequence regression")
)

// OrderRepository defines the interface for order read model storage
type OrderRepository interface {
	// Save creates or updates an order view
	Save(ctx context.Context, order *OrderView) error

	// GetByKey retrieves an order by its queue key
	GetByKey(ctx context.Context, key string) (*OrderView, error)

	// ListByOwner retrieves orders for a specific owner
	ListByOwner(ctx context.Context, owner common.Address, limit int) ([]*OrderView, error)

	// ListByPool retrieves orders for a specific pool
	ListByPool(ctx context.Context, poolID common.Hash, limit int) ([]*OrderView, error)

	// GetLastSequence returns the last applied sequence number for a pool
	GetLastSequence(ctx context.Context, poolID common.Hash) (int64, error)

	// SetLastSequence updates the last applied sequence number for a pool
	SetLastSequence(ctx context.Context, poolID common.Hash, sequence int64) error
}

// PositionRepository defines the interface for position read model storage
type PositionRepository interface {
	// Save creates or updates a position view
	Save(ctx context.Context, position *PositionView) error

	// GetByID retrieves a position by its principal token id
	GetByID(ctx context.Context, principalID uint64) (*PositionView, error)

	// ListByOwner retrieves positions where owner is consumer or producer
	ListByOwner(ctx context.Context, owner common.Address, limit int) ([]*PositionView, error)

	// GetLastSequence returns the last applied sequence number for a pool
	GetLastSequence(ctx context.Context, poolID common.Hash) (int64, error)

	// SetLastSequence updates the last applied sequence number for a pool
	SetLastSequence(ctx context.Context, poolID common.Hash, sequence int64) error
}
