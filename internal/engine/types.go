package engine

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lending-engine/internal/matching"
	"lending-engine/internal/pool"
	"lending-engine/internal/vault"
)

// ErrNotFound is returned by queries for an unknown token or order
var ErrNotFound = errors.New("not found")

// CommandType represents the type of command
type CommandType string

const (
	CommandTypeCreatePool     CommandType = "CREATE_POOL"
	CommandTypeBindAdapter    CommandType = "BIND_ADAPTER"
	CommandTypeSubmitProducer CommandType = "SUBMIT_PRODUCER"
	CommandTypeSubmitConsumer CommandType = "SUBMIT_CONSUMER"
	CommandTypeModifyOrder    CommandType = "MODIFY_ORDER"
	CommandTypeWithdrawFNFT   CommandType = "WITHDRAW_FNFT"
	CommandTypeClaimInterest  CommandType = "CLAIM_INTEREST"
	CommandTypeQuery          CommandType = "QUERY"
)

// CommandEnvelope wraps a command with metadata
type CommandEnvelope struct {
	CommandID      string         // Unique command ID
	CommandType    CommandType    // One of the CommandType constants
	IdempotencyKey string         // Deduplication key; empty disables the cache
	PoolID         common.Hash    // Target pool, zero for token-addressed commands
	Caller         common.Address // Acting account
	PayloadHash    string         // Hash of payload for conflict detection
	Payload        any            // *pool.Config, *BindAdapterRequest or a matching request
	CreatedAt      time.Time      // Command creation time
}

// BindAdapterRequest binds a vault adapter for every pool on VaultAsset
type BindAdapterRequest struct {
	VaultAsset common.Address `json:"vault_asset"`
	Adapter    vault.Adapter  `json:"-"`
}

// CreatePoolResult is the Result of a CREATE_POOL command
type CreatePoolResult struct {
	Pool   *pool.Pool
	Result *matching.CommandResult
}

// QueryFunc reads Core state on the engine goroutine
type QueryFunc func(ctx context.Context, core *matching.Core) (any, error)

// ErrorCode represents command execution error codes
type ErrorCode string

const (
	ErrorCodeNone                ErrorCode = ""
	ErrorCodeDuplicateRequest    ErrorCode = "DUPLICATE_REQUEST"
	ErrorCodeInvalidArgument     ErrorCode = "INVALID_ARGUMENT"
	ErrorCodeInternalError       ErrorCode = "INTERNAL_ERROR"
	ErrorCodePoolNotFound        ErrorCode = "POOL_NOT_FOUND"
	ErrorCodePoolExists          ErrorCode = "POOL_EXISTS"
	ErrorCodeConfiguration       ErrorCode = "CONFIGURATION"
	ErrorCodeQueueState          ErrorCode = "QUEUE_STATE"
	ErrorCodeLockNotExpired      ErrorCode = "LOCK_NOT_EXPIRED"
	ErrorCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrorCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	ErrorCodeReentrantCall       ErrorCode = "REENTRANT_CALL"
	ErrorCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrorCodeUnavailable         ErrorCode = "UNAVAILABLE"
	ErrorCodeCanceled            ErrorCode = "CANCELED"
)

// CommandExecResult represents the result of command execution
type CommandExecResult struct {
	Result    any       // *matching.CommandResult, *CreatePoolResult or a query value
	ErrorCode ErrorCode // Error code if execution failed
	Err       error     // Detailed error
}

// Events returns the domain events a successful command produced
func (r *CommandExecResult) Events() []matching.Event {
	if r == nil || r.Err != nil {
		return nil
	}
	switch res := r.Result.(type) {
	case *matching.CommandResult:
		if res != nil {
			return res.Events
		}
	case *CreatePoolResult:
		if res != nil && res.Result != nil {
			return res.Result.Events
		}
	}
	return nil
}

// EventSink receives the events of every successful command, in order, on
// the engine goroutine
type EventSink interface {
	Apply(ctx context.Context, events []matching.Event) error
}

// StateStore persists Core snapshots
type StateStore interface {
	SaveState(ctx context.Context, state *matching.State) error
}
