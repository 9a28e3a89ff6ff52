package matching

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"lending-engine/internal/pool"
)

var (
	ErrConfiguration  = pool.ErrConfiguration
	ErrPoolNotFound   = pool.ErrPoolNotFound
	ErrQueueState     = errors.New("queue state error")
	ErrLockNotExpired = errors.New("lock not expired")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrReentrantCall  = errors.New("reentrant call")
)

// QueueStateError reports an operation that does not fit the current queue
// or position state
type QueueStateError struct {
	PoolID    common.Hash
	Side      Side
	Index     uint64
	Requested uint64
	Remaining uint64
	Reason    string
}

func (e *QueueStateError) Error() string {
	if e.Side == "" {
		return fmt.Sprintf("queue state error: token %d: %s (requested %d, remaining %d)",
			e.Index, e.Reason, e.Requested, e.Remaining)
	}
	return fmt.Sprintf("queue state error: pool %s %s[%d]: %s (requested %d, remaining %d)",
		e.PoolID.Hex(), e.Side, e.Index, e.Reason, e.Requested, e.Remaining)
}

func (e *QueueStateError) Is(target error) bool {
	return target == ErrQueueState
}
