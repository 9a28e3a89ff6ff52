// Package minter issues the paired principal/interest FNFTs that represent an
// activated position, and tracks the lock that gates principal withdrawal.
package minter

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrTokenNotFound   = errors.New("token not found")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrNotUnlocker     = errors.New("caller cannot unlock token")
	ErrNotOwner        = errors.New("caller does not own token")
)

// LockKind selects how a principal token is released
type LockKind string

const (
	// LockTime releases the principal once Expiry has passed.
	LockTime LockKind = "TIME"
	// LockAddress releases the principal when the current interest holder
	// calls Unlock.
	LockAddress LockKind = "ADDRESS"
)

// Lock is attached to every minted pair
type Lock struct {
	Kind   LockKind  `json:"kind"`
	Expiry time.Time `json:"expiry,omitempty"`
}

// Token is a read-only view of one FNFT leg
type Token struct {
	ID       uint64         `json:"id"`
	Owner    common.Address `json:"owner"`
	Supply   uint64         `json:"supply"`
	Interest bool           `json:"interest"`
	Lock     Lock           `json:"lock"`
	Unlocked bool           `json:"unlocked"`
}

// PrincipalID returns the principal leg of the pair this token belongs to
func (t Token) PrincipalID() uint64 {
	if t.Interest {
		return t.ID - 1
	}
	return t.ID
}

// Minter is the position-token subsystem the matching core talks to.
// Interest ids are always principal id + 1.
type Minter interface {
	MintPrincipalAndInterest(ctx context.Context, principalOwner, interestOwner common.Address, quantity uint64, lock Lock) (principalID, interestID uint64, err error)
	OwnerOf(ctx context.Context, id uint64) (common.Address, error)
	IsUnlocked(ctx context.Context, id uint64) (bool, error)
	Burn(ctx context.Context, id uint64, quantity uint64) error
	TokensOf(ctx context.Context, owner common.Address) ([]uint64, error)
}
