// Package position keeps the set of activated positions created by matching.
package position

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrPositionNotFound = errors.New("position not found")

// ActivatedPosition is one settlement: Quantity packets sharing one FNFT pair.
// PrincipalPerPacket is the accrual baseline: the packet size for same-asset
// pools, the common-unit value of one packet at match time otherwise.
type ActivatedPosition struct {
	PoolID             common.Hash `json:"pool_id"`
	PrincipalID        uint64      `json:"principal_id"`
	InterestID         uint64      `json:"interest_id"`
	Quantity           uint64      `json:"quantity"`
	SharesPerPacket    *big.Int    `json:"shares_per_packet"`
	PrincipalPerPacket *big.Int    `json:"principal_per_packet"`
	MatchedAt          time.Time   `json:"matched_at"`
}

// TotalShares is Quantity × SharesPerPacket
func (p *ActivatedPosition) TotalShares() *big.Int {
	return new(big.Int).Mul(p.SharesPerPacket, new(big.Int).SetUint64(p.Quantity))
}

func (p *ActivatedPosition) Clone() *ActivatedPosition {
	cp := *p
	cp.SharesPerPacket = new(big.Int).Set(p.SharesPerPacket)
	cp.PrincipalPerPacket = new(big.Int).Set(p.PrincipalPerPacket)
	return &cp
}

// Ledger stores positions in a dense slice with a principal id -> index map.
// Removal swaps the last entry into the freed slot. Not safe for concurrent
// use; the matching core serializes access.
type Ledger struct {
	positions []*ActivatedPosition
	index     map[uint64]int
}

func NewLedger() *Ledger {
	return &Ledger{index: make(map[uint64]int)}
}

// Append adds a new position
func (l *Ledger) Append(p *ActivatedPosition) error {
	if _, exists := l.index[p.PrincipalID]; exists {
		return fmt.Errorf("position %d already exists", p.PrincipalID)
	}
	l.index[p.PrincipalID] = len(l.positions)
	l.positions = append(l.positions, p)
	return nil
}

// Get resolves either leg of a pair. Returns the live position, not a copy.
func (l *Ledger) Get(tokenID uint64) (*ActivatedPosition, bool) {
	if i, ok := l.index[tokenID]; ok {
		return l.positions[i], true
	}
	if tokenID > 0 {
		if i, ok := l.index[tokenID-1]; ok && l.positions[i].InterestID == tokenID {
			return l.positions[i], true
		}
	}
	return nil, false
}

// Remove deletes the position keyed by principalID using swap-and-pop
func (l *Ledger) Remove(principalID uint64) error {
	i, ok := l.index[principalID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, principalID)
	}
	last := len(l.positions) - 1
	if i != last {
		moved := l.positions[last]
		l.positions[i] = moved
		l.index[moved.PrincipalID] = i
	}
	l.positions[last] = nil
	l.positions = l.positions[:last]
	delete(l.index, principalID)
	return nil
}

func (l *Ledger) Len() int {
	return len(l.positions)
}

// All returns copies of every position in storage order
func (l *Ledger) All() []*ActivatedPosition {
	out := make([]*ActivatedPosition, len(l.positions))
	for i, p := range l.positions {
		out[i] = p.Clone()
	}
	return out
}

// ForPool returns copies of the positions of one pool
func (l *Ledger) ForPool(poolID common.Hash) []*ActivatedPosition {
	var out []*ActivatedPosition
	for _, p := range l.positions {
		if p.PoolID == poolID {
			out = append(out, p.Clone())
		}
	}
	return out
}

// Clone deep-copies the ledger
func (l *Ledger) Clone() *Ledger {
	out := &Ledger{
		positions: make([]*ActivatedPosition, len(l.positions)),
		index:     make(map[uint64]int, len(l.index)),
	}
	for i, p := range l.positions {
		out.positions[i] = p.Clone()
	}
	for k, v := range l.index {
		out.index[k] = v
	}
	return out
}

// Restore rebuilds a ledger from stored positions, preserving their order
func Restore(positions []*ActivatedPosition) (*Ledger, error) {
	l := NewLedger()
	for _, p := range positions {
		if err := l.Append(p.Clone()); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// checkIndex verifies the index map agrees with the slice
func (l *Ledger) checkIndex() error {
	if len(l.index) != len(l.positions) {
		return fmt.Errorf("index has %d entries for %d positions", len(l.index), len(l.positions))
	}
	for i, p := range l.positions {
		if l.index[p.PrincipalID] != i {
			return fmt.Errorf("position %d at %d indexed as %d", p.PrincipalID, i, l.index[p.PrincipalID])
		}
	}
	return nil
}
