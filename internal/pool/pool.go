// Package pool defines lending pools and the registry that owns them.
package pool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"lending-engine/internal/fixedpoint"
	"lending-engine/internal/minter"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrPoolNotFound  = errors.New("pool not found")
	ErrPoolExists    = errors.New("pool already exists")
)

// Config is the caller-supplied definition of a pool
type Config struct {
	InputAsset      common.Address  `json:"input_asset"`
	VaultAsset      common.Address  `json:"vault_asset"`
	Rate            fixedpoint.Rate `json:"rate"`
	AddInterestRate fixedpoint.Rate `json:"add_interest_rate"`
	LockExpiry      time.Duration   `json:"lock_expiry"`
	PacketSize      *big.Int        `json:"packet_size"`
	Name            string          `json:"name"`
}

// Pool is an immutable lending market. PacketSize is in VaultAsset units.
type Pool struct {
	ID common.Hash `json:"id"`
	Config
}

// ComputeID derives the pool id from its parameters
func ComputeID(c Config) common.Hash {
	var expiry [8]byte
	binary.BigEndian.PutUint64(expiry[:], uint64(c.LockExpiry))

	packet := new(big.Int)
	if c.PacketSize != nil {
		packet = c.PacketSize
	}

	return crypto.Keccak256Hash(
		c.InputAsset.Bytes(),
		c.VaultAsset.Bytes(),
		common.BigToHash(c.Rate.Scaled()).Bytes(),
		common.BigToHash(c.AddInterestRate.Scaled()).Bytes(),
		expiry[:],
		common.BigToHash(packet).Bytes(),
		[]byte(c.Name),
	)
}

// EscrowAddress is the wallet that holds a pool's queued capital and its
// vault shares
func EscrowAddress(id common.Hash) common.Address {
	return common.BytesToAddress(crypto.Keccak256(id.Bytes(), []byte("escrow")))
}

// Escrow returns the pool's escrow wallet
func (p *Pool) Escrow() common.Address {
	return EscrowAddress(p.ID)
}

// CrossAsset reports whether producers pay in a different asset than the
// vault accepts
func (p *Pool) CrossAsset() bool {
	return p.InputAsset != p.VaultAsset
}

// UpfrontRate is the share of a packet paid upfront to the consumer
func (p *Pool) UpfrontRate() fixedpoint.Rate {
	return p.Rate.Add(p.AddInterestRate)
}

// Premium is the upfront payment for one packet in VaultAsset units, rounded
// down. Cross-asset pools convert it to InputAsset at call time.
func (p *Pool) Premium() *big.Int {
	return p.UpfrontRate().MulAmount(p.PacketSize, fixedpoint.RoundDown)
}

// Lock returns the minter lock for a pair matched at matchedAt
func (p *Pool) Lock(matchedAt time.Time) minter.Lock {
	if p.LockExpiry == 0 {
		return minter.Lock{Kind: minter.LockAddress}
	}
	return minter.Lock{Kind: minter.LockTime, Expiry: matchedAt.Add(p.LockExpiry)}
}

// Validate checks the config, returning an error wrapping ErrConfiguration
func (c *Config) Validate() error {
	if c.InputAsset == (common.Address{}) || c.VaultAsset == (common.Address{}) {
		return fmt.Errorf("%w: assets required", ErrConfiguration)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: name required", ErrConfiguration)
	}
	if c.PacketSize == nil || c.PacketSize.Sign() <= 0 {
		return fmt.Errorf("%w: packet size must be positive", ErrConfiguration)
	}
	if c.LockExpiry < 0 {
		return fmt.Errorf("%w: negative lock expiry", ErrConfiguration)
	}
	if c.Rate.Sign() < 0 || c.AddInterestRate.Sign() < 0 {
		return fmt.Errorf("%w: negative rate", ErrConfiguration)
	}
	sum := c.Rate.Add(c.AddInterestRate)
	if !sum.LessThanOne() {
		return fmt.Errorf("%w: rate sum %s must be below 1", ErrConfiguration, sum)
	}
	if sum.MulAmount(c.PacketSize, fixedpoint.RoundDown).Sign() == 0 {
		return fmt.Errorf("%w: producer packet rounds to zero", ErrConfiguration)
	}
	return nil
}
