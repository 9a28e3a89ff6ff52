package minter

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	consumer = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	producer = common.HexToAddress("0x0000000000000000000000000000000000000d01")
	other    = common.HexToAddress("0x0000000000000000000000000000000000000e01")
)

func TestMintAssignsSequentialPairs(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMinter()

	pid, iid, err := m.MintPrincipalAndInterest(ctx, consumer, producer, 3, Lock{Kind: LockAddress})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pid)
	assert.Equal(t, uint64(2), iid)

	pid, iid, err = m.MintPrincipalAndInterest(ctx, consumer, producer, 1, Lock{Kind: LockAddress})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), pid)
	assert.Equal(t, pid+1, iid)

	owner, err := m.OwnerOf(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, consumer, owner)

	ids, err := m.TokensOf(ctx, producer)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 4}, ids)

	tok, ok := m.Token(2)
	require.True(t, ok)
	assert.Equal(t, uint64(1), tok.PrincipalID())
	assert.Equal(t, uint64(3), tok.Supply)
}

func TestMintRejectsZeroQuantity(t *testing.T) {
	_, _, err := NewMemoryMinter().MintPrincipalAndInterest(context.Background(), consumer, producer, 0, Lock{Kind: LockTime})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestTimeLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMinter()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	pid, iid, err := m.MintPrincipalAndInterest(ctx, consumer, producer, 1, Lock{Kind: LockTime, Expiry: now.Add(time.Hour)})
	require.NoError(t, err)

	unlocked, err := m.IsUnlocked(ctx, pid)
	require.NoError(t, err)
	assert.False(t, unlocked)

	unlocked, err = m.IsUnlocked(ctx, iid)
	require.NoError(t, err)
	assert.True(t, unlocked)

	now = now.Add(time.Hour)
	unlocked, err = m.IsUnlocked(ctx, pid)
	require.NoError(t, err)
	assert.True(t, unlocked)

	assert.ErrorIs(t, m.Unlock(ctx, producer, pid), ErrNotUnlocker)
}

func TestAddressLockFollowsInterestHolder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMinter()

	pid, iid, err := m.MintPrincipalAndInterest(ctx, consumer, producer, 2, Lock{Kind: LockAddress})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Unlock(ctx, consumer, pid), ErrNotUnlocker)

	require.NoError(t, m.Transfer(ctx, producer, other, iid))
	assert.ErrorIs(t, m.Unlock(ctx, producer, pid), ErrNotUnlocker)
	require.NoError(t, m.Unlock(ctx, other, pid))

	unlocked, err := m.IsUnlocked(ctx, pid)
	require.NoError(t, err)
	assert.True(t, unlocked)
}

func TestBurnRemovesFromIndexAtZero(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMinter()

	pid, _, err := m.MintPrincipalAndInterest(ctx, consumer, producer, 2, Lock{Kind: LockAddress})
	require.NoError(t, err)

	require.NoError(t, m.Burn(ctx, pid, 1))
	ids, _ := m.TokensOf(ctx, consumer)
	assert.Equal(t, []uint64{pid}, ids)

	assert.ErrorIs(t, m.Burn(ctx, pid, 2), ErrInvalidQuantity)
	require.NoError(t, m.Burn(ctx, pid, 1))

	ids, _ = m.TokensOf(ctx, consumer)
	assert.Empty(t, ids)

	_, err = m.OwnerOf(ctx, pid)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestTransferRequiresOwner(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMinter()

	_, iid, err := m.MintPrincipalAndInterest(ctx, consumer, producer, 1, Lock{Kind: LockAddress})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Transfer(ctx, consumer, other, iid), ErrNotOwner)
	assert.ErrorIs(t, m.Transfer(ctx, consumer, other, 99), ErrTokenNotFound)
}
