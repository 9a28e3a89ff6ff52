package persistence

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"lending-engine/internal/account"
	"lending-engine/internal/fixedpoint"
	"lending-engine/internal/interest"
	"lending-engine/internal/matching"
	"lending-engine/internal/minter"
	"lending-engine/internal/oracle"
	"lending-engine/internal/pool"
	"lending-engine/internal/vault"
)

var (
	usdc      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	feeWallet = common.HexToAddress("0x0000000000000000000000000000000000000fee")
	poolA     = common.HexToHash("0xaaaa")
	poolB     = common.HexToHash("0xbbbb")
	t0        = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func newCore(t *testing.T) *matching.Core {
	t.Helper()
	bank := account.NewMemoryBank()
	for _, owner := range []common.Address{alice, bob} {
		require.NoError(t, bank.Mint(owner, usdc, big.NewInt(1_000_000)))
	}
	core, err := matching.NewCore(pool.NewRegistry(nil), bank, oracle.NewStaticOracle(), minter.NewMemoryMinter(), matching.Config{
		FeeWallet: feeWallet,
		Fees:      interest.FeeSchedule{Numerator: 9, Denominator: 10},
		Now:       func() time.Time { return t0 },
	}, nil)
	require.NoError(t, err)
	require.NoError(t, core.BindAdapter(context.Background(), usdc, vault.NewMemoryVault(bank, usdc, "usdc")))
	return core
}

// populatedCore has one farming producer left in the queue and one
// activated position
func populatedCore(t *testing.T) (*matching.Core, []matching.Event) {
	t.Helper()
	ctx := context.Background()
	core := newCore(t)

	p, res, err := core.CreatePool(ctx, pool.Config{
		InputAsset: usdc,
		VaultAsset: usdc,
		Rate:       fixedpoint.MustParseRate("0.05"),
		PacketSize: big.NewInt(1000),
		Name:       "usdc",
	})
	require.NoError(t, err)
	events := append([]matching.Event(nil), res.Events...)

	res, err = core.SubmitConsumer(ctx, &matching.SubmitOrderRequest{PoolID: p.ID, Owner: alice, Amount: big.NewInt(2000)})
	require.NoError(t, err)
	events = append(events, res.Events...)

	res, err = core.SubmitProducer(ctx, &matching.SubmitOrderRequest{PoolID: p.ID, Owner: bob, Amount: big.NewInt(150), Farm: true})
	require.NoError(t, err)
	events = append(events, res.Events...)

	return core, events
}

func queuedEvent(poolID common.Hash, seq int64) matching.Event {
	return &matching.OrderQueuedEvent{
		EventMeta: matching.EventMeta{
			EventIDValue:    fmt.Sprintf("evt_%s_%d", poolID.Hex()[2:10], seq),
			SequenceValue:   seq,
			PoolIDValue:     poolID,
			OccurredAtValue: t0.Add(time.Duration(seq) * time.Second),
		},
		Side:    matching.SideConsumer,
		Index:   uint64(seq - 1),
		Owner:   alice,
		Packets: 3,
	}
}
