package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lending-engine/internal/config"
	"lending-engine/internal/fixedpoint"
	"lending-engine/internal/matching"
	"lending-engine/internal/persistence"
	"lending-engine/internal/pool"
)

func TestPoolIDCommand(t *testing.T) {
	asset := "0x000000000000000000000000000000000000000a"
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"pool-id",
		"--input-asset", asset,
		"--vault-asset", asset,
		"--rate", "0.05",
		"--packet-size", "1000",
		"--name", "usdc",
	})
	require.NoError(t, root.Execute())

	want := pool.ComputeID(pool.Config{
		InputAsset:      common.HexToAddress(asset),
		VaultAsset:      common.HexToAddress(asset),
		Rate:            fixedpoint.MustParseRate("0.05"),
		AddInterestRate: fixedpoint.ZeroRate,
		PacketSize:      big.NewInt(1000),
		Name:            "usdc",
	})
	assert.Equal(t, want.Hex(), strings.TrimSpace(out.String()))
}

func TestPoolIDCommandRejectsBadRate(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"pool-id",
		"--input-asset", "0x000000000000000000000000000000000000000a",
		"--vault-asset", "0x000000000000000000000000000000000000000a",
		"--rate", "0.99",
		"--add-interest-rate", "0.01",
		"--packet-size", "1000",
		"--name", "x",
	})
	assert.Error(t, root.Execute())
}

func TestBuildCollaborators(t *testing.T) {
	owner := "0x0000000000000000000000000000000000000001"
	asset := "0x000000000000000000000000000000000000000a"
	cfg := config.Config{
		Balances: []config.BalanceConfig{{Owner: owner, Asset: asset, Amount: "5000"}},
		Vaults:   []config.VaultConfig{{Asset: asset, Name: "yvA"}},
		Prices:   []config.PriceConfig{{Asset: asset, Price: "2.5"}},
	}

	bank, vaults, prices, err := buildCollaborators(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), bank.BalanceOf(common.HexToAddress(owner), common.HexToAddress(asset)).Int64())
	require.Len(t, vaults, 1)
	assert.Equal(t, common.HexToAddress(asset), vaults[0].Asset())

	price, ok := prices.Price(common.HexToAddress(asset))
	require.True(t, ok)
	assert.Equal(t, "2500000000000000000", price.String())

	cfg.Prices[0].Price = "-1"
	_, _, _, err = buildCollaborators(cfg)
	assert.Error(t, err)
}

type recordingStore struct {
	saved int
	err   error
}

func (s *recordingStore) SaveState(ctx context.Context, state *matching.State) error {
	s.saved++
	return s.err
}

func TestStateStoresSavesToEveryStore(t *testing.T) {
	boom := errors.New("disk full")
	first := &recordingStore{err: boom}
	second := &recordingStore{}

	err := stateStores{first, second}.SaveState(context.Background(), &matching.State{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, first.saved)
	assert.Equal(t, 1, second.saved)
}

func queuedEvent(poolID common.Hash, seq int64) matching.Event {
	return &matching.OrderQueuedEvent{
		EventMeta: matching.EventMeta{
			EventIDValue:    fmt.Sprintf("evt_%d", seq),
			SequenceValue:   seq,
			PoolIDValue:     poolID,
			OccurredAtValue: time.Date(2024, 1, 1, 0, 0, int(seq), 0, time.UTC),
		},
		Side:    matching.SideConsumer,
		Index:   uint64(seq - 1),
		Owner:   common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Packets: 1,
	}
}

func TestJournalTrimDropsEventsPastSnapshot(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	poolID := common.HexToHash("0xaaaa")

	journal, err := persistence.NewFileEventStore(filepath.Join(dataDir, "events"))
	require.NoError(t, err)
	require.NoError(t, journal.Apply(ctx, []matching.Event{
		queuedEvent(poolID, 1), queuedEvent(poolID, 2), queuedEvent(poolID, 3),
	}))
	require.NoError(t, journal.Close())

	snapshots, err := persistence.NewFileSnapshotStore(filepath.Join(dataDir, "snapshots"), 3)
	require.NoError(t, err)
	require.NoError(t, snapshots.SaveState(ctx, &matching.State{
		Sequences: map[common.Hash]int64{poolID: 1},
	}))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"journal-trim", "--data-dir", dataDir})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "dropped 2 events")

	journal, err = persistence.NewFileEventStore(filepath.Join(dataDir, "events"))
	require.NoError(t, err)
	defer journal.Close()
	rec, err := persistence.NewFileRecoveryService(journal, snapshots).Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, rec.PendingCount())

	lastSeq, err := journal.GetLastSequence(ctx, poolID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, lastSeq)
}
