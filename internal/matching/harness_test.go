package matching

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"lending-engine/internal/account"
	"lending-engine/internal/fixedpoint"
	"lending-engine/internal/interest"
	"lending-engine/internal/minter"
	"lending-engine/internal/oracle"
	"lending-engine/internal/pool"
	"lending-engine/internal/vault"
)

var (
	usdc = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	weth = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	dai  = common.HexToAddress("0x00000000000000000000000000000000000000d1")

	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol     = common.HexToAddress("0x0000000000000000000000000000000000000ca1")
	feeWallet = common.HexToAddress("0x0000000000000000000000000000000000000fee")
)

const startBalance = 1_000_000

type harness struct {
	t      *testing.T
	ctx    context.Context
	bank   *account.MemoryBank
	vaults map[common.Address]*vault.MemoryVault
	prices *oracle.StaticOracle
	minter *minter.MemoryMinter
	core   *Core
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		bank:   account.NewMemoryBank(),
		vaults: make(map[common.Address]*vault.MemoryVault),
		prices: oracle.NewStaticOracle(),
		minter: minter.NewMemoryMinter(),
		now:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	h.minter.SetClock(func() time.Time { return h.now })

	core, err := NewCore(pool.NewRegistry(nil), h.bank, h.prices, h.minter, Config{
		FeeWallet: feeWallet,
		Fees:      interest.FeeSchedule{Numerator: 9, Denominator: 10},
		Now:       func() time.Time { return h.now },
	}, nil)
	require.NoError(t, err)
	h.core = core

	for _, owner := range []common.Address{alice, bob, carol} {
		for _, asset := range []common.Address{usdc, weth, dai} {
			require.NoError(t, h.bank.Mint(owner, asset, big.NewInt(startBalance)))
		}
	}
	return h
}

// vault returns the adapter for asset, binding it on first use
func (h *harness) vault(asset common.Address) *vault.MemoryVault {
	if v, ok := h.vaults[asset]; ok {
		return v
	}
	v := vault.NewMemoryVault(h.bank, asset, asset.Hex())
	require.NoError(h.t, h.core.BindAdapter(h.ctx, asset, v))
	h.vaults[asset] = v
	return v
}

func (h *harness) createPool(cfg pool.Config) *pool.Pool {
	h.t.Helper()
	p, _, err := h.core.CreatePool(h.ctx, cfg)
	require.NoError(h.t, err)
	return p
}

// usdcPoolConfigFor is a perpetual same-asset pool: packet 1000, premium 50
func (h *harness) usdcPoolConfigFor(asset common.Address) pool.Config {
	return pool.Config{
		InputAsset: asset,
		VaultAsset: asset,
		Rate:       fixedpoint.MustParseRate("0.05"),
		PacketSize: big.NewInt(1000),
		Name:       "perpetual-" + asset.Hex(),
	}
}

func (h *harness) usdcPool() *pool.Pool {
	h.vault(usdc)
	return h.createPool(h.usdcPoolConfigFor(usdc))
}

// timeLockedPool locks principal for 30 days after the match
func (h *harness) timeLockedPool() *pool.Pool {
	h.vault(usdc)
	cfg := h.usdcPoolConfigFor(usdc)
	cfg.LockExpiry = 30 * 24 * time.Hour
	cfg.Name = "usdc-30d"
	return h.createPool(cfg)
}

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fixedpoint.One)
}

// crossPool pays producers in DAI against a WETH vault: packet 1 WETH,
// premium 0.05 WETH, 100 DAI at the starting prices
func (h *harness) crossPool() *pool.Pool {
	h.vault(weth)
	require.NoError(h.t, h.prices.SetPrice(weth, wad(2000)))
	require.NoError(h.t, h.prices.SetPrice(dai, wad(1)))
	for _, owner := range []common.Address{alice, bob, carol} {
		require.NoError(h.t, h.bank.Mint(owner, weth, wad(10)))
		require.NoError(h.t, h.bank.Mint(owner, dai, wad(1000)))
	}
	return h.createPool(pool.Config{
		InputAsset: dai,
		VaultAsset: weth,
		Rate:       fixedpoint.MustParseRate("0.05"),
		PacketSize: wad(1),
		Name:       "weth-dai",
	})
}

func (h *harness) submitConsumer(p *pool.Pool, owner common.Address, amount int64, farm bool) *CommandResult {
	h.t.Helper()
	res, err := h.core.SubmitConsumer(h.ctx, &SubmitOrderRequest{PoolID: p.ID, Owner: owner, Amount: big.NewInt(amount), Farm: farm})
	require.NoError(h.t, err)
	return res
}

func (h *harness) submitProducer(p *pool.Pool, owner common.Address, amount int64, farm bool) *CommandResult {
	h.t.Helper()
	res, err := h.core.SubmitProducer(h.ctx, &SubmitOrderRequest{PoolID: p.ID, Owner: owner, Amount: big.NewInt(amount), Farm: farm})
	require.NoError(h.t, err)
	return res
}

func (h *harness) balance(owner, asset common.Address) *big.Int {
	return h.bank.BalanceOf(owner, asset)
}

func (h *harness) queue(p *pool.Pool, side Side) *Queue {
	h.t.Helper()
	q, err := h.core.Queue(p.ID, side)
	require.NoError(h.t, err)
	return q
}

// requireQueueMarkers checks head <= tail and emptiness for every queue
func (h *harness) requireQueueMarkers(p *pool.Pool) {
	h.t.Helper()
	for _, side := range []Side{SideProducer, SideConsumer} {
		q := h.queue(p, side)
		require.LessOrEqual(h.t, q.Head, q.Tail)
		require.Equal(h.t, int(q.Tail), len(q.Orders))
		require.Equal(h.t, q.Head == q.Tail, q.Depth() == 0)
		if q.Head < q.Tail {
			require.NotZero(h.t, q.Orders[q.Head].PacketsRemaining, "head must point at a live order")
		}
	}
}

func str(n int64) string {
	return big.NewInt(n).String()
}
