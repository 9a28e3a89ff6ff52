package matching

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lending-engine/internal/account"
)

func TestConsumerIntoEmptyQueueIsQueued(t *testing.T) {
	h := newHarness(t)
	p := h.usdcPool()

	res := h.submitConsumer(p, alice, 1000, false)

	require.NotNil(t, res.Queued)
	assert.Equal(t, QueuedOrder{Side: SideConsumer, Index: 0, Packets: 1}, *res.Queued)
	assert.Empty(t, res.Positions)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "OrderQueued", res.Events[0].EventType())

	q := h.queue(p, SideConsumer)
	assert.Equal(t, uint64(0), q.Head)
	assert.Equal(t, uint64(1), q.Tail)

	ids, err := h.minter.TokensOf(h.ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, str(startBalance-1000), h.balance(alice, usdc).String())
	assert.Equal(t, "1000", h.balance(p.Escrow(), usdc).String())
	h.requireQueueMarkers(p)
}

func TestProducerExactlyFillsQueuedConsumer(t *testing.T) {
	h := newHarness(t)
	p := h.usdcPool()

	h.submitConsumer(p, alice, 1000, false)
	res := h.submitProducer(p, bob, 50, false)

	assert.Nil(t, res.Queued)
	require.Len(t, res.Positions, 1)
	pos := res.Positions[0]
	assert.Equal(t, uint64(1), pos.PrincipalID)
	assert.Equal(t, uint64(2), pos.InterestID)
	assert.Equal(t, uint64(1), pos.Quantity)
	assert.Equal(t, "1000", pos.SharesPerPacket.String())
	assert.Equal(t, "1000", pos.PrincipalPerPacket.String())

	assert.True(t, h.queue(p, SideConsumer).Empty())
	assert.True(t, h.queue(p, SideProducer).Empty())

	owner, err := h.minter.OwnerOf(h.ctx, pos.PrincipalID)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)
	owner, err = h.minter.OwnerOf(h.ctx, pos.InterestID)
	require.NoError(t, err)
	assert.Equal(t, bob, owner)

	// consumer gets the upfront premium, producer paid it
	assert.Equal(t, str(startBalance-1000+50), h.balance(alice, usdc).String())
	assert.Equal(t, str(startBalance-50), h.balance(bob, usdc).String())
	assert.Zero(t, h.balance(p.Escrow(), usdc).Sign())

	shares, err := h.vault(usdc).BalanceOf(h.ctx, p.Escrow())
	require.NoError(t, err)
	assert.Equal(t, "1000", shares.String())
	h.requireQueueMarkers(p)
}

func TestProducerOverflowQueuesRemainder(t *testing.T) {
	h := newHarness(t)
	p := h.usdcPool()

	h.submitConsumer(p, alice, 1000, false)
	res := h.submitProducer(p, bob, 100, false)

	require.Len(t, res.Positions, 1)
	require.NotNil(t, res.Queued)
	assert.Equal(t, SideProducer, res.Queued.Side)
	assert.Equal(t, uint64(1), res.Queued.Packets)

	assert.True(t, h.queue(p, SideConsumer).Empty())
	producers := h.queue(p, SideProducer)
	assert.Equal(t, uint64(1), producers.Depth())
	assert.Equal(t, "50", h.balance(p.Escrow(), usdc).String())
	h.requireQueueMarkers(p)
}

func TestMatchingConservation(t *testing.T) {
	h := newHarness(t)
	p := h.usdcPool()

	// three consumer orders: 2 + 1 + 3 packets
	h.submitConsumer(p, alice, 2000, false)
	h.submitConsumer(p, carol, 1000, false)
	h.submitConsumer(p, alice, 3000, false)

	// 4 packets from the producer: fills 2, 1, then 1 of 3
	res := h.submitProducer(p, bob, 200, false)
	require.Len(t, res.Positions, 3)
	assert.Equal(t, []uint64{2, 1, 1}, []uint64{res.Positions[0].Quantity, res.Positions[1].Quantity, res.Positions[2].Quantity})
	assert.Nil(t, res.Queued)

	consumers := h.queue(p, SideConsumer)
	assert.Equal(t, uint64(2), consumers.Head)
	assert.Equal(t, uint64(2), consumers.Depth())

	// oldest first: the first pair belongs to alice, the second to carol
	owner, _ := h.minter.OwnerOf(h.ctx, res.Positions[0].PrincipalID)
	assert.Equal(t, alice, owner)
	owner, _ = h.minter.OwnerOf(h.ctx, res.Positions[1].PrincipalID)
	assert.Equal(t, carol, owner)

	rec, err := h.core.Reconcile(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "4000", rec.PositionShares.String())
	assert.Zero(t, rec.Dust.Sign())

	// escrow still holds the unmatched consumer capital
	assert.Equal(t, "2000", h.balance(p.Escrow(), usdc).String())
	h.requireQueueMarkers(p)
}

func TestInterestAfterSharePriceDoubles(t *testing.T) {
	h := newHarness(t)
	p := h.usdcPool()

	h.submitConsumer(p, alice, 1000, false)
	res := h.submitProducer(p, bob, 50, false)
	pos := res.Positions[0]

	require.NoError(t, h.vault(usdc).Accrue(big.NewInt(1000)))

	quote, err := h.core.CalculateInterest(h.ctx, pos.InterestID)
	require.NoError(t, err)
	assert.Equal(t, "1000", quote.Interest.String())
	assert.Equal(t, "900", quote.InterestAfterFee.String())

	// same quote through the principal id
	again, err := h.core.CalculateInterest(h.ctx, pos.PrincipalID)
	require.NoError(t, err)
	assert.Equal(t, quote.Interest.String(), again.Interest.String())
}

func TestCrossAssetShortfallGoesToFeeWallet(t *testing.T) {
	h := newHarness(t)
	p := h.crossPool()

	res, err := h.core.SubmitProducer(h.ctx, &SubmitOrderRequest{PoolID: p.ID, Owner: alice, Amount: wad(250)})
	require.NoError(t, err)
	require.NotNil(t, res.Queued)
	assert.Equal(t, uint64(2), res.Queued.Packets)
	// only whole producer packets leave the wallet
	assert.Equal(t, wad(200).String(), h.balance(p.Escrow(), dai).String())

	// DAI weakens: one packet now costs 125 DAI
	require.NoError(t, h.prices.SetPrice(dai, new(big.Int).Div(wad(8), big.NewInt(10))))
	feeBefore := h.balance(feeWallet, dai)
	bobBefore := h.balance(bob, dai)

	res, err = h.core.SubmitConsumer(h.ctx, &SubmitOrderRequest{PoolID: p.ID, Owner: bob, Amount: wad(2)})
	require.NoError(t, err)

	require.Len(t, res.Positions, 1)
	assert.Equal(t, uint64(1), res.Positions[0].Quantity)
	assert.Equal(t, wad(2000).String(), res.Positions[0].PrincipalPerPacket.String())
	assert.Equal(t, wad(125).String(), new(big.Int).Sub(h.balance(bob, dai), bobBefore).String())

	var dequeued *OrderDequeuedEvent
	for _, evt := range res.Events {
		if d, ok := evt.(*OrderDequeuedEvent); ok {
			dequeued = d
		}
	}
	require.NotNil(t, dequeued)
	assert.Equal(t, DequeueReasonShortfall, dequeued.Reason)
	assert.Equal(t, alice, dequeued.Owner)

	shortfall := wad(75)
	assert.Equal(t, shortfall.String(), dequeued.Forfeited.String())
	assert.Equal(t, shortfall.String(), new(big.Int).Sub(h.balance(feeWallet, dai), feeBefore).String())
	assert.Zero(t, h.balance(p.Escrow(), dai).Sign())

	assert.True(t, h.queue(p, SideProducer).Empty())
	require.NotNil(t, res.Queued)
	assert.Equal(t, uint64(1), res.Queued.Packets)
	h.requireQueueMarkers(p)
}

func TestCrossAssetLeftoverRefundedWhenConsumed(t *testing.T) {
	h := newHarness(t)
	p := h.crossPool()

	_, err := h.core.SubmitProducer(h.ctx, &SubmitOrderRequest{PoolID: p.ID, Owner: alice, Amount: wad(200)})
	require.NoError(t, err)
	aliceBefore := h.balance(alice, dai)

	// DAI strengthens: one packet now costs 80 DAI
	require.NoError(t, h.prices.SetPrice(dai, new(big.Int).Div(wad(5), big.NewInt(4))))

	res, err := h.core.SubmitConsumer(h.ctx, &SubmitOrderRequest{PoolID: p.ID, Owner: bob, Amount: wad(2)})
	require.NoError(t, err)
	require.Len(t, res.Positions, 1)
	assert.Equal(t, uint64(2), res.Positions[0].Quantity)

	assert.Equal(t, wad(40).String(), new(big.Int).Sub(h.balance(alice, dai), aliceBefore).String())
	assert.Zero(t, h.balance(p.Escrow(), dai).Sign())
}

func TestCrossAssetProducerCannotFarm(t *testing.T) {
	h := newHarness(t)
	p := h.crossPool()

	_, err := h.core.SubmitProducer(h.ctx, &SubmitOrderRequest{PoolID: p.ID, Owner: alice, Amount: wad(100), Farm: true})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = h.core.SubmitProducer(h.ctx, &SubmitOrderRequest{PoolID: p.ID, Owner: alice, Amount: wad(99)})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCrossAssetInterestAccruesInVaultAsset(t *testing.T) {
	h := newHarness(t)
	p := h.crossPool()

	_, err := h.core.SubmitProducer(h.ctx, &SubmitOrderRequest{PoolID: p.ID, Owner: alice, Amount: wad(100)})
	require.NoError(t, err)
	res, err := h.core.SubmitConsumer(h.ctx, &SubmitOrderRequest{PoolID: p.ID, Owner: bob, Amount: wad(1)})
	require.NoError(t, err)
	pos := res.Positions[0]

	require.NoError(t, h.vault(weth).Accrue(new(big.Int).Div(wad(1), big.NewInt(10))))

	before := h.balance(alice, weth)
	claim, err := h.core.ClaimInterest(h.ctx, &ClaimInterestRequest{TokenID: pos.InterestID, Caller: alice})
	require.NoError(t, err)
	assert.Equal(t, "100000000000000000", claim.Quote.Interest.String())
	assert.Equal(t, "90000000000000000", new(big.Int).Sub(h.balance(alice, weth), before).String())
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	p := h.usdcPool()

	tests := []struct {
		name    string
		side    Side
		req     *SubmitOrderRequest
		wantErr error
	}{
		{"nil request", SideConsumer, nil, ErrInvalidAmount},
		{"zero amount", SideConsumer, &SubmitOrderRequest{PoolID: p.ID, Owner: alice, Amount: big.NewInt(0)}, ErrInvalidAmount},
		{"partial packet", SideConsumer, &SubmitOrderRequest{PoolID: p.ID, Owner: alice, Amount: big.NewInt(1500)}, ErrInvalidAmount},
		{"partial producer packet", SideProducer, &SubmitOrderRequest{PoolID: p.ID, Owner: alice, Amount: big.NewInt(75)}, ErrInvalidAmount},
		{"unknown pool", SideConsumer, &SubmitOrderRequest{PoolID: [32]byte{1}, Owner: alice, Amount: big.NewInt(1000)}, ErrPoolNotFound},
		{"over balance", SideConsumer, &SubmitOrderRequest{PoolID: p.ID, Owner: alice, Amount: big.NewInt(2_000_000)}, account.ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.side == SideConsumer {
				_, err = h.core.SubmitConsumer(h.ctx, tt.req)
			} else {
				_, err = h.core.SubmitProducer(h.ctx, tt.req)
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Equal(t, str(startBalance), h.balance(alice, usdc).String())
	assert.True(t, h.queue(p, SideConsumer).Empty())
	assert.Equal(t, int64(1), h.core.Sequence(p.ID))
}

func TestUnboundAdapterRejectsBeforeMutation(t *testing.T) {
	h := newHarness(t)
	p := h.createPool(h.usdcPoolConfigFor(dai))

	_, err := h.core.SubmitConsumer(h.ctx, &SubmitOrderRequest{PoolID: p.ID, Owner: alice, Amount: big.NewInt(1000)})
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, str(startBalance), h.balance(alice, dai).String())
	assert.Equal(t, int64(1), h.core.Sequence(p.ID))
}

func TestSubmitRejectsPacketCountOverflow(t *testing.T) {
	h := newHarness(t)
	p := h.usdcPool()

	tooMany := new(big.Int).Lsh(big.NewInt(1), 64)
	tests := []struct {
		name   string
		submit func(context.Context, *SubmitOrderRequest) (*CommandResult, error)
		unit   *big.Int
	}{
		{"consumer", h.core.SubmitConsumer, p.PacketSize},
		{"producer", h.core.SubmitProducer, p.Premium()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount := new(big.Int).Mul(tt.unit, tooMany)
			_, err := tt.submit(h.ctx, &SubmitOrderRequest{PoolID: p.ID, Owner: alice, Amount: amount})
			require.ErrorIs(t, err, ErrInvalidAmount)
			assert.Equal(t, str(startBalance), h.balance(alice, usdc).String())
			assert.True(t, h.queue(p, SideConsumer).Empty())
			assert.True(t, h.queue(p, SideProducer).Empty())
		})
	}
}
