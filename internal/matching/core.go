// Package matching implements the packet matching core: per-pool producer and
// consumer queues, settlement into FNFT-backed positions, interest claims
// and principal withdrawal.
package matching

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"lending-engine/internal/account"
	"lending-engine/internal/interest"
	"lending-engine/internal/minter"
	"lending-engine/internal/oracle"
	"lending-engine/internal/pool"
	"lending-engine/internal/position"
	"lending-engine/internal/vault"
)

// Config holds the protocol-wide parameters of a Core
type Config struct {
	FeeWallet common.Address
	Fees      interest.FeeSchedule
	Now       func() time.Time // defaults to time.Now
}

type queueKey struct {
	pool common.Hash
	side Side
}

// Core is the matching engine state machine. It is not safe for concurrent
// use; engine.Engine serializes all calls onto one goroutine.
type Core struct {
	registry  *pool.Registry
	bank      account.Bank
	oracle    oracle.PriceOracle
	minter    minter.Minter
	fees      interest.FeeSchedule
	feeWallet common.Address
	now       func() time.Time
	logger    *zap.Logger

	queues map[queueKey]*Queue
	ledger *position.Ledger
	seqs   map[common.Hash]int64

	entered bool
}

// NewCore wires a Core to its collaborators. The oracle may be nil when no
// cross-asset pool is used.
func NewCore(registry *pool.Registry, bank account.Bank, prices oracle.PriceOracle, m minter.Minter, cfg Config, logger *zap.Logger) (*Core, error) {
	if registry == nil || bank == nil || m == nil {
		return nil, fmt.Errorf("%w: registry, bank and minter are required", ErrConfiguration)
	}
	if err := cfg.Fees.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if cfg.FeeWallet == (common.Address{}) {
		return nil, fmt.Errorf("%w: fee wallet required", ErrConfiguration)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Core{
		registry:  registry,
		bank:      bank,
		oracle:    prices,
		minter:    m,
		fees:      cfg.Fees,
		feeWallet: cfg.FeeWallet,
		now:       cfg.Now,
		logger:    logger,
		queues:    make(map[queueKey]*Queue),
		ledger:    position.NewLedger(),
		seqs:      make(map[common.Hash]int64),
	}, nil
}

func (c *Core) Registry() *pool.Registry {
	return c.registry
}

func (c *Core) Fees() interest.FeeSchedule {
	return c.fees
}

func (c *Core) FeeWallet() common.Address {
	return c.feeWallet
}

type transitionKey struct{}

// InTransition reports whether ctx was handed out by Core to a collaborator
// during a state transition
func InTransition(ctx context.Context) bool {
	v, _ := ctx.Value(transitionKey{}).(bool)
	return v
}

// undoStep reverses one collaborator call made during a transition
type undoStep struct {
	what string
	run  func(ctx context.Context) error
}

// transition tracks one state-changing call so a collaborator failure can
// put Core and its collaborators back where they started
type transition struct {
	ctx    context.Context
	queues map[queueKey]*Queue
	ledger *position.Ledger
	seqs   map[common.Hash]int64
	undo   []undoStep
	result *CommandResult
}

func (tx *transition) onRollback(what string, run func(ctx context.Context) error) {
	tx.undo = append(tx.undo, undoStep{what: what, run: run})
}

func (c *Core) begin(ctx context.Context) (*transition, error) {
	if c.entered {
		return nil, ErrReentrantCall
	}
	c.entered = true

	tx := &transition{
		ctx:    context.WithValue(ctx, transitionKey{}, true),
		queues: make(map[queueKey]*Queue, len(c.queues)),
		ledger: c.ledger.Clone(),
		seqs:   make(map[common.Hash]int64, len(c.seqs)),
		result: &CommandResult{},
	}
	for k, q := range c.queues {
		tx.queues[k] = q.Clone()
	}
	for k, v := range c.seqs {
		tx.seqs[k] = v
	}
	return tx, nil
}

// end releases the guard. On err it restores Core from the clone and
// reverses every recorded collaborator call, newest first. Vault round
// trips restore shares to within the adapter's rounding.
func (c *Core) end(tx *transition, err error) {
	defer func() { c.entered = false }()
	if err == nil {
		return
	}

	c.queues = tx.queues
	c.ledger = tx.ledger
	c.seqs = tx.seqs

	ctx := context.WithoutCancel(tx.ctx)
	failed := 0
	for i := len(tx.undo) - 1; i >= 0; i-- {
		step := tx.undo[i]
		if rerr := step.run(ctx); rerr != nil {
			failed++
			c.logger.Error("rollback step failed", zap.String("step", step.what), zap.Error(rerr))
		}
	}
	c.logger.Debug("transition rolled back",
		zap.Error(err),
		zap.Int("steps", len(tx.undo)),
		zap.Int("failed", failed),
	)
}

func (c *Core) transfer(tx *transition, asset, from, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 || from == to {
		return nil
	}
	if err := c.bank.Transfer(asset, from, to, amount); err != nil {
		return err
	}
	amount = new(big.Int).Set(amount)
	tx.onRollback("transfer "+asset.Hex(), func(context.Context) error {
		return c.bank.Transfer(asset, to, from, amount)
	})
	return nil
}

// deposit puts assets from wallet into adapter
func (c *Core) deposit(tx *transition, adapter vault.Adapter, wallet common.Address, assets *big.Int) (*big.Int, error) {
	shares, err := adapter.Deposit(tx.ctx, wallet, assets)
	if err != nil {
		return nil, err
	}
	minted := new(big.Int).Set(shares)
	tx.onRollback("deposit "+adapter.Asset().Hex(), func(ctx context.Context) error {
		_, err := adapter.Redeem(ctx, wallet, minted, wallet)
		return err
	})
	return shares, nil
}

// redeem burns shares held by wallet and pays receiver
func (c *Core) redeem(tx *transition, adapter vault.Adapter, wallet common.Address, shares *big.Int, receiver common.Address) (*big.Int, error) {
	assets, err := adapter.Redeem(tx.ctx, wallet, shares, receiver)
	if err != nil {
		return nil, err
	}
	paid := new(big.Int).Set(assets)
	tx.onRollback("redeem "+adapter.Asset().Hex(), func(ctx context.Context) error {
		if paid.Sign() == 0 {
			return nil
		}
		if receiver != wallet {
			if err := c.bank.Transfer(adapter.Asset(), receiver, wallet, paid); err != nil {
				return err
			}
		}
		_, err := adapter.Deposit(ctx, wallet, paid)
		return err
	})
	return assets, nil
}

// mint issues a principal/interest pair
func (c *Core) mint(tx *transition, principalOwner, interestOwner common.Address, n uint64, lock minter.Lock) (uint64, uint64, error) {
	pid, iid, err := c.minter.MintPrincipalAndInterest(tx.ctx, principalOwner, interestOwner, n, lock)
	if err != nil {
		return 0, 0, err
	}
	tx.onRollback(fmt.Sprintf("mint %d/%d", pid, iid), func(ctx context.Context) error {
		if err := c.minter.Burn(ctx, iid, n); err != nil {
			return err
		}
		return c.minter.Burn(ctx, pid, n)
	})
	return pid, iid, nil
}

func (c *Core) meta(poolID common.Hash) EventMeta {
	c.seqs[poolID]++
	seq := c.seqs[poolID]
	return EventMeta{
		EventIDValue:    fmt.Sprintf("evt_%s_%d", poolID.Hex()[2:10], seq),
		SequenceValue:   seq,
		PoolIDValue:     poolID,
		OccurredAtValue: c.now(),
	}
}

// queue returns the live queue, creating it. Only transitions call it.
func (c *Core) queue(poolID common.Hash, side Side) *Queue {
	k := queueKey{pool: poolID, side: side}
	q, ok := c.queues[k]
	if !ok {
		q = &Queue{}
		c.queues[k] = q
	}
	return q
}

// peekQueue returns the live queue or an empty one without registering it
func (c *Core) peekQueue(poolID common.Hash, side Side) *Queue {
	if q, ok := c.queues[queueKey{pool: poolID, side: side}]; ok {
		return q
	}
	return &Queue{}
}

// lookup resolves a pool and its adapter, failing before any mutation
func (c *Core) lookup(poolID common.Hash) (*pool.Pool, vault.Adapter, error) {
	p, err := c.registry.Get(poolID)
	if err != nil {
		return nil, nil, err
	}
	adapter, ok := c.registry.Adapter(p.VaultAsset)
	if !ok {
		return nil, nil, fmt.Errorf("%w: no vault adapter bound for %s", ErrConfiguration, p.VaultAsset.Hex())
	}
	if p.CrossAsset() && c.oracle == nil {
		return nil, nil, fmt.Errorf("%w: cross-asset pool %s without oracle", ErrConfiguration, p.Name)
	}
	return p, adapter, nil
}

// producerPacket is the upfront payment for one packet in InputAsset units,
// priced now
func (c *Core) producerPacket(ctx context.Context, p *pool.Pool) (*big.Int, error) {
	premium := p.Premium()
	if !p.CrossAsset() {
		return premium, nil
	}
	pp, err := oracle.Convert(ctx, c.oracle, p.VaultAsset, p.InputAsset, premium)
	if err != nil {
		return nil, fmt.Errorf("price producer packet: %w", err)
	}
	if pp.Sign() == 0 {
		return nil, fmt.Errorf("%w: producer packet for %s prices to zero", ErrConfiguration, p.Name)
	}
	return pp, nil
}

// CreatePool registers a pool and opens its event stream
func (c *Core) CreatePool(ctx context.Context, cfg pool.Config) (*pool.Pool, *CommandResult, error) {
	if c.entered {
		return nil, nil, ErrReentrantCall
	}
	p, err := c.registry.CreatePool(cfg)
	if err != nil {
		return nil, nil, err
	}
	evt := &PoolCreatedEvent{
		EventMeta:       c.meta(p.ID),
		Name:            p.Name,
		InputAsset:      p.InputAsset,
		VaultAsset:      p.VaultAsset,
		Rate:            p.Rate.String(),
		AddInterestRate: p.AddInterestRate.String(),
		LockExpiry:      p.LockExpiry,
		PacketSize:      new(big.Int).Set(p.PacketSize),
	}
	c.logger.Info("pool created",
		zap.Stringer("pool_id", p.ID),
		zap.String("name", p.Name),
		zap.Bool("cross_asset", p.CrossAsset()),
	)
	return p, &CommandResult{Events: []Event{evt}}, nil
}

// BindAdapter sets the yield source for every pool whose vault asset is
// vaultAsset
func (c *Core) BindAdapter(ctx context.Context, vaultAsset common.Address, adapter vault.Adapter) error {
	if c.entered {
		return ErrReentrantCall
	}
	if err := c.registry.ModifyVaultAdapter(vaultAsset, adapter); err != nil {
		return err
	}
	c.logger.Info("vault adapter bound", zap.Stringer("vault_asset", vaultAsset))
	return nil
}

// Queue returns a copy of one queue
func (c *Core) Queue(poolID common.Hash, side Side) (*Queue, error) {
	if _, err := c.registry.Get(poolID); err != nil {
		return nil, err
	}
	if !side.IsValid() {
		return nil, fmt.Errorf("invalid side %q", side)
	}
	return c.peekQueue(poolID, side).Clone(), nil
}

// Position returns a copy of the position either leg of which is tokenID
func (c *Core) Position(tokenID uint64) (*position.ActivatedPosition, bool) {
	p, ok := c.ledger.Get(tokenID)
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Positions returns copies of all live positions
func (c *Core) Positions() []*position.ActivatedPosition {
	return c.ledger.All()
}

// Sequence returns the last event sequence emitted for a pool
func (c *Core) Sequence(poolID common.Hash) int64 {
	return c.seqs[poolID]
}

// CalculateInterest quotes the interest currently claimable through tokenID
func (c *Core) CalculateInterest(ctx context.Context, tokenID uint64) (interest.Quote, error) {
	if c.entered {
		return interest.Quote{}, ErrReentrantCall
	}
	pos, ok := c.ledger.Get(tokenID)
	if !ok {
		return interest.Quote{}, &QueueStateError{Index: tokenID, Reason: "unknown token"}
	}
	p, adapter, err := c.lookup(pos.PoolID)
	if err != nil {
		return interest.Quote{}, err
	}
	return interest.Calculate(ctx, p, pos, adapter, c.oracle, c.fees)
}

// Reconciliation compares the shares Core attributes to a pool with what the
// vault reports for the pool's escrow
type Reconciliation struct {
	PoolID         common.Hash `json:"pool_id"`
	PositionShares *big.Int    `json:"position_shares"`
	FarmedShares   *big.Int    `json:"farmed_shares"`
	EscrowShares   *big.Int    `json:"escrow_shares"`
	Dust           *big.Int    `json:"dust"`
}

// Reconcile reports tracked against actual escrow shares. Dust is the
// untracked remainder left by per-packet share rounding and is never
// negative for a healthy pool.
func (c *Core) Reconcile(ctx context.Context, poolID common.Hash) (*Reconciliation, error) {
	p, adapter, err := c.lookup(poolID)
	if err != nil {
		return nil, err
	}
	held, err := adapter.BalanceOf(ctx, p.Escrow())
	if err != nil {
		return nil, fmt.Errorf("escrow balance: %w", err)
	}

	r := &Reconciliation{
		PoolID:         poolID,
		PositionShares: new(big.Int),
		FarmedShares:   new(big.Int),
		EscrowShares:   held,
	}
	for _, pos := range c.ledger.ForPool(poolID) {
		r.PositionShares.Add(r.PositionShares, pos.TotalShares())
	}
	for _, side := range []Side{SideProducer, SideConsumer} {
		r.FarmedShares.Add(r.FarmedShares, c.peekQueue(poolID, side).FarmedShares())
	}
	r.Dust = new(big.Int).Sub(held, r.PositionShares)
	r.Dust.Sub(r.Dust, r.FarmedShares)
	return r, nil
}

// State is the persisted surface of a Core
type State struct {
	Pools     []*pool.Pool                  `json:"pools"`
	Queues    []QueueState                  `json:"queues"`
	Positions []*position.ActivatedPosition `json:"positions"`
	Sequences map[common.Hash]int64         `json:"sequences"`
}

// QueueState is one queue with its key
type QueueState struct {
	PoolID common.Hash `json:"pool_id"`
	Side   Side        `json:"side"`
	Queue  *Queue      `json:"queue"`
}

// Snapshot copies the persisted surface
func (c *Core) Snapshot() *State {
	s := &State{
		Pools:     c.registry.List(),
		Positions: c.ledger.All(),
		Sequences: make(map[common.Hash]int64, len(c.seqs)),
	}
	for _, p := range s.Pools {
		for _, side := range []Side{SideProducer, SideConsumer} {
			if q, ok := c.queues[queueKey{pool: p.ID, side: side}]; ok {
				s.Queues = append(s.Queues, QueueState{PoolID: p.ID, Side: side, Queue: q.Clone()})
			}
		}
	}
	for k, v := range c.seqs {
		s.Sequences[k] = v
	}
	return s
}

// Restore loads a snapshot into an empty Core. Pools already known to the
// registry are skipped.
func (c *Core) Restore(s *State) error {
	if c.entered {
		return ErrReentrantCall
	}
	if c.ledger.Len() > 0 || len(c.queues) > 0 {
		return fmt.Errorf("restore into non-empty core")
	}
	for _, p := range s.Pools {
		if _, err := c.registry.Get(p.ID); err == nil {
			continue
		}
		if err := c.registry.Register(p); err != nil {
			return fmt.Errorf("restore pool %s: %w", p.ID.Hex(), err)
		}
	}
	ledger, err := position.Restore(s.Positions)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	queues := make(map[queueKey]*Queue, len(s.Queues))
	for _, qs := range s.Queues {
		if !qs.Side.IsValid() || qs.Queue == nil {
			return fmt.Errorf("restore queue %s: invalid entry", qs.PoolID.Hex())
		}
		if qs.Queue.Head > qs.Queue.Tail || qs.Queue.Tail != uint64(len(qs.Queue.Orders)) {
			return fmt.Errorf("%w: restore queue %s %s: head=%d tail=%d orders=%d",
				ErrQueueState, qs.PoolID.Hex(), qs.Side, qs.Queue.Head, qs.Queue.Tail, len(qs.Queue.Orders))
		}
		queues[queueKey{pool: qs.PoolID, side: qs.Side}] = qs.Queue.Clone()
	}

	c.ledger = ledger
	c.queues = queues
	c.seqs = make(map[common.Hash]int64, len(s.Sequences))
	for k, v := range s.Sequences {
		c.seqs[k] = v
	}
	return nil
}
