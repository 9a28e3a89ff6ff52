package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lending-engine/internal/matching"
	"lending-engine/internal/pool"
	"lending-engine/internal/position"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS lending_pools (
	id         TEXT PRIMARY KEY,
	ordinal    INT NOT NULL,
	config     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS lending_queues (
	pool_id TEXT NOT NULL,
	side    TEXT NOT NULL,
	head    BIGINT NOT NULL,
	tail    BIGINT NOT NULL,
	PRIMARY KEY (pool_id, side)
);
CREATE TABLE IF NOT EXISTS lending_orders (
	pool_id           TEXT NOT NULL,
	side              TEXT NOT NULL,
	idx               BIGINT NOT NULL,
	owner             TEXT NOT NULL,
	packets_remaining BIGINT NOT NULL,
	farming           BOOLEAN NOT NULL,
	farmed_shares     NUMERIC(78,0),
	funds             NUMERIC(78,0),
	submitted_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (pool_id, side, idx)
);
CREATE TABLE IF NOT EXISTS lending_positions (
	principal_id         BIGINT PRIMARY KEY,
	interest_id          BIGINT NOT NULL,
	pool_id              TEXT NOT NULL,
	ordinal              INT NOT NULL,
	quantity             BIGINT NOT NULL,
	shares_per_packet    NUMERIC(78,0) NOT NULL,
	principal_per_packet NUMERIC(78,0) NOT NULL,
	matched_at           TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS lending_sequences (
	pool_id TEXT PRIMARY KEY,
	seq     BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS lending_events (
	pool_id     TEXT NOT NULL,
	seq         BIGINT NOT NULL,
	type        TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL,
	PRIMARY KEY (pool_id, seq)
);
`

// PGStore persists Core state and the event journal in Postgres. It serves
// as both an engine StateStore and an EventSink.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to dsn
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &PGStore{pool: p}, nil
}

// EnsureSchema creates the tables when missing
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgSchema)
	return err
}

func (s *PGStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Apply appends events to the journal. Replayed events are ignored.
func (s *PGStore) Apply(ctx context.Context, events []matching.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, event := range events {
		record, err := encodeEvent(event)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO lending_events (pool_id, seq, type, occurred_at, payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (pool_id, seq) DO NOTHING
		`,
			record.PoolID.Hex(),
			record.Sequence,
			record.Type,
			record.OccurredAt,
			string(record.Payload),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrom reads a pool's journal from fromSeq (inclusive)
func (s *PGStore) ReadFrom(ctx context.Context, poolID common.Hash, fromSeq int64) ([]matching.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT type, payload::text FROM lending_events
		WHERE pool_id = $1 AND seq >= $2
		ORDER BY seq
	`, poolID.Hex(), fromSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []matching.Event{}
	for rows.Next() {
		var eventType, payload string
		if err := rows.Scan(&eventType, &payload); err != nil {
			return nil, err
		}
		event, err := DecodeEvent(eventType, []byte(payload))
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// SaveState replaces the stored queues and positions with state in one
// transaction
func (s *PGStore) SaveState(ctx context.Context, state *matching.State) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM lending_orders`)
	batch.Queue(`DELETE FROM lending_queues`)
	batch.Queue(`DELETE FROM lending_positions`)

	for i, p := range state.Pools {
		cfg, err := json.Marshal(p.Config)
		if err != nil {
			return fmt.Errorf("marshal pool %s: %w", p.ID.Hex(), err)
		}
		batch.Queue(`
			INSERT INTO lending_pools (id, ordinal, config, created_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (id) DO NOTHING
		`, p.ID.Hex(), i, string(cfg))
	}

	for _, qs := range state.Queues {
		batch.Queue(`INSERT INTO lending_queues (pool_id, side, head, tail) VALUES ($1, $2, $3, $4)`,
			qs.PoolID.Hex(), string(qs.Side), int64(qs.Queue.Head), int64(qs.Queue.Tail))
		for idx, o := range qs.Queue.Orders {
			batch.Queue(`
				INSERT INTO lending_orders (
					pool_id, side, idx, owner, packets_remaining, farming, farmed_shares, funds, submitted_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9)
			`,
				qs.PoolID.Hex(),
				string(qs.Side),
				int64(idx),
				o.Owner.Hex(),
				int64(o.PacketsRemaining),
				o.Farming,
				numericArg(o.FarmedShares),
				numericArg(o.Funds),
				o.SubmittedAt,
			)
		}
	}

	for i, pos := range state.Positions {
		batch.Queue(`
			INSERT INTO lending_positions (
				principal_id, interest_id, pool_id, ordinal, quantity,
				shares_per_packet, principal_per_packet, matched_at
			) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8)
		`,
			int64(pos.PrincipalID),
			int64(pos.InterestID),
			pos.PoolID.Hex(),
			i,
			int64(pos.Quantity),
			numericArg(pos.SharesPerPacket),
			numericArg(pos.PrincipalPerPacket),
			pos.MatchedAt,
		)
	}

	for poolID, seq := range state.Sequences {
		batch.Queue(`
			INSERT INTO lending_sequences (pool_id, seq) VALUES ($1, $2)
			ON CONFLICT (pool_id) DO UPDATE SET seq = EXCLUDED.seq
		`, poolID.Hex(), seq)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("save state statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LoadState reads the stored state, nil when nothing was saved
func (s *PGStore) LoadState(ctx context.Context) (*matching.State, error) {
	state := &matching.State{Sequences: make(map[common.Hash]int64)}

	if err := s.loadPools(ctx, state); err != nil {
		return nil, fmt.Errorf("load pools: %w", err)
	}
	if len(state.Pools) == 0 {
		return nil, nil
	}
	if err := s.loadQueues(ctx, state); err != nil {
		return nil, fmt.Errorf("load queues: %w", err)
	}
	if err := s.loadPositions(ctx, state); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT pool_id, seq FROM lending_sequences`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var seq int64
		if err := rows.Scan(&id, &seq); err != nil {
			return nil, err
		}
		state.Sequences[common.HexToHash(id)] = seq
	}
	return state, rows.Err()
}

func (s *PGStore) loadPools(ctx context.Context, state *matching.State) error {
	rows, err := s.pool.Query(ctx, `SELECT id, config::text FROM lending_pools ORDER BY ordinal`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, cfg string
		if err := rows.Scan(&id, &cfg); err != nil {
			return err
		}
		p := &pool.Pool{ID: common.HexToHash(id)}
		if err := json.Unmarshal([]byte(cfg), &p.Config); err != nil {
			return fmt.Errorf("pool %s: %w", id, err)
		}
		state.Pools = append(state.Pools, p)
	}
	return rows.Err()
}

func (s *PGStore) loadQueues(ctx context.Context, state *matching.State) error {
	type key struct {
		pool common.Hash
		side matching.Side
	}
	queues := make(map[key]*matching.Queue)

	rows, err := s.pool.Query(ctx, `SELECT pool_id, side, head, tail FROM lending_queues ORDER BY pool_id, side DESC`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id, side string
		var head, tail int64
		if err := rows.Scan(&id, &side, &head, &tail); err != nil {
			rows.Close()
			return err
		}
		qs := matching.QueueState{
			PoolID: common.HexToHash(id),
			Side:   matching.Side(side),
			Queue:  &matching.Queue{Head: uint64(head), Tail: uint64(tail)},
		}
		queues[key{qs.PoolID, qs.Side}] = qs.Queue
		state.Queues = append(state.Queues, qs)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT pool_id, side, owner, packets_remaining, farming,
		       farmed_shares::text, funds::text, submitted_at
		FROM lending_orders ORDER BY pool_id, side, idx
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, side, owner     string
			packets             int64
			farming             bool
			farmedShares, funds *string
			submittedAt         time.Time
		)
		if err := rows.Scan(&id, &side, &owner, &packets, &farming, &farmedShares, &funds, &submittedAt); err != nil {
			return err
		}
		q, ok := queues[key{common.HexToHash(id), matching.Side(side)}]
		if !ok {
			return fmt.Errorf("order for unknown queue %s %s", id, side)
		}
		o := &matching.Order{
			Owner:            common.HexToAddress(owner),
			PacketsRemaining: uint64(packets),
			Farming:          farming,
			SubmittedAt:      submittedAt.UTC(),
		}
		if o.FarmedShares, err = parseNumeric(farmedShares); err != nil {
			return err
		}
		if o.Funds, err = parseNumeric(funds); err != nil {
			return err
		}
		q.Orders = append(q.Orders, o)
	}
	return rows.Err()
}

func (s *PGStore) loadPositions(ctx context.Context, state *matching.State) error {
	rows, err := s.pool.Query(ctx, `
		SELECT principal_id, interest_id, pool_id, quantity,
		       shares_per_packet::text, principal_per_packet::text, matched_at
		FROM lending_positions ORDER BY ordinal
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			principalID, interestID, quantity int64
			id                                string
			spp, ppp                          string
			matchedAt                         time.Time
		)
		if err := rows.Scan(&principalID, &interestID, &id, &quantity, &spp, &ppp, &matchedAt); err != nil {
			return err
		}
		pos := &position.ActivatedPosition{
			PoolID:      common.HexToHash(id),
			PrincipalID: uint64(principalID),
			InterestID:  uint64(interestID),
			Quantity:    uint64(quantity),
			MatchedAt:   matchedAt.UTC(),
		}
		if pos.SharesPerPacket, err = parseNumeric(&spp); err != nil {
			return err
		}
		if pos.PrincipalPerPacket, err = parseNumeric(&ppp); err != nil {
			return err
		}
		state.Positions = append(state.Positions, pos)
	}
	return rows.Err()
}

// numericArg renders an amount for a NUMERIC parameter
func numericArg(x *big.Int) *string {
	if x == nil {
		return nil
	}
	s := x.String()
	return &s
}

// parseNumeric reads a NUMERIC column rendered as text
func parseNumeric(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	x, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, errors.New("invalid numeric value " + *s)
	}
	return x, nil
}
