// Package persistence stores the event journal and Core snapshots, on local
// files or in Postgres, and rebuilds state from them at startup.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lending-engine/internal/matching"
)

const recordVersion = 1

// EventRecord represents a persisted event record
type EventRecord struct {
	Version    int             `json:"version"`
	PoolID     common.Hash     `json:"pool_id"`
	Sequence   int64           `json:"sequence"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Snapshot is a point-in-time copy of Core state. Height is the sum of all
// pool sequences and grows with every event.
type Snapshot struct {
	Version    int             `json:"version"`
	Height     int64           `json:"height"`
	CapturedAt time.Time       `json:"captured_at"`
	State      *matching.State `json:"state"`
}

// NewSnapshot wraps state with its height
func NewSnapshot(state *matching.State, capturedAt time.Time) *Snapshot {
	return &Snapshot{
		Version:    recordVersion,
		Height:     Height(state),
		CapturedAt: capturedAt,
		State:      state,
	}
}

// Height sums the pool sequences of state
func Height(state *matching.State) int64 {
	if state == nil {
		return 0
	}
	var h int64
	for _, seq := range state.Sequences {
		h += seq
	}
	return h
}

// EventStore defines the interface for event log persistence
type EventStore interface {
	// Append appends an event to the log of its pool
	Append(ctx context.Context, event matching.Event) error

	// Apply appends a batch of events in order
	Apply(ctx context.Context, events []matching.Event) error

	// ReadFrom reads events from a specific sequence number (inclusive)
	ReadFrom(ctx context.Context, poolID common.Hash, fromSeq int64) ([]matching.Event, error)

	// GetLastSequence returns the last sequence number for a pool
	GetLastSequence(ctx context.Context, poolID common.Hash) (int64, error)

	// ListPools lists all pools that have event logs
	ListPools(ctx context.Context) ([]common.Hash, error)

	// TruncateAfter drops a pool's events above seq and reports how many went
	TruncateAfter(ctx context.Context, poolID common.Hash, seq int64) (int, error)

	// Close closes the event store
	Close() error
}

// SnapshotStore defines the interface for snapshot persistence
type SnapshotStore interface {
	// SaveState snapshots state
	SaveState(ctx context.Context, state *matching.State) error

	// Load loads the latest snapshot, nil when none exists
	Load(ctx context.Context) (*Snapshot, error)

	// Close closes the snapshot store
	Close() error
}

// SnapshotMetadata represents snapshot metadata
type SnapshotMetadata struct {
	Height     int64     `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
	FilePath   string    `json:"file_path"`
}
