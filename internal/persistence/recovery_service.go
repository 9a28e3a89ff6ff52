package persistence

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"lending-engine/internal/matching"
)

// Recovery is what a recovery pass found on disk
type Recovery struct {
	Snapshot *Snapshot
	// Pending holds journal events newer than the snapshot, per pool. They
	// describe transitions whose resulting state was never snapshotted.
	Pending map[common.Hash][]matching.Event
}

// PendingCount returns the number of journal events past the snapshot
func (r *Recovery) PendingCount() int {
	n := 0
	for _, events := range r.Pending {
		n += len(events)
	}
	return n
}

// FileRecoveryService loads the latest snapshot and checks the journal
// against it
type FileRecoveryService struct {
	eventStore    EventStore
	snapshotStore SnapshotStore
}

// NewFileRecoveryService creates a new recovery service
func NewFileRecoveryService(eventStore EventStore, snapshotStore SnapshotStore) *FileRecoveryService {
	return &FileRecoveryService{
		eventStore:    eventStore,
		snapshotStore: snapshotStore,
	}
}

// Recover loads the latest snapshot and the journal tail after it
func (s *FileRecoveryService) Recover(ctx context.Context) (*Recovery, error) {
	snapshot, err := s.snapshotStore.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	pools, err := s.eventStore.ListPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list journals: %w", err)
	}

	rec := &Recovery{Snapshot: snapshot, Pending: make(map[common.Hash][]matching.Event)}
	for _, poolID := range pools {
		var fromSeq int64 = 1
		if snapshot != nil && snapshot.State != nil {
			fromSeq = snapshot.State.Sequences[poolID] + 1
		}

		events, err := s.eventStore.ReadFrom(ctx, poolID, fromSeq)
		if err != nil {
			return nil, fmt.Errorf("failed to read events for pool %s: %w", poolID.Hex(), err)
		}
		if err := s.ValidateSequence(events, fromSeq); err != nil {
			return nil, fmt.Errorf("pool %s: sequence validation failed: %w", poolID.Hex(), err)
		}
		if len(events) > 0 {
			rec.Pending[poolID] = events
		}
	}
	return rec, nil
}

// RestoreCore loads the latest snapshot into an empty core
func (s *FileRecoveryService) RestoreCore(ctx context.Context, core *matching.Core) (*Recovery, error) {
	rec, err := s.Recover(ctx)
	if err != nil {
		return nil, err
	}
	if rec.Snapshot != nil && rec.Snapshot.State != nil {
		if err := core.Restore(rec.Snapshot.State); err != nil {
			return nil, fmt.Errorf("failed to restore snapshot at height %d: %w", rec.Snapshot.Height, err)
		}
	}
	return rec, nil
}

// DiscardPending truncates every pool's journal back to the latest snapshot.
// It is the operator's way out when a crash left events that were never
// snapshotted; their collaborator effects died with the process.
func (s *FileRecoveryService) DiscardPending(ctx context.Context) (*Recovery, error) {
	rec, err := s.Recover(ctx)
	if err != nil {
		return nil, err
	}
	for poolID, events := range rec.Pending {
		keep := events[0].Sequence() - 1
		if _, err := s.eventStore.TruncateAfter(ctx, poolID, keep); err != nil {
			return nil, fmt.Errorf("failed to truncate pool %s: %w", poolID.Hex(), err)
		}
	}
	return rec, nil
}

// Journal reads every pool's full event log, validating each
func (s *FileRecoveryService) Journal(ctx context.Context) ([]matching.Event, error) {
	pools, err := s.eventStore.ListPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list journals: %w", err)
	}
	var all []matching.Event
	for _, poolID := range pools {
		events, err := s.eventStore.ReadFrom(ctx, poolID, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to read events for pool %s: %w", poolID.Hex(), err)
		}
		if err := s.ValidateSequence(events, 1); err != nil {
			return nil, fmt.Errorf("pool %s: sequence validation failed: %w", poolID.Hex(), err)
		}
		all = append(all, events...)
	}
	return all, nil
}

// ValidateSequence validates that event sequences start at fromSeq and are
// continuous
func (s *FileRecoveryService) ValidateSequence(events []matching.Event, fromSeq int64) error {
	if len(events) == 0 {
		return nil
	}

	if first := events[0].Sequence(); first != fromSeq {
		return fmt.Errorf("sequence gap detected: expected %d, got %d", fromSeq, first)
	}
	for i := 1; i < len(events); i++ {
		prevSeq := events[i-1].Sequence()
		currSeq := events[i].Sequence()

		if currSeq != prevSeq+1 {
			return fmt.Errorf("sequence gap detected: expected %d, got %d", prevSeq+1, currSeq)
		}
	}
	return nil
}
