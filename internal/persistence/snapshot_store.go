package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"lending-engine/internal/matching"
)

// FileSnapshotStore implements SnapshotStore using JSON files named by
// snapshot height
type FileSnapshotStore struct {
	baseDir string
	keep    int
	now     func() time.Time
	mu      sync.RWMutex
}

// NewFileSnapshotStore creates a new file-based snapshot store that retains
// the newest keep snapshots (all of them when keep <= 0)
func NewFileSnapshotStore(baseDir string, keep int) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileSnapshotStore{
		baseDir: baseDir,
		keep:    keep,
		now:     time.Now,
	}, nil
}

// SaveState snapshots state and prunes old files
func (s *FileSnapshotStore) SaveState(ctx context.Context, state *matching.State) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	return s.Save(ctx, NewSnapshot(state, s.now().UTC()))
}

// Save writes a snapshot
func (s *FileSnapshotStore) Save(ctx context.Context, snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := filepath.Join(s.baseDir, fmt.Sprintf("snapshot-%d.json", snapshot.Height))

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Write to temporary file first
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename snapshot file: %w", err)
	}

	return s.prune()
}

// prune removes all but the newest keep snapshots
func (s *FileSnapshotStore) prune() error {
	if s.keep <= 0 {
		return nil
	}
	snapshots, err := s.listSnapshotsInternal()
	if err != nil {
		return err
	}
	for _, old := range snapshots[min(s.keep, len(snapshots)):] {
		if err := os.Remove(old.FilePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to prune snapshot: %w", err)
		}
	}
	return nil
}

// Load loads the latest snapshot, nil when none exists
func (s *FileSnapshotStore) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshots, err := s.listSnapshotsInternal()
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, nil
	}

	data, err := os.ReadFile(snapshots[0].FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

// LoadState returns the state of the latest snapshot, nil when none exists
func (s *FileSnapshotStore) LoadState(ctx context.Context) (*matching.State, error) {
	snapshot, err := s.Load(ctx)
	if err != nil || snapshot == nil {
		return nil, err
	}
	return snapshot.State, nil
}

// ListSnapshots lists all available snapshots, highest first
func (s *FileSnapshotStore) ListSnapshots(ctx context.Context) ([]SnapshotMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.listSnapshotsInternal()
}

// listSnapshotsInternal internal implementation without locking
func (s *FileSnapshotStore) listSnapshotsInternal() ([]SnapshotMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return []SnapshotMetadata{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	snapshots := []SnapshotMetadata{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		// Parse snapshot filename: snapshot-<height>.json
		name := entry.Name()
		if !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".json") {
			continue
		}

		var height int64
		if _, err := fmt.Sscanf(name, "snapshot-%d.json", &height); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		snapshots = append(snapshots, SnapshotMetadata{
			Height:     height,
			CapturedAt: info.ModTime(),
			FilePath:   filepath.Join(s.baseDir, name),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Height > snapshots[j].Height
	})
	return snapshots, nil
}

// Close closes the snapshot store
func (s *FileSnapshotStore) Close() error {
	return nil
}
