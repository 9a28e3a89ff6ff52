package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"lending-engine/internal/matching"
)

const (
	eventsFile     = "events.log"
	maxRecordBytes = 4 << 20
)

// FileEventStore implements EventStore using one JSONL file per pool
type FileEventStore struct {
	baseDir string
	mu      sync.RWMutex
	files   map[common.Hash]*os.File
}

// NewFileEventStore creates a new file-based event store
func NewFileEventStore(baseDir string) (*FileEventStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileEventStore{
		baseDir: baseDir,
		files:   make(map[common.Hash]*os.File),
	}, nil
}

// Append appends an event to the log of its pool
func (s *FileEventStore) Append(ctx context.Context, event matching.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(event)
}

// Apply appends events in order. It makes the store an engine EventSink.
func (s *FileEventStore) Apply(ctx context.Context, events []matching.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		if err := s.append(event); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileEventStore) append(event matching.Event) error {
	file, err := s.getOrCreateFile(event.PoolID())
	if err != nil {
		return fmt.Errorf("failed to get file for pool %s: %w", event.PoolID().Hex(), err)
	}

	record, err := encodeEvent(event)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	// Sync to disk for durability
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

// getOrCreateFile gets or creates a file handle for a pool
func (s *FileEventStore) getOrCreateFile(poolID common.Hash) (*os.File, error) {
	if file, ok := s.files[poolID]; ok {
		return file, nil
	}

	poolDir := filepath.Join(s.baseDir, poolID.Hex())
	if err := os.MkdirAll(poolDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pool directory: %w", err)
	}

	filePath := filepath.Join(poolDir, eventsFile)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open events file: %w", err)
	}

	s.files[poolID] = file
	return file, nil
}

// ReadFrom reads events from a specific sequence number (inclusive)
func (s *FileEventStore) ReadFrom(ctx context.Context, poolID common.Hash, fromSeq int64) ([]matching.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []matching.Event
	err := s.scan(poolID, func(record *EventRecord) error {
		if record.Sequence < fromSeq {
			return nil
		}
		event, err := DecodeEvent(record.Type, record.Payload)
		if err != nil {
			return fmt.Errorf("failed to deserialize event %d: %w", record.Sequence, err)
		}
		events = append(events, event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []matching.Event{}
	}
	return events, nil
}

// GetLastSequence returns the last sequence number for a pool
func (s *FileEventStore) GetLastSequence(ctx context.Context, poolID common.Hash) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastSeq int64
	err := s.scan(poolID, func(record *EventRecord) error {
		if record.Sequence > lastSeq {
			lastSeq = record.Sequence
		}
		return nil
	})
	return lastSeq, err
}

// scan feeds every record of a pool's log to fn. A missing log is empty.
func (s *FileEventStore) scan(poolID common.Hash, fn func(*EventRecord) error) error {
	filePath := filepath.Join(s.baseDir, poolID.Hex(), eventsFile)

	file, err := os.Open(filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open events file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record EventRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("failed to unmarshal event record: %w", err)
		}
		if err := fn(&record); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan events file: %w", err)
	}
	return nil
}

// TruncateAfter rewrites a pool's log without the records above seq. The
// rewrite goes through a temp file and a rename.
func (s *FileEventStore) TruncateAfter(ctx context.Context, poolID common.Hash, seq int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept [][]byte
	dropped := 0
	err := s.scan(poolID, func(record *EventRecord) error {
		if record.Sequence > seq {
			dropped++
			return nil
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal event record: %w", err)
		}
		kept = append(kept, data)
		return nil
	})
	if err != nil || dropped == 0 {
		return 0, err
	}

	if file, ok := s.files[poolID]; ok {
		file.Close()
		delete(s.files, poolID)
	}

	filePath := filepath.Join(s.baseDir, poolID.Hex(), eventsFile)
	tmp, err := os.CreateTemp(filepath.Dir(filePath), eventsFile+".*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, data := range kept {
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write events: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return 0, fmt.Errorf("failed to replace events file: %w", err)
	}
	return dropped, nil
}

// ListPools lists all pools that have event logs
func (s *FileEventStore) ListPools(ctx context.Context) ([]common.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return []common.Hash{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	pools := []common.Hash{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if len(name) != 2+2*common.HashLength {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.baseDir, name, eventsFile)); err == nil {
			pools = append(pools, common.HexToHash(name))
		}
	}
	return pools, nil
}

// Close closes all open file handles
func (s *FileEventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for poolID, file := range s.files {
		if err := file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close file for pool %s: %w", poolID.Hex(), err))
		}
	}
	s.files = make(map[common.Hash]*os.File)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing files: %v", errs)
	}
	return nil
}
