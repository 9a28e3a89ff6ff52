package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrIdempotencyConflict is returned when a key is reused with another payload
var ErrIdempotencyConflict = errors.New("idempotency key reused with a different payload")

// IdempotencyKey scopes a client key to the caller, pool and command type
type IdempotencyKey struct {
	Caller         common.Address
	PoolID         common.Hash
	CommandType    CommandType
	IdempotencyKey string
}

func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Caller.Hex(), k.PoolID.Hex(), k.CommandType, k.IdempotencyKey)
}

type idempotencyRecord struct {
	payloadHash string
	result      *CommandExecResult
	expiresAt   time.Time
}

// IdempotencyStore remembers command outcomes until their TTL passes
type IdempotencyStore struct {
	mu      sync.Mutex
	records map[IdempotencyKey]idempotencyRecord
	ttl     time.Duration
	now     func() time.Time
}

func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		records: make(map[IdempotencyKey]idempotencyRecord),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Lookup returns a copy of the remembered outcome for key. hit is false for
// unseen or expired keys. A live key with another payload hash fails with
// ErrIdempotencyConflict.
func (s *IdempotencyStore) Lookup(key IdempotencyKey, payloadHash string) (res *CommandExecResult, hit bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || s.now().After(rec.expiresAt) {
		return nil, false, nil
	}
	if rec.payloadHash != payloadHash {
		return nil, false, fmt.Errorf("%w: %s", ErrIdempotencyConflict, key)
	}
	return cloneCommandExecResult(rec.result), true, nil
}

// Remember records result under key
func (s *IdempotencyStore) Remember(key IdempotencyKey, payloadHash string, result *CommandExecResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = idempotencyRecord{
		payloadHash: payloadHash,
		result:      cloneCommandExecResult(result),
		expiresAt:   s.now().Add(s.ttl),
	}
}

// Sweep drops expired records and reports how many went
func (s *IdempotencyStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for key, rec := range s.records {
		if now.After(rec.expiresAt) {
			delete(s.records, key)
			n++
		}
	}
	return n
}

// Len returns the number of live and expired records held
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
