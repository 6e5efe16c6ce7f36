// Package chain implements the Record Chain state machine: a
// durable, resumable sequential state that computes a canonical fingerprint
// over each record from a fixed field set plus the previous record's
// fingerprint, and allows an orchestrator to snapshot/restore it around a
// retried submission attempt.
//
// One lock held across the whole mutation, snapshot-shaped reads, a single
// mutation entrypoint.
package chain

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/certen/verifactu-client/pkg/hashengine"
	"github.com/certen/verifactu-client/pkg/record"
)

// Store lets a caller plug in their own persistence for the chain state
// The default in-memory
// implementation the Chain constructs for itself is a *memoryStore; callers
// that want durability across restarts supply their own, e.g.
// pkg/chainstore/postgres.
type Store interface {
	Load() (record.ChainState, error)
	Save(record.ChainState) error
}

// memoryStore is the zero-configuration default: state lives only in the
// Chain's own memory, lost when the owning client is discarded, exactly as
// the unconfigured default case.
type memoryStore struct {
	mu    sync.Mutex
	state record.ChainState
}

func newMemoryStore(initial record.ChainState) *memoryStore {
	return &memoryStore{state: initial}
}

func (s *memoryStore) Load() (record.ChainState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *memoryStore) Save(st record.ChainState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	return nil
}

// Chain is the mutex-guarded single-writer state machine. The lock is held
// across the entire Process call (including the hash computation), making
// each advance atomic.
type Chain struct {
	mu    sync.Mutex
	store Store
}

// New constructs a Chain backed by an in-memory Store seeded with the given
// initial state (record.NewChainState() for a brand-new chain, or a
// deserialized prior state to resume one).
func New(initial record.ChainState) *Chain {
	return &Chain{store: newMemoryStore(initial)}
}

// NewWithStore constructs a Chain backed by a caller-supplied Store, for
// callers who want the chain's state durably persisted rather than held only
// in memory.
func NewWithStore(store Store) *Chain {
	return &Chain{store: store}
}

// Process advances the chain by one record: it snapshots the current state,
// computes the new fingerprint via the Hash Engine, advances the state, and
// returns the processed record. The lock is held for the full duration.
func (c *Chain) Process(r record.Record, instant time.Time) (record.ProcessedRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.Load()
	if err != nil {
		return record.ProcessedRecord{}, err
	}

	previousFingerprint := ""
	var ref *record.ChainReference
	if !state.IsFirst {
		previousFingerprint = state.PreviousFingerprint
		ref = &record.ChainReference{
			PreviousFingerprint: state.PreviousFingerprint,
			PreviousDate:        state.PreviousDate,
			PreviousSeries:      state.PreviousSeries,
			PreviousNumber:      state.PreviousNumber,
		}
	}

	newFingerprint := hashengine.Fingerprint(r, previousFingerprint, instant)

	next := record.ChainState{
		PreviousFingerprint: newFingerprint,
		PreviousDate:        r.Identity.IssueDate,
		PreviousSeries:      r.Identity.Series,
		PreviousNumber:      r.Identity.Number,
		RecordCount:         state.RecordCount + 1,
		IsFirst:             false,
	}
	if err := c.store.Save(next); err != nil {
		return record.ProcessedRecord{}, err
	}

	return record.ProcessedRecord{
		Record:         r,
		Fingerprint:    newFingerprint,
		ChainReference: ref,
		Instant:        instant,
	}, nil
}

// Snapshot returns a value-copy of the current state, for an orchestrator to
// hold and later restore on a failed retry attempt.
func (c *Chain) Snapshot() (record.ChainState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Load()
}

// Restore replaces the chain's state wholesale with a previously captured
// snapshot, rolling back a tentative advance that turned out to fail.
func (c *Chain) Restore(snapshot record.ChainState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Save(snapshot)
}

// IsFirst reports whether the chain has not yet accepted any record.
func (c *Chain) IsFirst() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := c.store.Load()
	if err != nil {
		return false, err
	}
	return state.IsFirst, nil
}

// Verify recomputes a record's fingerprint against a claimed previous
// fingerprint and instant, and compares it to claimedFingerprint. When
// constantTime is true (security-sensitive contexts, e.g. verifying an
// externally-supplied fingerprint) the comparison uses
// crypto/subtle.ConstantTimeCompare; otherwise ordinary string equality.
func Verify(r record.Record, claimedFingerprint, previousFingerprint string, instant time.Time, constantTime bool) bool {
	recomputed := hashengine.Fingerprint(r, previousFingerprint, instant)
	if constantTime {
		return subtle.ConstantTimeCompare([]byte(recomputed), []byte(claimedFingerprint)) == 1
	}
	return recomputed == claimedFingerprint
}
