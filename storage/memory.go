package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryCheckpointStore is an in-process CheckpointStore used by tests and
// single-shot CLI runs that do not need durability. Entries are deep-copied
// through JSON so callers never share mutable state with the store.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]byte
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[string][]byte),
	}
}

// Save writes a checkpoint.
func (s *MemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.Key()] = data
	return nil
}

// Load retrieves a checkpoint.
func (s *MemoryCheckpointStore) Load(_ context.Context, runID, itemID string) (*Checkpoint, error) {
	s.mu.RLock()
	data, ok := s.checkpoints[CheckpointKey(runID, itemID)]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Delete removes a checkpoint.
func (s *MemoryCheckpointStore) Delete(_ context.Context, runID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, CheckpointKey(runID, itemID))
	return nil
}

// Len returns the number of stored checkpoints.
func (s *MemoryCheckpointStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.checkpoints)
}
