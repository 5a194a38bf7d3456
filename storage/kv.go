package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// CheckpointsBucket is the KV bucket name for checkpoints.
const CheckpointsBucket = "DOSSIER_CHECKPOINTS"

// KVCheckpointStore persists checkpoints in a JetStream KV bucket. JetStream
// serializes writes per key, which satisfies the per-key synchronization
// requirement without a process-wide lock.
type KVCheckpointStore struct {
	bucket jetstream.KeyValue
}

// NewKVCheckpointStore creates the store, creating the bucket if needed.
func NewKVCheckpointStore(ctx context.Context, js jetstream.JetStream) (*KVCheckpointStore, error) {
	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      CheckpointsBucket,
		Description: "Pipeline progress checkpoints for resume",
		TTL:         30 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	return &KVCheckpointStore{bucket: bucket}, nil
}

// Save writes a checkpoint.
func (s *KVCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}
	cp.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if _, err := s.bucket.Put(ctx, cp.Key(), data); err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

// Load retrieves a checkpoint.
func (s *KVCheckpointStore) Load(ctx context.Context, runID, itemID string) (*Checkpoint, error) {
	entry, err := s.bucket.Get(ctx, CheckpointKey(runID, itemID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(entry.Value(), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Delete removes a checkpoint.
func (s *KVCheckpointStore) Delete(ctx context.Context, runID, itemID string) error {
	if err := s.bucket.Delete(ctx, CheckpointKey(runID, itemID)); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
