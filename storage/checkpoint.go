// Package storage provides progress persistence for the Dossier engine:
// the checkpoint store that enables resume after interruption, and the audit
// sinks every stage result, error, and consultation is forwarded to.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/verity-labs/dossier/pipeline"
	"github.com/verity-labs/dossier/pipeline/failure"
)

// Checkpoint is a persisted progress snapshot for one item in one run.
// Written after every stage transition; owned exclusively by the recovery
// manager and read-only to the orchestrator.
type Checkpoint struct {
	// RunID and ItemID key the checkpoint.
	RunID  string `json:"run_id"`
	ItemID string `json:"item_id"`

	// Item is the work item itself, carried so a resume can reconstruct the
	// in-progress item without re-reading the input source.
	Item pipeline.WorkItem `json:"item"`

	// LastCompletedStage is the most recent stage that finished successfully.
	LastCompletedStage pipeline.Stage `json:"last_completed_stage"`

	// RetryCounts tracks attempts per error category. Monotonically
	// non-decreasing within a run; resume increments, never resets.
	RetryCounts map[failure.Category]int `json:"retry_counts,omitempty"`

	// AccumulatedResults holds every stage attempt so far.
	AccumulatedResults []pipeline.StageResult `json:"accumulated_results,omitempty"`

	// UpdatedAt is when the checkpoint was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the store key for this checkpoint.
func (c *Checkpoint) Key() string {
	return CheckpointKey(c.RunID, c.ItemID)
}

// CheckpointKey builds the store key for a run/item pair.
func CheckpointKey(runID, itemID string) string {
	return fmt.Sprintf("%s.%s", runID, itemID)
}

// Validate checks required fields.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if c.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	if c.LastCompletedStage != "" && !c.LastCompletedStage.IsValid() {
		return fmt.Errorf("invalid stage: %s", c.LastCompletedStage)
	}
	return nil
}

// CheckpointStore persists and retrieves workflow progress. The backing
// store is an external collaborator; implementations must synchronize per
// key, never with a single lock across all items.
type CheckpointStore interface {
	// Save writes a checkpoint, replacing any previous one for the key.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load retrieves the checkpoint for a run/item pair.
	// Returns ErrNotFound when none exists.
	Load(ctx context.Context, runID, itemID string) (*Checkpoint, error)

	// Delete removes the checkpoint for a completed item.
	Delete(ctx context.Context, runID, itemID string) error
}
