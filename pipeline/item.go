package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/verity-labs/dossier/consult"
	"github.com/verity-labs/dossier/pipeline/failure"
)

// WorkItem is one unit of input flowing through the pipeline. Items are
// immutable once created; the payload is an opaque handle the engine never
// parses.
type WorkItem struct {
	// ID uniquely identifies this item (format: item-{uuid}).
	ID string `json:"id"`

	// Payload references the input content. Opaque to the engine.
	Payload json.RawMessage `json:"payload"`

	// CreatedAt is when the item entered the pipeline.
	CreatedAt time.Time `json:"created_at"`
}

// NewWorkItem creates a work item with a generated ID.
func NewWorkItem(payload json.RawMessage) WorkItem {
	return WorkItem{
		ID:        fmt.Sprintf("item-%s", uuid.New().String()[:8]),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks required fields.
func (w *WorkItem) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// Status represents the outcome of one stage attempt.
type Status string

const (
	// StatusSuccess indicates the attempt fully succeeded.
	StatusSuccess Status = "success"
	// StatusPartialSuccess indicates a degraded but acceptable outcome.
	StatusPartialSuccess Status = "partial-success"
	// StatusFailure indicates the attempt failed.
	StatusFailure Status = "failure"
)

// StageResult records one attempt at one stage. Retries produce additional
// StageResults; attempts are never overwritten.
type StageResult struct {
	// ItemID is the work item this result belongs to.
	ItemID string `json:"item_id"`

	// Stage is the stage that was attempted.
	Stage Stage `json:"stage"`

	// Status is the attempt outcome.
	Status Status `json:"status"`

	// Confidence is the worker's self-reported confidence in [0,1].
	// Nil when the worker did not report one.
	Confidence *float64 `json:"confidence,omitempty"`

	// Payload is the worker output, opaque to the engine.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error is present on every failed attempt.
	Error *failure.ErrorRecord `json:"error,omitempty"`

	// StartedAt and FinishedAt bound the attempt.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns the attempt duration.
func (r *StageResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Failed returns true if the attempt failed.
func (r *StageResult) Failed() bool {
	return r.Status == StatusFailure
}

// Validate enforces the invariant that every failure carries an ErrorRecord.
func (r *StageResult) Validate() error {
	if r.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	if !r.Stage.IsValid() {
		return fmt.Errorf("invalid stage: %s", r.Stage)
	}
	if r.Status == StatusFailure && r.Error == nil {
		return fmt.Errorf("failure result for item %s stage %s has no error record", r.ItemID, r.Stage)
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return fmt.Errorf("confidence %f out of range [0,1]", *r.Confidence)
	}
	return nil
}

// RunResult is the per-item record emitted when an item reaches a terminal
// stage. Immutable once created.
type RunResult struct {
	// RunID identifies the run this item executed in.
	RunID string `json:"run_id"`

	// ItemID is the work item.
	ItemID string `json:"item_id"`

	// FinalStatus is the terminal stage (complete or failed).
	FinalStatus Stage `json:"final_status"`

	// Degraded is true when the item completed with accepted partial
	// failures in the dispatch stage.
	Degraded bool `json:"degraded,omitempty"`

	// StageResults holds every attempt, ordered by StartedAt.
	StageResults []StageResult `json:"stage_results"`

	// Consultations holds every consultation resolved for this item.
	Consultations []consult.Response `json:"consultations,omitempty"`

	// TotalDuration is wall time from first attempt start to completion.
	TotalDuration time.Duration `json:"total_duration"`
}

// Succeeded returns true if the item completed (possibly degraded).
func (r *RunResult) Succeeded() bool {
	return r.FinalStatus == StageComplete
}

// FailureCategories counts failed attempts by category.
func (r *RunResult) FailureCategories() map[failure.Category]int {
	counts := make(map[failure.Category]int)
	for _, sr := range r.StageResults {
		if sr.Failed() && sr.Error != nil {
			counts[sr.Error.Category]++
		}
	}
	return counts
}

// Validate checks the run-level invariants: a populated terminal status and a
// non-nil error on every failed stage result.
func (r *RunResult) Validate() error {
	if r.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	if r.FinalStatus != StageComplete && r.FinalStatus != StageFailed {
		return fmt.Errorf("final_status must be terminal, got %s", r.FinalStatus)
	}
	for i := range r.StageResults {
		if err := r.StageResults[i].Validate(); err != nil {
			return fmt.Errorf("stage result %d: %w", i, err)
		}
	}
	return nil
}

// NewRunID generates a run identifier (format: run-{uuid}).
func NewRunID() string {
	return fmt.Sprintf("run-%s", uuid.New().String()[:8])
}
