package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/verity-labs/dossier/pipeline"
	"github.com/verity-labs/dossier/pipeline/failure"
	"github.com/verity-labs/dossier/storage"
)

var errUnclassified = errors.New("stage failed without an error record")

// ItemExecution is recovery-managed execution state for one item in one run.
// It owns the item's checkpoint; the orchestrator only reads a copy.
type ItemExecution struct {
	mgr *Manager
	cp  *storage.Checkpoint
}

// Item returns the work item under execution.
func (e *ItemExecution) Item() pipeline.WorkItem {
	return e.cp.Item
}

// Checkpoint returns a read-only copy of the current checkpoint.
func (e *ItemExecution) Checkpoint() storage.Checkpoint {
	cp := *e.cp
	cp.RetryCounts = make(map[failure.Category]int, len(e.cp.RetryCounts))
	for k, v := range e.cp.RetryCounts {
		cp.RetryCounts[k] = v
	}
	cp.AccumulatedResults = append([]pipeline.StageResult(nil), e.cp.AccumulatedResults...)
	return cp
}

// RetryCount returns the accumulated attempts for a category.
func (e *ItemExecution) RetryCount(cat failure.Category) int {
	return e.cp.RetryCounts[cat]
}

// Execute runs one stage with the configured recovery policy. Every attempt
// is retained in the outcome and the checkpoint; the returned action tells
// the orchestrator how to proceed. The error return is reserved for context
// cancellation — policy decisions (including fatal failures) come back as
// actions, not errors.
func (e *ItemExecution) Execute(ctx context.Context, stage pipeline.Stage, call StageCall) (*Outcome, error) {
	outcome := &Outcome{}

	// Attempt numbers continue across resumes: prior attempts for this stage
	// are already in the checkpoint.
	attempt := e.priorAttempts(stage)

	for {
		attempt++
		result := call(ctx, attempt)
		outcome.Results = append(outcome.Results, result)
		e.cp.AccumulatedResults = append(e.cp.AccumulatedResults, result)
		e.auditResult(ctx, &result)

		if result.Status != pipeline.StatusFailure {
			e.cp.LastCompletedStage = stage
			e.save(ctx)
			if result.Status == pipeline.StatusPartialSuccess {
				outcome.Action = ActionDegraded
			} else {
				outcome.Action = ActionProceed
			}
			return outcome, nil
		}

		// Invariant: every failed StageResult carries a classified error.
		rec := result.Error
		if rec == nil {
			rec = failure.Classify(failure.Wrap(failure.CategoryUnknown,
				errUnclassified), attempt)
			result.Error = rec
			outcome.Results[len(outcome.Results)-1].Error = rec
		}

		e.cp.RetryCounts[rec.Category]++
		e.save(ctx)
		e.auditError(ctx, rec)

		strategy := e.mgr.config.StrategyFor(rec.Category)
		categoryAttempts := e.cp.RetryCounts[rec.Category]

		e.mgr.logger.Debug("Stage attempt failed",
			"run_id", e.cp.RunID,
			"item_id", e.cp.ItemID,
			"stage", stage,
			"category", rec.Category,
			"strategy", strategy,
			"category_attempts", categoryAttempts,
			"max_attempts", e.mgr.config.MaxAttempts)

		switch strategy {
		case failure.StrategyRetryImmediate:
			if categoryAttempts >= e.mgr.config.MaxAttempts {
				outcome.Action = ActionFailed
				return outcome, nil
			}

		case failure.StrategyRetryBackoff:
			if categoryAttempts >= e.mgr.config.MaxAttempts {
				// Exhausted: escalate to fail-fast.
				outcome.Action = ActionFailed
				return outcome, nil
			}
			backoff := e.mgr.calculateBackoff(categoryAttempts)
			e.mgr.logger.Debug("Backing off before retry",
				"item_id", e.cp.ItemID,
				"stage", stage,
				"backoff", backoff)
			select {
			case <-ctx.Done():
				outcome.Action = ActionFailed
				return outcome, ctx.Err()
			case <-time.After(backoff):
			}

		case failure.StrategyEscalate:
			outcome.Action = ActionEscalate
			return outcome, nil

		case failure.StrategyCheckpointPause:
			e.save(ctx)
			outcome.Action = ActionPaused
			return outcome, nil

		case failure.StrategyDegrade:
			outcome.Action = ActionDegraded
			return outcome, nil

		default: // failure.StrategyFailFast
			outcome.Action = ActionFailed
			return outcome, nil
		}
	}
}

// MarkComplete records the terminal stage and drops the checkpoint: a
// completed item must not be resumable.
func (e *ItemExecution) MarkComplete(ctx context.Context) {
	if err := e.mgr.checkpoints.Delete(ctx, e.cp.RunID, e.cp.ItemID); err != nil {
		e.mgr.logger.Warn("Failed to delete checkpoint for completed item",
			"run_id", e.cp.RunID,
			"item_id", e.cp.ItemID,
			"error", err)
	}
}

func (e *ItemExecution) priorAttempts(stage pipeline.Stage) int {
	n := 0
	for i := range e.cp.AccumulatedResults {
		if e.cp.AccumulatedResults[i].Stage == stage {
			n++
		}
	}
	return n
}

func (e *ItemExecution) save(ctx context.Context) {
	if err := e.mgr.checkpoints.Save(ctx, e.cp); err != nil {
		// A failed checkpoint write must not fail the stage; the attempt is
		// still in the outcome and the audit trail.
		e.mgr.logger.Warn("Failed to save checkpoint",
			"run_id", e.cp.RunID,
			"item_id", e.cp.ItemID,
			"error", err)
	}
}

func (e *ItemExecution) auditResult(ctx context.Context, sr *pipeline.StageResult) {
	rec, err := storage.NewStageResultRecord(e.cp.RunID, sr)
	if err == nil {
		err = e.mgr.audit.Append(ctx, rec)
	}
	if err != nil {
		e.mgr.logger.Warn("Failed to audit stage result",
			"run_id", e.cp.RunID,
			"item_id", e.cp.ItemID,
			"error", err)
	}
}

func (e *ItemExecution) auditError(ctx context.Context, er *failure.ErrorRecord) {
	rec, err := storage.NewErrorRecord(e.cp.RunID, e.cp.ItemID, er)
	if err == nil {
		err = e.mgr.audit.Append(ctx, rec)
	}
	if err != nil {
		e.mgr.logger.Warn("Failed to audit error record",
			"run_id", e.cp.RunID,
			"item_id", e.cp.ItemID,
			"error", err)
	}
}
