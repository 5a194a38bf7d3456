package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/verity-labs/dossier/consult"
	"github.com/verity-labs/dossier/dispatch"
	"github.com/verity-labs/dossier/pipeline"
	"github.com/verity-labs/dossier/progress"
	"github.com/verity-labs/dossier/recovery"
	"github.com/verity-labs/dossier/storage"
)

// Deps holds the components the engine orchestrates. Dispatcher, Consults,
// and Recovery are required; the rest default to no-op or fresh instances.
type Deps struct {
	Rules      *RulesSource
	Dispatcher *dispatch.Dispatcher
	Consults   *consult.Manager
	Recovery   *recovery.Manager
	Tracker    *progress.Tracker
	Audit      storage.AuditSink
	Events     *nats.Conn // nil disables event publication
	Logger     *slog.Logger
}

// Engine drives work items through the pipeline state machine.
type Engine struct {
	rules      *RulesSource
	dispatcher *dispatch.Dispatcher
	consults   *consult.Manager
	recovery   *recovery.Manager
	tracker    *progress.Tracker
	audit      storage.AuditSink
	nc         *nats.Conn
	logger     *slog.Logger
}

// New creates an engine from its dependencies.
func New(deps Deps) (*Engine, error) {
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if deps.Consults == nil {
		return nil, fmt.Errorf("consultation manager is required")
	}
	if deps.Recovery == nil {
		return nil, fmt.Errorf("recovery manager is required")
	}
	if deps.Rules == nil {
		deps.Rules = NewRulesSource(DefaultRules(), deps.Logger)
	}
	if deps.Tracker == nil {
		deps.Tracker = progress.NewTracker(nil)
	}
	if deps.Audit == nil {
		deps.Audit = storage.NopAuditSink{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		rules:      deps.Rules,
		dispatcher: deps.Dispatcher,
		consults:   deps.Consults,
		recovery:   deps.Recovery,
		tracker:    deps.Tracker,
		audit:      deps.Audit,
		nc:         deps.Events,
		logger:     deps.Logger,
	}, nil
}

// Tracker exposes the progress tracker for status surfaces.
func (e *Engine) Tracker() *progress.Tracker {
	return e.tracker
}

// Run executes one item from the beginning. A paused item returns its partial
// result alongside recovery.ErrPaused; it can be continued with Resume.
func (e *Engine) Run(ctx context.Context, runID string, item pipeline.WorkItem) (*pipeline.RunResult, error) {
	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("invalid work item: %w", err)
	}
	exec, err := e.recovery.StartItem(ctx, runID, item)
	if err != nil {
		return nil, fmt.Errorf("start item %s: %w", item.ID, err)
	}
	return e.runFrom(ctx, runID, exec, pipeline.StageClassify)
}

// Resume continues a paused or interrupted item from its checkpoint.
func (e *Engine) Resume(ctx context.Context, runID, itemID string) (*pipeline.RunResult, error) {
	exec, stage, err := e.recovery.ResumeFromCheckpoint(ctx, runID, itemID)
	if err != nil {
		return nil, fmt.Errorf("resume item %s: %w", itemID, err)
	}
	return e.runFrom(ctx, runID, exec, stage)
}

// RunAll executes a batch of items under the run-level concurrency cap and
// publishes the run-complete event once every item has finished. Per-item
// failures do not stop the batch; they are joined into the returned error.
// Only items that reached a terminal stage appear in the returned slice, so
// the batch aggregates cleanly even when some items paused. Paused items
// surface through the joined error and stay resumable via their checkpoints.
func (e *Engine) RunAll(ctx context.Context, runID string, items []pipeline.WorkItem) ([]pipeline.RunResult, error) {
	rules := e.rules.Current()
	sem := make(chan struct{}, rules.MaxConcurrentItems)

	results := make([]*pipeline.RunResult, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, item pipeline.WorkItem) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = fmt.Errorf("item %s not started: %w", item.ID, ctx.Err())
				return
			}
			defer func() { <-sem }()

			res, err := e.Run(ctx, runID, item)
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("item %s: %w", item.ID, err)
			}
		}(i, item)
	}
	wg.Wait()

	var out []pipeline.RunResult
	var succeeded, failed int
	for _, res := range results {
		if res == nil || !res.FinalStatus.IsTerminal() {
			continue
		}
		out = append(out, *res)
		if res.Succeeded() {
			succeeded++
		} else if res.FinalStatus == pipeline.StageFailed {
			failed++
		}
	}

	e.publish(pipeline.SubjectRunComplete, &pipeline.RunCompleteEvent{
		RunID:     runID,
		Items:     len(items),
		Succeeded: succeeded,
		Failed:    failed,
		At:        time.Now().UTC(),
	})
	e.logger.Info("Run finished",
		"run_id", runID,
		"items", len(items),
		"succeeded", succeeded,
		"failed", failed)

	return out, errors.Join(errs...)
}

// runFrom drives the state machine from start until a terminal stage, a
// pause, or cancellation.
func (e *Engine) runFrom(ctx context.Context, runID string, exec *recovery.ItemExecution, start pipeline.Stage) (*pipeline.RunResult, error) {
	item := exec.Item()
	cp := exec.Checkpoint()

	st := newItemRun(runID, exec)
	st.result.StageResults = cp.AccumulatedResults
	st.restorePayloads(cp.AccumulatedResults)

	startedAt := time.Now().UTC()
	if len(st.result.StageResults) > 0 {
		startedAt = st.result.StageResults[0].StartedAt
	}

	stage := start
	e.transition(ctx, runID, item.ID, "", stage)

	for !stage.IsTerminal() {
		var next pipeline.Stage
		var err error

		switch stage {
		case pipeline.StageClassify:
			next, err = e.runClassify(ctx, st)
		case pipeline.StagePlan:
			next, err = e.runPlan(ctx, st)
		case pipeline.StageDispatch:
			next, err = e.runDispatch(ctx, st)
		case pipeline.StageConsult:
			next, err = e.runConsult(ctx, st)
		default:
			return nil, fmt.Errorf("item %s entered unexpected stage %s", item.ID, stage)
		}

		if err != nil {
			st.result.TotalDuration = time.Since(startedAt)
			if errors.Is(err, recovery.ErrPaused) {
				e.logger.Info("Item paused at checkpoint",
					"run_id", runID,
					"item_id", item.ID,
					"stage", stage)
				return st.result, err
			}
			return st.result, fmt.Errorf("item %s at stage %s: %w", item.ID, stage, err)
		}

		// Self-transitions (dispatch retry) are legal; everything else must be
		// in the transition table.
		if next != stage && !stage.CanTransitionTo(next) {
			return nil, fmt.Errorf("illegal transition %s -> %s for item %s", stage, next, item.ID)
		}
		e.transition(ctx, runID, item.ID, stage, next)
		stage = next
	}

	st.result.FinalStatus = stage
	st.result.TotalDuration = time.Since(startedAt)

	if stage == pipeline.StageComplete {
		exec.MarkComplete(ctx)
	}
	e.publishItemComplete(st)

	e.logger.Info("Item finished",
		"run_id", runID,
		"item_id", item.ID,
		"final_status", stage,
		"degraded", st.result.Degraded,
		"attempts", len(st.result.StageResults),
		"consultations", len(st.result.Consultations),
		"duration", st.result.TotalDuration)

	return st.result, nil
}

// transition records a stage transition with the tracker, the audit trail,
// and the event bus.
func (e *Engine) transition(ctx context.Context, runID, itemID string, from, to pipeline.Stage) {
	at := time.Now().UTC()
	e.tracker.RecordTransition(runID, itemID, from, to, at)

	ev := &pipeline.StageTransitionEvent{
		RunID:  runID,
		ItemID: itemID,
		From:   from,
		To:     to,
		At:     at,
	}
	rec, err := storage.NewTransitionRecord(ev)
	if err == nil {
		err = e.audit.Append(ctx, rec)
	}
	if err != nil {
		e.logger.Warn("Failed to audit stage transition",
			"run_id", runID,
			"item_id", itemID,
			"to", to,
			"error", err)
	}

	e.publish(pipeline.StageTransitionSubject(to), ev)
}

func (e *Engine) publishItemComplete(st *itemRun) {
	subject := pipeline.SubjectItemComplete
	if st.result.FinalStatus == pipeline.StageFailed {
		subject = pipeline.SubjectItemFailed
	}
	e.publish(subject, &pipeline.ItemCompleteEvent{
		RunID:         st.runID,
		ItemID:        st.result.ItemID,
		FinalStatus:   st.result.FinalStatus,
		Degraded:      st.result.Degraded,
		Attempts:      len(st.result.StageResults),
		Consultations: len(st.result.Consultations),
		TotalDuration: st.result.TotalDuration,
	})
}

// publish sends an event to the bus. Publication is observability, not
// correctness; failures are logged and the pipeline continues.
func (e *Engine) publish(subject string, event any) {
	if e.nc == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		e.logger.Warn("Failed to marshal event", "subject", subject, "error", err)
		return
	}
	if err := e.nc.Publish(subject, data); err != nil {
		e.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}
