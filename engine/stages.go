package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/verity-labs/dossier/consult"
	"github.com/verity-labs/dossier/dispatch"
	"github.com/verity-labs/dossier/pipeline"
	"github.com/verity-labs/dossier/pipeline/failure"
	"github.com/verity-labs/dossier/recovery"
	"github.com/verity-labs/dossier/storage"
)

// itemRun is the per-item state the engine threads through stage handlers.
type itemRun struct {
	runID string
	exec  *recovery.ItemExecution
	item  pipeline.WorkItem

	result *pipeline.RunResult

	// Successful stage payloads, carried forward as worker params.
	classification json.RawMessage
	plan           json.RawMessage

	// decision is the most recent consultation decision, if any.
	decision map[string]string

	// Pending consultation, set by the handler that routes to StageConsult.
	consultReason  string
	consultUrgency consult.Urgency
	consultContext map[string]string
}

func newItemRun(runID string, exec *recovery.ItemExecution) *itemRun {
	item := exec.Item()
	return &itemRun{
		runID: runID,
		exec:  exec,
		item:  item,
		result: &pipeline.RunResult{
			RunID:  runID,
			ItemID: item.ID,
		},
	}
}

// restorePayloads rebuilds carried-forward payloads from prior attempts when
// resuming from a checkpoint.
func (st *itemRun) restorePayloads(prior []pipeline.StageResult) {
	for i := range prior {
		sr := &prior[i]
		if sr.Failed() {
			continue
		}
		switch sr.Stage {
		case pipeline.StageClassify:
			st.classification = sr.Payload
		case pipeline.StagePlan:
			st.plan = sr.Payload
		}
	}
}

func (st *itemRun) appendOutcome(outcome *recovery.Outcome) {
	st.result.StageResults = append(st.result.StageResults, outcome.Results...)
}

func (st *itemRun) prepareConsult(reason string, urgency consult.Urgency, ctxInfo map[string]string) {
	st.consultReason = reason
	st.consultUrgency = urgency
	st.consultContext = ctxInfo
}

// stageParams assembles the params object handed to a worker: everything the
// prior stages produced, plus any consultation decision.
func (st *itemRun) stageParams() json.RawMessage {
	params := make(map[string]any)
	if len(st.classification) > 0 {
		params["classification"] = st.classification
	}
	if len(st.plan) > 0 {
		params["plan"] = st.plan
	}
	if len(st.decision) > 0 {
		params["consultation"] = st.decision
	}
	if len(params) == 0 {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return data
}

// escalationContext summarizes the failure that triggered an escalation.
func escalationContext(stage pipeline.Stage, final *pipeline.StageResult) (map[string]string, consult.Urgency) {
	info := map[string]string{"stage": stage.String()}
	urgency := consult.UrgencyHigh
	if final != nil && final.Error != nil {
		info["category"] = final.Error.Category.String()
		info["error"] = final.Error.Message
		if final.Error.Category == failure.CategoryDataIntegrity {
			urgency = consult.UrgencyCritical
		}
	}
	return info, urgency
}

func (e *Engine) runClassify(ctx context.Context, st *itemRun) (pipeline.Stage, error) {
	rules := e.rules.Current()

	outcome, err := st.exec.Execute(ctx, pipeline.StageClassify, func(ctx context.Context, attempt int) pipeline.StageResult {
		call := dispatch.WorkerCall{
			Kind:    dispatch.CallClassify,
			Item:    st.item,
			Params:  st.stageParams(),
			Attempt: attempt,
		}
		return e.dispatcher.DispatchOne(ctx, call, rules.StageTimeout)
	})
	if err != nil {
		return "", err
	}
	st.appendOutcome(outcome)
	final := outcome.Final()

	switch outcome.Action {
	case recovery.ActionProceed, recovery.ActionDegraded:
		st.classification = final.Payload
		if final.Confidence != nil && *final.Confidence < rules.ConfidenceThreshold {
			st.prepareConsult("low-confidence-classification", consult.UrgencyNormal, map[string]string{
				"stage":      pipeline.StageClassify.String(),
				"confidence": fmt.Sprintf("%.2f", *final.Confidence),
				"threshold":  fmt.Sprintf("%.2f", rules.ConfidenceThreshold),
			})
			return pipeline.StageConsult, nil
		}
		return pipeline.StagePlan, nil

	case recovery.ActionEscalate:
		info, urgency := escalationContext(pipeline.StageClassify, final)
		st.prepareConsult("classification-failure", urgency, info)
		return pipeline.StageConsult, nil

	case recovery.ActionPaused:
		return "", recovery.ErrPaused

	default:
		return pipeline.StageFailed, nil
	}
}

func (e *Engine) runPlan(ctx context.Context, st *itemRun) (pipeline.Stage, error) {
	rules := e.rules.Current()

	outcome, err := st.exec.Execute(ctx, pipeline.StagePlan, func(ctx context.Context, attempt int) pipeline.StageResult {
		call := dispatch.WorkerCall{
			Kind:    dispatch.CallPlan,
			Item:    st.item,
			Params:  st.stageParams(),
			Attempt: attempt,
		}
		return e.dispatcher.DispatchOne(ctx, call, rules.StageTimeout)
	})
	if err != nil {
		return "", err
	}
	st.appendOutcome(outcome)
	final := outcome.Final()

	switch outcome.Action {
	case recovery.ActionProceed, recovery.ActionDegraded:
		st.plan = final.Payload
		return pipeline.StageDispatch, nil

	case recovery.ActionEscalate:
		info, urgency := escalationContext(pipeline.StagePlan, final)
		st.prepareConsult("planning-failure", urgency, info)
		return pipeline.StageConsult, nil

	case recovery.ActionPaused:
		return "", recovery.ErrPaused

	default:
		return pipeline.StageFailed, nil
	}
}

func (e *Engine) runDispatch(ctx context.Context, st *itemRun) (pipeline.Stage, error) {
	rules := e.rules.Current()

	outcome, err := st.exec.Execute(ctx, pipeline.StageDispatch, func(ctx context.Context, attempt int) pipeline.StageResult {
		calls := make([]dispatch.WorkerCall, len(rules.DispatchCalls))
		for i, kind := range rules.DispatchCalls {
			calls[i] = dispatch.WorkerCall{
				Kind:    kind,
				Item:    st.item,
				Params:  st.stageParams(),
				Attempt: attempt,
			}
		}
		sections := e.dispatcher.DispatchAll(ctx, calls, rules.StageTimeout)
		e.auditSections(ctx, st.runID, sections)
		return aggregateSections(st.item.ID, rules.DispatchCalls, sections, rules.ConsultFailureRatio, attempt)
	})
	if err != nil {
		return "", err
	}
	st.appendOutcome(outcome)
	final := outcome.Final()

	switch outcome.Action {
	case recovery.ActionProceed:
		return pipeline.StageComplete, nil

	case recovery.ActionDegraded:
		if final.Failed() {
			// Over-threshold fan-out loss needs human routing, not a thinner
			// dossier.
			info := map[string]string{"stage": pipeline.StageDispatch.String()}
			if final.Error != nil {
				info["error"] = final.Error.Message
			}
			st.prepareConsult("dispatch-failure-ratio", consult.UrgencyHigh, info)
			return pipeline.StageConsult, nil
		}
		st.result.Degraded = true
		return pipeline.StageComplete, nil

	case recovery.ActionEscalate:
		info, urgency := escalationContext(pipeline.StageDispatch, final)
		st.prepareConsult("dispatch-failure", urgency, info)
		return pipeline.StageConsult, nil

	case recovery.ActionPaused:
		return "", recovery.ErrPaused

	default:
		return pipeline.StageFailed, nil
	}
}

func (e *Engine) runConsult(ctx context.Context, st *itemRun) (pipeline.Stage, error) {
	rules := e.rules.Current()

	req := consult.NewRequest(st.item.ID, st.runID, st.consultReason, st.consultUrgency,
		time.Now().UTC().Add(rules.ConsultDeadline))
	req.Context = st.consultContext
	req.RequiredExpertise = []string{"compliance"}

	resp, err := e.consults.RequestConsultation(ctx, req)
	if err != nil {
		return "", fmt.Errorf("consultation for item %s: %w", st.item.ID, err)
	}

	st.result.Consultations = append(st.result.Consultations, *resp)
	st.decision = resp.Decision

	rec, recErr := storage.NewConsultationRecord(st.runID, resp)
	if recErr == nil {
		recErr = e.audit.Append(ctx, rec)
	}
	if recErr != nil {
		e.logger.Warn("Failed to audit consultation",
			"run_id", st.runID,
			"item_id", st.item.ID,
			"request_id", resp.RequestID,
			"error", recErr)
	}

	switch resp.Decision[consult.DecisionResumeStage] {
	case pipeline.StagePlan.String():
		return pipeline.StagePlan, nil
	case pipeline.StageDispatch.String():
		return pipeline.StageDispatch, nil
	case pipeline.StageFailed.String():
		return pipeline.StageFailed, nil
	default:
		// Conservative default and any unrecognized routing complete the item
		// under the decision's strict treatment flags.
		if st.consultReason == "dispatch-failure-ratio" {
			st.result.Degraded = true
		}
		return pipeline.StageComplete, nil
	}
}

// auditSections records each parallel section attempt in the audit trail.
// Section detail lives there and in the aggregate diagnostic; the run record
// carries one result per dispatch attempt.
func (e *Engine) auditSections(ctx context.Context, runID string, sections []pipeline.StageResult) {
	for i := range sections {
		rec, err := storage.NewStageResultRecord(runID, &sections[i])
		if err == nil {
			err = e.audit.Append(ctx, rec)
		}
		if err != nil {
			e.logger.Warn("Failed to audit section result",
				"run_id", runID,
				"item_id", sections[i].ItemID,
				"error", err)
		}
	}
}

// aggregateSections folds the parallel section results into one StageResult.
// All sections succeeding is a success; losses at or under the ratio are a
// partial success carrying the surviving sections; losses over the ratio are
// a partial-agent failure.
func aggregateSections(itemID string, kinds []dispatch.CallKind, sections []pipeline.StageResult, maxFailureRatio float64, attempt int) pipeline.StageResult {
	agg := pipeline.StageResult{
		ItemID:     itemID,
		Stage:      pipeline.StageDispatch,
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}

	payloads := make(map[string]json.RawMessage)
	failedKinds := make(map[string]string)
	failures := 0

	for i := range sections {
		sr := &sections[i]
		if i == 0 || sr.StartedAt.Before(agg.StartedAt) {
			agg.StartedAt = sr.StartedAt
		}
		if sr.FinishedAt.After(agg.FinishedAt) {
			agg.FinishedAt = sr.FinishedAt
		}
		kind := string(kinds[i])
		if sr.Failed() {
			failures++
			if sr.Error != nil {
				failedKinds[kind] = sr.Error.Category.String()
			} else {
				failedKinds[kind] = failure.CategoryUnknown.String()
			}
			continue
		}
		payloads[kind] = sr.Payload
	}

	merged, err := json.Marshal(payloads)
	if err == nil {
		agg.Payload = merged
	}

	if failures == 0 {
		agg.Status = pipeline.StatusSuccess
		return agg
	}

	ratio := float64(failures) / float64(len(sections))
	if ratio <= maxFailureRatio {
		agg.Status = pipeline.StatusPartialSuccess
		return agg
	}

	agg.Status = pipeline.StatusFailure
	agg.Error = failure.Classify(failure.Wrap(failure.CategoryPartialAgent,
		fmt.Errorf("%d of %d section workers failed", failures, len(sections))), attempt)
	agg.Error.Diagnostic = failedKinds
	return agg
}
