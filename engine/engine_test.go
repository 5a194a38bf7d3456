package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/verity-labs/dossier/agent/agenttest"
	"github.com/verity-labs/dossier/aggregate"
	"github.com/verity-labs/dossier/consult"
	"github.com/verity-labs/dossier/dispatch"
	"github.com/verity-labs/dossier/pipeline"
	"github.com/verity-labs/dossier/pipeline/failure"
	"github.com/verity-labs/dossier/recovery"
	"github.com/verity-labs/dossier/storage"
)

// testRules are the default rules with deadlines short enough for tests.
// With no NATS connection every consultation resolves by timeout default,
// so a short consult deadline exercises the full consultation path quickly.
func testRules() Rules {
	rules := DefaultRules()
	rules.StageTimeout = 2 * time.Second
	rules.ConsultDeadline = 30 * time.Millisecond
	return rules
}

type testEngine struct {
	engine      *Engine
	fake        *agenttest.FakeInvoker
	checkpoints *storage.MemoryCheckpointStore
}

func newTestEngine(t *testing.T, rules Rules) *testEngine {
	t.Helper()
	fake := agenttest.NewFakeInvoker()
	checkpoints := storage.NewMemoryCheckpointStore()

	eng, err := New(Deps{
		Rules:      NewRulesSource(rules, nil),
		Dispatcher: dispatch.NewDispatcher(fake, dispatch.NewSemaphore(8), nil),
		Consults:   consult.NewManager(consult.ManagerConfig{DefaultDeadline: 30 * time.Millisecond}, nil, nil, nil),
		Recovery: recovery.NewManager(recovery.Config{
			MaxAttempts:       3,
			BackoffBase:       time.Millisecond,
			BackoffMultiplier: 2.0,
			MaxBackoff:        5 * time.Millisecond,
		}, checkpoints, nil, nil),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &testEngine{engine: eng, fake: fake, checkpoints: checkpoints}
}

func TestNewRequiresCoreDeps(t *testing.T) {
	fake := agenttest.NewFakeInvoker()
	dispatcher := dispatch.NewDispatcher(fake, dispatch.NewSemaphore(1), nil)
	consults := consult.NewManager(consult.ManagerConfig{}, nil, nil, nil)
	rec := recovery.NewManager(recovery.Config{}, storage.NewMemoryCheckpointStore(), nil, nil)

	tests := []struct {
		name string
		deps Deps
	}{
		{"no dispatcher", Deps{Consults: consults, Recovery: rec}},
		{"no consultation manager", Deps{Dispatcher: dispatcher, Recovery: rec}},
		{"no recovery manager", Deps{Dispatcher: dispatcher, Consults: consults}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunHappyPath(t *testing.T) {
	te := newTestEngine(t, testRules())
	te.fake.Script(dispatch.CallClassify, agenttest.Outcome{
		Payload:    json.RawMessage(`{"classification":"internal"}`),
		Confidence: 0.92,
	})

	item := pipeline.NewWorkItem([]byte(`{"path":"policy.md"}`))
	result, err := te.engine.Run(context.Background(), "run-1", item)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.FinalStatus != pipeline.StageComplete {
		t.Errorf("final status = %s, want complete", result.FinalStatus)
	}
	if result.Degraded {
		t.Error("clean run must not be degraded")
	}
	if len(result.Consultations) != 0 {
		t.Errorf("got %d consultations, want 0", len(result.Consultations))
	}
	// Classify, plan, and one aggregated dispatch attempt.
	if len(result.StageResults) != 3 {
		t.Errorf("got %d stage results, want 3", len(result.StageResults))
	}
	// Classify + plan + four section workers.
	if te.fake.CallCount() != 6 {
		t.Errorf("got %d worker calls, want 6", te.fake.CallCount())
	}

	// The completed item must not be resumable.
	if _, err := te.checkpoints.Load(context.Background(), "run-1", item.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("checkpoint should be deleted on completion, got %v", err)
	}

	// Prior payloads must flow into later calls.
	for _, call := range te.fake.Calls() {
		if call.Kind == dispatch.CallPlan {
			var params map[string]json.RawMessage
			if err := json.Unmarshal(call.Params, &params); err != nil {
				t.Fatalf("plan params: %v", err)
			}
			if _, ok := params["classification"]; !ok {
				t.Error("plan call must carry the classification payload")
			}
		}
	}
}

func TestRunRetriesTransientFailure(t *testing.T) {
	te := newTestEngine(t, testRules())
	te.fake.Script(dispatch.CallClassify,
		agenttest.Outcome{Err: failure.Wrap(failure.CategoryTransientNetwork, errors.New("conn reset"))},
		agenttest.Outcome{Payload: json.RawMessage(`{"classification":"public"}`), Confidence: 0.9},
	)

	result, err := te.engine.Run(context.Background(), "run-1", pipeline.NewWorkItem(nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.FinalStatus != pipeline.StageComplete {
		t.Fatalf("final status = %s, want complete", result.FinalStatus)
	}
	// Failed classify attempt, successful classify, plan, dispatch.
	if len(result.StageResults) != 4 {
		t.Errorf("got %d stage results, want 4", len(result.StageResults))
	}
	if result.FailureCategories()[failure.CategoryTransientNetwork] != 1 {
		t.Error("retried failure must stay visible in the result")
	}
}

func TestRunLowConfidenceConsults(t *testing.T) {
	te := newTestEngine(t, testRules())
	te.fake.Script(dispatch.CallClassify, agenttest.Outcome{
		Payload:    json.RawMessage(`{"classification":"confidential"}`),
		Confidence: 0.4, // below the 0.75 threshold
	})

	result, err := te.engine.Run(context.Background(), "run-1", pipeline.NewWorkItem(nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.Consultations) != 1 {
		t.Fatalf("got %d consultations, want 1", len(result.Consultations))
	}
	resp := result.Consultations[0]
	if resp.ResolvedBy != consult.ResolvedByTimeoutDefault {
		t.Errorf("resolved by = %s, want timeout default without a human channel", resp.ResolvedBy)
	}
	// The conservative default completes the item under strict treatment.
	if result.FinalStatus != pipeline.StageComplete {
		t.Errorf("final status = %s, want complete", result.FinalStatus)
	}
}

func TestRunDispatchWithinRatioCompletesDegraded(t *testing.T) {
	te := newTestEngine(t, testRules())
	// One of four sections lost: ratio 0.25, under the 0.30 threshold.
	te.fake.Script(dispatch.CallNarrative, agenttest.Outcome{
		Err: failure.Wrap(failure.CategoryTransientNetwork, errors.New("worker gone")),
	})

	result, err := te.engine.Run(context.Background(), "run-1", pipeline.NewWorkItem(nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.FinalStatus != pipeline.StageComplete {
		t.Fatalf("final status = %s, want complete", result.FinalStatus)
	}
	if !result.Degraded {
		t.Error("under-ratio section loss must complete degraded")
	}
	if len(result.Consultations) != 0 {
		t.Errorf("got %d consultations, want 0", len(result.Consultations))
	}
}

func TestRunDispatchOverRatioConsults(t *testing.T) {
	te := newTestEngine(t, testRules())
	// Two of four sections lost: ratio 0.5, over the 0.30 threshold.
	wErr := failure.Wrap(failure.CategoryTransientNetwork, errors.New("worker gone"))
	te.fake.Script(dispatch.CallRiskAssessment, agenttest.Outcome{Err: wErr})
	te.fake.Script(dispatch.CallNarrative, agenttest.Outcome{Err: wErr})

	result, err := te.engine.Run(context.Background(), "run-1", pipeline.NewWorkItem(nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Consultations) != 1 {
		t.Fatalf("got %d consultations, want 1 for over-ratio loss", len(result.Consultations))
	}
	if result.Consultations[0].ResolvedBy != consult.ResolvedByTimeoutDefault {
		t.Errorf("resolved by = %s", result.Consultations[0].ResolvedBy)
	}
	// Timeout default completes; the dossier is still thinner than planned.
	if result.FinalStatus != pipeline.StageComplete {
		t.Errorf("final status = %s, want complete", result.FinalStatus)
	}
	if !result.Degraded {
		t.Error("over-ratio loss resolved by default must stay marked degraded")
	}
	if result.FailureCategories()[failure.CategoryPartialAgent] != 1 {
		t.Error("aggregated partial-agent failure must be recorded")
	}
}

func TestRunAuthFailureFailsFast(t *testing.T) {
	te := newTestEngine(t, testRules())
	te.fake.Script(dispatch.CallClassify, agenttest.Outcome{
		Err: failure.Wrap(failure.CategoryAuthentication, errors.New("bad key")),
	})

	result, err := te.engine.Run(context.Background(), "run-1", pipeline.NewWorkItem(nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.FinalStatus != pipeline.StageFailed {
		t.Errorf("final status = %s, want failed", result.FinalStatus)
	}
	if te.fake.CallCount() != 1 {
		t.Errorf("got %d worker calls, want 1 (no retries on auth)", te.fake.CallCount())
	}
	if len(result.Consultations) != 0 {
		t.Error("fail-fast must not consult")
	}
}

func TestRunPauseAndResume(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, testRules())
	te.fake.Script(dispatch.CallPlan,
		agenttest.Outcome{Err: failure.Wrap(failure.CategoryResourceExhaustion, errors.New("quota"))},
		agenttest.Outcome{Payload: json.RawMessage(`{"sections":["narrative"]}`), Confidence: 0.9},
	)

	item := pipeline.NewWorkItem(nil)
	partial, err := te.engine.Run(ctx, "run-1", item)
	if !errors.Is(err, recovery.ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if partial == nil || len(partial.StageResults) == 0 {
		t.Fatal("paused run must return the partial result")
	}

	// The checkpoint survives the pause and drives the resume.
	if _, err := te.checkpoints.Load(ctx, "run-1", item.ID); err != nil {
		t.Fatalf("checkpoint missing after pause: %v", err)
	}

	result, err := te.engine.Resume(ctx, "run-1", item.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if result.FinalStatus != pipeline.StageComplete {
		t.Errorf("final status = %s, want complete", result.FinalStatus)
	}
	// Classify, failed plan, successful plan, dispatch; prior attempts must
	// not be duplicated by the resume.
	if len(result.StageResults) != 4 {
		t.Errorf("got %d stage results, want 4", len(result.StageResults))
	}
	if _, err := te.checkpoints.Load(ctx, "run-1", item.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Error("checkpoint should be deleted after resumed completion")
	}
}

func TestResumeUnknownItem(t *testing.T) {
	te := newTestEngine(t, testRules())
	if _, err := te.engine.Resume(context.Background(), "run-1", "item-x"); err == nil {
		t.Error("expected error for unknown checkpoint")
	}
}

func TestRunRejectsInvalidItem(t *testing.T) {
	te := newTestEngine(t, testRules())
	if _, err := te.engine.Run(context.Background(), "run-1", pipeline.WorkItem{}); err == nil {
		t.Error("expected error for item without id")
	}
}

func TestRunAll(t *testing.T) {
	rules := testRules()
	rules.MaxConcurrentItems = 2
	te := newTestEngine(t, rules)

	items := []pipeline.WorkItem{
		pipeline.NewWorkItem([]byte(`{"path":"a.md"}`)),
		pipeline.NewWorkItem([]byte(`{"path":"b.md"}`)),
		pipeline.NewWorkItem([]byte(`{"path":"c.md"}`)),
	}
	results, err := te.engine.RunAll(context.Background(), "run-1", items)
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i := range results {
		if results[i].FinalStatus != pipeline.StageComplete {
			t.Errorf("item %d final status = %s", i, results[i].FinalStatus)
		}
	}

	p, err := te.engine.Tracker().GetProgress("run-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Total != 3 || p.Completed != 3 {
		t.Errorf("progress = %d/%d, want 3 completed of 3", p.Completed, p.Total)
	}
}

func TestRunAllJoinsItemErrors(t *testing.T) {
	te := newTestEngine(t, testRules())

	items := []pipeline.WorkItem{
		pipeline.NewWorkItem(nil),
		{}, // invalid: no id
	}
	results, err := te.engine.RunAll(context.Background(), "run-1", items)
	if err == nil {
		t.Fatal("expected the invalid item's error to surface")
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want 1 from the valid item", len(results))
	}
}

func TestRunAllExcludesPausedItems(t *testing.T) {
	te := newTestEngine(t, testRules())
	// Exactly one item consumes the scripted quota error and pauses at plan;
	// the other completes on the default outcome.
	te.fake.Script(dispatch.CallPlan, agenttest.Outcome{
		Err: failure.Wrap(failure.CategoryResourceExhaustion, errors.New("quota")),
	})

	items := []pipeline.WorkItem{
		pipeline.NewWorkItem([]byte(`{"path":"a.md"}`)),
		pipeline.NewWorkItem([]byte(`{"path":"b.md"}`)),
	}
	results, err := te.engine.RunAll(context.Background(), "run-1", items)
	if !errors.Is(err, recovery.ErrPaused) {
		t.Fatalf("paused item must surface in the joined error, got %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want only the terminal item", len(results))
	}
	if results[0].FinalStatus != pipeline.StageComplete {
		t.Errorf("final status = %s, want complete", results[0].FinalStatus)
	}

	// The surviving batch must still aggregate into a report.
	report, aggErr := aggregate.NewAggregator(aggregate.Config{}).Aggregate("run-1", results)
	if aggErr != nil {
		t.Fatalf("aggregate: %v", aggErr)
	}
	if report.NItems != 1 || report.NSucceeded != 1 {
		t.Errorf("report = %d/%d, want 1 succeeded of 1", report.NSucceeded, report.NItems)
	}

	// The paused item stays resumable.
	var paused int
	for _, item := range items {
		if _, cpErr := te.checkpoints.Load(context.Background(), "run-1", item.ID); cpErr == nil {
			paused++
		}
	}
	if paused != 1 {
		t.Errorf("got %d checkpoints, want 1 for the paused item", paused)
	}
}

func TestAggregateSections(t *testing.T) {
	kinds := []dispatch.CallKind{
		dispatch.CallControlAnalysis, dispatch.CallEvidenceSummary,
		dispatch.CallRiskAssessment, dispatch.CallNarrative,
	}
	ok := func(kind dispatch.CallKind) pipeline.StageResult {
		return pipeline.StageResult{
			ItemID:  "item-1",
			Stage:   pipeline.StageDispatch,
			Status:  pipeline.StatusSuccess,
			Payload: json.RawMessage(`{"section":"` + string(kind) + `"}`),
		}
	}
	fail := func() pipeline.StageResult {
		return pipeline.StageResult{
			ItemID: "item-1",
			Stage:  pipeline.StageDispatch,
			Status: pipeline.StatusFailure,
			Error: failure.Classify(failure.Wrap(failure.CategoryRateLimit,
				errors.New("429")), 1),
		}
	}

	t.Run("all sections succeed", func(t *testing.T) {
		sections := []pipeline.StageResult{ok(kinds[0]), ok(kinds[1]), ok(kinds[2]), ok(kinds[3])}
		agg := aggregateSections("item-1", kinds, sections, 0.30, 1)
		if agg.Status != pipeline.StatusSuccess {
			t.Errorf("status = %s, want success", agg.Status)
		}
		var merged map[string]json.RawMessage
		if err := json.Unmarshal(agg.Payload, &merged); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if len(merged) != 4 {
			t.Errorf("merged %d sections, want 4", len(merged))
		}
	})

	t.Run("loss within ratio is partial", func(t *testing.T) {
		sections := []pipeline.StageResult{ok(kinds[0]), ok(kinds[1]), ok(kinds[2]), fail()}
		agg := aggregateSections("item-1", kinds, sections, 0.30, 1)
		if agg.Status != pipeline.StatusPartialSuccess {
			t.Errorf("status = %s, want partial success", agg.Status)
		}
		var merged map[string]json.RawMessage
		if err := json.Unmarshal(agg.Payload, &merged); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if _, ok := merged[string(dispatch.CallNarrative)]; ok {
			t.Error("failed section must not appear in the merged payload")
		}
	})

	t.Run("loss over ratio fails with diagnostics", func(t *testing.T) {
		sections := []pipeline.StageResult{ok(kinds[0]), fail(), fail(), fail()}
		agg := aggregateSections("item-1", kinds, sections, 0.30, 2)
		if agg.Status != pipeline.StatusFailure {
			t.Fatalf("status = %s, want failure", agg.Status)
		}
		if agg.Error == nil || agg.Error.Category != failure.CategoryPartialAgent {
			t.Fatalf("error = %+v, want partial-agent category", agg.Error)
		}
		if agg.Error.Attempt != 2 {
			t.Errorf("attempt = %d, want 2", agg.Error.Attempt)
		}
		if agg.Error.Diagnostic[string(dispatch.CallNarrative)] != failure.CategoryRateLimit.String() {
			t.Errorf("diagnostic = %v", agg.Error.Diagnostic)
		}
	})
}
