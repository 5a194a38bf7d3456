package aggregate

import (
	"errors"
	"testing"
	"time"

	"github.com/verity-labs/dossier/consult"
	"github.com/verity-labs/dossier/pipeline"
	"github.com/verity-labs/dossier/pipeline/failure"
)

func completedResult(itemID, classification string, total time.Duration) pipeline.RunResult {
	now := time.Now().UTC()
	return pipeline.RunResult{
		RunID:         "run-1",
		ItemID:        itemID,
		FinalStatus:   pipeline.StageComplete,
		TotalDuration: total,
		StageResults: []pipeline.StageResult{
			{
				ItemID:     itemID,
				Stage:      pipeline.StageClassify,
				Status:     pipeline.StatusSuccess,
				Payload:    []byte(`{"classification":"` + classification + `"}`),
				StartedAt:  now,
				FinishedAt: now.Add(time.Second),
			},
			{
				ItemID:     itemID,
				Stage:      pipeline.StageDispatch,
				Status:     pipeline.StatusSuccess,
				StartedAt:  now.Add(time.Second),
				FinishedAt: now.Add(3 * time.Second),
			},
		},
	}
}

func failedResult(itemID string, cat failure.Category) pipeline.RunResult {
	return pipeline.RunResult{
		RunID:       "run-1",
		ItemID:      itemID,
		FinalStatus: pipeline.StageFailed,
		StageResults: []pipeline.StageResult{
			{
				ItemID: itemID,
				Stage:  pipeline.StageClassify,
				Status: pipeline.StatusFailure,
				Error:  failure.Classify(failure.Wrap(cat, errors.New("boom")), 1),
			},
		},
	}
}

func TestAggregateEmptyInput(t *testing.T) {
	a := NewAggregator(Config{Seed: 1})
	if _, err := a.Aggregate("run-1", nil); err == nil {
		t.Error("empty input must be an error, not an empty report")
	}
}

func TestAggregateRejectsInvalidResult(t *testing.T) {
	a := NewAggregator(Config{Seed: 1})
	// Non-terminal final status.
	bad := completedResult("item-1", "internal", time.Minute)
	bad.FinalStatus = pipeline.StageDispatch
	if _, err := a.Aggregate("run-1", []pipeline.RunResult{bad}); err == nil {
		t.Error("expected validation error")
	}
}

func TestAggregateCounts(t *testing.T) {
	a := NewAggregator(Config{Seed: 1, BootstrapIterations: 200})

	degraded := completedResult("item-3", "public", 3*time.Minute)
	degraded.Degraded = true
	degraded.Consultations = []consult.Response{
		{ResolvedBy: consult.ResolvedByHuman},
	}
	failed := failedResult("item-4", failure.CategoryAuthentication)
	failed.Consultations = []consult.Response{
		{ResolvedBy: consult.ResolvedByTimeoutDefault},
	}

	results := []pipeline.RunResult{
		completedResult("item-1", "internal", time.Minute),
		completedResult("item-2", "internal", 2*time.Minute),
		degraded,
		failed,
	}

	report, err := a.Aggregate("run-1", results)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	if report.NItems != 4 || report.NSucceeded != 3 || report.NDegraded != 1 || report.NFailed != 1 {
		t.Errorf("counts = %d/%d/%d/%d, want 4/3/1/1",
			report.NItems, report.NSucceeded, report.NDegraded, report.NFailed)
	}
	if report.SuccessRate != 0.75 {
		t.Errorf("success rate = %f, want 0.75", report.SuccessRate)
	}
	if report.FailureCategories[failure.CategoryAuthentication] != 1 {
		t.Errorf("auth failures = %d, want 1", report.FailureCategories[failure.CategoryAuthentication])
	}
	if report.ConsultationsByResolution[consult.ResolvedByHuman] != 1 ||
		report.ConsultationsByResolution[consult.ResolvedByTimeoutDefault] != 1 {
		t.Errorf("consultation resolutions = %v", report.ConsultationsByResolution)
	}

	ci := report.SuccessRateCI
	if ci.Method != MethodWilson95 {
		t.Errorf("ci method = %s, want %s", ci.Method, MethodWilson95)
	}
	if ci.Low >= 0.75 || ci.High <= 0.75 {
		t.Errorf("ci [%f, %f] should bracket 0.75", ci.Low, ci.High)
	}
	if _, ok := report.ConfidenceIntervals["success_rate"]; !ok {
		t.Error("named success_rate interval missing")
	}
	if _, ok := report.ConfidenceIntervals["mean_total_duration_seconds"]; !ok {
		t.Error("named duration interval missing")
	}
}

func TestAggregatePerStageDurations(t *testing.T) {
	a := NewAggregator(Config{Seed: 1, BootstrapIterations: 100})

	results := []pipeline.RunResult{
		completedResult("item-1", "internal", time.Minute),
		completedResult("item-2", "internal", time.Minute),
	}
	report, err := a.Aggregate("run-1", results)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	byStage := make(map[pipeline.Stage]DurationStats)
	for _, d := range report.PerStageDurations {
		byStage[d.Stage] = d
	}
	classify, ok := byStage[pipeline.StageClassify]
	if !ok {
		t.Fatal("classify durations missing")
	}
	if classify.N != 2 || classify.Mean != time.Second {
		t.Errorf("classify stats = n%d mean %v, want n2 mean 1s", classify.N, classify.Mean)
	}
	dispatch := byStage[pipeline.StageDispatch]
	if dispatch.Mean != 2*time.Second {
		t.Errorf("dispatch mean = %v, want 2s", dispatch.Mean)
	}
	if _, ok := byStage[pipeline.StageConsult]; ok {
		t.Error("stages with no observations must be omitted")
	}
}

func TestAggregateGroupComparison(t *testing.T) {
	groupBy := func(r *pipeline.RunResult) string {
		if r.FinalStatus == pipeline.StageFailed {
			return ""
		}
		// Group by item duration bucket via the item id prefix the test
		// encodes: a/b.
		return string(r.ItemID[0])
	}

	t.Run("insufficient with one observation per group", func(t *testing.T) {
		a := NewAggregator(Config{
			Seed: 1, BootstrapIterations: 100,
			GroupVariable: "classification", GroupBy: groupBy,
		})
		results := []pipeline.RunResult{
			completedResult("a-1", "internal", time.Minute),
			completedResult("b-1", "public", 2*time.Minute),
		}
		report, err := a.Aggregate("run-1", results)
		if err != nil {
			t.Fatalf("aggregate: %v", err)
		}
		if len(report.GroupComparisons) != 1 {
			t.Fatalf("got %d comparisons, want 1", len(report.GroupComparisons))
		}
		cmp := report.GroupComparisons[0]
		if !cmp.InsufficientData {
			t.Error("single-observation groups must be flagged, not computed")
		}
		if cmp.GroupSizes["a"] != 1 || cmp.GroupSizes["b"] != 1 {
			t.Errorf("group sizes = %v", cmp.GroupSizes)
		}
	})

	t.Run("computed with adequate groups", func(t *testing.T) {
		a := NewAggregator(Config{
			Seed: 1, BootstrapIterations: 100,
			GroupVariable: "classification", GroupBy: groupBy,
		})
		results := []pipeline.RunResult{
			completedResult("a-1", "internal", time.Minute),
			completedResult("a-2", "internal", 70*time.Second),
			completedResult("a-3", "internal", 65*time.Second),
			completedResult("b-1", "public", 10*time.Minute),
			completedResult("b-2", "public", 11*time.Minute),
			completedResult("b-3", "public", 10*time.Minute),
		}
		report, err := a.Aggregate("run-1", results)
		if err != nil {
			t.Fatalf("aggregate: %v", err)
		}
		cmp := report.GroupComparisons[0]
		if cmp.InsufficientData {
			t.Fatal("comparison should have been computed")
		}
		if cmp.Variable != "classification" {
			t.Errorf("variable = %s", cmp.Variable)
		}
		if cmp.Method != MethodAnovaF {
			t.Errorf("method = %s, want %s", cmp.Method, MethodAnovaF)
		}
		if cmp.FStatistic <= 1 {
			t.Errorf("f = %f, want large for separated groups", cmp.FStatistic)
		}
		if cmp.PValue > 0.01 {
			t.Errorf("p = %f, want small", cmp.PValue)
		}
	})

	t.Run("empty key excluded", func(t *testing.T) {
		a := NewAggregator(Config{
			Seed: 1, BootstrapIterations: 100,
			GroupVariable: "classification", GroupBy: groupBy,
		})
		results := []pipeline.RunResult{
			completedResult("a-1", "internal", time.Minute),
			completedResult("a-2", "internal", time.Minute),
			failedResult("b-1", failure.CategoryUnknown),
		}
		report, err := a.Aggregate("run-1", results)
		if err != nil {
			t.Fatalf("aggregate: %v", err)
		}
		cmp := report.GroupComparisons[0]
		if _, ok := cmp.GroupSizes["b"]; ok {
			t.Error("results mapping to an empty key must be excluded")
		}
		if !cmp.InsufficientData {
			t.Error("one remaining group cannot be compared")
		}
	})
}

func TestAggregateDeterministicWithSeed(t *testing.T) {
	results := []pipeline.RunResult{
		completedResult("item-1", "internal", time.Minute),
		completedResult("item-2", "internal", 2*time.Minute),
		completedResult("item-3", "internal", 3*time.Minute),
	}

	r1, err := NewAggregator(Config{Seed: 7, BootstrapIterations: 500}).Aggregate("run-1", results)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	r2, err := NewAggregator(Config{Seed: 7, BootstrapIterations: 500}).Aggregate("run-1", results)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	a := r1.ConfidenceIntervals["mean_total_duration_seconds"]
	b := r2.ConfidenceIntervals["mean_total_duration_seconds"]
	if a.Low != b.Low || a.High != b.High {
		t.Errorf("seeded bootstrap must be reproducible: %v vs %v", a, b)
	}
}
