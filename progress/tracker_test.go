package progress

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/verity-labs/dossier/pipeline"
)

func TestGetProgressUnknownRun(t *testing.T) {
	tr := NewTracker(nil)
	if _, err := tr.GetProgress("run-x"); err == nil {
		t.Error("expected error for untracked run")
	}
}

func TestTrackerCounts(t *testing.T) {
	tr := NewTracker(nil)
	base := time.Now().UTC()

	// Three items: one completes, one fails, one still in dispatch.
	tr.RecordTransition("run-1", "item-a", "", pipeline.StageClassify, base)
	tr.RecordTransition("run-1", "item-a", pipeline.StageClassify, pipeline.StagePlan, base.Add(time.Second))
	tr.RecordTransition("run-1", "item-a", pipeline.StagePlan, pipeline.StageComplete, base.Add(2*time.Second))

	tr.RecordTransition("run-1", "item-b", "", pipeline.StageClassify, base)
	tr.RecordTransition("run-1", "item-b", pipeline.StageClassify, pipeline.StageFailed, base.Add(time.Second))

	tr.RecordTransition("run-1", "item-c", "", pipeline.StageClassify, base)
	tr.RecordTransition("run-1", "item-c", pipeline.StageClassify, pipeline.StageDispatch, base.Add(time.Second))

	p, err := tr.GetProgress("run-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Total != 3 {
		t.Errorf("total = %d, want 3", p.Total)
	}
	if p.Completed != 1 {
		t.Errorf("completed = %d, want 1", p.Completed)
	}
	if p.Failed != 1 {
		t.Errorf("failed = %d, want 1", p.Failed)
	}
	if p.InProgress != 1 {
		t.Errorf("in progress = %d, want 1", p.InProgress)
	}
	if p.ThroughputPerMin <= 0 {
		t.Error("throughput should be positive with a completed item")
	}
}

func TestTrackerETARequiresTwoCompletions(t *testing.T) {
	tr := NewTracker(nil)
	base := time.Now().UTC()

	tr.RecordTransition("run-1", "item-a", "", pipeline.StageClassify, base)
	tr.RecordTransition("run-1", "item-a", pipeline.StageClassify, pipeline.StageComplete, base.Add(time.Minute))
	tr.RecordTransition("run-1", "item-b", "", pipeline.StageClassify, base)

	p, err := tr.GetProgress("run-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.ETA != nil {
		t.Error("ETA must stay nil with a single completed item")
	}

	// Second completion unlocks the estimate.
	tr.RecordTransition("run-1", "item-c", "", pipeline.StageClassify, base)
	tr.RecordTransition("run-1", "item-c", pipeline.StageClassify, pipeline.StageComplete, base.Add(3*time.Minute))

	p, err = tr.GetProgress("run-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.ETA == nil {
		t.Fatal("expected an ETA with two completed items and one in progress")
	}
	// Average of 1m and 3m is 2m, one item remaining.
	if *p.ETA != 2*time.Minute {
		t.Errorf("eta = %v, want 2m", *p.ETA)
	}
}

func TestTrackerETANilWhenNothingInProgress(t *testing.T) {
	tr := NewTracker(nil)
	base := time.Now().UTC()

	for _, id := range []string{"item-a", "item-b"} {
		tr.RecordTransition("run-1", id, "", pipeline.StageClassify, base)
		tr.RecordTransition("run-1", id, pipeline.StageClassify, pipeline.StageComplete, base.Add(time.Minute))
	}

	p, err := tr.GetProgress("run-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.ETA != nil {
		t.Error("ETA should be nil once the run has drained")
	}
}

func TestTrackerStageLookup(t *testing.T) {
	tr := NewTracker(nil)
	base := time.Now().UTC()

	if _, ok := tr.Stage("run-1", "item-a"); ok {
		t.Error("lookup before any transition should miss")
	}

	tr.RecordTransition("run-1", "item-a", "", pipeline.StageClassify, base)
	tr.RecordTransition("run-1", "item-a", pipeline.StageClassify, pipeline.StagePlan, base.Add(time.Second))

	stage, ok := tr.Stage("run-1", "item-a")
	if !ok || stage != pipeline.StagePlan {
		t.Errorf("stage = %s (ok=%v), want %s", stage, ok, pipeline.StagePlan)
	}
	if _, ok := tr.Stage("run-1", "item-z"); ok {
		t.Error("unknown item should miss")
	}
}

func TestTrackerIsolatesRuns(t *testing.T) {
	tr := NewTracker(nil)
	base := time.Now().UTC()

	tr.RecordTransition("run-1", "item-a", "", pipeline.StageClassify, base)
	tr.RecordTransition("run-2", "item-b", "", pipeline.StageClassify, base)
	tr.RecordTransition("run-2", "item-c", "", pipeline.StageClassify, base)

	p1, err := tr.GetProgress("run-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	p2, err := tr.GetProgress("run-2")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p1.Total != 1 || p2.Total != 2 {
		t.Errorf("totals = %d/%d, want 1/2", p1.Total, p2.Total)
	}
}

func TestTrackerWithMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracker(NewMetrics(reg))
	base := time.Now().UTC()

	tr.RecordTransition("run-1", "item-a", "", pipeline.StageClassify, base)
	tr.RecordTransition("run-1", "item-a", pipeline.StageClassify, pipeline.StageComplete, base.Add(time.Second))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"dossier_pipeline_stage_transitions_total",
		"dossier_pipeline_items_by_stage",
		"dossier_pipeline_stage_duration_seconds",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}
