package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/verity-labs/dossier/pipeline"
	"github.com/verity-labs/dossier/pipeline/failure"
)

func TestSQLiteAuditSink(t *testing.T) {
	ctx := context.Background()
	sink, err := NewSQLiteAuditSink(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	defer sink.Close()

	sr := &pipeline.StageResult{
		ItemID: "item-1",
		Stage:  pipeline.StageClassify,
		Status: pipeline.StatusSuccess,
	}
	for i := 0; i < 3; i++ {
		rec, err := NewStageResultRecord("run-1", sr)
		if err != nil {
			t.Fatalf("build record: %v", err)
		}
		if err := sink.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	er := failure.Classify(failure.Wrap(failure.CategoryTimeout, context.DeadlineExceeded), 1)
	rec, err := NewErrorRecord("run-1", "item-1", er)
	if err != nil {
		t.Fatalf("build error record: %v", err)
	}
	if err := sink.Append(ctx, rec); err != nil {
		t.Fatalf("append error: %v", err)
	}

	// Records in another run must not leak into the count.
	other, err := NewStageResultRecord("run-2", sr)
	if err != nil {
		t.Fatalf("build record: %v", err)
	}
	if err := sink.Append(ctx, other); err != nil {
		t.Fatalf("append: %v", err)
	}

	counts, err := sink.CountByKind(ctx, "run-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[AuditStageResult] != 3 {
		t.Errorf("stage-result count = %d, want 3", counts[AuditStageResult])
	}
	if counts[AuditError] != 1 {
		t.Errorf("error count = %d, want 1", counts[AuditError])
	}
}

func TestAuditRecordConstructors(t *testing.T) {
	sr := &pipeline.StageResult{ItemID: "item-1", Stage: pipeline.StagePlan, Status: pipeline.StatusSuccess}
	rec, err := NewStageResultRecord("run-1", sr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Kind != AuditStageResult {
		t.Errorf("kind = %s, want %s", rec.Kind, AuditStageResult)
	}
	if rec.RunID != "run-1" || rec.ItemID != "item-1" {
		t.Errorf("ids = %s/%s, want run-1/item-1", rec.RunID, rec.ItemID)
	}
	if rec.ID == "" || rec.At.IsZero() || len(rec.Payload) == 0 {
		t.Error("expected id, timestamp, and payload to be populated")
	}

	ev := &pipeline.StageTransitionEvent{RunID: "run-1", ItemID: "item-1",
		From: pipeline.StageClassify, To: pipeline.StagePlan}
	trec, err := NewTransitionRecord(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trec.Kind != AuditTransition {
		t.Errorf("kind = %s, want %s", trec.Kind, AuditTransition)
	}
}
