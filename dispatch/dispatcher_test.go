package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/verity-labs/dossier/pipeline"
	"github.com/verity-labs/dossier/pipeline/failure"
)

// countingInvoker tracks concurrent invocations so tests can assert the
// semaphore bound is honored.
type countingInvoker struct {
	mu       sync.Mutex
	active   int64
	peak     int64
	delay    time.Duration
	fail     map[CallKind]error
	payload  json.RawMessage
	invoked  atomic.Int64
	lastCall WorkerCall
}

func (c *countingInvoker) Invoke(ctx context.Context, call WorkerCall) (json.RawMessage, float64, error) {
	c.invoked.Add(1)
	active := atomic.AddInt64(&c.active, 1)
	defer atomic.AddInt64(&c.active, -1)

	c.mu.Lock()
	if active > c.peak {
		c.peak = active
	}
	c.lastCall = call
	c.mu.Unlock()

	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(c.delay):
		}
	}
	if err, ok := c.fail[call.Kind]; ok {
		return nil, 0, err
	}
	payload := c.payload
	if payload == nil {
		payload = json.RawMessage(`{"ok":true}`)
	}
	return payload, 0.9, nil
}

func sectionCalls(item pipeline.WorkItem, n int) []WorkerCall {
	kinds := []CallKind{CallControlAnalysis, CallEvidenceSummary, CallRiskAssessment, CallNarrative}
	calls := make([]WorkerCall, 0, n)
	for i := 0; i < n; i++ {
		calls = append(calls, WorkerCall{Kind: kinds[i%len(kinds)], Item: item})
	}
	return calls
}

func TestDispatchAllRespectsConcurrencyBound(t *testing.T) {
	invoker := &countingInvoker{delay: 20 * time.Millisecond}
	sem := NewSemaphore(3)
	d := NewDispatcher(invoker, sem, nil)

	item := pipeline.NewWorkItem(nil)
	results := d.DispatchAll(context.Background(), sectionCalls(item, 12), time.Second)

	if len(results) != 12 {
		t.Fatalf("got %d results, want 12", len(results))
	}
	for i, r := range results {
		if r.Status != pipeline.StatusSuccess {
			t.Errorf("result %d status = %s, want success", i, r.Status)
		}
	}
	if invoker.peak > 3 {
		t.Errorf("peak concurrency %d exceeded semaphore cap 3", invoker.peak)
	}
	if invoker.invoked.Load() != 12 {
		t.Errorf("invoked %d times, want 12", invoker.invoked.Load())
	}
}

func TestDispatchAllIsolatesFailures(t *testing.T) {
	invoker := &countingInvoker{
		fail: map[CallKind]error{
			CallRiskAssessment: failure.Wrap(failure.CategoryRateLimit, errors.New("429")),
		},
	}
	d := NewDispatcher(invoker, NewSemaphore(4), nil)

	item := pipeline.NewWorkItem(nil)
	calls := []WorkerCall{
		{Kind: CallControlAnalysis, Item: item},
		{Kind: CallRiskAssessment, Item: item},
		{Kind: CallNarrative, Item: item},
	}
	results := d.DispatchAll(context.Background(), calls, time.Second)

	if results[0].Status != pipeline.StatusSuccess || results[2].Status != pipeline.StatusSuccess {
		t.Error("healthy calls must succeed alongside a failing one")
	}
	if results[1].Status != pipeline.StatusFailure {
		t.Fatalf("result 1 status = %s, want failure", results[1].Status)
	}
	if results[1].Error == nil {
		t.Fatal("failed result must carry an error record")
	}
	if results[1].Error.Category != failure.CategoryRateLimit {
		t.Errorf("category = %s, want %s", results[1].Error.Category, failure.CategoryRateLimit)
	}
}

func TestDispatchOneTimeout(t *testing.T) {
	invoker := &countingInvoker{delay: 200 * time.Millisecond}
	d := NewDispatcher(invoker, NewSemaphore(1), nil)

	call := WorkerCall{Kind: CallClassify, Item: pipeline.NewWorkItem(nil), Attempt: 2}
	result := d.DispatchOne(context.Background(), call, 20*time.Millisecond)

	if result.Status != pipeline.StatusFailure {
		t.Fatalf("status = %s, want failure", result.Status)
	}
	if result.Error.Category != failure.CategoryTimeout {
		t.Errorf("category = %s, want %s", result.Error.Category, failure.CategoryTimeout)
	}
	if result.Error.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", result.Error.Attempt)
	}
}

func TestDispatchOneSuccess(t *testing.T) {
	invoker := &countingInvoker{payload: json.RawMessage(`{"classification":"internal"}`)}
	d := NewDispatcher(invoker, NewSemaphore(1), nil)

	call := WorkerCall{Kind: CallClassify, Item: pipeline.NewWorkItem(nil)}
	result := d.DispatchOne(context.Background(), call, time.Second)

	if result.Status != pipeline.StatusSuccess {
		t.Fatalf("status = %s, want success: %+v", result.Status, result.Error)
	}
	if result.Stage != pipeline.StageClassify {
		t.Errorf("stage = %s, want %s", result.Stage, pipeline.StageClassify)
	}
	if result.Confidence == nil || *result.Confidence != 0.9 {
		t.Error("expected confidence 0.9")
	}
	if string(result.Payload) != `{"classification":"internal"}` {
		t.Errorf("payload = %s", result.Payload)
	}
}

func TestDispatchOneInvalidCall(t *testing.T) {
	invoker := &countingInvoker{}
	d := NewDispatcher(invoker, NewSemaphore(1), nil)

	result := d.DispatchOne(context.Background(), WorkerCall{Kind: "unknown"}, time.Second)
	if result.Status != pipeline.StatusFailure {
		t.Fatalf("status = %s, want failure", result.Status)
	}
	if result.Error.Category != failure.CategoryConfiguration {
		t.Errorf("category = %s, want %s", result.Error.Category, failure.CategoryConfiguration)
	}
	if invoker.invoked.Load() != 0 {
		t.Error("invalid call must not reach the invoker")
	}
}

func TestDispatchAllCancelled(t *testing.T) {
	invoker := &countingInvoker{delay: 50 * time.Millisecond}
	d := NewDispatcher(invoker, NewSemaphore(1), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	item := pipeline.NewWorkItem(nil)
	results := d.DispatchAll(ctx, sectionCalls(item, 3), time.Second)
	for i, r := range results {
		if r.Status != pipeline.StatusFailure {
			t.Errorf("result %d status = %s, want failure", i, r.Status)
			continue
		}
		if r.Error.Category != failure.CategoryCancelled {
			t.Errorf("result %d category = %s, want %s", i, r.Error.Category, failure.CategoryCancelled)
		}
	}
}

func TestCallKindStage(t *testing.T) {
	if CallClassify.Stage() != pipeline.StageClassify {
		t.Error("classify call maps to classify stage")
	}
	if CallPlan.Stage() != pipeline.StagePlan {
		t.Error("plan call maps to plan stage")
	}
	for _, k := range []CallKind{CallControlAnalysis, CallEvidenceSummary, CallRiskAssessment, CallNarrative} {
		if k.Stage() != pipeline.StageDispatch {
			t.Errorf("%s should map to dispatch stage", k)
		}
	}
}
