// Package agenttest provides test doubles for worker invocation.
// It includes a scriptable invoker that records concurrency for testing the
// dispatcher and recovery paths without real LLM endpoints.
package agenttest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/verity-labs/dossier/dispatch"
)

// Outcome is one scripted invocation result.
type Outcome struct {
	Payload    json.RawMessage
	Confidence float64
	Err        error

	// Delay holds the call open before returning, for concurrency tests.
	Delay time.Duration
}

// FakeInvoker is a thread-safe scripted invoker for testing.
// Outcomes are consumed per call kind in order; when a kind's script is
// exhausted, or no script exists for it, Default is returned.
//
// Usage:
//
//	fake := agenttest.NewFakeInvoker()
//	fake.Script(dispatch.CallClassify,
//	    agenttest.Outcome{Err: errors.New("boom")},
//	    agenttest.Outcome{Payload: json.RawMessage(`{"classification":"internal"}`), Confidence: 0.9},
//	)
type FakeInvoker struct {
	mu      sync.Mutex
	scripts map[dispatch.CallKind][]Outcome

	// Default is returned when no scripted outcome remains for a kind.
	Default Outcome

	calls      []dispatch.WorkerCall
	inFlight   atomic.Int64
	peakActive atomic.Int64
}

// NewFakeInvoker creates a fake whose default outcome is a minimal success.
func NewFakeInvoker() *FakeInvoker {
	return &FakeInvoker{
		scripts: make(map[dispatch.CallKind][]Outcome),
		Default: Outcome{
			Payload:    json.RawMessage(`{"ok":true}`),
			Confidence: 0.95,
		},
	}
}

// Script queues outcomes for a call kind.
func (f *FakeInvoker) Script(kind dispatch.CallKind, outcomes ...Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[kind] = append(f.scripts[kind], outcomes...)
}

// Invoke implements dispatch.Invoker.
func (f *FakeInvoker) Invoke(ctx context.Context, call dispatch.WorkerCall) (json.RawMessage, float64, error) {
	active := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peakActive.Load()
		if active <= peak || f.peakActive.CompareAndSwap(peak, active) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	outcome := f.Default
	if queue := f.scripts[call.Kind]; len(queue) > 0 {
		outcome = queue[0]
		f.scripts[call.Kind] = queue[1:]
	}
	f.mu.Unlock()

	if outcome.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(outcome.Delay):
		}
	}

	if outcome.Err != nil {
		return nil, 0, outcome.Err
	}
	return outcome.Payload, outcome.Confidence, nil
}

// Calls returns a copy of every call received so far.
func (f *FakeInvoker) Calls() []dispatch.WorkerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatch.WorkerCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns the number of invocations received.
func (f *FakeInvoker) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// PeakConcurrency returns the highest number of simultaneously active calls
// observed.
func (f *FakeInvoker) PeakConcurrency() int64 {
	return f.peakActive.Load()
}
