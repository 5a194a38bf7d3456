package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/verity-labs/dossier/pipeline"
	"github.com/verity-labs/dossier/pipeline/failure"
)

// DefaultCallTimeout bounds a single worker call when the caller passes none.
const DefaultCallTimeout = 5 * time.Minute

// Dispatcher fans worker calls out to an Invoker under the shared semaphore.
// Each call is isolated: a slow or failing call never blocks the others, and
// every call reports its own StageResult.
type Dispatcher struct {
	invoker Invoker
	sem     *Semaphore
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. The semaphore must be the shared
// process-global instance.
func NewDispatcher(invoker Invoker, sem *Semaphore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		invoker: invoker,
		sem:     sem,
		logger:  logger,
	}
}

// DispatchAll executes every call, each bounded by timeout, and returns one
// StageResult per call in input order. It returns once every call has
// completed, failed, or timed out; cancelling ctx stops issuing new calls
// and marks the remainder cancelled. The per-call clock starts only after
// the shared slot is acquired, so when the global cap is contended the total
// wall time can exceed the longest individual timeout; callers that need a
// hard bound on queue wait put a deadline on ctx.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []WorkerCall, timeout time.Duration) []pipeline.StageResult {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	results := make([]pipeline.StageResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(i int, call WorkerCall) {
			defer wg.Done()
			results[i] = d.dispatchOne(ctx, call, timeout)
		}(i, call)
	}

	wg.Wait()
	return results
}

// DispatchOne executes a single call under the semaphore. Used by the
// recovery manager for the single-worker classify and plan stages.
func (d *Dispatcher) DispatchOne(ctx context.Context, call WorkerCall, timeout time.Duration) pipeline.StageResult {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return d.dispatchOne(ctx, call, timeout)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, call WorkerCall, timeout time.Duration) pipeline.StageResult {
	result := pipeline.StageResult{
		ItemID:    call.Item.ID,
		Stage:     call.Kind.Stage(),
		StartedAt: time.Now().UTC(),
	}

	fail := func(err error) pipeline.StageResult {
		result.Status = pipeline.StatusFailure
		result.Error = failure.Classify(err, call.AttemptNumber())
		result.FinishedAt = time.Now().UTC()
		return result
	}

	if err := call.Validate(); err != nil {
		return fail(failure.Wrap(failure.CategoryConfiguration, err))
	}

	// Acquire the global slot before starting the per-call clock; queueing
	// behind the cap is not part of the worker's timeout budget.
	if err := d.sem.Acquire(ctx); err != nil {
		return fail(failure.Wrap(failure.CategoryCancelled,
			fmt.Errorf("call %s not issued: %w", call.Kind, err)))
	}
	defer d.sem.Release()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result.StartedAt = time.Now().UTC()
	payload, confidence, err := d.invoker.Invoke(callCtx, call)
	result.FinishedAt = time.Now().UTC()

	if err != nil {
		result.Status = pipeline.StatusFailure
		result.Error = failure.Classify(err, call.AttemptNumber())
		d.logger.Debug("Worker call failed",
			"kind", call.Kind,
			"item_id", call.Item.ID,
			"category", result.Error.Category,
			"attempt", call.AttemptNumber(),
			"error", err)
		return result
	}

	result.Status = pipeline.StatusSuccess
	result.Payload = payload
	result.Confidence = &confidence
	d.logger.Debug("Worker call succeeded",
		"kind", call.Kind,
		"item_id", call.Item.ID,
		"confidence", confidence,
		"duration", result.Duration())
	return result
}
