// Package dispatch executes worker calls for the Dossier pipeline under a
// process-global concurrency cap. Workers are opaque, possibly slow, possibly
// failing functions; the dispatcher isolates each call and reports every
// outcome independently.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/verity-labs/dossier/pipeline"
)

// CallKind tags the closed set of worker variants. Dispatch is by tag, never
// by reflection.
type CallKind string

const (
	// CallClassify determines the compliance classification of an item.
	CallClassify CallKind = "classify"
	// CallPlan produces the dossier section plan for an item.
	CallPlan CallKind = "plan"
	// CallControlAnalysis analyzes the controls relevant to an item.
	CallControlAnalysis CallKind = "control-analysis"
	// CallEvidenceSummary summarizes supporting evidence.
	CallEvidenceSummary CallKind = "evidence-summary"
	// CallRiskAssessment authors the risk assessment section.
	CallRiskAssessment CallKind = "risk-assessment"
	// CallNarrative authors the narrative section.
	CallNarrative CallKind = "narrative"
)

// IsValid returns true for a known call kind.
func (k CallKind) IsValid() bool {
	switch k {
	case CallClassify, CallPlan, CallControlAnalysis,
		CallEvidenceSummary, CallRiskAssessment, CallNarrative:
		return true
	default:
		return false
	}
}

// Stage returns the pipeline stage a call kind executes in.
func (k CallKind) Stage() pipeline.Stage {
	switch k {
	case CallClassify:
		return pipeline.StageClassify
	case CallPlan:
		return pipeline.StagePlan
	default:
		return pipeline.StageDispatch
	}
}

// WorkerCall is one unit of work handed to an Invoker.
type WorkerCall struct {
	// Kind selects the worker variant.
	Kind CallKind `json:"kind"`

	// Item is the work item the call operates on.
	Item pipeline.WorkItem `json:"item"`

	// Params carries prior-stage output the worker needs (classification for
	// the planner, the plan for section workers). Opaque to the dispatcher.
	Params json.RawMessage `json:"params,omitempty"`

	// Attempt is the 1-based attempt number, set by the recovery manager on
	// retries. Zero is treated as the first attempt.
	Attempt int `json:"attempt,omitempty"`
}

// Validate checks the call is well-formed.
func (c *WorkerCall) Validate() error {
	if !c.Kind.IsValid() {
		return fmt.Errorf("invalid call kind: %s", c.Kind)
	}
	if c.Item.ID == "" {
		return fmt.Errorf("item id is required")
	}
	return nil
}

// AttemptNumber returns the attempt, treating zero as one.
func (c *WorkerCall) AttemptNumber() int {
	if c.Attempt < 1 {
		return 1
	}
	return c.Attempt
}

// Invoker executes a single worker call. Implementations wrap errors with
// failure.Wrap where they can classify them; unwrapped errors classify as
// unknown and escalate.
type Invoker interface {
	// Invoke runs the worker and returns its payload and self-reported
	// confidence in [0,1].
	Invoke(ctx context.Context, call WorkerCall) (payload json.RawMessage, confidence float64, err error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, call WorkerCall) (json.RawMessage, float64, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, call WorkerCall) (json.RawMessage, float64, error) {
	return f(ctx, call)
}
