// Package pipeline provides the Dossier task model: work items, pipeline
// stages, per-stage results, and completed-run records that flow through the
// orchestration engine.
package pipeline

// Stage represents a named phase of processing for a work item.
type Stage string

const (
	// StageClassify is the initial classification stage.
	StageClassify Stage = "classify"
	// StagePlan is the dossier planning stage.
	StagePlan Stage = "plan"
	// StageDispatch is the parallel section-generation stage.
	StageDispatch Stage = "dispatch"
	// StageConsult indicates the item is waiting on a consultation.
	StageConsult Stage = "consult"
	// StageComplete is the terminal success stage.
	StageComplete Stage = "complete"
	// StageFailed is the terminal failure stage.
	StageFailed Stage = "failed"
)

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// IsValid returns true if the stage is a known pipeline stage.
func (s Stage) IsValid() bool {
	switch s {
	case StageClassify, StagePlan, StageDispatch, StageConsult, StageComplete, StageFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for stages with no outgoing transitions.
func (s Stage) IsTerminal() bool {
	return s == StageComplete || s == StageFailed
}

// stageTransitions is the bounded transition table for the pipeline state
// machine. Dispatch may re-enter itself on explicit retry; Consult routes to
// whichever stage the resolution selects.
var stageTransitions = map[Stage][]Stage{
	StageClassify: {StagePlan, StageConsult, StageFailed},
	StagePlan:     {StageDispatch, StageConsult, StageFailed},
	StageDispatch: {StageDispatch, StageComplete, StageConsult, StageFailed},
	StageConsult:  {StagePlan, StageDispatch, StageComplete, StageFailed},
	StageComplete: {},
	StageFailed:   {},
}

// CanTransitionTo returns true if the stage can transition to the target.
func (s Stage) CanTransitionTo(target Stage) bool {
	for _, t := range stageTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Next returns the stage that follows s on the success path. Used when
// resuming from a checkpoint whose last completed stage is s.
func (s Stage) Next() Stage {
	switch s {
	case StageClassify:
		return StagePlan
	case StagePlan:
		return StageDispatch
	case StageDispatch:
		return StageComplete
	default:
		return s
	}
}
