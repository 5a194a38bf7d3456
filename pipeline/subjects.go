package pipeline

// Typed NATS subject definitions for pipeline events. Events are published
// under "pipeline.<domain>.<action>" so consumers can subscribe per event
// type instead of filtering a single firehose subject.

import (
	"fmt"
	"time"
)

// Subject constants and builders for pipeline events.
const (
	// SubjectStageTransitionPrefix is the prefix for stage transition events;
	// the full subject is pipeline.stage.<to-stage>.
	SubjectStageTransitionPrefix = "pipeline.stage"

	// SubjectItemComplete carries ItemCompleteEvent.
	SubjectItemComplete = "pipeline.item.complete"

	// SubjectItemFailed carries ItemCompleteEvent for failed items.
	SubjectItemFailed = "pipeline.item.failed"

	// SubjectRunComplete carries RunCompleteEvent.
	SubjectRunComplete = "pipeline.run.complete"
)

// StageTransitionSubject returns the subject for a transition into a stage.
func StageTransitionSubject(to Stage) string {
	return fmt.Sprintf("%s.%s", SubjectStageTransitionPrefix, to)
}

// StageTransitionEvent is published on every stage transition.
type StageTransitionEvent struct {
	RunID  string    `json:"run_id"`
	ItemID string    `json:"item_id"`
	From   Stage     `json:"from"`
	To     Stage     `json:"to"`
	At     time.Time `json:"at"`
}

// ItemCompleteEvent is published when an item reaches a terminal stage.
type ItemCompleteEvent struct {
	RunID         string        `json:"run_id"`
	ItemID        string        `json:"item_id"`
	FinalStatus   Stage         `json:"final_status"`
	Degraded      bool          `json:"degraded,omitempty"`
	Attempts      int           `json:"attempts"`
	Consultations int           `json:"consultations"`
	TotalDuration time.Duration `json:"total_duration"`
}

// RunCompleteEvent is published when every item in a run has finished.
type RunCompleteEvent struct {
	RunID     string    `json:"run_id"`
	Items     int       `json:"items"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	At        time.Time `json:"at"`
}
