// Package consult brokers human-in-the-loop decisions for the Dossier
// pipeline. When automated confidence is insufficient the orchestrator raises
// a consultation; the manager waits for a human answer up to a hard deadline
// and otherwise falls back to the conservative default policy.
package consult

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Urgency indicates how urgent a consultation is.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// IsValid returns true for a known urgency level.
func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a consultation request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusTimeout  Status = "timeout"
)

// ResolvedBy identifies how a consultation was resolved.
type ResolvedBy string

const (
	// ResolvedByHuman means a human answered before the deadline.
	ResolvedByHuman ResolvedBy = "human"
	// ResolvedByTimeoutDefault means the deadline passed and the
	// conservative default policy supplied the decision.
	ResolvedByTimeoutDefault ResolvedBy = "timeout-default"
)

// Request asks for an external decision about one work item.
type Request struct {
	// ID uniquely identifies this request (format: c-{uuid}).
	ID string `json:"id"`

	// ItemID is the work item awaiting the decision.
	ItemID string `json:"item_id"`

	// RunID is the run the item belongs to.
	RunID string `json:"run_id,omitempty"`

	// Reason explains why automation could not proceed
	// (e.g. "low-confidence-classification", "dispatch-failure-ratio").
	Reason string `json:"reason"`

	// Context provides background for the consultant.
	Context map[string]string `json:"context,omitempty"`

	// Urgency drives routing and alerting.
	Urgency Urgency `json:"urgency"`

	// RequiredExpertise lists the expertise tags a consultant should have.
	RequiredExpertise []string `json:"required_expertise,omitempty"`

	// Deadline is the hard limit for a human answer.
	Deadline time.Time `json:"deadline"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// CreatedAt is when the request was raised.
	CreatedAt time.Time `json:"created_at"`
}

// NewRequest creates a pending consultation request with a generated ID.
func NewRequest(itemID, runID, reason string, urgency Urgency, deadline time.Time) *Request {
	return &Request{
		ID:        fmt.Sprintf("c-%s", uuid.New().String()[:8]),
		ItemID:    itemID,
		RunID:     runID,
		Reason:    reason,
		Urgency:   urgency,
		Deadline:  deadline,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks required fields.
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	if r.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	if !r.Urgency.IsValid() {
		return fmt.Errorf("invalid urgency: %s", r.Urgency)
	}
	if r.Deadline.IsZero() {
		return fmt.Errorf("deadline is required")
	}
	return nil
}

// Response is the resolution of a consultation. A timeout always resolves to
// the conservative default decision, never to an empty one.
type Response struct {
	// RequestID is the consultation this resolves.
	RequestID string `json:"request_id"`

	// ItemID is carried for downstream reporting.
	ItemID string `json:"item_id,omitempty"`

	// ResolvedBy distinguishes human judgment from the timeout default.
	ResolvedBy ResolvedBy `json:"resolved_by"`

	// ResolverID identifies the human who answered, when ResolvedBy is human.
	ResolverID string `json:"resolver_id,omitempty"`

	// Decision carries the resolution. Never empty.
	Decision map[string]string `json:"decision"`

	// ResolvedAt is when the resolution was recorded.
	ResolvedAt time.Time `json:"resolved_at"`
}

// Validate enforces that every response carries a decision.
func (r *Response) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if len(r.Decision) == 0 {
		return fmt.Errorf("decision must not be empty")
	}
	return nil
}

// Decision keys shared between the policy and the orchestrator.
const (
	// DecisionResumeStage routes the item after resolution:
	// "plan", "dispatch", or "complete".
	DecisionResumeStage = "resume_stage"
	// DecisionClassification overrides the item classification.
	DecisionClassification = "classification"
	// DecisionSecondaryReview marks the dossier for mandatory human review.
	DecisionSecondaryReview = "secondary_review"
	// DecisionScrutiny sets the downstream validation level.
	DecisionScrutiny = "scrutiny"
)

// ConservativeDecision is the conservative default policy: the decision
// applied when no human answers before the deadline. It is total over the
// request domain — it always returns a complete decision and never fails.
//
// Conservative means the strictest downstream treatment: the item completes
// with the highest-scrutiny classification, maximum validation coverage, and
// a mandatory secondary-review flag, rather than re-running automation that
// already proved uncertain.
func ConservativeDecision(req *Request) map[string]string {
	decision := map[string]string{
		DecisionResumeStage:     "complete",
		DecisionClassification:  "restricted",
		DecisionSecondaryReview: "mandatory",
		DecisionScrutiny:        "maximum",
	}
	if req != nil && req.Reason != "" {
		decision["reason"] = req.Reason
	}
	return decision
}
