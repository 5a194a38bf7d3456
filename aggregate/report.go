// Package aggregate turns a run's RunResults into statistically defensible
// summary statistics: success rates with real confidence intervals, duration
// distributions, and ANOVA-style group comparisons. Every interval and
// p-value carries the name of the method that produced it.
package aggregate

import (
	"time"

	"github.com/verity-labs/dossier/consult"
	"github.com/verity-labs/dossier/pipeline"
	"github.com/verity-labs/dossier/pipeline/failure"
)

// Method names attached to computed statistics for auditability.
const (
	MethodWilson95    = "wilson-95"
	MethodBootstrap95 = "bootstrap-95"
	MethodAnovaF      = "anova-f"
)

// Interval is a confidence interval with its computation method.
type Interval struct {
	Low    float64 `json:"low"`
	High   float64 `json:"high"`
	Method string  `json:"method"`
}

// DurationStats summarizes attempt durations for one stage.
type DurationStats struct {
	Stage  pipeline.Stage `json:"stage"`
	N      int            `json:"n"`
	Mean   time.Duration  `json:"mean"`
	Median time.Duration  `json:"median"`
	P95    time.Duration  `json:"p95"`
}

// GroupComparisonResult is a one-way ANOVA comparison across groups of a
// declared grouping variable. When any group has fewer than two
// observations the comparison is marked insufficient rather than computed
// with a misleading statistic.
type GroupComparisonResult struct {
	Variable         string         `json:"variable"`
	GroupSizes       map[string]int `json:"group_sizes"`
	FStatistic       float64        `json:"f_statistic,omitempty"`
	PValue           float64        `json:"p_value,omitempty"`
	EtaSquared       float64        `json:"eta_squared,omitempty"`
	Method           string         `json:"method"`
	InsufficientData bool           `json:"insufficient_data,omitempty"`
}

// Report is the cross-item summary for one run. Failures are always
// surfaced alongside the success rate, never folded into it.
type Report struct {
	RunID  string `json:"run_id"`
	NItems int    `json:"n_items"`

	NSucceeded int `json:"n_succeeded"`
	NDegraded  int `json:"n_degraded"`
	NFailed    int `json:"n_failed"`

	SuccessRate   float64  `json:"success_rate"`
	SuccessRateCI Interval `json:"success_rate_ci"`

	// FailureCategories counts failed attempts across the run by category.
	FailureCategories map[failure.Category]int `json:"failure_categories,omitempty"`

	// ConsultationsByResolution distinguishes human judgment from timeout
	// defaults in downstream reporting.
	ConsultationsByResolution map[consult.ResolvedBy]int `json:"consultations_by_resolution,omitempty"`

	PerStageDurations []DurationStats `json:"per_stage_durations,omitempty"`

	// ConfidenceIntervals holds named intervals (success_rate,
	// mean_total_duration_seconds, ...).
	ConfidenceIntervals map[string]Interval `json:"confidence_intervals,omitempty"`

	GroupComparisons []GroupComparisonResult `json:"group_comparisons,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}
