package aggregate

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/verity-labs/dossier/consult"
	"github.com/verity-labs/dossier/pipeline"
	"github.com/verity-labs/dossier/pipeline/failure"
)

// GroupFunc extracts the grouping-variable value from a run result (e.g. the
// classification of the input item). Results mapping to "" are excluded from
// the comparison.
type GroupFunc func(*pipeline.RunResult) string

// Config holds aggregator settings.
type Config struct {
	// BootstrapIterations for the bootstrap CI; default 1000.
	BootstrapIterations int

	// Seed fixes the bootstrap RNG; zero seeds from entropy.
	Seed int64

	// GroupVariable names the declared grouping variable for comparisons.
	GroupVariable string

	// GroupBy extracts the grouping value. Nil disables comparisons.
	GroupBy GroupFunc
}

// Aggregator computes cross-item statistics for completed runs.
type Aggregator struct {
	config Config
	rng    *rand.Rand
}

// NewAggregator creates an aggregator.
func NewAggregator(config Config) *Aggregator {
	if config.BootstrapIterations <= 0 {
		config.BootstrapIterations = 1000
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Aggregator{
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Aggregate builds the summary report for a run. Results must be complete
// RunResults; an empty slice is an error, not an empty report.
func (a *Aggregator) Aggregate(runID string, results []pipeline.RunResult) (*Report, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("no results to aggregate for run %s", runID)
	}

	report := &Report{
		RunID:                     runID,
		NItems:                    len(results),
		FailureCategories:         make(map[failure.Category]int),
		ConsultationsByResolution: make(map[consult.ResolvedBy]int),
		ConfidenceIntervals:       make(map[string]Interval),
		GeneratedAt:               time.Now().UTC(),
	}

	var totalSeconds []float64
	stageSeconds := make(map[pipeline.Stage][]float64)

	for i := range results {
		r := &results[i]
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}

		if r.Succeeded() {
			report.NSucceeded++
			if r.Degraded {
				report.NDegraded++
			}
		} else {
			report.NFailed++
		}

		for cat, n := range r.FailureCategories() {
			report.FailureCategories[cat] += n
		}
		for j := range r.Consultations {
			report.ConsultationsByResolution[r.Consultations[j].ResolvedBy]++
		}

		totalSeconds = append(totalSeconds, r.TotalDuration.Seconds())
		for j := range r.StageResults {
			sr := &r.StageResults[j]
			stageSeconds[sr.Stage] = append(stageSeconds[sr.Stage], sr.Duration().Seconds())
		}
	}

	report.SuccessRate = float64(report.NSucceeded) / float64(report.NItems)
	report.SuccessRateCI = wilson(report.NSucceeded, report.NItems, z95)
	report.ConfidenceIntervals["success_rate"] = report.SuccessRateCI
	report.ConfidenceIntervals["mean_total_duration_seconds"] =
		bootstrapMeanCI(totalSeconds, a.config.BootstrapIterations, a.rng)

	for _, stage := range []pipeline.Stage{
		pipeline.StageClassify, pipeline.StagePlan,
		pipeline.StageDispatch, pipeline.StageConsult,
	} {
		seconds, ok := stageSeconds[stage]
		if !ok {
			continue
		}
		mean, median, p95 := durationSummary(seconds)
		report.PerStageDurations = append(report.PerStageDurations, DurationStats{
			Stage:  stage,
			N:      len(seconds),
			Mean:   secondsToDuration(mean),
			Median: secondsToDuration(median),
			P95:    secondsToDuration(p95),
		})
	}

	if a.config.GroupBy != nil {
		report.GroupComparisons = append(report.GroupComparisons,
			a.compareGroups(results))
	}

	return report, nil
}

// compareGroups runs the one-way ANOVA over total durations grouped by the
// configured variable.
func (a *Aggregator) compareGroups(results []pipeline.RunResult) GroupComparisonResult {
	comparison := GroupComparisonResult{
		Variable:   a.config.GroupVariable,
		GroupSizes: make(map[string]int),
		Method:     MethodAnovaF,
	}

	groups := make(map[string][]float64)
	for i := range results {
		key := a.config.GroupBy(&results[i])
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], results[i].TotalDuration.Seconds())
	}
	for name, g := range groups {
		comparison.GroupSizes[name] = len(g)
	}

	if len(groups) < 2 {
		comparison.InsufficientData = true
		return comparison
	}
	for _, g := range groups {
		if len(g) < 2 {
			comparison.InsufficientData = true
			return comparison
		}
	}

	f, p, eta, err := oneWayANOVA(groups)
	if err != nil {
		comparison.InsufficientData = true
		return comparison
	}
	comparison.FStatistic = f
	comparison.PValue = p
	comparison.EtaSquared = eta
	return comparison
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
