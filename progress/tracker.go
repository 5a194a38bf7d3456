// Package progress maintains live per-run, per-item status for the Dossier
// pipeline and derives throughput and ETA from completed items.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/verity-labs/dossier/pipeline"
)

// etaWindow is the moving-average window over completed-item durations.
const etaWindow = 10

// Progress is a point-in-time view of one run.
type Progress struct {
	RunID      string `json:"run_id"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	InProgress int    `json:"in_progress"`
	Failed     int    `json:"failed"`

	// ThroughputPerMin is completed items per minute since the run started.
	ThroughputPerMin float64 `json:"throughput_per_min"`

	// ETA is the estimated time to drain the remaining items, from a moving
	// average of completed-item durations. An item's duration is the sum of
	// its per-stage durations between transition timestamps, so the average
	// folds stage times in without assuming every item visits the same
	// stages (consult is optional, dispatch may repeat). Nil while fewer
	// than two items have completed: indeterminate, not fabricated.
	ETA *time.Duration `json:"eta,omitempty"`
}

// runState holds one run's tracking state behind its own lock, so unrelated
// runs and items never serialize on a global lock.
type runState struct {
	mu        sync.Mutex
	startedAt time.Time

	stages    map[string]pipeline.Stage
	itemStart map[string]time.Time
	lastAt    map[string]time.Time
	durations []time.Duration
}

// Tracker records stage transitions for all in-flight runs. Safe under
// concurrent writes from multiple items; the outer lock only guards the run
// map and is held briefly.
type Tracker struct {
	mu      sync.RWMutex
	runs    map[string]*runState
	metrics *Metrics // nil disables metrics
}

// NewTracker creates a tracker. Metrics may be nil.
func NewTracker(metrics *Metrics) *Tracker {
	return &Tracker{
		runs:    make(map[string]*runState),
		metrics: metrics,
	}
}

func (t *Tracker) run(runID string, at time.Time) *runState {
	t.mu.RLock()
	rs, ok := t.runs[runID]
	t.mu.RUnlock()
	if ok {
		return rs
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if rs, ok = t.runs[runID]; ok {
		return rs
	}
	rs = &runState{
		startedAt: at,
		stages:    make(map[string]pipeline.Stage),
		itemStart: make(map[string]time.Time),
		lastAt:    make(map[string]time.Time),
	}
	t.runs[runID] = rs
	return rs
}

// RecordTransition records an item moving between stages. An empty from
// stage marks the item entering the pipeline.
func (t *Tracker) RecordTransition(runID, itemID string, from, to pipeline.Stage, at time.Time) {
	rs := t.run(runID, at)

	rs.mu.Lock()
	prev, seen := rs.stages[itemID]
	rs.stages[itemID] = to
	if !seen {
		rs.itemStart[itemID] = at
	}
	var stageTime time.Duration
	if last, ok := rs.lastAt[itemID]; ok {
		stageTime = at.Sub(last)
	}
	rs.lastAt[itemID] = at
	if to.IsTerminal() {
		if start, ok := rs.itemStart[itemID]; ok {
			rs.durations = append(rs.durations, at.Sub(start))
		}
	}
	rs.mu.Unlock()

	if t.metrics != nil {
		t.metrics.transitionsTotal.WithLabelValues(runID, to.String()).Inc()
		t.metrics.itemsByStage.WithLabelValues(runID, to.String()).Inc()
		if seen {
			t.metrics.itemsByStage.WithLabelValues(runID, prev.String()).Dec()
		}
		if from != "" && stageTime > 0 {
			t.metrics.stageDuration.WithLabelValues(from.String()).Observe(stageTime.Seconds())
		}
	}
}

// GetProgress returns a snapshot for a run.
func (t *Tracker) GetProgress(runID string) (*Progress, error) {
	t.mu.RLock()
	rs, ok := t.runs[runID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown run: %s", runID)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	p := &Progress{RunID: runID, Total: len(rs.stages)}
	for _, stage := range rs.stages {
		switch stage {
		case pipeline.StageComplete:
			p.Completed++
		case pipeline.StageFailed:
			p.Failed++
		default:
			p.InProgress++
		}
	}

	elapsed := time.Since(rs.startedAt)
	if elapsed > 0 && p.Completed > 0 {
		p.ThroughputPerMin = float64(p.Completed) / elapsed.Minutes()
	}

	// ETA needs at least two completed items; otherwise it stays nil.
	if len(rs.durations) >= 2 && p.InProgress > 0 {
		window := rs.durations
		if len(window) > etaWindow {
			window = window[len(window)-etaWindow:]
		}
		var sum time.Duration
		for _, d := range window {
			sum += d
		}
		avg := sum / time.Duration(len(window))
		eta := avg * time.Duration(p.InProgress)
		p.ETA = &eta
	}

	return p, nil
}

// Stage returns the current stage of an item, if tracked.
func (t *Tracker) Stage(runID, itemID string) (pipeline.Stage, bool) {
	t.mu.RLock()
	rs, ok := t.runs[runID]
	t.mu.RUnlock()
	if !ok {
		return "", false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	stage, ok := rs.stages[itemID]
	return stage, ok
}
