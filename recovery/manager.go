// Package recovery wraps stage execution with classification, retry, and
// checkpointing so failures are never silently absorbed. Every attempt
// produces its own StageResult and a checkpoint write; exhausted retries
// escalate instead of looping.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/verity-labs/dossier/pipeline"
	"github.com/verity-labs/dossier/pipeline/failure"
	"github.com/verity-labs/dossier/storage"
)

// ErrPaused is returned when a stage applied the checkpoint-and-pause
// strategy; the item can be resumed later from the checkpoint store.
var ErrPaused = errors.New("item paused at checkpoint")

// Config holds retry and strategy settings for a run.
type Config struct {
	// MaxAttempts caps attempts per error category per item.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// Overrides replaces the default strategy for a category for this run.
	// The mapping is always an explicit lookup, never implicit fallthrough.
	Overrides map[failure.Category]failure.Strategy `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// DefaultConfig returns sensible recovery defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       4,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff_base must be positive")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1")
	}
	for cat, s := range c.Overrides {
		if !cat.IsValid() {
			return fmt.Errorf("override for unknown category: %s", cat)
		}
		if !s.IsValid() {
			return fmt.Errorf("invalid strategy %q for category %s", s, cat)
		}
	}
	return nil
}

// StrategyFor resolves the strategy for a category: per-run override first,
// then the taxonomy default.
func (c *Config) StrategyFor(cat failure.Category) failure.Strategy {
	if s, ok := c.Overrides[cat]; ok {
		return s
	}
	return failure.DefaultStrategy(cat)
}

// NextAction tells the orchestrator how to proceed after a stage execution.
type NextAction string

const (
	// ActionProceed moves to the next stage.
	ActionProceed NextAction = "proceed"
	// ActionDegraded accepts a partial result and proceeds.
	ActionDegraded NextAction = "degraded"
	// ActionEscalate raises a consultation.
	ActionEscalate NextAction = "escalate"
	// ActionFailed marks the item failed.
	ActionFailed NextAction = "failed"
	// ActionPaused persisted state for a later resume.
	ActionPaused NextAction = "paused"
)

// Outcome is the result of executing one stage with recovery.
type Outcome struct {
	// Action is the orchestrator's next move.
	Action NextAction

	// Results holds every attempt, in order. Never empty.
	Results []pipeline.StageResult
}

// Final returns the last attempt.
func (o *Outcome) Final() *pipeline.StageResult {
	if len(o.Results) == 0 {
		return nil
	}
	return &o.Results[len(o.Results)-1]
}

// StageCall executes one attempt of a stage and returns its StageResult.
// The attempt number is 1-based across resumes.
type StageCall func(ctx context.Context, attempt int) pipeline.StageResult

// Manager owns checkpoints and applies recovery policy around stage calls.
type Manager struct {
	config      Config
	checkpoints storage.CheckpointStore
	audit       storage.AuditSink
	logger      *slog.Logger
}

// NewManager creates a recovery manager.
func NewManager(config Config, checkpoints storage.CheckpointStore, audit storage.AuditSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = storage.NopAuditSink{}
	}
	defaults := DefaultConfig()
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = defaults.BackoffBase
	}
	if config.BackoffMultiplier == 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	return &Manager{
		config:      config,
		checkpoints: checkpoints,
		audit:       audit,
		logger:      logger,
	}
}

// StartItem begins (or restarts) recovery-managed execution for an item.
// An existing checkpoint is loaded so retry counts carry over; otherwise a
// fresh one is created.
func (m *Manager) StartItem(ctx context.Context, runID string, item pipeline.WorkItem) (*ItemExecution, error) {
	cp, err := m.checkpoints.Load(ctx, runID, item.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		cp = &storage.Checkpoint{
			RunID:       runID,
			ItemID:      item.ID,
			Item:        item,
			RetryCounts: make(map[failure.Category]int),
		}
	}
	if cp.RetryCounts == nil {
		cp.RetryCounts = make(map[failure.Category]int)
	}
	return &ItemExecution{mgr: m, cp: cp}, nil
}

// ResumeFromCheckpoint reconstructs an in-progress item from its last
// persisted checkpoint. The returned stage is where execution re-enters;
// retry counts carry over so re-entry increments rather than resets them.
func (m *Manager) ResumeFromCheckpoint(ctx context.Context, runID, itemID string) (*ItemExecution, pipeline.Stage, error) {
	cp, err := m.checkpoints.Load(ctx, runID, itemID)
	if err != nil {
		return nil, "", fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.RetryCounts == nil {
		cp.RetryCounts = make(map[failure.Category]int)
	}

	next := pipeline.StageClassify
	if cp.LastCompletedStage != "" {
		next = cp.LastCompletedStage.Next()
	}

	m.logger.Info("Resuming item from checkpoint",
		"run_id", runID,
		"item_id", itemID,
		"last_completed_stage", cp.LastCompletedStage,
		"next_stage", next,
		"prior_results", len(cp.AccumulatedResults))

	return &ItemExecution{mgr: m, cp: cp}, next, nil
}

// calculateBackoff computes exponential backoff duration with jitter.
// Jitter prevents thundering herd when multiple items retry simultaneously.
func (m *Manager) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= m.config.BackoffMultiplier
	}

	backoff := time.Duration(float64(m.config.BackoffBase) * multiplier)
	if backoff > m.config.MaxBackoff {
		backoff = m.config.MaxBackoff
	}

	// Add jitter: +/- 25% to prevent synchronized retries
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}
