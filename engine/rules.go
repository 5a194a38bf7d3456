// Package engine orchestrates work items through the Dossier pipeline: it
// owns the stage state machine and wires the dispatcher, recovery manager,
// consultation manager, and progress tracker together.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/verity-labs/dossier/dispatch"
)

// Rules are the tunable orchestration thresholds. They are hot-reloadable;
// the engine reads a snapshot at each decision point, never a live pointer.
type Rules struct {
	// ConfidenceThreshold is the minimum classification confidence accepted
	// without consultation.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// ConsultFailureRatio is the dispatch failure ratio above which the item
	// routes to consultation instead of completing degraded.
	ConsultFailureRatio float64 `yaml:"consult_failure_ratio"`

	// MaxConcurrentItems caps items processed concurrently in a run.
	MaxConcurrentItems int `yaml:"max_concurrent_items"`

	// StageTimeout bounds a single worker call.
	StageTimeout time.Duration `yaml:"stage_timeout"`

	// ConsultDeadline is how long a consultation waits for a human answer.
	ConsultDeadline time.Duration `yaml:"consult_deadline"`

	// DispatchCalls lists the section workers fanned out in the dispatch
	// stage, in result order.
	DispatchCalls []dispatch.CallKind `yaml:"dispatch_calls"`
}

// DefaultRules returns the baseline orchestration rules.
func DefaultRules() Rules {
	return Rules{
		ConfidenceThreshold: 0.75,
		ConsultFailureRatio: 0.30,
		MaxConcurrentItems:  4,
		StageTimeout:        5 * time.Minute,
		ConsultDeadline:     24 * time.Hour,
		DispatchCalls: []dispatch.CallKind{
			dispatch.CallControlAnalysis,
			dispatch.CallEvidenceSummary,
			dispatch.CallRiskAssessment,
			dispatch.CallNarrative,
		},
	}
}

// Validate checks the rules.
func (r *Rules) Validate() error {
	if r.ConfidenceThreshold < 0 || r.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0,1], got %v", r.ConfidenceThreshold)
	}
	if r.ConsultFailureRatio < 0 || r.ConsultFailureRatio > 1 {
		return fmt.Errorf("consult_failure_ratio must be in [0,1], got %v", r.ConsultFailureRatio)
	}
	if r.MaxConcurrentItems < 1 {
		return fmt.Errorf("max_concurrent_items must be at least 1")
	}
	if r.StageTimeout <= 0 {
		return fmt.Errorf("stage_timeout must be positive")
	}
	if r.ConsultDeadline <= 0 {
		return fmt.Errorf("consult_deadline must be positive")
	}
	if len(r.DispatchCalls) == 0 {
		return fmt.Errorf("dispatch_calls must not be empty")
	}
	for _, kind := range r.DispatchCalls {
		if !kind.IsValid() {
			return fmt.Errorf("unknown dispatch call kind: %s", kind)
		}
	}
	return nil
}

// LoadRules reads rules from a YAML file. Fields the file omits keep their
// defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("read rules file: %w", err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("parse rules file: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return rules, fmt.Errorf("invalid rules in %s: %w", path, err)
	}
	return rules, nil
}

// RulesSource holds the current rules behind a lock so in-flight items see a
// consistent snapshot while reloads swap the whole value.
type RulesSource struct {
	mu     sync.RWMutex
	rules  Rules
	logger *slog.Logger
}

// NewRulesSource creates a source seeded with the given rules.
func NewRulesSource(rules Rules, logger *slog.Logger) *RulesSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &RulesSource{rules: rules, logger: logger}
}

// Current returns a snapshot of the rules.
func (s *RulesSource) Current() Rules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// Set replaces the rules.
func (s *RulesSource) Set(rules Rules) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

// WatchFile reloads the rules whenever the file changes, until ctx is done.
// A reload that fails to parse or validate is logged and discarded; the
// previous rules stay in effect. The parent directory is watched because
// editors replace files rather than writing in place.
func (s *RulesSource) WatchFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	s.logger.Info("Watching rules file", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			rules, err := LoadRules(target)
			if err != nil {
				s.logger.Warn("Rules reload failed, keeping previous rules",
					"path", target,
					"error", err)
				continue
			}
			s.Set(rules)
			s.logger.Info("Rules reloaded",
				"path", target,
				"confidence_threshold", rules.ConfidenceThreshold,
				"consult_failure_ratio", rules.ConsultFailureRatio)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Rules watcher error", "error", err)
		}
	}
}
