package failure

// Strategy is the recovery policy applied to a failed stage execution.
type Strategy string

const (
	// StrategyRetryImmediate retries without delay.
	StrategyRetryImmediate Strategy = "retry-immediate"
	// StrategyRetryBackoff retries with exponential backoff and jitter,
	// capped at the configured max attempts.
	StrategyRetryBackoff Strategy = "retry-backoff"
	// StrategyEscalate raises a consultation instead of guessing.
	StrategyEscalate Strategy = "escalate-consultation"
	// StrategyCheckpointPause persists full state and pauses the item for a
	// later resume.
	StrategyCheckpointPause Strategy = "checkpoint-pause"
	// StrategyFailFast marks the item failed with no retry.
	StrategyFailFast Strategy = "fail-fast"
	// StrategyDegrade accepts a partial result and continues.
	StrategyDegrade Strategy = "degrade-continue"
)

// IsValid returns true if the strategy is a known recovery strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyRetryImmediate, StrategyRetryBackoff, StrategyEscalate,
		StrategyCheckpointPause, StrategyFailFast, StrategyDegrade:
		return true
	default:
		return false
	}
}

// defaultStrategies maps each category to exactly one default strategy.
// Per-run overrides are applied by the recovery manager; the defaults here
// are never implicit fallthrough.
var defaultStrategies = map[Category]Strategy{
	CategoryTransientNetwork:   StrategyRetryBackoff,
	CategoryRateLimit:          StrategyRetryBackoff,
	CategoryTimeout:            StrategyRetryBackoff,
	CategoryValidation:         StrategyEscalate,
	CategoryPartialAgent:       StrategyDegrade,
	CategoryResourceExhaustion: StrategyCheckpointPause,
	CategoryAuthentication:     StrategyFailFast,
	CategoryDataIntegrity:      StrategyEscalate,
	CategoryConfiguration:      StrategyFailFast,
	CategoryUnknown:            StrategyEscalate,
	CategoryCancelled:          StrategyFailFast,
}

// DefaultStrategy returns the default recovery strategy for a category.
func DefaultStrategy(cat Category) Strategy {
	if s, ok := defaultStrategies[cat]; ok {
		return s
	}
	return StrategyEscalate
}
