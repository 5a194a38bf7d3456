// Package failure provides the fixed error taxonomy for the Dossier pipeline:
// error categories, the classifier that maps arbitrary errors onto them, and
// the recovery strategies selected per category.
package failure

// Category classifies a pipeline failure. The set is fixed; new behavior is
// added by introducing new categories, never by repurposing existing ones.
type Category string

const (
	// CategoryTransientNetwork covers connection resets, DNS failures, and
	// other short-lived network errors.
	CategoryTransientNetwork Category = "transient-network"
	// CategoryRateLimit indicates a downstream rate limit (HTTP 429 or
	// provider-specific throttling).
	CategoryRateLimit Category = "rate-limit"
	// CategoryTimeout indicates a call exceeded its deadline.
	CategoryTimeout Category = "timeout"
	// CategoryValidation indicates a worker produced output that failed
	// structural validation.
	CategoryValidation Category = "validation-failure"
	// CategoryPartialAgent indicates some but not all parallel workers failed.
	CategoryPartialAgent Category = "partial-agent-failure"
	// CategoryResourceExhaustion indicates memory, disk, or quota exhaustion.
	CategoryResourceExhaustion Category = "resource-exhaustion"
	// CategoryAuthentication indicates rejected credentials.
	CategoryAuthentication Category = "authentication-failure"
	// CategoryDataIntegrity indicates corrupted or inconsistent stored state.
	CategoryDataIntegrity Category = "data-integrity-failure"
	// CategoryConfiguration indicates invalid or missing configuration.
	CategoryConfiguration Category = "configuration-failure"
	// CategoryUnknown is the default for errors no rule matched.
	CategoryUnknown Category = "unknown"

	// CategoryCancelled marks calls stopped by run cancellation. Added
	// alongside the base taxonomy so cancelled work is never reported as a
	// generic failure.
	CategoryCancelled Category = "cancelled"
)

// String returns the string representation of the category.
func (c Category) String() string {
	return string(c)
}

// IsValid returns true if the category is part of the taxonomy.
func (c Category) IsValid() bool {
	switch c {
	case CategoryTransientNetwork, CategoryRateLimit, CategoryTimeout,
		CategoryValidation, CategoryPartialAgent, CategoryResourceExhaustion,
		CategoryAuthentication, CategoryDataIntegrity, CategoryConfiguration,
		CategoryUnknown, CategoryCancelled:
		return true
	default:
		return false
	}
}

// Recoverable returns true if failures in this category may succeed on a
// later attempt or can be resolved without operator intervention.
func (c Category) Recoverable() bool {
	switch c {
	case CategoryTransientNetwork, CategoryRateLimit, CategoryTimeout,
		CategoryValidation, CategoryPartialAgent, CategoryResourceExhaustion:
		return true
	default:
		return false
	}
}

// Categories returns the full taxonomy in declaration order.
func Categories() []Category {
	return []Category{
		CategoryTransientNetwork,
		CategoryRateLimit,
		CategoryTimeout,
		CategoryValidation,
		CategoryPartialAgent,
		CategoryResourceExhaustion,
		CategoryAuthentication,
		CategoryDataIntegrity,
		CategoryConfiguration,
		CategoryUnknown,
		CategoryCancelled,
	}
}
