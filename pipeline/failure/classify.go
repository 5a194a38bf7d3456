package failure

import (
	"context"
	"errors"
	"time"
)

// ErrorRecord captures a classified failure. Records are attached to the
// StageResult that failed and forwarded to the audit trail; they are never
// silently discarded.
type ErrorRecord struct {
	// Category is the taxonomy category for this failure.
	Category Category `json:"category"`

	// Message is the error text.
	Message string `json:"message"`

	// Diagnostic carries context for operators (endpoint, worker kind, etc).
	Diagnostic map[string]string `json:"diagnostic,omitempty"`

	// Attempt is the attempt number that produced this failure (1-based).
	Attempt int `json:"attempt"`

	// Recoverable mirrors Category.Recoverable at classification time.
	Recoverable bool `json:"recoverable"`

	// At is when the failure was classified.
	At time.Time `json:"at"`
}

// CategorizedError wraps an error with an explicit taxonomy category.
// Workers and stores use Wrap to pre-classify errors they understand;
// Classify honors the wrapper before falling back to its own rules.
type CategorizedError struct {
	Cat Category
	err error
}

func (e *CategorizedError) Error() string {
	return e.err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.err
}

// Wrap attaches a category to an error.
func Wrap(cat Category, err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Cat: cat, err: err}
}

// CategoryOf returns the category carried by err, or CategoryUnknown if the
// error was never wrapped.
func CategoryOf(err error) Category {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Cat
	}
	return CategoryUnknown
}

// Classify maps an error to an ErrorRecord. The mapping is pure: the same
// error always yields the same category. Unwrapped errors default to
// CategoryUnknown so they escalate instead of retrying indefinitely.
func Classify(err error, attempt int) *ErrorRecord {
	if err == nil {
		return nil
	}

	cat := CategoryUnknown
	switch {
	case errors.Is(err, context.Canceled):
		cat = CategoryCancelled
	case errors.Is(err, context.DeadlineExceeded):
		cat = CategoryTimeout
	default:
		var ce *CategorizedError
		if errors.As(err, &ce) {
			cat = ce.Cat
		}
	}

	return &ErrorRecord{
		Category:    cat,
		Message:     err.Error(),
		Attempt:     attempt,
		Recoverable: cat.Recoverable(),
		At:          time.Now().UTC(),
	}
}
