// Package engine parses and evaluates calculator expressions.
//
// The daemon only depends on the Engine interface: Create turns text into a
// Handle, Evaluate computes a float64 from it, and Destroy releases it. Parse
// failures are reported as ErrSyntax. All arithmetic is done in float64;
// results that leave the real domain (NaN) or overflow (±Inf) are reported as
// ErrDomain and ErrRange.
package engine

import (
	"context"
	"errors"
)

var (
	// ErrSyntax is returned by Create when the text is not a valid expression.
	ErrSyntax = errors.New("invalid expression")

	// ErrDomain is returned when the result is not a real number, e.g. log(-1)
	// or 5 % 0.
	ErrDomain = errors.New("domain error")

	// ErrRange is returned when the result overflows float64, e.g. 1/0 or
	// exp(1000).
	ErrRange = errors.New("range error")

	// ErrEvaluation is returned for other runtime failures, e.g. a value of
	// a non-numeric type.
	ErrEvaluation = errors.New("evaluation failed")

	// ErrTimeout is returned when evaluation outlives its context.
	ErrTimeout = errors.New("evaluation timed out")

	// ErrReleased is returned when a destroyed handle is evaluated.
	ErrReleased = errors.New("handle released")
)

// Handle is a parsed expression ready for evaluation.
type Handle interface {
	// Source returns the text the handle was created from.
	Source() string
}

// Engine is the expression capability used by the dispatcher.
type Engine interface {
	Create(expression string) (Handle, error)
	Evaluate(ctx context.Context, h Handle) (float64, error)
	Destroy(h Handle)
}

// IsCalculationError reports whether err came from evaluating a well-formed
// expression, as opposed to parsing one.
func IsCalculationError(err error) bool {
	return errors.Is(err, ErrDomain) ||
		errors.Is(err, ErrRange) ||
		errors.Is(err, ErrEvaluation) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrReleased)
}
