// Package diag provides a result-with-diagnostics return type for batch
// pipelines: a value plus the non-fatal warnings accumulated while producing
// it. Components substitute sentinel values for bad input instead of failing,
// and the warnings travel with the value so they can be attributed later.
package diag

import "fmt"

// Result carries a value together with the warnings recorded while
// producing it. Warnings are non-fatal: the value is always usable.
type Result[T any] struct {
	Value    T
	Warnings []string
}

// OK wraps a value with no warnings.
func OK[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Warnf appends a formatted warning.
func (r *Result[T]) Warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Warn appends a warning message.
func (r *Result[T]) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Absorb appends another result's warnings.
func (r *Result[T]) Absorb(warnings []string) {
	r.Warnings = append(r.Warnings, warnings...)
}

// HasWarnings reports whether any warning was recorded.
func (r *Result[T]) HasWarnings() bool {
	return len(r.Warnings) > 0
}
