package model

import "errors"

// Non-transient error kinds. Anything wrapping one of these is surfaced
// immediately instead of being retried.
var (
	ErrContentPolicy      = errors.New("content policy rejection")
	ErrNotFound           = errors.New("resource not found")
	ErrInsufficientBudget = errors.New("insufficient budget")
	ErrMissingInput       = errors.New("missing required input")
)

var nonTransient = []error{
	ErrContentPolicy,
	ErrNotFound,
	ErrInsufficientBudget,
	ErrMissingInput,
}

func IsNonTransient(err error) bool {
	for _, kind := range nonTransient {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
