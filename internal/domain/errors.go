package domain

import "errors"

// Domain errors
var (
	ErrFixtureNotFound    = errors.New("fixture not found")
	ErrPredictionNotFound = errors.New("prediction not found")
	ErrBudgetExhausted    = errors.New("daily provider budget exhausted")
	ErrProviderFailure    = errors.New("provider request failed")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInternalError      = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrFixtureNotFound) || errors.Is(err, ErrPredictionNotFound)
}
