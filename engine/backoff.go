package engine

import (
	"time"

	"github.com/sicko7947/ensemble-go"
)

// InitialRetryDelay is the delay before the first retry regardless of the
// backoff strategy.
const InitialRetryDelay = 1000 * time.Millisecond

// LinearIncrement is the per-retry delay growth under the linear strategy
const LinearIncrement = 1000 * time.Millisecond

// NextDelay derives the delay for the retry after the current one:
// fixed keeps the delay unchanged, linear adds a constant increment, and
// exponential doubles it.
func NextDelay(current time.Duration, strategy ensemble.BackoffStrategy) time.Duration {
	switch strategy {
	case ensemble.BackoffLinear:
		return current + LinearIncrement
	case ensemble.BackoffExponential:
		return current * 2
	default:
		return current
	}
}
