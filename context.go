package ensemble

import (
	"context"

	"github.com/rs/zerolog"
)

// OperationContext is passed to operations and evaluators. It carries the
// run identity, the attempt number, a logger pre-tagged with both, and the
// step's isolated state view.
type OperationContext struct {
	context.Context

	RunID   string
	StepID  string
	Attempt int // 1-based

	Logger zerolog.Logger

	// State is the step's isolated view; reads are limited to the step's
	// declared use keys and writes stay staged until the step commits.
	State *StateView
}

// IsRetry reports whether this execution is a retry attempt
func (c *OperationContext) IsRetry() bool {
	return c.Attempt > 1
}
