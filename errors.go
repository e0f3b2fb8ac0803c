package ensemble

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeConcurrency       = "CONCURRENCY_LIMIT"
	ErrCodeExecutorFailure   = "EXECUTOR_FAILURE"
	ErrCodeInvalidScore      = "INVALID_SCORE"
	ErrCodeScoreBelowMinimum = "SCORE_BELOW_MINIMUM"
	ErrCodeMaxRetries        = "MAX_RETRIES_EXCEEDED"
	ErrCodeStateConflict     = "STATE_CONFLICT"
	ErrCodeCondition         = "CONDITION_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodePanic             = "PANIC"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// EnsembleError represents a terminal error of an ensemble run
type EnsembleError struct {
	Message   string                 `json:"message" dynamodbav:"message"`
	Code      string                 `json:"code" dynamodbav:"code"`
	Step      string                 `json:"step,omitempty" dynamodbav:"step,omitempty"`
	Attempt   int                    `json:"attempt,omitempty" dynamodbav:"attempt,omitempty"`
	LastScore *ScoreRecord           `json:"lastScore,omitempty" dynamodbav:"last_score,omitempty"`
	Feedback  []string               `json:"feedback,omitempty" dynamodbav:"feedback,omitempty"`
	Timestamp time.Time              `json:"timestamp" dynamodbav:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty" dynamodbav:"details,omitempty"`
}

// Error implements the error interface
func (e *EnsembleError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s (step: %s)", e.Code, e.Message, e.Step)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewEnsembleError creates a new ensemble error
func NewEnsembleError(code, message string) *EnsembleError {
	return &EnsembleError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// WithDetails adds details to the error
func (e *EnsembleError) WithDetails(details map[string]interface{}) *EnsembleError {
	e.Details = details
	return e
}

// StepError represents an error during step execution
type StepError struct {
	Message   string                 `json:"message" dynamodbav:"message"`
	Code      string                 `json:"code" dynamodbav:"code"`
	Timestamp time.Time              `json:"timestamp" dynamodbav:"timestamp"`
	Attempt   int                    `json:"attempt" dynamodbav:"attempt"`
	Details   map[string]interface{} `json:"details,omitempty" dynamodbav:"details,omitempty"`
}

// Error implements the error interface
func (e *StepError) Error() string {
	return fmt.Sprintf("[%s] %s (attempt: %d)", e.Code, e.Message, e.Attempt)
}

// NewStepError creates a new step error
func NewStepError(code, message string, attempt int) *StepError {
	return &StepError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
		Attempt:   attempt,
	}
}

// ExecutorError means the operation itself errored (network, validation,
// timeout). It is never treated as a scoring outcome and always takes the
// workflow's standard error path.
type ExecutorError struct {
	StepID  string
	Attempt int
	Timeout bool
	Panic   bool
	Err     error
}

// Error implements the error interface
func (e *ExecutorError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("step %s timed out on attempt %d: %v", e.StepID, e.Attempt, e.Err)
	}
	return fmt.Sprintf("step %s failed on attempt %d: %v", e.StepID, e.Attempt, e.Err)
}

// Unwrap returns the underlying operation error
func (e *ExecutorError) Unwrap() error {
	return e.Err
}

// Code returns the persisted error code for this failure
func (e *ExecutorError) Code() string {
	switch {
	case e.Timeout:
		return ErrCodeTimeout
	case e.Panic:
		return ErrCodePanic
	default:
		return ErrCodeExecutorFailure
	}
}

// InvalidScoreError means an evaluator violated its contract, e.g. returned
// an empty breakdown or a score outside [0,1].
type InvalidScoreError struct {
	Evaluator string
	Reason    string
}

// Error implements the error interface
func (e *InvalidScoreError) Error() string {
	return fmt.Sprintf("evaluator %s returned an invalid score: %s", e.Evaluator, e.Reason)
}

// ScoringError signals a below-minimum score under the abort policy. It is
// workflow-fatal, not a recoverable per-step failure.
type ScoringError struct {
	StepID   string
	Score    float64
	Minimum  float64
	Feedback string
	Attempt  int
}

// Error implements the error interface
func (e *ScoringError) Error() string {
	return fmt.Sprintf("step %s scored %.3f below minimum %.3f (attempt %d)",
		e.StepID, e.Score, e.Minimum, e.Attempt)
}

// MaxRetriesError reports an exhausted retry budget, with the last observed
// score and accumulated feedback attached for diagnostics.
type MaxRetriesError struct {
	StepID    string
	Attempts  int
	LastScore *ScoreRecord
	Feedback  []string
}

// Error implements the error interface
func (e *MaxRetriesError) Error() string {
	if e.LastScore != nil {
		return fmt.Sprintf("step %s exhausted retries after %d attempts (last score %.3f)",
			e.StepID, e.Attempts, e.LastScore.Score)
	}
	return fmt.Sprintf("step %s exhausted retries after %d attempts", e.StepID, e.Attempts)
}

// StateConflictError means two members of a parallel group wrote the same
// state key. Neither write is applied.
type StateConflictError struct {
	Key   string
	Steps []string
}

// Error implements the error interface
func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict on key %q: written by steps %s",
		e.Key, strings.Join(e.Steps, ", "))
}

// ConditionError reports a malformed or unevaluable condition expression
type ConditionError struct {
	StepID string
	Expr   string
	Err    error
}

// Error implements the error interface
func (e *ConditionError) Error() string {
	return fmt.Sprintf("step %s condition %q: %v", e.StepID, e.Expr, e.Err)
}

// Unwrap returns the underlying evaluation error
func (e *ConditionError) Unwrap() error {
	return e.Err
}

// ToEnsembleError converts any error into the persisted run-error shape,
// preserving the failing step, attempt count, last score, and feedback where
// the typed errors carry them.
func ToEnsembleError(err error) *EnsembleError {
	if err == nil {
		return nil
	}

	var ee *EnsembleError
	if errors.As(err, &ee) {
		return ee
	}

	out := &EnsembleError{
		Message:   err.Error(),
		Code:      ErrCodeInternalError,
		Timestamp: time.Now(),
	}

	var exec *ExecutorError
	var scoring *ScoringError
	var retries *MaxRetriesError
	var conflict *StateConflictError
	var cond *ConditionError
	var invalid *InvalidScoreError

	switch {
	case errors.As(err, &exec):
		out.Code = exec.Code()
		out.Step = exec.StepID
		out.Attempt = exec.Attempt
	case errors.As(err, &scoring):
		out.Code = ErrCodeScoreBelowMinimum
		out.Step = scoring.StepID
		out.Attempt = scoring.Attempt
		if scoring.Feedback != "" {
			out.Feedback = []string{scoring.Feedback}
		}
	case errors.As(err, &retries):
		out.Code = ErrCodeMaxRetries
		out.Step = retries.StepID
		out.Attempt = retries.Attempts
		out.LastScore = retries.LastScore
		out.Feedback = retries.Feedback
	case errors.As(err, &conflict):
		out.Code = ErrCodeStateConflict
	case errors.As(err, &cond):
		out.Code = ErrCodeCondition
		out.Step = cond.StepID
	case errors.As(err, &invalid):
		out.Code = ErrCodeInvalidScore
	}

	return out
}

// IsTimeoutError checks if an error is a timeout error
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var exec *ExecutorError
	if errors.As(err, &exec) {
		return exec.Timeout
	}
	if se, ok := err.(*StepError); ok {
		return se.Code == ErrCodeTimeout
	}
	return strings.Contains(err.Error(), "context deadline exceeded")
}
