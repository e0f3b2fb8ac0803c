package ensemble

import (
	"encoding/json"
	"time"
)

// RunStatus represents the current state of an ensemble execution
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal returns true if the status is a final state
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// String returns the string representation
func (s RunStatus) String() string {
	return string(s)
}

// StepStatus represents the current state of a step execution
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusScoring   StepStatus = "SCORING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
	StepStatusRetrying  StepStatus = "RETRYING"
)

// IsTerminal returns true if the status is a final state
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// String returns the string representation
func (s StepStatus) String() string {
	return string(s)
}

// OutcomeStatus is the terminal result of a scoring-gated step attempt loop
type OutcomeStatus string

const (
	OutcomePassed             OutcomeStatus = "passed"
	OutcomeBelowThreshold     OutcomeStatus = "below_threshold"
	OutcomeMaxRetriesExceeded OutcomeStatus = "max_retries_exceeded"
	OutcomeAborted            OutcomeStatus = "aborted"
	OutcomeSkipped            OutcomeStatus = "skipped"
)

// String returns the string representation
func (s OutcomeStatus) String() string {
	return string(s)
}

// EnsembleRun represents a single ensemble execution instance
type EnsembleRun struct {
	// Identity
	RunID           string `json:"runId" dynamodbav:"run_id"`
	EnsembleID      string `json:"ensembleId" dynamodbav:"ensemble_id"`
	EnsembleVersion string `json:"ensembleVersion" dynamodbav:"ensemble_version"`

	// Status
	Status   RunStatus `json:"status" dynamodbav:"status"`
	Progress float64   `json:"progress" dynamodbav:"progress"` // 0.0 to 1.0

	// Timing
	CreatedAt   time.Time  `json:"createdAt" dynamodbav:"created_at"`
	StartedAt   *time.Time `json:"startedAt,omitempty" dynamodbav:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty" dynamodbav:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt" dynamodbav:"updated_at"`

	// Input/Output (serialized as JSON bytes)
	Input  json.RawMessage `json:"input,omitempty" dynamodbav:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty" dynamodbav:"output,omitempty"`

	// Error handling
	Error *EnsembleError `json:"error,omitempty" dynamodbav:"error,omitempty"`

	// Aggregated quality metrics at completion time
	Quality *QualityMetrics `json:"quality,omitempty" dynamodbav:"quality,omitempty"`

	// Metadata
	ResourceID string            `json:"resourceId,omitempty" dynamodbav:"resource_id,omitempty"`
	Trigger    *TriggerInfo      `json:"trigger,omitempty" dynamodbav:"trigger,omitempty"`
	Tags       map[string]string `json:"tags,omitempty" dynamodbav:"tags,omitempty"`

	// DynamoDB TTL
	TTL int64 `json:"-" dynamodbav:"ttl,omitempty"`
}

// TriggerInfo captures what initiated the ensemble run
type TriggerInfo struct {
	Type      string            `json:"type" dynamodbav:"type"`     // "api", "schedule", "event"
	Source    string            `json:"source" dynamodbav:"source"` // User ID, system name, etc.
	Timestamp time.Time         `json:"timestamp" dynamodbav:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty" dynamodbav:"metadata,omitempty"`
}

// StepExecution tracks individual step execution within an ensemble run
type StepExecution struct {
	// Identity
	RunID  string `json:"runId" dynamodbav:"run_id"`
	StepID string `json:"stepId" dynamodbav:"step_id"`

	// Status
	Status  StepStatus    `json:"status" dynamodbav:"status"`
	Outcome OutcomeStatus `json:"outcome,omitempty" dynamodbav:"outcome,omitempty"`

	// Timing
	StartedAt   *time.Time `json:"startedAt,omitempty" dynamodbav:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty" dynamodbav:"completed_at,omitempty"`
	DurationMs  int64      `json:"durationMs" dynamodbav:"duration_ms"`

	// Input/Output (serialized as JSON bytes)
	Input  json.RawMessage `json:"input,omitempty" dynamodbav:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty" dynamodbav:"output,omitempty"`

	// Scoring
	LastScore *ScoreRecord `json:"lastScore,omitempty" dynamodbav:"last_score,omitempty"`

	// Error handling
	Error   *StepError `json:"error,omitempty" dynamodbav:"error,omitempty"`
	Attempt int        `json:"attempt" dynamodbav:"attempt"` // Latest attempt, 1-based

	// Metadata
	CreatedAt time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// ScoreRecord is one evaluation outcome. Records are append-only: every
// evaluation produces one record, including attempts that fail the threshold.
type ScoreRecord struct {
	StepID     string             `json:"stepId" dynamodbav:"step_id"`
	Score      float64            `json:"score" dynamodbav:"score"`
	Breakdown  map[string]float64 `json:"breakdown" dynamodbav:"breakdown"`
	Feedback   string             `json:"feedback,omitempty" dynamodbav:"feedback,omitempty"`
	Confidence float64            `json:"confidence,omitempty" dynamodbav:"confidence,omitempty"`
	Passed     bool               `json:"passed" dynamodbav:"passed"`
	Attempt    int                `json:"attempt" dynamodbav:"attempt"` // 1-based
	Timestamp  time.Time          `json:"timestamp" dynamodbav:"timestamp"`
}

// QualityMetrics is derived from the score history. It is recomputed on every
// append and never mutated independently.
type QualityMetrics struct {
	EnsembleScore     float64            `json:"ensembleScore" dynamodbav:"ensemble_score"`
	AverageScore      float64            `json:"averageScore" dynamodbav:"average_score"`
	MinScore          float64            `json:"minScore" dynamodbav:"min_score"`
	MaxScore          float64            `json:"maxScore" dynamodbav:"max_score"`
	TotalEvaluations  int                `json:"totalEvaluations" dynamodbav:"total_evaluations"`
	PassRate          float64            `json:"passRate" dynamodbav:"pass_rate"`
	CriteriaBreakdown map[string]float64 `json:"criteriaBreakdown,omitempty" dynamodbav:"criteria_breakdown,omitempty"`
}

// EvaluationResult is what an evaluator returns for one step output.
// The composite score is computed by the engine from the breakdown (see
// CompositeScore), keeping evaluators pure with respect to workflow policy.
type EvaluationResult struct {
	Breakdown  map[string]float64 `json:"breakdown"`
	Feedback   string             `json:"feedback,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
}

// StepOutcome is the result of one scoring-gated step attempt loop, produced
// per step and consumed by the scheduler.
type StepOutcome struct {
	StepID   string          `json:"stepId"`
	Status   OutcomeStatus   `json:"status"`
	Output   json.RawMessage `json:"output,omitempty"` // nil on exhaustion
	Score    *ScoreRecord    `json:"score,omitempty"`  // last observed score, if scoring enabled
	Attempts int             `json:"attempts"`
}
