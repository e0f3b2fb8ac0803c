package ensemble

import "context"

// Store defines the persistence interface for ensemble runs
type Store interface {
	// Ensemble runs
	CreateRun(ctx context.Context, run *EnsembleRun) error
	GetRun(ctx context.Context, runID string) (*EnsembleRun, error)
	UpdateRun(ctx context.Context, run *EnsembleRun) error
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, err *EnsembleError) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*EnsembleRun, error)

	// Step executions
	CreateStepExecution(ctx context.Context, exec *StepExecution) error
	GetStepExecution(ctx context.Context, runID, stepID string) (*StepExecution, error)
	UpdateStepExecution(ctx context.Context, exec *StepExecution) error
	ListStepExecutions(ctx context.Context, runID string) ([]*StepExecution, error)

	// Step outputs (for inter-step communication)
	SaveStepOutput(ctx context.Context, runID, stepID string, output []byte) error
	LoadStepOutput(ctx context.Context, runID, stepID string) ([]byte, error)

	// Run state
	SaveState(ctx context.Context, runID, key string, value []byte) error
	LoadState(ctx context.Context, runID, key string) ([]byte, error)
	DeleteState(ctx context.Context, runID, key string) error
	GetAllState(ctx context.Context, runID string) (map[string][]byte, error)

	// Score history (append-only, seq preserves evaluation order)
	SaveScoreRecord(ctx context.Context, runID string, seq int, rec *ScoreRecord) error
	ListScoreRecords(ctx context.Context, runID string) ([]*ScoreRecord, error)

	// Queries
	CountRunsByStatus(ctx context.Context, resourceID string, status RunStatus) (int, error)
}

// RunFilter defines filtering criteria for ensemble runs
type RunFilter struct {
	EnsembleID string
	Status     *RunStatus
	ResourceID string
	Limit      int
	LastKey    map[string]interface{}
}
